package guac

import (
	"bufio"
	"fmt"
	"io"

	"github.com/yogzblr/guacamole-lite/internal/domain"
)

// maxElementLength bounds a single element. Upload chunks are base64 text,
// so the largest legitimate element is ~4/3 of the chunk ceiling; 64 MiB
// leaves generous headroom while still rejecting absurd length prefixes
// before allocating.
const maxElementLength = 64 << 20

// Reader tokenizes instructions from a byte stream by walking declared
// element lengths. It never scans payload bytes for delimiters.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// ReadInstruction returns the next complete instruction. An io.EOF (or
// any transport error) is returned verbatim; malformed framing yields a
// *domain.FramingError.
func (r *Reader) ReadInstruction() (Instruction, error) {
	var elems []string
	for {
		length, err := r.readLength()
		if err != nil {
			return Instruction{}, err
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r.br, payload); err != nil {
			return Instruction{}, unexpectedEOF(err)
		}
		elems = append(elems, string(payload))
		sep, err := r.br.ReadByte()
		if err != nil {
			return Instruction{}, unexpectedEOF(err)
		}
		switch sep {
		case ',':
			// next element
		case ';':
			return Instruction{Opcode: elems[0], Args: elems[1:]}, nil
		default:
			return Instruction{}, &domain.FramingError{
				Reason: fmt.Sprintf("declared length does not match element (got %q after %d bytes)", sep, length),
			}
		}
	}
}

// Resync discards input up to and including the next instruction
// terminator. A framing error is fatal to the instruction that carried
// it, not to the channel, so the pump skips the damaged instruction and
// realigns on the terminator.
//
// Known limitation: an over-declared length prefix makes ReadInstruction
// consume bytes of the following instruction before the error surfaces,
// so the realignment point can fall inside that instruction and Resync
// drops it too. The channel still recovers on the boundary after it.
func (r *Reader) Resync() error {
	_, err := r.br.ReadString(';')
	return err
}

// readLength consumes the decimal length prefix and its trailing period.
func (r *Reader) readLength() (int, error) {
	length := -1
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			if length >= 0 {
				return 0, unexpectedEOF(err)
			}
			return 0, err
		}
		switch {
		case b >= '0' && b <= '9':
			if length < 0 {
				length = 0
			}
			length = length*10 + int(b-'0')
			if length > maxElementLength {
				return 0, &domain.FramingError{Reason: "element length exceeds limit"}
			}
		case b == '.':
			if length < 0 {
				return 0, &domain.FramingError{Reason: "empty length prefix"}
			}
			return length, nil
		default:
			return 0, &domain.FramingError{Reason: fmt.Sprintf("invalid length byte %q", b)}
		}
	}
}

// unexpectedEOF maps a mid-instruction EOF to io.ErrUnexpectedEOF so the
// caller can distinguish a clean close between instructions from a close
// that truncated one.
func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
