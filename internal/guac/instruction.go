package guac

import (
	"strconv"
	"strings"

	"github.com/yogzblr/guacamole-lite/internal/domain"
)

// Guacamole instruction framing: an instruction is a comma-separated list
// of elements terminated by a semicolon, and every element is prefixed by
// its UTF-8 byte length and a period, e.g. "abc" is encoded as "3.abc".
// Element payloads may contain commas, periods and semicolons — decoding
// must walk declared lengths, never split on delimiters.

// Opcodes this bridge produces or inspects.
const (
	OpSelect     = "select"
	OpArgs       = "args"
	OpSize       = "size"
	OpAudio      = "audio"
	OpVideo      = "video"
	OpImage      = "image"
	OpTimezone   = "timezone"
	OpConnect    = "connect"
	OpReady      = "ready"
	OpBlob       = "blob"
	OpEnd        = "end"
	OpAck        = "ack"
	OpFile       = "file"
	OpNop        = "nop"
	OpDisconnect = "disconnect"
	OpError      = "error"
)

// Instruction is one decoded protocol message.
type Instruction struct {
	Opcode string
	Args   []string
}

// New builds an instruction.
func New(opcode string, args ...string) Instruction {
	return Instruction{Opcode: opcode, Args: args}
}

// String encodes the instruction in wire format. The result round-trips
// through Decode to the identical (opcode, args) pair.
func (in Instruction) String() string {
	var b strings.Builder
	writeElement(&b, in.Opcode)
	for _, a := range in.Args {
		b.WriteByte(',')
		writeElement(&b, a)
	}
	b.WriteByte(';')
	return b.String()
}

func writeElement(b *strings.Builder, elem string) {
	b.WriteString(strconv.Itoa(len(elem)))
	b.WriteByte('.')
	b.WriteString(elem)
}

// Decode parses exactly one instruction from raw. The input must be a
// single complete instruction including the trailing semicolon; anything
// else is a *domain.FramingError.
func Decode(raw string) (Instruction, error) {
	elems, rest, err := decodeElements(raw)
	if err != nil {
		return Instruction{}, err
	}
	if rest != "" {
		return Instruction{}, &domain.FramingError{Reason: "trailing data after terminator", Raw: raw}
	}
	return Instruction{Opcode: elems[0], Args: elems[1:]}, nil
}

// decodeElements walks one instruction off the front of raw and returns
// its elements plus whatever follows the terminator.
func decodeElements(raw string) ([]string, string, error) {
	if raw == "" {
		return nil, "", &domain.FramingError{Reason: "empty instruction"}
	}
	var elems []string
	pos := 0
	for {
		dot := strings.IndexByte(raw[pos:], '.')
		if dot < 0 {
			return nil, "", &domain.FramingError{Reason: "missing length separator", Raw: raw}
		}
		length, err := strconv.Atoi(raw[pos : pos+dot])
		if err != nil || length < 0 {
			return nil, "", &domain.FramingError{Reason: "invalid element length", Raw: raw}
		}
		start := pos + dot + 1
		end := start + length
		if end > len(raw) {
			return nil, "", &domain.FramingError{Reason: "declared length exceeds data", Raw: raw}
		}
		if end == len(raw) {
			return nil, "", &domain.FramingError{Reason: "missing terminator", Raw: raw}
		}
		elems = append(elems, raw[start:end])
		switch raw[end] {
		case ',':
			pos = end + 1
		case ';':
			return elems, raw[end+1:], nil
		default:
			return nil, "", &domain.FramingError{Reason: "declared length does not match element", Raw: raw}
		}
	}
}
