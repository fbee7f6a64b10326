package guac

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/yogzblr/guacamole-lite/internal/domain"
)

// Conn is the control channel to guacd. Reads are single-goroutine (the
// relay pump owns them); writes are serialized behind a mutex because the
// relay, the upload pipeline, download acks and the keepalive ticker all
// write concurrently.
type Conn struct {
	nc net.Conn
	r  *Reader

	writeMu sync.Mutex

	// GuacdID is the connection id announced by guacd's ready
	// instruction, empty before Handshake completes.
	GuacdID string
}

// Dial opens a control channel to guacd.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("guacd dial %s: %w", addr, err)
	}
	return NewConn(nc), nil
}

// NewConn wraps an established transport. Exposed so tests can drive the
// protocol over net.Pipe.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: NewReader(nc)}
}

// Write sends one instruction. Safe for concurrent use.
func (c *Conn) Write(in Instruction) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write([]byte(in.String()))
	return err
}

// WriteRaw forwards already-encoded instruction text (the relay passes
// client frames through without re-encoding them).
func (c *Conn) WriteRaw(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write(raw)
	return err
}

// Read returns the next instruction from guacd.
func (c *Conn) Read() (Instruction, error) {
	return c.r.ReadInstruction()
}

// Resync realigns the reader on the next instruction boundary after a
// framing error.
func (c *Conn) Resync() error { return c.r.Resync() }

func (c *Conn) Close() error { return c.nc.Close() }

// Handshake negotiates the connection: select the protocol (or join an
// existing connection), answer the declared argument list, and wait for
// ready. Returns the guacd connection id.
func (c *Conn) Handshake(ctx context.Context, spec domain.ConnectionSpec) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetDeadline(deadline)
		defer c.nc.SetDeadline(time.Time{})
	}

	selected := spec.Type
	if spec.Join != "" {
		selected = spec.Join
	}
	if selected == "" {
		return "", fmt.Errorf("handshake: connection has neither type nor join id")
	}
	if err := c.Write(New(OpSelect, selected)); err != nil {
		return "", fmt.Errorf("handshake select: %w", err)
	}

	args, err := c.expect(OpArgs)
	if err != nil {
		return "", err
	}

	if err := c.Write(New(OpSize,
		setting(spec, "width", "1024"),
		setting(spec, "height", "768"),
		setting(spec, "dpi", "96"),
	)); err != nil {
		return "", fmt.Errorf("handshake size: %w", err)
	}
	if err := c.Write(New(OpAudio, "audio/L16")); err != nil {
		return "", fmt.Errorf("handshake audio: %w", err)
	}
	if err := c.Write(New(OpVideo)); err != nil {
		return "", fmt.Errorf("handshake video: %w", err)
	}
	if err := c.Write(New(OpImage, "image/png", "image/jpeg", "image/webp")); err != nil {
		return "", fmt.Errorf("handshake image: %w", err)
	}
	if tz := spec.Settings["timezone"]; tz != "" {
		if err := c.Write(New(OpTimezone, tz)); err != nil {
			return "", fmt.Errorf("handshake timezone: %w", err)
		}
	}

	// The connect values answer the declared args positionally. A
	// VERSION_* pseudo-arg (protocol >= 1.1.0) is echoed back as-is;
	// unknown settings are sent empty.
	values := make([]string, len(args.Args))
	for i, name := range args.Args {
		if strings.HasPrefix(name, "VERSION_") {
			values[i] = name
			continue
		}
		values[i] = spec.Settings[name]
	}
	if err := c.Write(New(OpConnect, values...)); err != nil {
		return "", fmt.Errorf("handshake connect: %w", err)
	}

	ready, err := c.expect(OpReady)
	if err != nil {
		return "", err
	}
	if len(ready.Args) == 0 {
		return "", fmt.Errorf("handshake: ready carried no connection id")
	}
	c.GuacdID = ready.Args[0]
	return c.GuacdID, nil
}

// expect reads instructions until one with the wanted opcode arrives.
// Keepalives are skipped; an error instruction aborts the handshake.
func (c *Conn) expect(opcode string) (Instruction, error) {
	for {
		in, err := c.Read()
		if err != nil {
			return Instruction{}, fmt.Errorf("handshake awaiting %s: %w", opcode, err)
		}
		switch in.Opcode {
		case opcode:
			return in, nil
		case OpNop:
			continue
		case OpError:
			return Instruction{}, fmt.Errorf("handshake: guacd error %v", in.Args)
		default:
			return Instruction{}, fmt.Errorf("handshake: expected %s, got %s", opcode, in.Opcode)
		}
	}
}

func setting(spec domain.ConnectionSpec, key, def string) string {
	if v := spec.Settings[key]; v != "" {
		return v
	}
	return def
}
