package tunnel

import (
	"encoding/base64"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yogzblr/guacamole-lite/internal/domain"
	"github.com/yogzblr/guacamole-lite/internal/guac"
)

// DefaultChunkSize is the upload chunk ceiling. It is a tuning knob, not
// a protocol limit; the daemon accepts any blob the channel can carry.
const DefaultChunkSize = 4 << 20

// Tunnel is the live handle for one session: the guacd control channel,
// the negotiated connection spec, and the transfer streams currently open
// on it. All stream-map mutation is serialized behind mu; instruction
// writes are serialized inside guac.Conn.
type Tunnel struct {
	ID        string
	Spec      domain.ConnectionSpec
	StartedAt time.Time

	conn      *guac.Conn
	chunkSize int
	log       zerolog.Logger

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

// New wraps a handshaken guacd connection. chunkSize <= 0 selects the
// default.
func New(id string, spec domain.ConnectionSpec, conn *guac.Conn, chunkSize int, log zerolog.Logger) *Tunnel {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Tunnel{
		ID:        id,
		Spec:      spec,
		StartedAt: time.Now().UTC(),
		conn:      conn,
		chunkSize: chunkSize,
		log:       log.With().Str("session", id).Logger(),
		streams:   make(map[string]*stream),
	}
}

// Conn exposes the control channel for the relay pump.
func (t *Tunnel) Conn() *guac.Conn { return t.conn }

// GuacdID returns the daemon-side connection id from the handshake.
func (t *Tunnel) GuacdID() string { return t.conn.GuacdID }

// Session returns the serializable view.
func (t *Tunnel) Session() domain.Session {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	return domain.Session{
		ID:        t.ID,
		Protocol:  t.Spec.Type,
		GuacdID:   t.conn.GuacdID,
		StartedAt: t.StartedAt,
		Closed:    closed,
	}
}

// Close tears down the control channel and force-finalizes every open
// transfer stream as failed. Idempotent.
func (t *Tunnel) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	orphans := make([]*stream, 0, len(t.streams))
	for _, s := range t.streams {
		orphans = append(orphans, s)
	}
	t.streams = make(map[string]*stream)
	t.mu.Unlock()

	_ = t.conn.Close()
	for _, s := range orphans {
		s.finish(domain.ErrTransferAborted)
	}
	if len(orphans) > 0 {
		t.log.Warn().Int("streams", len(orphans)).Msg("tunnel closed with transfers in flight")
	}
}

// stream is one in-flight transfer. bytes is atomic because HTTP handlers
// read progress while the relay goroutine writes it.
type stream struct {
	index     string
	direction domain.Direction
	filename  string

	bytes  atomic.Int64
	status domain.StreamStatus

	// sink receives decoded download bytes in arrival order. Nil for
	// uploads. Guarded by sinkMu so a blob racing with teardown can
	// never write after the stream went terminal and its waiter
	// returned.
	sinkMu sync.Mutex
	sink   io.Writer

	once sync.Once
	done chan struct{}
	err  error
}

func newStream(index string, dir domain.Direction, filename string, sink io.Writer) *stream {
	return &stream{
		index:     index,
		direction: dir,
		filename:  filename,
		status:    domain.StreamActive,
		sink:      sink,
		done:      make(chan struct{}),
	}
}

// writeSink delivers decoded bytes unless the stream already reached a
// terminal state. Reports whether the write was attempted.
func (s *stream) writeSink(p []byte) (bool, error) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	if s.sink == nil {
		return false, nil
	}
	_, err := s.sink.Write(p)
	return true, err
}

// finish moves the stream to its terminal state exactly once. The sink is
// detached first, under its lock, so done never closes while a write is
// in flight and nothing writes after done closes.
func (s *stream) finish(err error) {
	s.once.Do(func() {
		s.sinkMu.Lock()
		s.sink = nil
		s.sinkMu.Unlock()
		s.err = err
		if err != nil {
			s.status = domain.StreamFailed
		} else {
			s.status = domain.StreamCompleted
		}
		close(s.done)
	})
}

func (s *stream) view(sessionID string) domain.TransferStream {
	return domain.TransferStream{
		SessionID:   sessionID,
		StreamIndex: s.index,
		Direction:   s.direction,
		Filename:    s.filename,
		Bytes:       s.bytes.Load(),
		Status:      s.status,
	}
}

// registerStream reserves (session, index). A second registration for a
// live index is ErrStreamConflict: overwriting would hijack an in-flight
// transfer.
func (t *Tunnel) registerStream(s *stream) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.ErrConnectionNotFound
	}
	if _, exists := t.streams[s.index]; exists {
		return domain.ErrStreamConflict
	}
	t.streams[s.index] = s
	return nil
}

// removeStream releases the index slot. Safe to call after Close.
func (t *Tunnel) removeStream(index string) {
	t.mu.Lock()
	delete(t.streams, index)
	t.mu.Unlock()
}

func (t *Tunnel) getStream(index string) *stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[index]
}

// OpenStreams returns views of every live transfer, for diagnostics.
func (t *Tunnel) OpenStreams() []domain.TransferStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.TransferStream, 0, len(t.streams))
	for _, s := range t.streams {
		out = append(out, s.view(t.ID))
	}
	return out
}

// Intercept inspects one instruction arriving from guacd and consumes it
// when it belongs to a registered transfer stream. Returns true when the
// instruction must not be forwarded to the websocket client. Called only
// from the relay read goroutine, so sink writes preserve arrival order.
func (t *Tunnel) Intercept(in guac.Instruction) bool {
	if len(in.Args) == 0 {
		return false
	}
	index := in.Args[0]

	switch in.Opcode {
	case guac.OpBlob:
		s := t.getStream(index)
		if s == nil || s.direction != domain.DirectionDownload {
			return false
		}
		if len(in.Args) < 2 {
			t.failStream(index, &domain.FramingError{Reason: "blob without payload"})
			return true
		}
		payload, err := base64.StdEncoding.DecodeString(in.Args[1])
		if err != nil {
			t.failStream(index, &domain.FramingError{Reason: "blob payload is not base64"})
			return true
		}
		wrote, err := s.writeSink(payload)
		if !wrote {
			// Stream went terminal while this blob was in flight.
			return true
		}
		if err != nil {
			// Response side went away; stop the transfer.
			t.failStream(index, domain.ErrTransferAborted)
			return true
		}
		s.bytes.Add(int64(len(payload)))
		// Ack each blob so the daemon keeps the stream flowing.
		if err := t.conn.Write(guac.New(guac.OpAck, index, "OK", "0")); err != nil {
			t.failStream(index, domain.ErrTransferAborted)
		}
		return true

	case guac.OpEnd:
		s := t.getStream(index)
		if s == nil || s.direction != domain.DirectionDownload {
			return false
		}
		t.removeStream(index)
		s.finish(nil)
		return true

	case guac.OpAck:
		// Flow-control acks for an upload this bridge originated; the
		// websocket client never saw the stream, so swallow them.
		s := t.getStream(index)
		return s != nil && s.direction == domain.DirectionUpload
	}
	return false
}

// failStream finalizes a stream as failed and releases its slot.
func (t *Tunnel) failStream(index string, err error) {
	s := t.getStream(index)
	if s == nil {
		return
	}
	t.removeStream(index)
	s.finish(err)
	t.log.Warn().Err(err).Str("stream", index).Msg("transfer stream failed")
}
