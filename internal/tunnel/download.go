package tunnel

import (
	"context"
	"io"

	"github.com/yogzblr/guacamole-lite/internal/domain"
	"github.com/yogzblr/guacamole-lite/internal/guac"
)

// Download is the pending-response handle returned by BeginDownload. The
// relay's Intercept path feeds the sink; Wait blocks the HTTP handler
// until the stream reaches a terminal state.
type Download struct {
	t *Tunnel
	s *stream
}

// BeginDownload registers a download stream for streamIndex with sink as
// its destination, then acks the stream so the daemon starts sending
// blobs. The ack is on the wire before any byte can reach the sink.
func (t *Tunnel) BeginDownload(streamIndex, filename string, sink io.Writer) (*Download, error) {
	s := newStream(streamIndex, domain.DirectionDownload, filename, sink)
	if err := t.registerStream(s); err != nil {
		return nil, err
	}
	if err := t.conn.Write(guac.New(guac.OpAck, streamIndex, "OK", "0")); err != nil {
		t.removeStream(streamIndex)
		s.finish(domain.ErrTransferAborted)
		return nil, domain.ErrTransferAborted
	}
	t.log.Info().Str("stream", streamIndex).Str("filename", filename).Msg("download stream opened")
	return &Download{t: t, s: s}, nil
}

// Wait blocks until the stream ends. Nil means the daemon sent end and
// every blob was delivered; ErrTransferAborted means the channel (or the
// waiting context, i.e. the HTTP client) went away first. In all cases
// the stream slot is released before Wait returns.
func (d *Download) Wait(ctx context.Context) error {
	select {
	case <-d.s.done:
		return d.s.err
	case <-ctx.Done():
		d.t.failStream(d.s.index, domain.ErrTransferAborted)
		<-d.s.done
		return domain.ErrTransferAborted
	}
}

// BytesWritten reports how many decoded bytes have reached the sink.
func (d *Download) BytesWritten() int64 { return d.s.bytes.Load() }
