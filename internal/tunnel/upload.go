package tunnel

import (
	"context"
	"encoding/base64"
	"io"

	"github.com/yogzblr/guacamole-lite/internal/domain"
	"github.com/yogzblr/guacamole-lite/internal/guac"
)

// UploadResult reports what a completed upload pushed over the channel.
type UploadResult struct {
	BytesSent  int64
	ChunkCount int
}

// Upload reads src in chunks, base64-encodes each chunk into one blob
// instruction for streamIndex, and terminates the stream with end. No
// acknowledgement is awaited between chunks: the control channel is an
// ordered reliable stream, so instruction order is preserved by
// construction and throughput is bounded by channel writes. Each chunk
// write blocks until the channel accepts it and the context is checked
// between chunks, so a 100 GiB source cannot starve other sessions.
//
// The (session, streamIndex) slot is reserved for the duration of the
// call and released on every exit path.
func (t *Tunnel) Upload(ctx context.Context, streamIndex, filename string, src io.Reader) (UploadResult, error) {
	s := newStream(streamIndex, domain.DirectionUpload, filename, nil)
	if err := t.registerStream(s); err != nil {
		return UploadResult{}, err
	}
	defer t.removeStream(streamIndex)

	var res UploadResult
	buf := make([]byte, t.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			s.finish(domain.ErrTransferAborted)
			return res, domain.ErrTransferAborted
		}
		n, rerr := readChunk(src, buf)
		if n > 0 {
			encoded := base64.StdEncoding.EncodeToString(buf[:n])
			if werr := t.conn.Write(guac.New(guac.OpBlob, streamIndex, encoded)); werr != nil {
				s.finish(domain.ErrTransferAborted)
				t.log.Warn().Err(werr).Str("stream", streamIndex).Msg("upload aborted: channel write failed")
				return res, domain.ErrTransferAborted
			}
			res.BytesSent += int64(n)
			res.ChunkCount++
			s.bytes.Add(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// The HTTP body died under us; the daemon-side stream stays
			// unterminated and guacd reaps it with the connection.
			s.finish(domain.ErrTransferAborted)
			t.log.Warn().Err(rerr).Str("stream", streamIndex).Msg("upload aborted: source read failed")
			return res, domain.ErrTransferAborted
		}
	}

	if err := t.conn.Write(guac.New(guac.OpEnd, streamIndex)); err != nil {
		s.finish(domain.ErrTransferAborted)
		return res, domain.ErrTransferAborted
	}
	s.finish(nil)
	t.log.Info().Str("stream", streamIndex).Str("filename", filename).
		Int64("bytes", res.BytesSent).Int("chunks", res.ChunkCount).Msg("upload complete")
	return res, nil
}

// readChunk fills buf as far as the source allows. Returns io.EOF only
// when the source is exhausted, with any final partial chunk already
// accounted in n.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF {
		return n, io.EOF
	}
	return n, err
}
