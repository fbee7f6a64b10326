package httpapi

import (
	"errors"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yogzblr/guacamole-lite/internal/domain"
)

func (d *Deps) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": d.Registry.Sessions(), "total": d.Registry.Len()})
}

func (d *Deps) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	t, err := d.Registry.Get(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session not found", map[string]any{"id": sessionID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": t.Session(),
		"streams": t.OpenStreams(),
	})
}

// handleStreamUpload bridges a multipart HTTP body onto the session's
// control channel as blob instructions for the given stream index.
func (d *Deps) handleStreamUpload(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	streamIndex := chi.URLParam(r, "streamIndex")
	filename := chi.URLParam(r, "filename")

	t, err := d.Registry.Get(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session not found", map[string]any{"id": sessionID})
		return
	}

	part, err := firstFilePart(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "NO_FILE", "request has no file part", nil)
		return
	}
	defer part.Close()

	res, err := t.Upload(r.Context(), streamIndex, filename, part)
	if err != nil {
		// A rejected request (conflict, unknown session) never started a
		// transfer; only genuine aborts count as failed.
		if errors.Is(err, domain.ErrTransferAborted) {
			d.Metrics.TransfersTotal.WithLabelValues(string(domain.DirectionUpload), string(domain.StreamFailed)).Inc()
		}
		writeTransferError(w, err)
		return
	}
	d.Metrics.TransferBytesTotal.WithLabelValues(string(domain.DirectionUpload)).Add(float64(res.BytesSent))
	d.Metrics.TransfersTotal.WithLabelValues(string(domain.DirectionUpload), string(domain.StreamCompleted)).Inc()
	d.Logger.Info().Str("session", sessionID).Str("stream", streamIndex).
		Str("filename", filename).Int64("bytes", res.BytesSent).Msg("file uploaded to tunnel")

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"filename": filename,
		"size":     res.BytesSent,
		"chunks":   res.ChunkCount,
	})
}

// firstFilePart streams the first file part out of a multipart body. The
// body is never spooled: files up to 100 GiB pass straight through to
// the chunker.
func firstFilePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err // io.EOF: no file part present
		}
		if part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}

// handleStreamDownload relays blob instructions for the stream index into
// the HTTP response, in control-channel arrival order.
func (d *Deps) handleStreamDownload(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	streamIndex := chi.URLParam(r, "streamIndex")
	filename := chi.URLParam(r, "filename")

	t, err := d.Registry.Get(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session not found", map[string]any{"id": sessionID})
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))

	dl, err := t.BeginDownload(streamIndex, filename, &flushWriter{w: w, rc: http.NewResponseController(w)})
	if err != nil {
		w.Header().Del("Content-Disposition")
		writeTransferError(w, err)
		return
	}

	err = dl.Wait(r.Context())
	bytes := dl.BytesWritten()
	if err != nil {
		d.Metrics.TransfersTotal.WithLabelValues(string(domain.DirectionDownload), string(domain.StreamFailed)).Inc()
		if bytes == 0 {
			w.Header().Del("Content-Disposition")
			writeTransferError(w, err)
			return
		}
		// Headers are committed; the only honest signal left is an
		// abrupt termination.
		d.Logger.Warn().Str("session", sessionID).Str("stream", streamIndex).
			Int64("bytes", bytes).Msg("download aborted mid-stream")
		panic(http.ErrAbortHandler)
	}
	d.Metrics.TransferBytesTotal.WithLabelValues(string(domain.DirectionDownload)).Add(float64(bytes))
	d.Metrics.TransfersTotal.WithLabelValues(string(domain.DirectionDownload), string(domain.StreamCompleted)).Inc()
	d.Logger.Info().Str("session", sessionID).Str("stream", streamIndex).
		Str("filename", filename).Int64("bytes", bytes).Msg("file downloaded from tunnel")
}

// writeTransferError maps pipeline error kinds onto the HTTP surface.
// Raw I/O errors never reach here; the pipelines convert them first.
func writeTransferError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrConnectionNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session not found", nil)
	case errors.Is(err, domain.ErrStreamConflict):
		writeError(w, http.StatusConflict, "STREAM_CONFLICT", "a transfer is already active for this stream", nil)
	case errors.Is(err, domain.ErrTransferAborted):
		writeError(w, http.StatusInternalServerError, "TRANSFER_ABORTED", "transfer aborted", nil)
	default:
		writeError(w, http.StatusInternalServerError, "TRANSFER_FAILED", err.Error(), nil)
	}
}

// flushWriter pushes each decoded chunk to the client immediately so a
// download streams instead of buffering in the server.
type flushWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	if ferr := f.rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
		return n, ferr
	}
	return n, nil
}
