package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the pipelines. Everything below is the full set
// of failures that may cross the tunnel/HTTP boundary; raw I/O errors are
// wrapped into one of these before they leave a pipeline.
var (
	// ErrConnectionNotFound: an HTTP request referenced a session id that
	// has no live control channel. Surfaced as 404.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrStreamConflict: a transfer stream is already registered for the
	// same (session, stream index). Surfaced as 409.
	ErrStreamConflict = errors.New("stream already in use")

	// ErrTransferAborted: the control channel or the HTTP connection went
	// away mid-transfer. Surfaced as 500 to whichever side is still open.
	ErrTransferAborted = errors.New("transfer aborted")

	// ErrRecordingCaptureTimeout: the recording artifact never appeared
	// within the grace period after session close. Background-only.
	ErrRecordingCaptureTimeout = errors.New("recording artifact did not appear")
)

// FramingError reports a malformed guacamole instruction. It is fatal to
// the instruction, never to the channel that carried it.
type FramingError struct {
	Reason string
	Raw    string
}

func (e *FramingError) Error() string {
	if e.Raw == "" {
		return "framing: " + e.Reason
	}
	return fmt.Sprintf("framing: %s in %q", e.Reason, truncate(e.Raw, 64))
}

// StorageUploadError wraps an object-storage failure during recording
// upload. The local files are intentionally kept when this happens.
type StorageUploadError struct {
	Key string
	Err error
}

func (e *StorageUploadError) Error() string {
	return fmt.Sprintf("storage upload %s: %v", e.Key, e.Err)
}

func (e *StorageUploadError) Unwrap() error { return e.Err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
