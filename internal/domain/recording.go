package domain

// RecordingStatus is the lifecycle of a recording job. Transitions are
// strictly sequential; any step may move to failed and a job is never
// retried.
type RecordingStatus string

const (
	RecordingPending     RecordingStatus = "pending"
	RecordingCompressing RecordingStatus = "compressing"
	RecordingUploading   RecordingStatus = "uploading"
	RecordingDone        RecordingStatus = "done"
	RecordingFailed      RecordingStatus = "failed"
)

// RecordingJob is one capture/compress/upload task, keyed by session id.
type RecordingJob struct {
	SessionID      string          `json:"sessionId"`
	Username       string          `json:"username"`
	ArtifactPath   string          `json:"artifactPath"`
	Format         string          `json:"format"`
	CompressedPath string          `json:"compressedPath,omitempty"`
	ObjectKey      string          `json:"objectKey,omitempty"`
	Bytes          int64           `json:"bytes,omitempty"`
	Status         RecordingStatus `json:"status"`
	Error          string          `json:"error,omitempty"`
}
