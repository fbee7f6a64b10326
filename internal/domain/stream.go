package domain

// Direction of a transfer stream relative to the daemon.
type Direction string

const (
	DirectionUpload   Direction = "upload"   // browser -> daemon
	DirectionDownload Direction = "download" // daemon -> browser
)

// StreamStatus is the lifecycle of a transfer stream.
type StreamStatus string

const (
	StreamQueued    StreamStatus = "queued"
	StreamActive    StreamStatus = "active"
	StreamCompleted StreamStatus = "completed"
	StreamFailed    StreamStatus = "failed"
)

// TransferStream is the serializable view of one in-flight file transfer,
// keyed by (session id, stream index).
type TransferStream struct {
	SessionID   string       `json:"sessionId"`
	StreamIndex string       `json:"streamIndex"`
	Direction   Direction    `json:"direction"`
	Filename    string       `json:"filename"`
	Bytes       int64        `json:"bytes"`
	Status      StreamStatus `json:"status"`
}
