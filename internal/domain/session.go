package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ConnectionConfig is the decrypted payload of a connection token, shaped
// exactly like the JSON the token generator produces.
type ConnectionConfig struct {
	Connection ConnectionSpec `json:"connection"`
}

type ConnectionSpec struct {
	// Type is the protocol family: "rdp", "ssh" or "vnc". Empty when Join
	// is set.
	Type string `json:"type,omitempty"`
	// Join holds an existing guacd connection id to attach to instead of
	// opening a new one.
	Join     string   `json:"join,omitempty"`
	Settings Settings `json:"settings"`
}

// Settings holds connection parameters as strings, the form guacd expects
// them in. Token generators emit JSON numbers and booleans ("width": 1920,
// "ignore-cert": true); those are coerced to their string forms on decode.
type Settings map[string]string

func (s *Settings) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out := make(Settings, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			out[k] = t
		case json.Number:
			out[k] = t.String()
		case bool:
			if t {
				out[k] = "true"
			} else {
				out[k] = "false"
			}
		case nil:
			out[k] = ""
		default:
			return fmt.Errorf("setting %q has unsupported type %T", k, v)
		}
	}
	*s = out
	return nil
}

// RecordingPath returns the local directory guacd writes the session
// recording into, and whether recording is enabled at all. RDP/VNC use
// recording-path, SSH uses typescript-path.
func (c ConnectionSpec) RecordingPath() (string, bool) {
	if p, ok := c.Settings["recording-path"]; ok && p != "" {
		return p, true
	}
	if p, ok := c.Settings["typescript-path"]; ok && p != "" {
		return p, true
	}
	return "", false
}

// RecordingName returns the file name guacd writes within the recording
// directory ("session" unless overridden in the token).
func (c ConnectionSpec) RecordingName() string {
	if n, ok := c.Settings["recording-name"]; ok && n != "" {
		return n
	}
	if n, ok := c.Settings["typescript-name"]; ok && n != "" {
		return n
	}
	return "session"
}

// RecordingFormat names the native capture format guacd produces for the
// connection: "guac" for graphical recording-path captures, "typescript"
// for SSH typescript-path captures.
func (c ConnectionSpec) RecordingFormat() string {
	if p, ok := c.Settings["recording-path"]; ok && p != "" {
		return "guac"
	}
	return "typescript"
}

// Username returns the remote username from the connection settings, used
// in the recording object key. Falls back to "unknown" so the key pattern
// stays well formed.
func (c ConnectionSpec) Username() string {
	if u, ok := c.Settings["username"]; ok && u != "" {
		return u
	}
	return "unknown"
}

// Session describes one live control-channel connection. The tunnel
// registry owns the live handle; this struct is the serializable view.
type Session struct {
	ID        string    `json:"id"`
	Protocol  string    `json:"protocol"`
	GuacdID   string    `json:"guacdId,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	Closed    bool      `json:"closed"`
}
