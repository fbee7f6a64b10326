package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yogzblr/guacamole-lite/internal/domain"
	"github.com/yogzblr/guacamole-lite/internal/guac"
	"github.com/yogzblr/guacamole-lite/internal/tunnel"
	"github.com/yogzblr/guacamole-lite/pkg/shared/crypt"
	"github.com/yogzblr/guacamole-lite/pkg/shared/id"
	"github.com/yogzblr/guacamole-lite/pkg/shared/redact"
)

// historyPlaceholder in token settings is replaced with the generated
// session id, so recording paths land in a per-session directory.
const historyPlaceholder = "${HISTORY_UUID}"

// handleTunnelWS opens a session: decrypt the connection token, dial and
// handshake guacd, register the tunnel, then pump instructions between
// the websocket client and the daemon until either side goes away.
func (d *Deps) handleTunnelWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "MISSING_TOKEN", "missing token", nil)
		return
	}
	plain, err := crypt.Decrypt([]byte(d.Cfg.SecretKey), token)
	if err != nil {
		d.Logger.Warn().Err(err).Msg("bastion: rejected connection token")
		writeError(w, http.StatusForbidden, "INVALID_TOKEN", "token could not be decrypted", nil)
		return
	}
	var cc domain.ConnectionConfig
	if err := json.Unmarshal(plain, &cc); err != nil {
		writeError(w, http.StatusForbidden, "INVALID_TOKEN", "token payload is not a connection config", nil)
		return
	}

	sessionID := id.New()
	spec := cc.Connection
	substitutePlaceholders(&spec, sessionID)
	d.Logger.Info().Str("session", sessionID).Str("protocol", spec.Type).
		Interface("settings", redact.Settings(spec.Settings)).Msg("bastion: incoming tunnel session")

	upgrader := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return true },
		Subprotocols: []string{"guacamole"},
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Logger.Error().Err(err).Msg("bastion: websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), d.Cfg.HandshakeTimeout)
	defer cancel()
	conn, err := guac.Dial(ctx, d.Cfg.GuacdAddr)
	if err != nil {
		d.Logger.Error().Err(err).Str("guacd", d.Cfg.GuacdAddr).Msg("bastion: guacd unreachable")
		closeWS(ws, websocket.CloseTryAgainLater, "daemon unreachable")
		return
	}
	guacdID, err := conn.Handshake(ctx, spec)
	if err != nil {
		d.Logger.Error().Err(err).Str("session", sessionID).Msg("bastion: guacd handshake failed")
		_ = conn.Close()
		closeWS(ws, websocket.CloseTryAgainLater, "daemon handshake failed")
		return
	}

	t := tunnel.New(sessionID, spec, conn, d.Cfg.ChunkMaxBytes, *d.Logger)
	if err := d.Registry.Register(t); err != nil {
		d.Logger.Error().Err(err).Msg("bastion: session registration failed")
		t.Close()
		closeWS(ws, websocket.CloseInternalServerErr, "session registration failed")
		return
	}
	d.Metrics.ActiveTunnels.Inc()
	d.Logger.Info().Str("session", sessionID).Str("guacdId", guacdID).Msg("bastion: tunnel established")

	if dir, ok := spec.RecordingPath(); ok {
		artifact := filepath.Join(d.recordingDir(dir), spec.RecordingName())
		d.Recorder.Track(sessionID, spec.Username(), artifact, spec.RecordingFormat())
	}

	p := &pump{deps: d, t: t, ws: ws}
	// The session id goes to the client as an internal instruction (empty
	// opcode) so it can address the file-transfer endpoints.
	_ = p.writeWS(guac.New("", sessionID))
	go p.guacdToWS()
	go p.wsToGuacd()
	go p.keepalive()
}

// recordingDir anchors relative recording paths under the configured
// recordings directory; absolute paths from the token are taken as-is.
func (d *Deps) recordingDir(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(d.Cfg.RecordingsDir, dir)
}

func substitutePlaceholders(spec *domain.ConnectionSpec, sessionID string) {
	for k, v := range spec.Settings {
		if strings.Contains(v, historyPlaceholder) {
			spec.Settings[k] = strings.ReplaceAll(v, historyPlaceholder, sessionID)
		}
	}
}

func closeWS(ws *websocket.Conn, code int, msg string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, msg), time.Now().Add(2*time.Second))
	_ = ws.Close()
}

// pump owns the two relay directions for one session. gorilla allows one
// concurrent writer, so websocket writes share a mutex with keepalives.
type pump struct {
	deps *Deps
	t    *tunnel.Tunnel
	ws   *websocket.Conn

	wsWriteMu sync.Mutex
	closeOnce sync.Once
}

func (p *pump) writeWS(in guac.Instruction) error {
	p.wsWriteMu.Lock()
	defer p.wsWriteMu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(15 * time.Second))
	return p.ws.WriteMessage(websocket.TextMessage, []byte(in.String()))
}

// shutdown tears the session down exactly once: removing from the
// registry closes the control channel and force-fails open transfers,
// then the recording pipeline fires.
func (p *pump) shutdown(cause error) {
	p.closeOnce.Do(func() {
		p.deps.Registry.Remove(p.t.ID)
		_ = p.ws.Close()
		p.deps.Metrics.ActiveTunnels.Dec()
		p.deps.Recorder.SessionClosed(p.t.ID)
		ev := p.deps.Logger.Info()
		if cause != nil && !errors.Is(cause, websocket.ErrCloseSent) {
			ev = p.deps.Logger.Warn().Err(cause)
		}
		ev.Str("session", p.t.ID).Msg("bastion: tunnel closed")
	})
}

// wsToGuacd forwards client frames verbatim; the client already speaks
// wire format, so no re-encoding happens on this path.
func (p *pump) wsToGuacd() {
	for {
		mt, data, err := p.ws.ReadMessage()
		if err != nil {
			p.shutdown(err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if err := p.t.Conn().WriteRaw(data); err != nil {
			p.shutdown(err)
			return
		}
	}
}

// guacdToWS parses daemon instructions so transfer streams can be
// intercepted; everything else is re-encoded and forwarded. A framing
// error skips one instruction, never the channel.
func (p *pump) guacdToWS() {
	for {
		in, err := p.t.Conn().Read()
		if err != nil {
			var fe *domain.FramingError
			if errors.As(err, &fe) {
				p.deps.Logger.Warn().Err(err).Str("session", p.t.ID).Msg("bastion: dropped malformed instruction")
				if rerr := p.t.Conn().Resync(); rerr != nil {
					p.shutdown(rerr)
					return
				}
				continue
			}
			p.shutdown(err)
			return
		}
		if p.t.Intercept(in) {
			continue
		}
		if err := p.writeWS(in); err != nil {
			p.shutdown(err)
			return
		}
	}
}

// keepalive nudges the websocket so idle sessions survive NAT timeouts.
// An idle control channel is treated as alive; this is about middleboxes,
// not liveness detection.
func (p *pump) keepalive() {
	interval := p.deps.Cfg.KeepaliveEvery
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if err := p.writeWS(guac.New(guac.OpNop)); err != nil {
			return
		}
	}
}
