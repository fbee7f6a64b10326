package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/yogzblr/guacamole-lite/internal/domain"
	"github.com/yogzblr/guacamole-lite/internal/guac"
	cfgpkg "github.com/yogzblr/guacamole-lite/internal/infrastructure/config"
	obs "github.com/yogzblr/guacamole-lite/internal/infrastructure/observability"
	"github.com/yogzblr/guacamole-lite/internal/recording"
	"github.com/yogzblr/guacamole-lite/internal/tunnel"
)

type testEnv struct {
	deps   *Deps
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	deps := &Deps{
		Cfg: cfgpkg.Config{
			CORSAllowOrigin: "*",
			ChunkMaxBytes:   1024,
			SecretKey:       "MySuperSecretKeyForParamsToken12",
		},
		Logger:   &logger,
		Metrics:  obs.NewMetrics(),
		Registry: tunnel.NewRegistry(),
		Recorder: recording.NewRecorder(nil, time.Millisecond, "", logger, nil),
	}
	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(srv.Close)
	return &testEnv{deps: deps, server: srv}
}

// fakeDaemon consumes and records everything the bridge writes to guacd.
type fakeDaemon struct {
	mu    sync.Mutex
	insts []guac.Instruction
}

func (f *fakeDaemon) drain(conn net.Conn) {
	r := guac.NewReader(conn)
	for {
		in, err := r.ReadInstruction()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.insts = append(f.insts, in)
		f.mu.Unlock()
	}
}

func (f *fakeDaemon) wait(t *testing.T, n int) []guac.Instruction {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		if len(f.insts) >= n {
			out := append([]guac.Instruction(nil), f.insts...)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("daemon saw %d instructions, want %d", len(f.insts), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func (e *testEnv) addTunnel(t *testing.T, sessionID string) (*tunnel.Tunnel, *fakeDaemon) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	tn := tunnel.New(sessionID, domain.ConnectionSpec{Type: "rdp"}, guac.NewConn(client), e.deps.Cfg.ChunkMaxBytes, zerolog.Nop())
	if err := e.deps.Registry.Register(tn); err != nil {
		t.Fatal(err)
	}
	d := &fakeDaemon{}
	go d.drain(server)
	return tn, d
}

func multipartBody(t *testing.T, field, filename string, content []byte) (string, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return mw.FormDataContentType(), &buf
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var body struct {
		Status string    `json:"status"`
		Time   time.Time `json:"time"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Time.IsZero() {
		t.Fatalf("body: %+v", body)
	}
}

func TestUploadUnknownSession(t *testing.T) {
	e := newTestEnv(t)
	ct, buf := multipartBody(t, "file", "a.txt", []byte("x"))
	resp, err := http.Post(e.server.URL+"/api/tunnels/nope/streams/1/a.txt", ct, buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestUploadNoFilePart(t *testing.T) {
	e := newTestEnv(t)
	e.addTunnel(t, "s1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("note", "just a field"); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	resp, err := http.Post(e.server.URL+"/api/tunnels/s1/streams/1/a.txt", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestUploadRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	_, d := e.addTunnel(t, "s1")

	payload := bytes.Repeat([]byte("data!"), 1000) // 5000 bytes, chunk=1024
	ct, buf := multipartBody(t, "file", "payload.bin", payload)
	resp, err := http.Post(e.server.URL+"/api/tunnels/s1/streams/12/payload.bin", ct, buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Success  bool   `json:"success"`
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
		Chunks   int    `json:"chunks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.Filename != "payload.bin" || out.Size != 5000 || out.Chunks != 5 {
		t.Fatalf("response: %+v", out)
	}

	insts := d.wait(t, 6)
	var rebuilt []byte
	for _, in := range insts[:5] {
		if in.Opcode != guac.OpBlob || in.Args[0] != "12" {
			t.Fatalf("unexpected instruction %s %v", in.Opcode, in.Args[:1])
		}
		chunk, err := base64.StdEncoding.DecodeString(in.Args[1])
		if err != nil {
			t.Fatal(err)
		}
		rebuilt = append(rebuilt, chunk...)
	}
	if insts[5].Opcode != guac.OpEnd {
		t.Fatalf("missing end, got %s", insts[5].Opcode)
	}
	if !bytes.Equal(rebuilt, payload) {
		t.Fatal("daemon did not receive the uploaded bytes")
	}
}

func TestDownloadUnknownSession(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.server.URL + "/api/tunnels/nope/streams/1/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestDownloadStreamsInOrder(t *testing.T) {
	e := newTestEnv(t)
	tn, d := e.addTunnel(t, "s1")

	type result struct {
		resp *http.Response
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Get(e.server.URL + "/api/tunnels/s1/streams/42/report.pdf")
		if err != nil {
			done <- result{err: err}
			return
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		done <- result{resp: resp, body: body, err: err}
	}()

	// The handler acks stream 42 before any bytes flow.
	insts := d.wait(t, 1)
	if insts[0].Opcode != guac.OpAck || insts[0].Args[0] != "42" {
		t.Fatalf("first instruction %s %v, want ack 42", insts[0].Opcode, insts[0].Args)
	}

	for _, chunk := range []string{"first ", "second ", "third"} {
		if !tn.Intercept(guac.New(guac.OpBlob, "42", base64.StdEncoding.EncodeToString([]byte(chunk)))) {
			t.Fatal("blob not intercepted")
		}
	}
	tn.Intercept(guac.New(guac.OpEnd, "42"))

	res := <-done
	if res.err != nil {
		t.Fatalf("download: %v", res.err)
	}
	if res.resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.resp.StatusCode)
	}
	if got := res.resp.Header.Get("Content-Disposition"); !strings.Contains(got, "report.pdf") {
		t.Fatalf("content-disposition: %q", got)
	}
	if string(res.body) != "first second third" {
		t.Fatalf("body: %q", res.body)
	}
}

func TestDownloadAbortsMidStream(t *testing.T) {
	e := newTestEnv(t)
	tn, d := e.addTunnel(t, "s1")

	errCh := make(chan error, 1)
	go func() {
		resp, err := http.Get(e.server.URL + "/api/tunnels/s1/streams/9/big.bin")
		if err != nil {
			errCh <- err
			return
		}
		_, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		errCh <- err
	}()

	d.wait(t, 1) // opening ack
	tn.Intercept(guac.New(guac.OpBlob, "9", base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("x"), 4096))))

	// Control channel dies mid-transfer: the response must terminate
	// abruptly, not hang.
	e.deps.Registry.Remove("s1")

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected a truncated body error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("download hung after channel close")
	}
}

func TestStreamConflictOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	tn, d := e.addTunnel(t, "s1")

	var sink bytes.Buffer
	if _, err := tn.BeginDownload("5", "f", &sink); err != nil {
		t.Fatal(err)
	}
	d.wait(t, 1)

	resp, err := http.Get(e.server.URL + "/api/tunnels/s1/streams/5/f")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d, want 409", resp.StatusCode)
	}

	// An upload into the occupied slot is rejected the same way, and a
	// rejection is not a failed transfer.
	ct, buf := multipartBody(t, "file", "g", []byte("x"))
	resp2, err := http.Post(e.server.URL+"/api/tunnels/s1/streams/5/g", ct, buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("status %d, want 409", resp2.StatusCode)
	}
	failed := e.deps.Metrics.TransfersTotal.WithLabelValues(string(domain.DirectionUpload), string(domain.StreamFailed))
	if got := testutil.ToFloat64(failed); got != 0 {
		t.Fatalf("rejected upload counted as failed transfer: %v", got)
	}
}
