package recording

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/yogzblr/guacamole-lite/internal/domain"
	"github.com/yogzblr/guacamole-lite/internal/infrastructure/observability"
)

// ObjectStore is the blob-storage surface the recorder needs. The s3
// adapter implements it; tests use an in-memory fake.
type ObjectStore interface {
	Put(ctx context.Context, key, localPath string, contentType, contentEncoding string) error
}

// Recorder drives the capture/compress/upload lifecycle for session
// recordings. One job per session, never retried: recording is a
// background concern and must never block or crash connection teardown.
type Recorder struct {
	store   ObjectStore
	grace   time.Duration
	prefix  string
	log     zerolog.Logger
	metrics *observability.Metrics

	mu   sync.Mutex
	jobs map[string]*domain.RecordingJob
}

func NewRecorder(store ObjectStore, grace time.Duration, keyPrefix string, log zerolog.Logger, metrics *observability.Metrics) *Recorder {
	return &Recorder{
		store:   store,
		grace:   grace,
		prefix:  keyPrefix,
		log:     log,
		metrics: metrics,
		jobs:    make(map[string]*domain.RecordingJob),
	}
}

// Track registers a pending job when a session's settings enable
// recording. artifactPath is where guacd writes its native capture;
// format names that capture format ("guac" or "typescript") and becomes
// the object key's extension.
func (r *Recorder) Track(sessionID, username, artifactPath, format string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[sessionID] = &domain.RecordingJob{
		SessionID:    sessionID,
		Username:     username,
		ArtifactPath: artifactPath,
		Format:       format,
		Status:       domain.RecordingPending,
	}
}

// SessionClosed fires the pipeline for the session's job, if any. Runs in
// the background; teardown never waits on it.
func (r *Recorder) SessionClosed(sessionID string) {
	r.mu.Lock()
	job, ok := r.jobs[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	go func() {
		r.run(job)
		r.discard(sessionID)
	}()
}

// Job returns a snapshot of the session's job.
func (r *Recorder) Job(sessionID string) (domain.RecordingJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[sessionID]
	if !ok {
		return domain.RecordingJob{}, false
	}
	return *job, true
}

// run walks the job through pending -> compressing -> uploading -> done,
// or to failed at whichever step breaks.
func (r *Recorder) run(job *domain.RecordingJob) {
	log := r.log.With().Str("session", job.SessionID).Str("artifact", job.ArtifactPath).Logger()

	// guacd may still be flushing when the close event fires. One
	// bounded wait, then fail fast — no polling, no retry.
	time.Sleep(r.grace)
	info, err := os.Stat(job.ArtifactPath)
	if err != nil {
		r.fail(job, domain.ErrRecordingCaptureTimeout)
		log.Warn().Err(err).Dur("grace", r.grace).Msg("recording artifact never appeared")
		return
	}

	r.setStatus(job, domain.RecordingCompressing)
	compressed := job.ArtifactPath + ".gz"
	if err := gzipFile(job.ArtifactPath, compressed); err != nil {
		// Keep the raw file: data that failed to archive is not deleted.
		r.fail(job, err)
		log.Error().Err(err).Msg("recording compression failed")
		return
	}
	r.mu.Lock()
	job.CompressedPath = compressed
	job.Bytes = info.Size()
	r.mu.Unlock()

	r.setStatus(job, domain.RecordingUploading)
	key := r.objectKey(job)
	r.mu.Lock()
	job.ObjectKey = key
	r.mu.Unlock()
	if r.store == nil {
		r.fail(job, &domain.StorageUploadError{Key: key, Err: fmt.Errorf("object storage not configured")})
		log.Error().Str("key", key).Msg("recording kept locally: no object store")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()
	if err := r.store.Put(ctx, key, compressed, "application/octet-stream", "gzip"); err != nil {
		r.fail(job, &domain.StorageUploadError{Key: key, Err: err})
		log.Error().Err(err).Str("key", key).Msg("recording upload failed, local files kept")
		return
	}

	// The artifact is durable remotely; a local cleanup miss is logged
	// but never fails the job or triggers a re-upload.
	for _, p := range []string{job.ArtifactPath, compressed} {
		if err := os.Remove(p); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("recording cleanup failed")
		}
	}
	r.setStatus(job, domain.RecordingDone)
	log.Info().Str("key", key).Int64("bytes", job.Bytes).Msg("recording archived")
}

// objectKey derives the storage key: {prefix}{username}_{session}_{ts}
// with the RFC3339 timestamp's colons and periods normalized to hyphens,
// plus the native-format and compression suffixes.
func (r *Recorder) objectKey(job *domain.RecordingJob) string {
	ts := strings.NewReplacer(":", "-", ".", "-").
		Replace(time.Now().UTC().Format(time.RFC3339))
	format := job.Format
	if format == "" {
		format = "guac"
	}
	return fmt.Sprintf("%s%s_%s_%s.%s.gz", r.prefix, job.Username, job.SessionID, ts, format)
}

func (r *Recorder) setStatus(job *domain.RecordingJob, st domain.RecordingStatus) {
	r.mu.Lock()
	job.Status = st
	r.mu.Unlock()
	if st == domain.RecordingDone && r.metrics != nil {
		r.metrics.RecordingJobsTotal.WithLabelValues(string(st)).Inc()
	}
}

func (r *Recorder) fail(job *domain.RecordingJob, err error) {
	r.mu.Lock()
	job.Status = domain.RecordingFailed
	job.Error = err.Error()
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.RecordingJobsTotal.WithLabelValues(string(domain.RecordingFailed)).Inc()
	}
}

// discard forgets the job once terminal. Kept briefly so tests and the
// diagnostics endpoint can observe the outcome.
func (r *Recorder) discard(sessionID string) {
	time.Sleep(time.Minute)
	r.mu.Lock()
	delete(r.jobs, sessionID)
	r.mu.Unlock()
}

// gzipFile streams src through gzip into dst. Streaming, not slurping:
// recordings of long sessions run to gigabytes.
func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create compressed file: %w", err)
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		return fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return fmt.Errorf("finish compress: %w", err)
	}
	return out.Close()
}
