package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr            string
	LogLevel        string
	CORSAllowOrigin string

	// guacd control-channel endpoint.
	GuacdAddr        string
	HandshakeTimeout time.Duration
	KeepaliveEvery   time.Duration

	// SecretKey decrypts connection tokens (32 bytes, AES-256-CBC).
	SecretKey string

	// ChunkMaxBytes is the upload chunk ceiling. Tuning knob only.
	ChunkMaxBytes int

	// Recording capture.
	RecordingsDir  string
	RecordingGrace time.Duration

	// Object storage for recordings. Upload is disabled when Bucket is
	// empty; jobs then fail at the upload step and local files stay.
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3KeyPrefix string
}

func FromEnv() Config {
	cfg := Config{
		Addr:            getEnv("ADDR", ":8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		CORSAllowOrigin: getEnv("CORS_ALLOW_ORIGIN", "*"),
		GuacdAddr:       getEnv("GUACD_ADDR", "127.0.0.1:4822"),
		SecretKey:       getEnv("SECRET_KEY", ""),
		RecordingsDir:   getEnv("RECORDINGS_DIR", "/var/lib/bastion/recordings"),
		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Region:        getEnv("S3_REGION", "us-east-1"),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3AccessKey:     getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:     getEnv("S3_SECRET_KEY", ""),
		S3KeyPrefix:     getEnv("S3_KEY_PREFIX", "recordings/"),
	}
	cfg.ChunkMaxBytes = getEnvInt("CHUNK_MAX_BYTES", 4<<20) // 4 MiB
	cfg.HandshakeTimeout = time.Duration(getEnvInt("HANDSHAKE_TIMEOUT_MS", 10000)) * time.Millisecond
	cfg.KeepaliveEvery = time.Duration(getEnvInt("KEEPALIVE_INTERVAL_MS", 10000)) * time.Millisecond
	// guacd flushes the recording asynchronously; wait this long after
	// session close before declaring the artifact missing.
	cfg.RecordingGrace = time.Duration(getEnvInt("RECORDING_GRACE_MS", 3000)) * time.Millisecond
	if os.Getenv("S3_USE_SSL") == "1" || os.Getenv("S3_USE_SSL") == "true" {
		cfg.S3UseSSL = true
	}
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
