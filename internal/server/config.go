package server

import "time"

// Config holds the HTTP surface configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8080")
	ListenAddr string `json:"listen_addr"`

	// AudioDir is the directory holding uploaded audio clips.
	AudioDir string `json:"audio_dir"`

	// MaxUploadBytes caps multipart uploads.
	MaxUploadBytes int64 `json:"max_upload_bytes"`

	// ShutdownTimeout bounds the graceful HTTP drain.
	ShutdownTimeout time.Duration `json:"-"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":8080",
		AudioDir:        "data/audio",
		MaxUploadBytes:  16 << 20,
		ShutdownTimeout: 10 * time.Second,
	}
}
