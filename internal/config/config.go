// Package config loads the camera/stream/retention document the
// configuration loader collaborator supplies at startup: the
// set of cameras, their streams, record flags, and byte retention budgets
// internal/metadb needs before it can open for recording.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level on-disk document: where the metadata database and
// sample file directory live, and the cameras to register. Schema
// upgrades, TLS, and HTTP binding are out of scope and have no
// place here.
type Config struct {
	// SampleFileDir is the directory internal/sampledir opens to store
	// recording blobs.
	SampleFileDir string `json:"sample_file_dir"`

	// DBPath is the SQLite database file internal/metadb opens.
	DBPath string `json:"db_path"`

	Cameras []CameraConfig `json:"cameras"`

	Logging LoggingConfig `json:"logging"`
}

// CameraConfig describes one camera and the streams it owns. A camera owns
// up to two streams: main and sub.
type CameraConfig struct {
	ShortName   string         `json:"short_name"`
	Description string         `json:"description,omitempty"`
	Streams     []StreamConfig `json:"streams"`
}

// StreamConfig describes one of a camera's streams: where to pull it from,
// whether to record it, and how much sample-file budget it gets.
type StreamConfig struct {
	// Type is "main" or "sub".
	Type string `json:"type"`

	// RTSPURL is the address internal/streamsource dials to pull frames.
	RTSPURL string `json:"rtsp_url"`

	// Record gates whether internal/writer opens a session for this
	// stream at all.
	Record bool `json:"record"`

	// RetainBytes is the byte budget internal/retention enforces.
	RetainBytes int64 `json:"retain_bytes"`

	// FlushIfSec hints how long the syncer should let unflushed data
	// accumulate before forcing a flush.
	FlushIfSec int `json:"flush_if_sec"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level string `json:"level"`
	File  string `json:"file,omitempty"`
}

// DefaultFlushInterval is used when a stream's config doesn't specify
// FlushIfSec.
const DefaultFlushInterval = 120 * time.Second

// DefaultConfig returns a configuration with sensible defaults: a local
// sample file directory and database path, info-level logging.
func DefaultConfig() *Config {
	return &Config{
		SampleFileDir: "sample_files",
		DBPath:        "nvr.db",
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from a file, falling back to defaults if
// the file doesn't exist.
func LoadConfig(filename string) (*Config, error) {
	config := DefaultConfig()

	// If file doesn't exist, return defaults.
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", filename, err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a file, used by the (out-of-scope)
// configuration CLI collaborator after a reconfiguration.
func (c *Config) SaveConfig(filename string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", filename, err)
	}

	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.SampleFileDir == "" {
		return fmt.Errorf("sample_file_dir cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}

	seenShortName := make(map[string]bool, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.ShortName == "" {
			return fmt.Errorf("camera short_name cannot be empty")
		}
		if seenShortName[cam.ShortName] {
			return fmt.Errorf("duplicate camera short_name %q", cam.ShortName)
		}
		seenShortName[cam.ShortName] = true

		seenType := make(map[string]bool, len(cam.Streams))
		for _, s := range cam.Streams {
			switch s.Type {
			case "main", "sub":
			default:
				return fmt.Errorf("camera %q: stream type must be \"main\" or \"sub\", got %q", cam.ShortName, s.Type)
			}
			if seenType[s.Type] {
				return fmt.Errorf("camera %q: duplicate stream type %q", cam.ShortName, s.Type)
			}
			seenType[s.Type] = true
			if s.Record && s.RTSPURL == "" {
				return fmt.Errorf("camera %q: stream %q: record is set but rtsp_url is empty", cam.ShortName, s.Type)
			}
			if s.RetainBytes < 0 {
				return fmt.Errorf("camera %q: stream %q: retain_bytes must be >= 0", cam.ShortName, s.Type)
			}
		}
	}
	return nil
}
