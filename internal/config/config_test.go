package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.SampleFileDir != "sample_files" {
		t.Errorf("expected sample_file_dir 'sample_files', got '%s'", config.SampleFileDir)
	}
	if config.DBPath != "nvr.db" {
		t.Errorf("expected db_path 'nvr.db', got '%s'", config.DBPath)
	}
	if config.Logging.Level != "info" {
		t.Errorf("expected logging level 'info', got '%s'", config.Logging.Level)
	}
}

func TestLoadConfigNonExistent(t *testing.T) {
	config, err := LoadConfig("nonexistent.json")
	if err != nil {
		t.Errorf("expected no error loading nonexistent config, got %v", err)
	}

	if config.DBPath != "nvr.db" {
		t.Errorf("expected default db_path, got %s", config.DBPath)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "test_config.json")

	config := DefaultConfig()
	config.DBPath = "/custom/nvr.db"
	config.Cameras = []CameraConfig{
		{
			ShortName: "front",
			Streams: []StreamConfig{
				{Type: "main", RTSPURL: "rtsp://cam/main", Record: true, RetainBytes: 1 << 30},
			},
		},
	}

	if err := config.SaveConfig(configFile); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	loadedConfig, err := LoadConfig(configFile)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if loadedConfig.DBPath != "/custom/nvr.db" {
		t.Errorf("expected db_path '/custom/nvr.db', got '%s'", loadedConfig.DBPath)
	}
	if len(loadedConfig.Cameras) != 1 || loadedConfig.Cameras[0].ShortName != "front" {
		t.Errorf("expected one camera 'front', got %+v", loadedConfig.Cameras)
	}
	if len(loadedConfig.Cameras[0].Streams) != 1 || loadedConfig.Cameras[0].Streams[0].RetainBytes != 1<<30 {
		t.Errorf("expected one stream with retain_bytes 1<<30, got %+v", loadedConfig.Cameras[0].Streams)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modifyFunc  func(*Config)
		shouldError bool
	}{
		{
			name:       "Valid config",
			modifyFunc: func(c *Config) {},
		},
		{
			name: "Empty sample_file_dir",
			modifyFunc: func(c *Config) {
				c.SampleFileDir = ""
			},
			shouldError: true,
		},
		{
			name: "Empty db_path",
			modifyFunc: func(c *Config) {
				c.DBPath = ""
			},
			shouldError: true,
		},
		{
			name: "Duplicate camera short name",
			modifyFunc: func(c *Config) {
				c.Cameras = []CameraConfig{{ShortName: "front"}, {ShortName: "front"}}
			},
			shouldError: true,
		},
		{
			name: "Invalid stream type",
			modifyFunc: func(c *Config) {
				c.Cameras = []CameraConfig{{ShortName: "front", Streams: []StreamConfig{{Type: "ext"}}}}
			},
			shouldError: true,
		},
		{
			name: "Duplicate stream type",
			modifyFunc: func(c *Config) {
				c.Cameras = []CameraConfig{{ShortName: "front", Streams: []StreamConfig{
					{Type: "main"}, {Type: "main"},
				}}}
			},
			shouldError: true,
		},
		{
			name: "Record without rtsp_url",
			modifyFunc: func(c *Config) {
				c.Cameras = []CameraConfig{{ShortName: "front", Streams: []StreamConfig{
					{Type: "main", Record: true},
				}}}
			},
			shouldError: true,
		},
		{
			name: "Negative retain_bytes",
			modifyFunc: func(c *Config) {
				c.Cameras = []CameraConfig{{ShortName: "front", Streams: []StreamConfig{
					{Type: "main", RTSPURL: "rtsp://x", Record: true, RetainBytes: -1},
				}}}
			},
			shouldError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.shouldError && err == nil {
				t.Errorf("expected error, got nil")
			}
			if !tt.shouldError && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "invalid.json")

	if err := os.WriteFile(configFile, []byte(`{"db_path": port: 8080}`), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	_, err := LoadConfig(configFile)
	if err == nil {
		t.Error("expected error loading invalid JSON, got nil")
	}
}

func TestLoadConfigInvalidValues(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "invalid_values.json")

	invalidConfig := `{
		"sample_file_dir": "sample_files",
		"db_path": "",
		"cameras": []
	}`

	if err := os.WriteFile(configFile, []byte(invalidConfig), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	_, err := LoadConfig(configFile)
	if err == nil {
		t.Error("expected validation error, got nil")
	}
}
