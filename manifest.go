package nimi

import (
	"encoding/json"
	"os"
	"time"
)

// Manifest is the top-level supervised-service declaration.
type Manifest struct {
	Services map[string]Service `json:"services"`
	Settings Settings           `json:"settings"`
}

// Service is one supervised service: the files it needs on disk and the
// command used to run it.
type Service struct {
	ConfigData map[string]ConfigData `json:"configData"`
	Process    Process               `json:"process"`
}

// Process is the argv used to start a service's child process.
type Process struct {
	// Argv is the full command line; Argv[0] is the executable.
	Argv []string `json:"argv"`
}

// ConfigData describes a single file to be symlinked into the service's
// config directory.
type ConfigData struct {
	Enable bool `json:"enable"`
	// Path is relative to the per-service config directory.
	Path string `json:"path"`
	// Source is the absolute path the symlink points at.
	Source string `json:"source"`
	// Text carries the entry's inline content, which the Source file
	// already holds; no file is written from it. It is part of the input
	// hashed into the config directory name, and is otherwise unused.
	Text *string `json:"text,omitempty"`
}

// Settings carries the run-wide restart, startup and logging policy.
type Settings struct {
	Restart Restart `json:"restart"`
	Startup Startup `json:"startup"`
	Logging Logging `json:"logging"`
}

// RestartMode selects how a service is restarted after a non-zero exit.
type RestartMode string

const (
	RestartNever     RestartMode = "never"
	RestartUpToCount RestartMode = "up-to-count"
	RestartAlways    RestartMode = "always"
)

// Restart configures the per-service restart policy and backoff.
type Restart struct {
	Mode  RestartMode    `json:"mode"`
	Time  MillisDuration `json:"time"`
	Count uint           `json:"count"`
}

// Startup configures the optional pre-service startup hook.
type Startup struct {
	RunOnStartup *string `json:"runOnStartup"`
}

// Logging configures whether service output is also mirrored to files.
type Logging struct {
	Enable  bool   `json:"enable"`
	LogsDir string `json:"logsDir"`
}

// LogsDirectory returns the configured logs directory, or "" and false
// when file logging is disabled.
func (l Logging) LogsDirectory() (string, bool) {
	if !l.Enable || l.LogsDir == "" {
		return "", false
	}
	return l.LogsDir, true
}

// MillisDuration deserializes from a bare JSON integer of milliseconds
// rather than Go's default duration string encoding.
type MillisDuration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *MillisDuration) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return errorf("failed to decode restart.time as milliseconds: %w", err)
	}
	*d = MillisDuration(time.Duration(ms) * time.Millisecond)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d MillisDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Milliseconds())
}

// Duration returns the underlying time.Duration.
func (d MillisDuration) Duration() time.Duration {
	return time.Duration(d)
}

// LoadManifest reads and decodes a manifest file from disk, wrapping
// decode failures with the file path.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errorf("failed to read nimi manifest %q: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errorf("failed to deserialize nimi manifest %q: %w", path, err)
	}

	for name, svc := range m.Services {
		if len(svc.Process.Argv) == 0 {
			return nil, errorf("service %q: process.argv must not be empty", name)
		}
	}

	return &m, nil
}
