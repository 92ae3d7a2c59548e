package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	DataDir       string
	DBPath        string
	PIDPath       string
	LogPath       string
	AssetDir      string
	Port          int
	SessionPrefix string

	// AssistantCommand is the executable launched for assistant sessions.
	AssistantCommand string

	IdleThreshold    time.Duration
	CaptureDebounce  time.Duration
	ResizeRecapture  time.Duration
	LivenessInterval time.Duration
	PingInterval     time.Duration
	RequestTimeout   time.Duration
	DialTimeout      time.Duration
	CommandTimeout   time.Duration
	ShutdownGrace    time.Duration
	RestartIdleGrace time.Duration

	HistoryLimit  int
	MaxFileBytes  int64
	ContextWindow int
}

func DefaultConfig() Config {
	dataDir := defaultDataDir()
	return Config{
		DataDir:          dataDir,
		DBPath:           filepath.Join(dataDir, "state.db"),
		PIDPath:          filepath.Join(dataDir, "supervisor.pid"),
		LogPath:          filepath.Join(dataDir, "daemon.log"),
		AssetDir:         filepath.Join(dataDir, "web"),
		Port:             8428,
		SessionPrefix:    "ccr",
		AssistantCommand: "claude",
		IdleThreshold:    3 * time.Second,
		CaptureDebounce:  30 * time.Millisecond,
		ResizeRecapture:  150 * time.Millisecond,
		LivenessInterval: 5 * time.Second,
		PingInterval:     30 * time.Second,
		RequestTimeout:   10 * time.Second,
		DialTimeout:      5 * time.Second,
		CommandTimeout:   5 * time.Second,
		ShutdownGrace:    1 * time.Second,
		RestartIdleGrace: 2 * time.Second,
		HistoryLimit:     10000,
		MaxFileBytes:     1 << 20,
		ContextWindow:    10000,
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("CCREMOTE_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ccremote"
	}
	return filepath.Join(home, ".local", "state", "ccremote")
}
