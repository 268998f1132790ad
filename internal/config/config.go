// Package config holds the bot configuration: gateway endpoint, voice
// connection tuning, media pipeline geometry and logging.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config represents the complete voicebot configuration
type Config struct {
	// Application settings
	App AppConfig `json:"app"`

	// Gateway (signalling bus) configuration
	Gateway GatewayConfig `json:"gateway"`

	// Voice connection configuration
	Voice VoiceConfig `json:"voice"`

	// Media pipeline configuration
	Media MediaConfig `json:"media"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`
}

// AppConfig contains general application settings
type AppConfig struct {
	Name        string `json:"name"`
	Environment string `json:"environment"` // dev, staging, production
}

// GatewayConfig contains signalling bus settings
type GatewayConfig struct {
	URL              string        `json:"url"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	ReconnectMinWait time.Duration `json:"reconnect_min_wait"`
	ReconnectMaxWait time.Duration `json:"reconnect_max_wait"`
}

// VoiceConfig contains voice connection tuning
type VoiceConfig struct {
	Debug             bool              `json:"debug"`
	MaxConnectedPeers int               `json:"max_connected_peers"`
	HeartbeatInterval time.Duration     `json:"heartbeat_interval"`
	ICEServers        []ICEServerConfig `json:"ice_servers"` // appended to built-in list
}

// ICEServerConfig is a single extra STUN/TURN entry supplied by the operator
type ICEServerConfig struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// MediaConfig contains decoder and pacing settings
type MediaConfig struct {
	FFmpegPath  string `json:"ffmpeg_path"`
	FFprobePath string `json:"ffprobe_path"`

	VideoWidth  int `json:"video_width"`
	VideoHeight int `json:"video_height"`

	// Ring buffer hard caps, in whole frames
	AudioRingFrames int `json:"audio_ring_frames"`
	VideoRingFrames int `json:"video_ring_frames"`

	HTTPUserAgent string `json:"http_user_agent"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Format     string `json:"format"` // json, console
	OutputPath string `json:"output_path"`
}

// Load reads configuration from a JSON file, applying defaults for any
// missing values
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// GetLogLevel maps the configured level string to a zerolog level
func (c *Config) GetLogLevel() zerolog.Level {
	switch c.Logging.Level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Validate checks configuration for invalid values
func (c *Config) Validate() error {
	if c.Voice.MaxConnectedPeers <= 0 {
		return errors.New("config: voice.max_connected_peers must be positive")
	}
	if c.Voice.HeartbeatInterval <= 0 {
		return errors.New("config: voice.heartbeat_interval must be positive")
	}
	if c.Media.VideoWidth <= 0 || c.Media.VideoHeight <= 0 {
		return errors.New("config: media video dimensions must be positive")
	}
	if c.Media.VideoWidth%2 != 0 || c.Media.VideoHeight%2 != 0 {
		// yuv420p chroma planes are half-size in both dimensions
		return errors.New("config: media video dimensions must be even")
	}
	if c.Media.AudioRingFrames <= 0 || c.Media.VideoRingFrames <= 0 {
		return errors.New("config: media ring buffer caps must be positive")
	}
	return nil
}
