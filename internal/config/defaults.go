package config

import "time"

// DefaultConfig returns the configuration used when no config file is present.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "voicebot",
			Environment: "dev",
		},
		Gateway: GatewayConfig{
			HandshakeTimeout: 10 * time.Second,
			ReconnectMinWait: 1 * time.Second,
			ReconnectMaxWait: 30 * time.Second,
		},
		Voice: VoiceConfig{
			Debug:             false,
			MaxConnectedPeers: 100,
			HeartbeatInterval: 5 * time.Second,
		},
		Media: MediaConfig{
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
			VideoWidth:  640,
			VideoHeight: 360,
			// Audio keeps latency tight; video rides out slow decodes.
			AudioRingFrames: 48,
			VideoRingFrames: 300,
			HTTPUserAgent:   "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stdout",
		},
	}
}
