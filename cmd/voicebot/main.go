package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/concord-chat/voicebot/internal/clock"
	"github.com/concord-chat/voicebot/internal/config"
	"github.com/concord-chat/voicebot/internal/media"
	"github.com/concord-chat/voicebot/internal/observability"
	"github.com/concord-chat/voicebot/internal/signaling"
	"github.com/concord-chat/voicebot/internal/voice"
	"github.com/concord-chat/voicebot/pkg/version"
)

func main() {
	var (
		configPath  = flag.String("config", "config.json", "path to config file")
		gatewayURL  = flag.String("gateway", "", "voice gateway WebSocket URL (overrides config)")
		serverID    = flag.String("server", "", "server ID to join")
		channelID   = flag.String("channel", "", "voice channel ID to join")
		playInput   = flag.String("play", "", "audio file or URL to play after joining")
		videoInput  = flag.String("video", "", "video file or URL to share after joining")
		effectName  = flag.String("effect", "", "audio effect preset (robot, alien, echo, reverb, pitchup, pitchdown)")
		loop        = flag.Bool("loop", false, "loop the audio input")
		metricsAddr = flag.String("metrics", "", "address for the Prometheus /metrics endpoint (empty disables)")
	)
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *gatewayURL != "" {
		cfg.Gateway.URL = *gatewayURL
	}

	// Initialize logger
	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      cfg.GetLogLevel(),
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
		Service:    "voicebot",
		Version:    version.Version,
	})

	logger.Info().
		Str("version", version.Version).
		Str("git_commit", version.GitCommit).
		Str("platform", version.Platform).
		Msg("starting voicebot")

	if *channelID == "" || cfg.Gateway.URL == "" {
		logger.Fatal().Msg("a channel ID and a gateway URL are required")
	}

	// Initialize metrics
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Warn().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to the voice gateway
	gateway := signaling.NewClient(cfg.Gateway.URL, signaling.ClientOptions{
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
		ReconnectMinWait: cfg.Gateway.ReconnectMinWait,
		ReconnectMaxWait: cfg.Gateway.ReconnectMaxWait,
	}, logger)
	if err := gateway.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to gateway")
	}
	defer gateway.Close()

	// Build the WebRTC factory
	iceServers := voice.BuildICEServers(cfg.Voice.ICEServers)
	buildLink, err := voice.NewPionLinkFactory(iceServers, func(kind string, packets int) {
		metrics.InboundPackets.WithLabelValues(kind).Add(float64(packets))
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build WebRTC factory")
	}

	conn := voice.New(voice.Identity{
		ServerID:  *serverID,
		ChannelID: *channelID,
	}, gateway, buildLink, voice.Options{
		Debug:             cfg.Voice.Debug,
		MaxConnectedPeers: cfg.Voice.MaxConnectedPeers,
		HeartbeatInterval: cfg.Voice.HeartbeatInterval,
		ICEServers:        cfg.Voice.ICEServers,
		Media:             cfg.Media,
	}, clock.New(), metrics, logger)

	conn.SetEvents(voice.Events{
		OnFinish: func(kind media.TrackKind) {
			logger.Info().Str("kind", string(kind)).Msg("playback finished")
		},
		OnError: func(err error) {
			logger.Error().Err(err).Msg("playback error")
		},
	})

	if err := conn.Join(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to join voice channel")
	}

	if *playInput != "" {
		effect, err := media.ParseEffect(*effectName)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid effect")
		}
		opts := voice.PlayOptions{Loop: *loop, Effect: effect}
		if isURL(*playInput) {
			err = conn.PlayURL(*playInput, opts)
		} else {
			err = conn.PlayFile(*playInput, opts)
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to start audio playback")
		}
	}

	if *videoInput != "" {
		if err := conn.PlayVideo(*videoInput, voice.VideoOptions{Kind: voice.VideoScreen}); err != nil {
			logger.Error().Err(err).Msg("failed to start video playback")
		}
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	if err := conn.Leave(); err != nil {
		logger.Warn().Err(err).Msg("leave failed")
	}
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
