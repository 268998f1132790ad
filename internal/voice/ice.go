package voice

import (
	"os"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/concord-chat/voicebot/internal/config"
)

// Environment variables for the optional TURN relay.
const (
	envTurnURL  = "TURN_URL"
	envTurnUser = "TURN_USER"
	envTurnPass = "TURN_PASS"
)

// DefaultICEServers returns the built-in public STUN set.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
		{URLs: []string{"stun:stun.cloudflare.com:3478"}},
	}
}

// BuildICEServers assembles the full server list: built-in STUN, TURN from
// the environment, then any operator-supplied extras.
func BuildICEServers(extra []config.ICEServerConfig) []webrtc.ICEServer {
	servers := DefaultICEServers()

	if turn := turnFromEnv(); turn != nil {
		servers = append(servers, *turn)
	}

	for _, e := range extra {
		if len(e.URLs) == 0 {
			continue
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       e.URLs,
			Username:   e.Username,
			Credential: e.Credential,
		})
	}

	return servers
}

// turnFromEnv reads TURN_URL/TURN_USER/TURN_PASS. When the URL uses the
// plain turn: scheme, a TLS variant is derived alongside it.
func turnFromEnv() *webrtc.ICEServer {
	url := strings.TrimSpace(os.Getenv(envTurnURL))
	if url == "" {
		return nil
	}

	urls := []string{url}
	if turns := deriveTURNS(url); turns != "" {
		urls = append(urls, turns)
	}

	return &webrtc.ICEServer{
		URLs:       urls,
		Username:   os.Getenv(envTurnUser),
		Credential: os.Getenv(envTurnPass),
	}
}

// deriveTURNS upgrades a turn: URL to its turns: sibling over TCP. The
// default port 3478, or a missing port, becomes the TLS port 5349; any other
// port is kept. Returns "" when the input already uses TLS or is not a turn URL.
func deriveTURNS(url string) string {
	if !strings.HasPrefix(url, "turn:") {
		return ""
	}

	rest := strings.TrimPrefix(url, "turn:")
	hostport := rest
	query := ""
	if i := strings.Index(rest, "?"); i >= 0 {
		hostport = rest[:i]
		query = rest[i:]
	}

	if strings.HasSuffix(hostport, ":3478") {
		hostport = strings.TrimSuffix(hostport, ":3478") + ":5349"
	} else if !strings.Contains(hostport, ":") {
		hostport += ":5349"
	}

	// TURN over TLS runs on TCP.
	if query == "" || strings.Contains(query, "transport=udp") {
		query = "?transport=tcp"
	}

	return "turns:" + hostport + query
}
