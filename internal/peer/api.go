package peer

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/peerbeam/peerbeam/internal/config"
)

func NewAPI(cfg config.Config) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return api, nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortRange.Min, cfg.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	// Loopback candidates are filtered out by default. Same-host transfers
	// (two processes on one machine, no STUN) need them.
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	return nil
}
