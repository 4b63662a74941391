package factories

import (
	"fmt"
	"net/http"

	"docvoice/connections"
	"docvoice/core"
	"docvoice/transports/daily"
	"docvoice/transports/webrtc"
)

// Transport is the negotiator for the configured mode. Relay is non-nil
// only in room mode, where the media bridge attaches over a websocket.
type Transport struct {
	Negotiator connections.Negotiator
	Relay      http.Handler
}

// BuildTransport selects the negotiator for settings.Server.Mode.
func BuildTransport(settings SettingsConfig, logger *core.Logger) (Transport, error) {
	switch settings.Server.Mode {
	case ModeWebRTC:
		neg, err := webrtc.NewNegotiator(settings.WebRTC, logger)
		if err != nil {
			return Transport{}, err
		}
		return Transport{Negotiator: neg}, nil
	case ModeDaily:
		neg, err := daily.NewNegotiator(settings.Daily, logger)
		if err != nil {
			return Transport{}, err
		}
		return Transport{Negotiator: neg, Relay: neg}, nil
	}
	return Transport{}, fmt.Errorf("TransportFactoryConfig: unknown mode %q", settings.Server.Mode)
}
