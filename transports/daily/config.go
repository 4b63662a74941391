package daily

import "time"

// Config holds configuration for the Daily room transport.
type Config struct {
	// Daily API key for REST API authentication.
	APIKey string `json:"api_key,omitempty"`

	// Daily API base URL (default: https://api.daily.co/v1).
	APIBaseURL string `json:"api_base_url,omitempty"`

	// Room configuration.
	RoomPrefix      string `json:"room_prefix,omitempty"`
	ExpirySeconds   int    `json:"expiry_seconds,omitempty"`
	MaxParticipants int    `json:"max_participants,omitempty"`

	// Bot participant name in the room.
	BotName string `json:"bot_name,omitempty"`

	// BridgeWebhook, when set, receives a POST per room so a media bridge
	// can join with the bot token and attach to RelayURL.
	BridgeWebhook string `json:"bridge_webhook,omitempty"`
	// RelayURL is the public websocket URL of the relay endpoint.
	RelayURL string `json:"relay_url,omitempty"`

	// Relay websocket configuration.
	ReadBufferSize  int           `json:"read_buffer_size,omitempty"`
	WriteBufferSize int           `json:"write_buffer_size,omitempty"`
	MaxMessageSize  int64         `json:"max_message_size,omitempty"`
	AttachTimeout   time.Duration `json:"attach_timeout,omitempty"`

	// Audio exchanged with the relay: 16-bit PCM at this rate.
	AudioSampleRate int `json:"audio_sample_rate,omitempty"`
	AudioChannels   int `json:"audio_channels,omitempty"`
	InboundBuffer   int `json:"inbound_buffer,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		APIBaseURL:      "https://api.daily.co/v1",
		RoomPrefix:      "docvoice",
		ExpirySeconds:   600,
		MaxParticipants: 2,
		BotName:         "Document Assistant",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		MaxMessageSize:  65536,
		AttachTimeout:   60 * time.Second,
		AudioSampleRate: 16000,
		AudioChannels:   1,
		InboundBuffer:   64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.APIBaseURL == "" {
		c.APIBaseURL = d.APIBaseURL
	}
	if c.RoomPrefix == "" {
		c.RoomPrefix = d.RoomPrefix
	}
	if c.ExpirySeconds <= 0 {
		c.ExpirySeconds = d.ExpirySeconds
	}
	if c.MaxParticipants <= 0 {
		c.MaxParticipants = d.MaxParticipants
	}
	if c.BotName == "" {
		c.BotName = d.BotName
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = d.AttachTimeout
	}
	if c.AudioSampleRate <= 0 {
		c.AudioSampleRate = d.AudioSampleRate
	}
	if c.AudioChannels <= 0 {
		c.AudioChannels = d.AudioChannels
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = d.InboundBuffer
	}
	return c
}
