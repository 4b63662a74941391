package daily

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"docvoice/connections"
	"docvoice/core"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// Negotiator creates one private room per call and registers a relay
// transport that waits for the media bridge to attach.
type Negotiator struct {
	config    Config
	logger    *core.Logger
	apiClient *DailyAPIClient
	upgrader  websocket.Upgrader
	http      *http.Client
	now       func() time.Time

	mu    sync.Mutex
	rooms map[string]*Transport
}

// NewNegotiator creates a room negotiator.
func NewNegotiator(config Config, logger *core.Logger) (*Negotiator, error) {
	if config.APIKey == "" {
		return nil, errors.New("daily: API key is required")
	}
	config = config.withDefaults()
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Negotiator{
		config:    config,
		logger:    logger.With(map[string]interface{}{"transport": "daily"}),
		apiClient: NewDailyAPIClient(config.APIKey, config.APIBaseURL),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		http:  &http.Client{Timeout: 10 * time.Second},
		now:   time.Now,
		rooms: make(map[string]*Transport),
	}, nil
}

// RoomName derives the room of a session.
func (n *Negotiator) RoomName(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return n.config.RoomPrefix + "-" + short
}

type bridgeJob struct {
	RoomName string `json:"room_name"`
	RoomURL  string `json:"room_url"`
	BotToken string `json:"bot_token"`
	BotName  string `json:"bot_name"`
	RelayURL string `json:"relay_url,omitempty"`
}

// Negotiate creates the room, a user token and a bot token. The returned
// answer carries the room URL and the user token.
func (n *Negotiator) Negotiate(ctx context.Context, connID string, offer connections.Offer, _ []connections.ICEServer) (connections.Transport, connections.Answer, error) {
	name := n.RoomName(offer.SessionID)
	expiresAt := n.now().Add(time.Duration(n.config.ExpirySeconds) * time.Second).Unix()

	room, err := n.apiClient.CreateRoom(ctx, RoomConfig{
		Name:    name,
		Privacy: "private",
		Properties: &RoomProperties{
			MaxParticipants: n.config.MaxParticipants,
			ExpiresAt:       expiresAt,
			EjectAtRoomExp:  true,
			EnableChat:      false,
			StartVideoOff:   true,
		},
	})
	if err != nil {
		return nil, connections.Answer{}, fmt.Errorf("daily: %w", err)
	}

	cleanup := func() {
		if err := n.apiClient.DeleteRoom(context.WithoutCancel(ctx), room.Name); err != nil {
			n.logger.Warn("delete room after failed setup", "room", room.Name, "error", err)
		}
	}

	userToken, err := n.apiClient.CreateMeetingToken(ctx, MeetingTokenConfig{
		Properties: &MeetingTokenProperties{RoomName: room.Name, UserName: "user", ExpiresAt: expiresAt},
	})
	if err != nil {
		cleanup()
		return nil, connections.Answer{}, fmt.Errorf("daily: user %w", err)
	}
	botToken, err := n.apiClient.CreateMeetingToken(ctx, MeetingTokenConfig{
		Properties: &MeetingTokenProperties{RoomName: room.Name, UserName: n.config.BotName, IsOwner: true, ExpiresAt: expiresAt},
	})
	if err != nil {
		cleanup()
		return nil, connections.Answer{}, fmt.Errorf("daily: bot %w", err)
	}

	t := newTransport(connID, room.Name, n)
	n.mu.Lock()
	if old, ok := n.rooms[room.Name]; ok {
		n.mu.Unlock()
		cleanup()
		return nil, connections.Answer{}, fmt.Errorf("daily: room %q already bound to %s", room.Name, old.ID())
	}
	n.rooms[room.Name] = t
	n.mu.Unlock()

	if n.config.BridgeWebhook != "" {
		job := bridgeJob{RoomName: room.Name, RoomURL: room.URL, BotToken: botToken, BotName: n.config.BotName, RelayURL: n.relayURL(room.Name)}
		if err := n.dispatch(ctx, job); err != nil {
			t.Close()
			return nil, connections.Answer{}, fmt.Errorf("daily: dispatch bridge: %w", err)
		}
	}
	go t.watchAttach(n.config.AttachTimeout)

	n.logger.Info("room created", "room", room.Name, "url", room.URL, "pc_id", connID)
	return t, connections.Answer{RoomURL: room.URL, Token: userToken}, nil
}

func (n *Negotiator) relayURL(room string) string {
	if n.config.RelayURL == "" {
		return ""
	}
	return n.config.RelayURL + "?room=" + room
}

func (n *Negotiator) dispatch(ctx context.Context, job bridgeJob) error {
	body, err := sonic.Marshal(job)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.BridgeWebhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// release forgets the room and deletes it on Daily.
func (n *Negotiator) release(t *Transport) {
	n.mu.Lock()
	if n.rooms[t.room] == t {
		delete(n.rooms, t.room)
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.apiClient.DeleteRoom(ctx, t.room); err != nil {
		n.logger.Warn("delete room", "room", t.room, "error", err)
		return
	}
	n.logger.Info("room deleted", "room", t.room)
}

// Rooms returns the number of rooms with a registered transport.
func (n *Negotiator) Rooms() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.rooms)
}

// ServeHTTP attaches a media bridge websocket to the transport of the room
// named by the "room" query parameter.
func (n *Negotiator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("room")
	n.mu.Lock()
	t, ok := n.rooms[name]
	n.mu.Unlock()
	if !ok {
		http.Error(w, "unknown room", http.StatusNotFound)
		return
	}
	if t.attached() {
		http.Error(w, "relay already attached", http.StatusConflict)
		return
	}

	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Warn("relay upgrade failed", "room", name, "error", err)
		return
	}
	conn.SetReadLimit(n.config.MaxMessageSize)
	if !t.attach(conn) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "relay already attached"),
			time.Now().Add(time.Second))
		conn.Close()
	}
}
