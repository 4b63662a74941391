package daily

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sethvargo/go-retry"
)

// DailyAPIClient wraps Daily's REST API.
type DailyAPIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	backoff    func() retry.Backoff
}

// RoomConfig is the request body for POST /rooms.
type RoomConfig struct {
	Name       string          `json:"name,omitempty"`
	Privacy    string          `json:"privacy,omitempty"`
	Properties *RoomProperties `json:"properties,omitempty"`
}

// RoomProperties configures room behaviour.
type RoomProperties struct {
	MaxParticipants int   `json:"max_participants,omitempty"`
	ExpiresAt       int64 `json:"exp,omitempty"`
	EjectAtRoomExp  bool  `json:"eject_at_room_exp,omitempty"`
	EnableChat      bool  `json:"enable_chat"`
	StartVideoOff   bool  `json:"start_video_off,omitempty"`
}

// Room is the response from POST /rooms.
type Room struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	Privacy   string `json:"privacy"`
	CreatedAt string `json:"created_at"`
}

// MeetingTokenConfig is the request body for POST /meeting-tokens.
type MeetingTokenConfig struct {
	Properties *MeetingTokenProperties `json:"properties"`
}

// MeetingTokenProperties configures token permissions.
type MeetingTokenProperties struct {
	RoomName  string `json:"room_name"`
	UserName  string `json:"user_name,omitempty"`
	IsOwner   bool   `json:"is_owner,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// MeetingToken is the response from POST /meeting-tokens.
type MeetingToken struct {
	Token string `json:"token"`
}

// NewDailyAPIClient creates a new API client.
func NewDailyAPIClient(apiKey, baseURL string) *DailyAPIClient {
	if baseURL == "" {
		baseURL = "https://api.daily.co/v1"
	}
	return &DailyAPIClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewExponential(250*time.Millisecond))
		},
	}
}

// CreateRoom creates a new Daily room.
func (c *DailyAPIClient) CreateRoom(ctx context.Context, config RoomConfig) (*Room, error) {
	var room Room
	if err := c.do(ctx, http.MethodPost, "/rooms", config, &room); err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	return &room, nil
}

// CreateMeetingToken generates a meeting token for a room.
func (c *DailyAPIClient) CreateMeetingToken(ctx context.Context, config MeetingTokenConfig) (string, error) {
	var token MeetingToken
	if err := c.do(ctx, http.MethodPost, "/meeting-tokens", config, &token); err != nil {
		return "", fmt.Errorf("create token: %w", err)
	}
	return token.Token, nil
}

// DeleteRoom deletes a Daily room. A room that is already gone is not an error.
func (c *DailyAPIClient) DeleteRoom(ctx context.Context, roomName string) error {
	err := c.do(ctx, http.MethodDelete, "/rooms/"+roomName, nil, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

// do sends one API request, retrying transport errors, 429 and 5xx.
func (c *DailyAPIClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		b, err := sonic.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = b
	}

	var final error
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			se := &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(respBody))}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return retry.RetryableError(se)
			}
			final = se
			return nil
		}
		if out != nil {
			if err := sonic.Unmarshal(respBody, out); err != nil {
				final = fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return final
}

func (c *DailyAPIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}
