package connections

import (
	"context"
	"sync"

	"docvoice/handlers/transport"
)

type State string

const (
	StateNegotiating   State = "negotiating"
	StateEstablished   State = "established"
	StateRenegotiating State = "renegotiating"
	StateClosed        State = "closed"
)

// ICEServer is one STUN/TURN relay handed to peers.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Offer is a client's request to open or renegotiate a connection. Room
// based transports ignore the SDP fields.
type Offer struct {
	ConnectionID string
	SessionID    string
	SDP          string
	Type         string
	RestartPC    bool
}

// Answer is what the client needs to complete the connection.
type Answer struct {
	ConnectionID string `json:"pc_id"`
	SDP          string `json:"sdp,omitempty"`
	Type         string `json:"type,omitempty"`
	RoomURL      string `json:"room_url,omitempty"`
	Token        string `json:"token,omitempty"`
}

// Transport is a negotiated media connection.
type Transport interface {
	transport.TransportService
	// Renegotiate applies a new offer to the live connection.
	Renegotiate(ctx context.Context, offer Offer) (Answer, error)
}

// Negotiator creates transports for new connections.
type Negotiator interface {
	Negotiate(ctx context.Context, connID string, offer Offer, iceServers []ICEServer) (Transport, Answer, error)
}

// Run is the pipeline bound to a connection.
type Run interface {
	Cancel()
	Done() <-chan struct{}
}

// CallStarter binds a pipeline run to an established connection.
type CallStarter interface {
	StartCall(ctx context.Context, conn *Connection) (Run, error)
}

// CallStarterFunc adapts a function to CallStarter.
type CallStarterFunc func(ctx context.Context, conn *Connection) (Run, error)

func (f CallStarterFunc) StartCall(ctx context.Context, conn *Connection) (Run, error) {
	return f(ctx, conn)
}

// Connection is one registered media connection. ID, SessionID, ICEServers
// and Transport are fixed at creation.
type Connection struct {
	ID         string
	SessionID  string
	ICEServers []ICEServer
	Transport  Transport

	mu    sync.Mutex
	state State
	run   Run
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run returns the bound pipeline run, or nil before the call started.
func (c *Connection) Run() Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
