package sessions

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrCallInProgress  = errors.New("session already has a live call")
)

// DocumentRef points at an ingested document held by the LLM provider.
type DocumentRef struct {
	Name     string `json:"name"` // Provider handle used to release the file.
	URI      string `json:"uri"`
	MIMEType string `json:"mime_type"`
	Title    string `json:"title"`
}

type Session struct {
	ID               string       `json:"session_id"`
	Document         *DocumentRef `json:"document,omitempty"`
	VoiceModel       string       `json:"voice_model,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	ActiveConnection string       `json:"active_connection,omitempty"`

	// Retired holds documents replaced or cleared while a call was live.
	// The call's conversation still points at them until it ends.
	Retired []DocumentRef `json:"-"`
}

// Live reports whether a call is bound to the session.
func (s Session) Live() bool {
	return s.ActiveConnection != ""
}

func (s Session) clone() Session {
	if s.Document != nil {
		doc := *s.Document
		s.Document = &doc
	}
	s.Retired = append([]DocumentRef(nil), s.Retired...)
	return s
}

// Store is the in-memory registry of sessions. Reads return copies.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session), now: time.Now}
}

func (s *Store) Create(voiceModel string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &Session{ID: uuid.NewString(), VoiceModel: voiceModel, CreatedAt: s.now()}
	s.sessions[sess.ID] = sess
	return sess.clone()
}

// GetOrCreate returns the session with id, or a new session under a fresh
// id when id is empty or unknown. Clients never choose session ids.
func (s *Store) GetOrCreate(id string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && id != "" {
		return sess.clone()
	}
	sess := &Session{ID: uuid.NewString(), CreatedAt: s.now()}
	s.sessions[sess.ID] = sess
	return sess.clone()
}

func (s *Store) Get(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("sessions: get %q: %w", id, ErrSessionNotFound)
	}
	return sess.clone(), nil
}

// AttachDocument sets the session's document and returns the one it
// replaced, which the caller may release. While a call is live the replaced
// document is retired instead and nil is returned.
func (s *Store) AttachDocument(id string, ref DocumentRef) (*DocumentRef, error) {
	return s.update(id, func(sess *Session) *DocumentRef {
		prev := sess.Document
		sess.Document = &ref
		return sess.retire(prev)
	})
}

// ClearDocument detaches the document and returns it, or nil if there was
// none or a live call still uses it.
func (s *Store) ClearDocument(id string) (*DocumentRef, error) {
	return s.update(id, func(sess *Session) *DocumentRef {
		prev := sess.Document
		sess.Document = nil
		return sess.retire(prev)
	})
}

func (sess *Session) retire(prev *DocumentRef) *DocumentRef {
	if prev == nil || !sess.Live() {
		return prev
	}
	sess.Retired = append(sess.Retired, *prev)
	return nil
}

func (s *Store) SetVoiceModel(id, voiceModel string) error {
	_, err := s.update(id, func(sess *Session) *DocumentRef {
		sess.VoiceModel = voiceModel
		return nil
	})
	return err
}

func (s *Store) update(id string, fn func(*Session) *DocumentRef) (*DocumentRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("sessions: update %q: %w", id, ErrSessionNotFound)
	}
	return fn(sess), nil
}

// BindCall records connID as the session's live call. Binding the same
// connection twice is a no-op.
func (s *Store) BindCall(id, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("sessions: bind %q: %w", id, ErrSessionNotFound)
	}
	if sess.ActiveConnection != "" && sess.ActiveConnection != connID {
		return fmt.Errorf("sessions: bind %q: %w", id, ErrCallInProgress)
	}
	sess.ActiveConnection = connID
	return nil
}

// ReleaseCall clears the binding if it still belongs to connID and hands
// back the documents retired during the call.
func (s *Store) ReleaseCall(id, connID string) []DocumentRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.ActiveConnection != connID {
		return nil
	}
	sess.ActiveConnection = ""
	retired := sess.Retired
	sess.Retired = nil
	return retired
}

// Delete removes the session and returns its last state.
func (s *Store) Delete(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("sessions: delete %q: %w", id, ErrSessionNotFound)
	}
	delete(s.sessions, id)
	return sess.clone(), nil
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
