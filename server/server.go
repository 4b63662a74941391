package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"docvoice/connections"
	"docvoice/core"
	"docvoice/services/gemini/files"
	"docvoice/sessions"

	"github.com/bytedance/sonic"
)

var (
	ErrUnsupportedDocument = errors.New("only PDF and TXT files are supported")
	ErrPipelineUnavailable = errors.New("voice pipeline is not configured")
	ErrDocumentsDisabled   = errors.New("document ingestion is not configured")
	errBadRequest          = errors.New("bad request")
)

// DocumentStore ingests uploads and releases replaced documents.
type DocumentStore interface {
	Ingest(ctx context.Context, filename, mimeType string, r io.Reader) (files.Document, error)
	Release(ctx context.Context, name string) error
}

// Readiness reports whether calls can be started.
type Readiness interface {
	Ready() error
}

// Connections is the part of the connection manager the API drives.
type Connections interface {
	Open(ctx context.Context, offer connections.Offer) (connections.Answer, error)
	Close(id string)
	Count() int
	// SessionOf returns the session a live connection belongs to.
	SessionOf(id string) (string, bool)
}

type Counter interface {
	Count() int
}

type Config struct {
	Mode           string // "webrtc" or "daily"
	MaxUploadBytes int64
	AllowedOrigins []string
	ReleaseTimeout time.Duration
}

// Deps are the registries the API serves. Documents and Relay may be nil.
type Deps struct {
	Sessions    *sessions.Store
	Connections Connections
	Calls       Counter
	Documents   DocumentStore
	Pipeline    Readiness
	Relay       http.Handler
}

type Server struct {
	config Config
	deps   Deps
	logger *core.Logger
	mux    *http.ServeMux
}

func New(config Config, deps Deps, logger *core.Logger) *Server {
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 50 << 20
	}
	if config.ReleaseTimeout <= 0 {
		config.ReleaseTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	s := &Server{
		config: config,
		deps:   deps,
		logger: logger.With(map[string]interface{}{"component": "server"}),
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /session", s.handleCreateSession)
	s.mux.HandleFunc("GET /session/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /session/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /session/{id}/document", s.handleUploadDocument)
	s.mux.HandleFunc("POST /session/{id}/document/clear", s.handleClearDocument)
	s.mux.HandleFunc("POST /session/{id}/connect", s.handleConnect)
	s.mux.HandleFunc("POST /offer", s.handleOffer)
	if s.deps.Relay != nil {
		s.mux.Handle("GET /daily/relay", s.deps.Relay)
	}
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = cors(s.config.AllowedOrigins, h)
	h = recoverPanics(s.logger, h)
	h = accessLog(s.logger, h)
	return h
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := sonic.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"encode response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound), errors.Is(err, connections.ErrUnknownConnection):
		return http.StatusNotFound
	case errors.Is(err, sessions.ErrCallInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrUnsupportedDocument), errors.Is(err, errBadRequest), errors.As(err, &tooLarge):
		return http.StatusBadRequest
	case errors.Is(err, ErrPipelineUnavailable), errors.Is(err, ErrDocumentsDisabled), errors.Is(err, connections.ErrNoCallStarter):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decodeBody decodes an optional JSON body into v.
func decodeBody(r *http.Request, v interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return errors.Join(errBadRequest, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

// release frees a replaced document off the request path.
func (s *Server) release(ref *sessions.DocumentRef) {
	if ref == nil || ref.Name == "" || s.deps.Documents == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ReleaseTimeout)
		defer cancel()
		if err := s.deps.Documents.Release(ctx, ref.Name); err != nil {
			s.logger.Warn("could not release document", "name", ref.Name, "error", err)
		}
	}()
}
