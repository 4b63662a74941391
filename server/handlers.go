package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"docvoice/connections"
	"docvoice/sessions"
)

type healthResponse struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
	Calls       int    `json:"calls"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Sessions: s.deps.Sessions.Count()}
	if s.deps.Connections != nil {
		resp.Connections = s.deps.Connections.Count()
	}
	if s.deps.Calls != nil {
		resp.Calls = s.deps.Calls.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

type createSessionRequest struct {
	VoiceModel string `json:"voice_model"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	session := s.deps.Sessions.Create(req.VoiceModel)
	s.logger.Info("session created", "session_id", session.ID)
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: session.ID})
}

type sessionView struct {
	SessionID     string    `json:"session_id"`
	DocumentTitle string    `json:"document_title,omitempty"`
	VoiceModel    string    `json:"voice_model,omitempty"`
	Live          bool      `json:"live"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := sessionView{
		SessionID:  session.ID,
		VoiceModel: session.VoiceModel,
		Live:       session.Live(),
		CreatedAt:  session.CreatedAt,
	}
	if session.Document != nil {
		view.DocumentTitle = session.Document.Title
	}
	writeJSON(w, http.StatusOK, view)
}

type successResponse struct {
	Success bool `json:"success"`
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Sessions.Delete(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if session.ActiveConnection != "" && s.deps.Connections != nil {
		s.deps.Connections.Close(session.ActiveConnection)
	}
	s.release(session.Document)
	for i := range session.Retired {
		s.release(&session.Retired[i])
	}
	s.logger.Info("session deleted", "session_id", session.ID)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// documentType maps an accepted upload name to its MIME type.
func documentType(filename string) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "application/pdf", nil
	case ".txt":
		return "text/plain", nil
	}
	return "", fmt.Errorf("%q: %w", filename, ErrUnsupportedDocument)
}

type uploadResponse struct {
	Accepted      bool   `json:"accepted"`
	Filename      string `json:"filename"`
	FileReference string `json:"file_reference"`
}

// handleUploadDocument accepts multipart (field "file") or a raw body named
// by ?filename=. State changes only after ingestion succeeds.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Sessions.Get(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.deps.Documents == nil {
		s.writeError(w, r, ErrDocumentsDisabled)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)

	filename, body, err := uploadedFile(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer body.Close()
	mimeType, err := documentType(filename)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	doc, err := s.deps.Documents.Ingest(r.Context(), filename, mimeType, body)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("ingest %s: %w", filename, err))
		return
	}
	ref := sessions.DocumentRef{Name: doc.Name, URI: doc.URI, MIMEType: doc.MIMEType, Title: filename}
	prev, err := s.deps.Sessions.AttachDocument(id, ref)
	if err != nil {
		// Session deleted while the upload was in flight.
		s.release(&ref)
		s.writeError(w, r, err)
		return
	}
	s.release(prev)
	s.logger.Info("document attached", "session_id", id, "filename", filename)
	writeJSON(w, http.StatusOK, uploadResponse{Accepted: true, Filename: filename, FileReference: doc.URI})
}

func uploadedFile(r *http.Request) (string, io.ReadCloser, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", nil, errors.Join(errBadRequest, err)
		}
		return filepath.Base(header.Filename), file, nil
	}
	name := filepath.Base(strings.TrimSpace(r.URL.Query().Get("filename")))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", nil, fmt.Errorf("%w: missing filename", errBadRequest)
	}
	return name, r.Body, nil
}

func (s *Server) handleClearDocument(w http.ResponseWriter, r *http.Request) {
	prev, err := s.deps.Sessions.ClearDocument(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.release(prev)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

type connectRequest struct {
	VoiceModel   string `json:"voice_model"`
	SDP          string `json:"sdp"`
	Type         string `json:"type"`
	ConnectionID string `json:"pc_id"`
	RestartPC    bool   `json:"restart_pc"`
}

func (s *Server) ready() error {
	if s.deps.Pipeline == nil {
		return ErrPipelineUnavailable
	}
	if err := s.deps.Pipeline.Ready(); err != nil {
		return fmt.Errorf("%w: %v", ErrPipelineUnavailable, err)
	}
	return nil
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.deps.Sessions.Get(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ready(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.VoiceModel != "" {
		if err := s.deps.Sessions.SetVoiceModel(id, req.VoiceModel); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	offer := connections.Offer{ConnectionID: req.ConnectionID, SessionID: id, RestartPC: req.RestartPC}
	if s.config.Mode != "daily" {
		if req.SDP == "" {
			s.writeError(w, r, fmt.Errorf("%w: sdp offer is required", errBadRequest))
			return
		}
		offer.SDP, offer.Type = req.SDP, req.Type
	}
	answer, err := s.deps.Connections.Open(r.Context(), offer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

type offerRequest struct {
	SDP          string `json:"sdp"`
	Type         string `json:"type"`
	ConnectionID string `json:"pc_id"`
	SessionID    string `json:"session_id"`
	RestartPC    bool   `json:"restart_pc"`
}

type offerResponse struct {
	connections.Answer
	SessionID string `json:"session_id"`
}

// handleOffer is direct peer negotiation without a prior POST /session.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if s.config.Mode == "daily" {
		s.writeError(w, r, fmt.Errorf("%w: /offer is only served in webrtc mode", errBadRequest))
		return
	}
	var req offerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.SDP == "" {
		s.writeError(w, r, fmt.Errorf("%w: sdp offer is required", errBadRequest))
		return
	}
	if err := s.ready(); err != nil {
		s.writeError(w, r, err)
		return
	}
	sessionID := req.SessionID
	if sessionID == "" && req.ConnectionID != "" {
		// Renegotiation may name only the connection.
		sessionID, _ = s.deps.Connections.SessionOf(req.ConnectionID)
	}
	session := s.deps.Sessions.GetOrCreate(sessionID)
	answer, err := s.deps.Connections.Open(r.Context(), connections.Offer{
		ConnectionID: req.ConnectionID,
		SessionID:    session.ID,
		SDP:          req.SDP,
		Type:         req.Type,
		RestartPC:    req.RestartPC,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offerResponse{Answer: answer, SessionID: session.ID})
}
