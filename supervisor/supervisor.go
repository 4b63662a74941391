package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docvoice/connections"
	"docvoice/core"
	"docvoice/events/llm"
	"docvoice/events/status"
	transportevents "docvoice/events/transport"
	"docvoice/handlers/transport"
	"docvoice/runner"
	"docvoice/sessions"
)

// SessionPolicy decides what happens to a session when its call ends.
type SessionPolicy string

const (
	PolicyEndWithCall      SessionPolicy = "end_with_call"
	PolicyKeepForReconnect SessionPolicy = "keep_for_reconnect"
)

// PolicyForMode returns the default policy of a transport mode.
func PolicyForMode(mode string) SessionPolicy {
	if mode == "daily" {
		return PolicyEndWithCall
	}
	return PolicyKeepForReconnect
}

type Config struct {
	SessionPolicy SessionPolicy `json:"session_policy"`
	GracePeriod   time.Duration `json:"grace_period"`
	StatusBuffer  int           `json:"status_buffer"`
	LogDir        string        `json:"log_dir"` // Per-call JSONL logs; empty disables them.
	Runner        runner.Config `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		SessionPolicy: PolicyKeepForReconnect,
		GracePeriod:   5 * time.Second,
		StatusBuffer:  16,
		Runner:        runner.DefaultConfig(),
	}
}

// PipelineFactory builds the ordered handlers of one call.
type PipelineFactory interface {
	Build(ctx context.Context, session sessions.Session, t transport.TransportService, sink status.Sink) ([]core.IHandler, error)
}

// ConnectionRemover drops a connection entry after teardown.
type ConnectionRemover interface {
	Remove(id string)
}

// Supervisor runs one pipeline per connection and tears everything down in
// a fixed order when the call ends.
type Supervisor struct {
	store     *sessions.Store
	factory   PipelineFactory
	conns     ConnectionRemover
	config    Config
	logger    *core.Logger
	onRelease func(sessions.DocumentRef)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	calls map[string]*Call
}

func New(store *sessions.Store, factory PipelineFactory, conns ConnectionRemover, config Config, logger *core.Logger) *Supervisor {
	defaults := DefaultConfig()
	if config.SessionPolicy == "" {
		config.SessionPolicy = defaults.SessionPolicy
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = defaults.GracePeriod
	}
	if config.StatusBuffer <= 0 {
		config.StatusBuffer = defaults.StatusBuffer
	}
	config.Runner.GracePeriod = config.GracePeriod
	if logger == nil {
		logger = core.GetLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:   store,
		factory: factory,
		conns:   conns,
		config:  config,
		logger:  logger.With(map[string]interface{}{"component": "supervisor"}),
		ctx:     ctx,
		cancel:  cancel,
		calls:   make(map[string]*Call),
	}
}

// OnDocumentReleased registers fn to free documents no call references any
// more: those retired during a call and those of sessions ended with it.
func (s *Supervisor) OnDocumentReleased(fn func(sessions.DocumentRef)) {
	s.onRelease = fn
}

func (s *Supervisor) releaseDocuments(refs []sessions.DocumentRef) {
	if s.onRelease == nil {
		return
	}
	for _, ref := range refs {
		s.onRelease(ref)
	}
}

// CallStarter adapts the supervisor for the connection manager.
func (s *Supervisor) CallStarter() connections.CallStarter {
	return connections.CallStarterFunc(func(ctx context.Context, conn *connections.Connection) (connections.Run, error) {
		session, err := s.store.Get(conn.SessionID)
		if err != nil {
			return nil, err
		}
		call, err := s.StartCall(ctx, session, conn)
		if err != nil {
			return nil, err
		}
		return call, nil
	})
}

// Call is the live pipeline of one connection.
type Call struct {
	ID        string
	SessionID string

	runner    *runner.Runner
	transport transport.TransportService
	status    *statusSink
	logWriter *core.SessionLogWriter
	logger    *core.Logger
	cancel    context.CancelFunc
	done      chan struct{}
	reason    string
}

func (c *Call) Cancel() { c.cancel() }

func (c *Call) Done() <-chan struct{} { return c.done }

// Reason is why the call ended. Valid after Done closes.
func (c *Call) Reason() string { return c.reason }

// StartCall builds and starts the pipeline for conn. The call outlives ctx;
// it ends on disconnect, on a fatal pipeline error, on Cancel or on CancelAll.
func (s *Supervisor) StartCall(ctx context.Context, session sessions.Session, conn *connections.Connection) (*Call, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, errors.New("supervisor: shutting down")
	}
	if err := s.store.BindCall(session.ID, conn.ID); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithCancel(s.ctx)
	call := &Call{
		ID:        conn.ID,
		SessionID: session.ID,
		transport: conn.Transport,
		status:    newStatusSink(s.config.StatusBuffer),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	call.logger = s.logger.With(map[string]interface{}{"call_id": conn.ID, "session_id": session.ID})
	callCtx = s.withCallLogger(callCtx, call, conn)

	fail := func(err error) (*Call, error) {
		cancel()
		if call.logWriter != nil {
			call.logWriter.Close()
		}
		s.releaseDocuments(s.store.ReleaseCall(session.ID, conn.ID))
		return nil, err
	}

	handlers, err := s.factory.Build(callCtx, session, conn.Transport, call.status)
	if err != nil {
		return fail(fmt.Errorf("supervisor: build pipeline: %w", err))
	}
	call.runner = runner.NewRunner(handlers, s.config.Runner)
	if err := call.runner.Start(callCtx); err != nil {
		return fail(fmt.Errorf("supervisor: start pipeline: %w", err))
	}

	s.mu.Lock()
	s.calls[call.ID] = call
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		call.status.deliver(call.done, conn.Transport.SendStatus, call.logger)
	}()
	go func() {
		defer s.wg.Done()
		s.supervise(callCtx, call)
	}()

	call.logger.Info("call started", "transport", conn.Transport.Kind(), "document", session.Document != nil)
	return call, nil
}

func (s *Supervisor) withCallLogger(ctx context.Context, call *Call, conn *connections.Connection) context.Context {
	if s.config.LogDir == "" {
		return core.ContextWithSessionLogger(ctx, call.logger)
	}
	writer, err := core.NewSessionLogWriter(s.config.LogDir, core.CallMetadata{
		CallID:       conn.ID,
		SessionID:    call.SessionID,
		ConnectionID: conn.ID,
		Transport:    conn.Transport.Kind(),
	})
	if err != nil {
		call.logger.Warn("call log disabled", "error", err)
		return core.ContextWithSessionLogger(ctx, call.logger)
	}
	call.logWriter = writer
	call.logger = core.NewSessionLogger(call.logger, writer)
	return core.ContextWithSessionLogger(ctx, call.logger)
}

func (s *Supervisor) supervise(ctx context.Context, call *Call) {
	lifecycle := call.transport.Lifecycle()
	greeted := false

loop:
	for {
		select {
		case ev, ok := <-lifecycle:
			if !ok {
				call.reason = "transport closed"
				break loop
			}
			switch ev.Kind {
			case transportevents.LifecycleParticipantJoined:
				call.logger.Info("participant joined", "participant", ev.ParticipantID)
				if !greeted {
					greeted = true
					if err := call.runner.Inject(&llm.LLMRunEvent{Reason: "greeting"}); err != nil {
						call.logger.Warn("greeting not injected", "error", err)
					}
				}
			case transportevents.LifecycleParticipantLeft:
				call.reason = "participant left"
				break loop
			case transportevents.LifecycleClosed:
				call.reason = "transport closed"
				break loop
			}
		case <-call.runner.Finished():
			call.reason = "pipeline finished"
			if err := call.runner.Err(); err != nil {
				call.reason = "pipeline error: " + err.Error()
			}
			break loop
		case <-ctx.Done():
			call.reason = "cancelled"
			break loop
		}
	}

	s.teardown(call)
}

// teardown stops the pipeline, then releases the transport, the connection
// entry and the session binding, in that order.
func (s *Supervisor) teardown(call *Call) {
	call.cancel()
	start := time.Now()
	if err := call.runner.Stop(); err != nil {
		if errors.Is(err, runner.ErrAbandoned) {
			call.logger.Warn("call abandoned after grace period", "grace", s.config.GracePeriod)
		} else {
			call.logger.Warn("pipeline cleanup", "error", err)
		}
	}

	if err := call.transport.Close(); err != nil {
		call.logger.Warn("close transport", "error", err)
	}
	if s.conns != nil {
		s.conns.Remove(call.ID)
	}
	released := s.store.ReleaseCall(call.SessionID, call.ID)
	if s.config.SessionPolicy == PolicyEndWithCall {
		if session, err := s.store.Delete(call.SessionID); err == nil && session.Document != nil {
			released = append(released, *session.Document)
		}
	}
	s.releaseDocuments(released)

	s.mu.Lock()
	delete(s.calls, call.ID)
	s.mu.Unlock()

	call.logger.Info("call ended", "reason", call.reason, "stop_took", time.Since(start), "status_dropped", call.status.droppedCount())
	close(call.done)
	if call.logWriter != nil {
		call.logWriter.Close()
	}
}

// Count returns the number of live calls.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Get returns the live call bound to a connection, or nil.
func (s *Supervisor) Get(connID string) *Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[connID]
}

// CancelAll ends every live call and refuses new ones.
func (s *Supervisor) CancelAll() {
	s.cancel()
}

// Wait blocks until every call has been torn down or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
