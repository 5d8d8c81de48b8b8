package bridge

import (
	"context"
	"fmt"
	"sync"
)

// Recorder is an in-memory Runner for tests. Starts and resumes are recorded;
// tests drive the session by emitting signals through Emit.
type Recorder struct {
	mu sync.Mutex

	handler Handler

	Starts  []StartRequest
	Resumes []ResumeRequest
	Cancels []string

	// FailStart, when set, is returned by the next Start call.
	FailStart error

	sessions map[string]string // agentID -> sessionID
}

// NewRecorder creates a Recorder delivering signals to handler.
func NewRecorder(handler Handler) *Recorder {
	return &Recorder{handler: handler, sessions: make(map[string]string)}
}

func (r *Recorder) Start(_ context.Context, req StartRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailStart != nil {
		err := r.FailStart
		r.FailStart = nil
		return "", err
	}
	r.Starts = append(r.Starts, req)
	sessionID := SessionIDFor(req.AgentID)
	r.sessions[req.AgentID] = sessionID
	return sessionID, nil
}

func (r *Recorder) Resume(_ context.Context, req ResumeRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Resumes = append(r.Resumes, req)
	r.sessions[req.AgentID] = req.SessionID
	return nil
}

func (r *Recorder) Cancel(_ context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Cancels = append(r.Cancels, agentID)
	delete(r.sessions, agentID)
	return nil
}

// SessionFor returns the session ID assigned to an agent.
func (r *Recorder) SessionFor(agentID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.sessions[agentID]
	if !ok {
		return "", fmt.Errorf("no session for agent %s", agentID)
	}
	return id, nil
}

// Emit delivers a signal to the handler as if the runtime produced it. The
// agent's session ID is filled in when the signal omits one.
func (r *Recorder) Emit(ctx context.Context, sig Signal) {
	r.mu.Lock()
	if sig.SessionID == "" {
		sig.SessionID = r.sessions[sig.AgentID]
	}
	handler := r.handler
	r.mu.Unlock()
	handler(ctx, sig)
}

// StartCount returns how many sessions were started.
func (r *Recorder) StartCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Starts)
}
