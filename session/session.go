// Package session holds the server's per-connection state (spec.md §3's
// Session and ActiveCall records): the handshake flag, negotiated
// capabilities, the sticky emergency-stop flag, the live subscription set,
// and the active-call table. It is grounded on the pending-map/mutex shape
// of features/mcp/runtime/stdiocaller.go's StdioCaller in the teacher
// repository, generalized from a single outstanding-call map to the three
// independent tables a server-side session needs.
package session

import (
	"sync"
	"time"

	"github.com/arprotocol/arp-go/model"
)

// ActiveCall is the transient record the invocation engine keeps for one
// live or recently-terminated tool call (spec.md §3).
type ActiveCall struct {
	ToolName  string
	State     model.ToolState
	AdmittedAt time.Time
	Cancel    func()
}

// Session is one peer connection's state on the server. The zero value is
// not usable; use New.
type Session struct {
	mu sync.RWMutex

	initialized     bool
	protocolVersion string
	clientInfo      model.ClientInfo
	capabilities    model.Capabilities
	emergencyStop   bool

	calls         map[string]*ActiveCall
	subscriptions map[string]func()
}

// New returns a fresh, uninitialized Session.
func New() *Session {
	return &Session{
		calls:         make(map[string]*ActiveCall),
		subscriptions: make(map[string]func()),
	}
}

// Initialize records the handshake per spec.md §4.5 and flips initialized
// true. It may be called more than once (a client that re-sends
// arp.initialize simply re-negotiates); the core does not reject repeats.
func (s *Session) Initialize(protocolVersion string, clientInfo model.ClientInfo, capabilities model.Capabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	s.protocolVersion = protocolVersion
	s.clientInfo = clientInfo
	s.capabilities = capabilities
}

// Initialized reports whether arp.initialize has completed.
func (s *Session) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Shutdown cancels every live subscription, clears the subscription set, and
// flips initialized false. The connection itself is not closed (spec.md
// §4.5); that is the transport layer's concern.
func (s *Session) Shutdown() {
	s.mu.Lock()
	subs := s.subscriptions
	s.subscriptions = make(map[string]func())
	s.initialized = false
	s.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
}

// EmergencyStopped reports whether the sticky emergency-stop flag is set.
func (s *Session) EmergencyStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emergencyStop
}

// TripEmergencyStop sets the sticky flag and marks every running call
// cancelled, returning the callIDs that were transitioned so the caller can
// notify peers. Once tripped nothing clears it (spec.md §4.7, §9), not even
// Shutdown; the flag ends only with the Session itself, which the server
// discards when the peer disconnects.
func (s *Session) TripEmergencyStop() []string {
	s.mu.Lock()
	s.emergencyStop = true

	var cancelled []string
	var cancelFuncs []func()
	for id, call := range s.calls {
		if call.State == model.ToolStateRunning {
			call.State = model.ToolStateCancelled
			cancelled = append(cancelled, id)
			if call.Cancel != nil {
				cancelFuncs = append(cancelFuncs, call.Cancel)
			}
		}
	}
	s.mu.Unlock()

	for _, cancel := range cancelFuncs {
		cancel()
	}
	return cancelled
}

// Admit records a fresh ActiveCall in state running. It is the caller's
// responsibility to have already checked for a busy callId (spec.md §4.5
// step 3); Admit always overwrites.
func (s *Session) Admit(callID, toolName string, cancel func()) *ActiveCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := &ActiveCall{
		ToolName:   toolName,
		State:      model.ToolStateRunning,
		AdmittedAt: time.Now(),
		Cancel:     cancel,
	}
	s.calls[callID] = call
	return call
}

// Call looks up an ActiveCall by callId.
func (s *Session) Call(callID string) (*ActiveCall, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	call, ok := s.calls[callID]
	return call, ok
}

// SetState transitions an existing call to a terminal state. It is a no-op
// if callID is unknown.
func (s *Session) SetState(callID string, state model.ToolState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if call, ok := s.calls[callID]; ok {
		call.State = state
	}
}

// Cancel marks callID cancelled if present, per arp.cancelTool (spec.md
// §4.5). It reports whether a record existed.
func (s *Session) Cancel(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return false
	}
	call.State = model.ToolStateCancelled
	return true
}

// Subscribe registers a subscription's cancel function, keyed by context
// source name. It reports whether a new subscription was created (false
// means name was already subscribed, per spec.md §4.6's no-op rule).
func (s *Session) Subscribe(name string, cancel func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subscriptions[name]; exists {
		return false
	}
	s.subscriptions[name] = cancel
	return true
}

// Unsubscribe cancels and removes the subscription for name, if present.
func (s *Session) Unsubscribe(name string) {
	s.mu.Lock()
	cancel, ok := s.subscriptions[name]
	delete(s.subscriptions, name)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Subscribed reports whether name currently has a live subscription.
func (s *Session) Subscribed(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscriptions[name]
	return ok
}
