// Package invocation implements the invocation engine: admission control,
// constraint checking, handler dispatch, call-state tracking, progress
// emission, and result packaging (spec.md §4.5). It is grounded on
// arp_sdk/server.py's ARPServer._handle_call_tool in the original Python
// reference implementation, translated to the teacher's asynchronous
// handler idiom (runtime/toolregistry/executor.Execute's admit-dispatch-
// complete shape) with a context.Context threaded through dispatch per
// SPEC_FULL.md §9's Open Question resolution.
package invocation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arprotocol/arp-go/arperr"
	"github.com/arprotocol/arp-go/catalog"
	"github.com/arprotocol/arp-go/model"
	"github.com/arprotocol/arp-go/safety"
	"github.com/arprotocol/arp-go/session"
	"github.com/arprotocol/arp-go/telemetry"
	"github.com/arprotocol/arp-go/wire"
)

// Broadcaster is the subset of the transport server an Engine needs: the
// ability to reach every connected peer with a progress notification.
type Broadcaster interface {
	Broadcast(raw []byte)
}

// Engine admits, dispatches, and completes tool calls against one session's
// catalog and active-call table.
type Engine struct {
	catalog *catalog.Catalog
	session *session.Session
	peers   Broadcaster

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// New constructs an Engine. Any of logger/metrics/tracer may be nil, in
// which case a no-op implementation is used.
func New(cat *catalog.Catalog, sess *session.Session, peers Broadcaster, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Engine {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Engine{catalog: cat, session: sess, peers: peers, logger: logger, metrics: metrics, tracer: tracer}
}

// CallParams is the decoded body of an arp.callTool request.
type CallParams struct {
	Name      string     `json:"name"`
	CallID    string     `json:"callId,omitempty"`
	Arguments model.Args `json:"arguments,omitempty"`
}

// CallTool runs the full admission-dispatch-completion sequence of spec.md
// §4.5. A non-nil *arperr.ProtocolError return means admission failed before
// any call record was created (protocol-level rejection, steps 1-5); a nil
// error with a populated CallToolResult means the handler ran to some
// terminal state (tool-domain outcome, never a protocol error).
func (e *Engine) CallTool(ctx context.Context, params CallParams) (*model.CallToolResult, *arperr.ProtocolError) {
	ctx, span := e.tracer.Start(ctx, "invocation.CallTool")
	defer span.End()

	// Step 1: sticky emergency stop.
	if e.session.EmergencyStopped() {
		e.metrics.IncCounter("arp.calltool.rejected", 1, "reason", "emergency_stopped")
		return nil, arperr.EmergencyStopped()
	}

	// Step 2: tool must be registered.
	tool, handler, ok := e.catalog.Tool(params.Name)
	if !ok {
		e.metrics.IncCounter("arp.calltool.rejected", 1, "reason", "tool_not_found")
		return nil, arperr.ToolNotFound(params.Name)
	}

	// Step 3: callId collision against a running call, or mint a fresh one.
	callID := params.CallID
	if callID != "" {
		if existing, ok := e.session.Call(callID); ok && existing.State == model.ToolStateRunning {
			e.metrics.IncCounter("arp.calltool.rejected", 1, "reason", "tool_busy")
			return nil, arperr.ToolBusy(callID)
		}
	} else {
		callID = uuid.NewString()
	}

	// Step 4: constraint evaluation.
	if detail, violated := safety.Evaluate(params.Name, params.Arguments, e.catalog.Constraints()); violated {
		e.metrics.IncCounter("arp.calltool.rejected", 1, "reason", "safety_violation")
		return nil, arperr.SafetyViolation(detail)
	}

	// Step 5: confirmation gate. The core never auto-confirms.
	if tool.Safety.RequiresConfirmation {
		e.metrics.IncCounter("arp.calltool.rejected", 1, "reason", "confirmation_required")
		return nil, arperr.ConfirmationRequired(params.Name)
	}

	// Step 6: admit, record, emit starting progress.
	callCtx, cancel := context.WithCancel(ctx)
	e.session.Admit(callID, params.Name, cancel)
	e.sendProgress(callID, ptr(0.0), "Starting execution", model.ToolStateRunning)
	e.logger.Info(ctx, "tool call admitted", "tool", params.Name, "callId", callID)

	t0 := time.Now()
	result, handlerErr := handler(callCtx, params.Arguments)
	duration := time.Since(t0).Seconds()

	if handlerErr != nil {
		e.session.SetState(callID, model.ToolStateFailed)
		e.metrics.IncCounter("arp.calltool.failed", 1, "tool", params.Name)
		span.RecordError(handlerErr)
		return &model.CallToolResult{
			CallID:   callID,
			State:    model.ToolStateFailed,
			Error:    handlerErr.Error(),
			Duration: &duration,
		}, nil
	}

	e.session.SetState(callID, model.ToolStateCompleted)
	e.metrics.IncCounter("arp.calltool.completed", 1, "tool", params.Name)
	return &model.CallToolResult{
		CallID:   callID,
		State:    model.ToolStateCompleted,
		Result:   result,
		Duration: &duration,
	}, nil
}

// CancelTool implements arp.cancelTool (spec.md §4.5): marks callID
// cancelled if a record exists and cancels the call's context. Cancellation
// is cooperative — the handler itself is never preempted; it stops early
// only if it observes ctx.Done().
func (e *Engine) CancelTool(callID string) map[string]any {
	if e.session.Cancel(callID) {
		if call, ok := e.session.Call(callID); ok && call.Cancel != nil {
			call.Cancel()
		}
		return map[string]any{"callId": callID, "state": "cancelled"}
	}
	return map[string]any{"callId": callID, "state": "not_found"}
}

// SendProgress is the public helper tool handlers use to emit an
// arp.toolProgress notification mid-execution (spec.md §4.5).
func (e *Engine) SendProgress(callID string, progress *float64, message string) {
	e.sendProgress(callID, progress, message, model.ToolStateRunning)
}

func (e *Engine) sendProgress(callID string, progress *float64, message string, state model.ToolState) {
	if e.peers == nil {
		return
	}
	params := model.ToolProgressParams{CallID: callID, Progress: progress, Message: message, State: state}
	raw, err := wire.EncodeNotification("arp.toolProgress", params)
	if err != nil {
		e.logger.Error(context.Background(), fmt.Sprintf("failed to encode progress notification: %v", err))
		return
	}
	e.peers.Broadcast(raw)
}

func ptr(f float64) *float64 { return &f }
