package invocation_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arprotocol/arp-go/catalog"
	"github.com/arprotocol/arp-go/invocation"
	"github.com/arprotocol/arp-go/model"
	"github.com/arprotocol/arp-go/session"
)

type noopBroadcaster struct{ sent [][]byte }

func (b *noopBroadcaster) Broadcast(raw []byte) { b.sent = append(b.sent, raw) }

func newEngine() (*invocation.Engine, *catalog.Catalog, *session.Session, *noopBroadcaster) {
	cat := catalog.New()
	sess := session.New()
	peers := &noopBroadcaster{}
	return invocation.New(cat, sess, peers, nil, nil, nil), cat, sess, peers
}

func TestCallTool_ToolNotFound(t *testing.T) {
	engine, _, _, _ := newEngine()
	_, protoErr := engine.CallTool(context.Background(), invocation.CallParams{Name: "missing"})
	require.NotNil(t, protoErr)
	assert.Equal(t, -40003, protoErr.Code)
}

func TestCallTool_EmergencyStopped(t *testing.T) {
	engine, _, sess, _ := newEngine()
	sess.TripEmergencyStop()
	_, protoErr := engine.CallTool(context.Background(), invocation.CallParams{Name: "move_to"})
	require.NotNil(t, protoErr)
	assert.Equal(t, -40007, protoErr.Code)
}

func TestCallTool_SuccessfulCompletion(t *testing.T) {
	engine, cat, _, peers := newEngine()
	cat.RegisterTool(model.PhysicalTool{Name: "move_to", Safety: model.SafetyMetadata{Level: model.SafetyLevelNormal}},
		func(ctx context.Context, args model.Args) (any, error) {
			return map[string]any{"reached": true}, nil
		})

	result, protoErr := engine.CallTool(context.Background(), invocation.CallParams{Name: "move_to"})
	require.Nil(t, protoErr)
	require.NotNil(t, result)
	assert.Equal(t, model.ToolStateCompleted, result.State)
	assert.NotEmpty(t, result.CallID)
	require.NotNil(t, result.Duration)
	assert.NotEmpty(t, peers.sent, "progress notification should have been broadcast")
}

func TestCallTool_HandlerFailureYieldsFailedResult(t *testing.T) {
	engine, cat, _, _ := newEngine()
	cat.RegisterTool(model.PhysicalTool{Name: "move_to"}, func(ctx context.Context, args model.Args) (any, error) {
		return nil, errors.New("actuator fault")
	})

	result, protoErr := engine.CallTool(context.Background(), invocation.CallParams{Name: "move_to"})
	require.Nil(t, protoErr, "handler failure is a tool-domain outcome, never a protocol error")
	require.NotNil(t, result)
	assert.Equal(t, model.ToolStateFailed, result.State)
	assert.Equal(t, "actuator fault", result.Error)
}

func TestCallTool_BusyCallIDRejected(t *testing.T) {
	engine, cat, sess, _ := newEngine()
	cat.RegisterTool(model.PhysicalTool{Name: "move_to"}, func(ctx context.Context, args model.Args) (any, error) {
		return nil, nil
	})
	sess.Admit("call-1", "move_to", func() {})

	_, protoErr := engine.CallTool(context.Background(), invocation.CallParams{Name: "move_to", CallID: "call-1"})
	require.NotNil(t, protoErr)
	assert.Equal(t, -40004, protoErr.Code)
}

func TestCallTool_SafetyViolationRejected(t *testing.T) {
	engine, cat, _, _ := newEngine()
	cat.RegisterTool(model.PhysicalTool{Name: "move_to"}, func(ctx context.Context, args model.Args) (any, error) {
		return nil, nil
	})
	cat.AddConstraint(model.SafetyConstraint{
		Name: "bound1", Type: model.ConstraintTypeWorkspaceBound, Enabled: true,
		Parameters: map[string]any{"min": []any{0.0, 0.0, 0.0}, "max": []any{1.0, 1.0, 1.0}},
	})

	_, protoErr := engine.CallTool(context.Background(), invocation.CallParams{
		Name:      "move_to",
		Arguments: model.Args{"target": []any{5.0, 5.0, 5.0}},
	})
	require.NotNil(t, protoErr)
	assert.Equal(t, -40001, protoErr.Code)
}

func TestCallTool_RequiresConfirmationRejected(t *testing.T) {
	engine, cat, _, _ := newEngine()
	cat.RegisterTool(model.PhysicalTool{
		Name:   "emergency_eject",
		Safety: model.SafetyMetadata{RequiresConfirmation: true},
	}, func(ctx context.Context, args model.Args) (any, error) { return nil, nil })

	_, protoErr := engine.CallTool(context.Background(), invocation.CallParams{Name: "emergency_eject"})
	require.NotNil(t, protoErr)
	assert.Equal(t, -40001, protoErr.Code)
}

func TestCancelTool_UnknownCallIDReturnsNotFound(t *testing.T) {
	engine, _, _, _ := newEngine()
	result := engine.CancelTool("nope")
	assert.Equal(t, "not_found", result["state"])
}

func TestCancelTool_KnownCallIDReturnsCancelled(t *testing.T) {
	engine, _, sess, _ := newEngine()
	sess.Admit("call-1", "move_to", func() {})

	result := engine.CancelTool("call-1")
	assert.Equal(t, "cancelled", result["state"])

	call, ok := sess.Call("call-1")
	require.True(t, ok)
	assert.Equal(t, model.ToolStateCancelled, call.State)
}
