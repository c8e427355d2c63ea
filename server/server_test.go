package server_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arprotocol/arp-go/client"
	"github.com/arprotocol/arp-go/model"
	"github.com/arprotocol/arp-go/server"
)

func startServer(t *testing.T) *server.Server {
	t.Helper()
	return server.New(server.Options{Name: "test-arm", Version: "1.0.0"})
}

func dial(t *testing.T, srv *server.Server) *client.Client {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	c, err := client.Connect(context.Background(), url, "test-client", "1.0.0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	_, err = c.Initialize(context.Background())
	require.NoError(t, err)
	return c
}

func TestServer_PickAndPlaceHappyPath(t *testing.T) {
	srv := startServer(t)
	srv.Tool(model.PhysicalTool{
		Name:   "pick_up",
		Safety: model.SafetyMetadata{Level: model.SafetyLevelNormal, Reversible: true},
	}, func(ctx context.Context, args model.Args) (any, error) {
		return map[string]any{"grasped": args["object"]}, nil
	})
	srv.Tool(model.PhysicalTool{
		Name:   "place",
		Safety: model.SafetyMetadata{Level: model.SafetyLevelNormal, Reversible: true},
	}, func(ctx context.Context, args model.Args) (any, error) {
		return map[string]any{"placed": true}, nil
	})

	c := dial(t, srv)

	result, err := c.CallTool(context.Background(), "pick_up", model.Args{"object": "block_1"}, nil)
	require.NoError(t, err)
	require.Equal(t, model.ToolStateCompleted, result.State)

	result, err = c.CallTool(context.Background(), "place", model.Args{"target": "bin_a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ToolStateCompleted, result.State)
}

func TestServer_SafetyViolationRejectsCall(t *testing.T) {
	srv := startServer(t)
	srv.Tool(model.PhysicalTool{
		Name:   "move_to",
		Safety: model.SafetyMetadata{Level: model.SafetyLevelNormal, Reversible: true},
	}, func(ctx context.Context, args model.Args) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	srv.AddConstraint(model.SafetyConstraint{
		Name:            "workspace_boundary",
		Type:            model.ConstraintTypeWorkspaceBound,
		Enabled:         true,
		ViolationAction: model.ViolationActionReject,
		Parameters: map[string]any{
			"min": []any{-1.0, -1.0, 0.0},
			"max": []any{1.0, 1.0, 2.0},
		},
	})

	c := dial(t, srv)

	result, err := c.CallTool(context.Background(), "move_to", model.Args{"target": []any{5.0, 5.0, 5.0}}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ToolStateFailed, result.State)
	assert.NotEmpty(t, result.Error)
}

func TestServer_SubscribeContextDeliversUpdatesAtRate(t *testing.T) {
	srv := startServer(t)
	rate := 50.0
	srv.Context(model.ContextSource{Name: "joints", DataType: model.ContextDataTypeJoints, UpdateRate: &rate},
		func(ctx context.Context) (any, error) {
			return map[string]any{"angles": []float64{0, 0, 0}}, nil
		})

	c := dial(t, srv)

	var count int64
	err := c.SubscribeContext(context.Background(), "joints", nil, func(params model.ContextUpdateParams) {
		atomic.AddInt64(&count, 1)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return atomic.LoadInt64(&count) >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.UnsubscribeContext(context.Background(), "joints"))
}

func TestServer_EmergencyStopCancelsRunningCall(t *testing.T) {
	srv := startServer(t)
	started := make(chan struct{})
	blocked := make(chan struct{})
	srv.Tool(model.PhysicalTool{
		Name:   "long_move",
		Safety: model.SafetyMetadata{Level: model.SafetyLevelNormal, Reversible: true},
	}, func(ctx context.Context, args model.Args) (any, error) {
		close(started)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-blocked:
			return map[string]any{"ok": true}, nil
		}
	})

	c := dial(t, srv)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.CallTool(context.Background(), "long_move", nil, nil)
	}()

	<-started
	require.NoError(t, c.EmergencyStop("test halt"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("call did not complete after emergency stop")
	}
}

func TestServer_UninitializedRequestRejected(t *testing.T) {
	srv := startServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	c, err := client.Connect(context.Background(), url, "test-client", "1.0.0")
	require.NoError(t, err)
	defer c.Disconnect(context.Background())

	_, err = c.ListTools(context.Background())
	require.Error(t, err)
}

func TestServer_HandlerFailureYieldsFailedResult(t *testing.T) {
	srv := startServer(t)
	srv.Tool(model.PhysicalTool{
		Name:   "flaky",
		Safety: model.SafetyMetadata{Level: model.SafetyLevelNormal, Reversible: true},
	}, func(ctx context.Context, args model.Args) (any, error) {
		return nil, errors.New("actuator fault")
	})

	c := dial(t, srv)

	result, err := c.CallTool(context.Background(), "flaky", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ToolStateFailed, result.State)
	assert.Equal(t, "actuator fault", result.Error)
}

func TestServer_GetConstraintRejectedBeforeInitialize(t *testing.T) {
	srv := startServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	c, err := client.Connect(context.Background(), url, "test-client", "1.0.0")
	require.NoError(t, err)
	defer c.Disconnect(context.Background())

	_, err = c.GetConstraint(context.Background(), "does-not-exist")
	require.Error(t, err)
}
