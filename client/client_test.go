package client_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arprotocol/arp-go/arperr"
	"github.com/arprotocol/arp-go/client"
	"github.com/arprotocol/arp-go/model"
	"github.com/arprotocol/arp-go/server"
)

func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	srv := server.New(server.Options{Name: "test-arm", Version: "1.0.0"})

	reached := map[string]bool{}
	srv.Tool(model.PhysicalTool{
		Name:        "move_to",
		Description: "moves to a position",
		Safety:      model.SafetyMetadata{Level: model.SafetyLevelNormal, Reversible: true},
	}, func(ctx context.Context, args model.Args) (any, error) {
		reached["move_to"] = true
		return map[string]any{"ok": true}, nil
	})

	rate := 20.0
	srv.Context(model.ContextSource{Name: "odometry", DataType: model.ContextDataTypePose, UpdateRate: &rate},
		func(ctx context.Context) (any, error) {
			return model.Pose{Position: model.Position3D{X: 1, Y: 2, Z: 3}}, nil
		})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	return srv, url
}

func connect(t *testing.T, url string) *client.Client {
	t.Helper()
	c, err := client.Connect(context.Background(), url, "test-client", "1.0.0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

func TestClient_InitializeNegotiatesServerInfo(t *testing.T) {
	_, url := startServer(t)
	c := connect(t, url)

	result, err := c.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-arm", result.ServerInfo.Name)
	assert.True(t, c.Initialized())
}

func TestClient_ListToolsReturnsRegisteredDescriptor(t *testing.T) {
	_, url := startServer(t)
	c := connect(t, url)
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "move_to", tools[0].Name)
}

func TestClient_CallToolSucceeds(t *testing.T) {
	_, url := startServer(t)
	c := connect(t, url)
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)

	result, err := c.CallTool(context.Background(), "move_to", model.Args{"x": 1.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ToolStateCompleted, result.State)
}

func TestClient_CallToolUnknownNameYieldsFailedResultNotGoError(t *testing.T) {
	_, url := startServer(t)
	c := connect(t, url)
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)

	result, err := c.CallTool(context.Background(), "no_such_tool", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ToolStateFailed, result.State)
	assert.NotEmpty(t, result.Error)
}

func TestClient_SubscribeContextInvokesCallback(t *testing.T) {
	_, url := startServer(t)
	c := connect(t, url)
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)

	updates := make(chan model.ContextUpdateParams, 8)
	err = c.SubscribeContext(context.Background(), "odometry", nil, func(params model.ContextUpdateParams) {
		updates <- params
	})
	require.NoError(t, err)

	select {
	case params := <-updates:
		assert.Equal(t, "odometry", params.Name)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for context update")
	}

	require.NoError(t, c.UnsubscribeContext(context.Background(), "odometry"))
}

func TestClient_RequestBeforeInitializeFailsWithNotInitialized(t *testing.T) {
	_, url := startServer(t)
	c := connect(t, url)

	_, err := c.ListTools(context.Background())
	require.Error(t, err)
	protoErr, ok := arperr.As(err)
	require.True(t, ok)
	assert.Equal(t, arperr.CodeNotInitialized, protoErr.Code)
}

func TestClient_DisconnectClosesConnection(t *testing.T) {
	_, url := startServer(t)
	c, err := client.Connect(context.Background(), url, "test-client", "1.0.0")
	require.NoError(t, err)
	_, err = c.Initialize(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Disconnect(context.Background()))

	_, err = c.ListTools(context.Background())
	assert.Error(t, err)
}
