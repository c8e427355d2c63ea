package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arprotocol/arp-go/transport"
	"github.com/arprotocol/arp-go/wire"
)

func startEchoServer(t *testing.T) (*transport.Server, string) {
	t.Helper()
	srv := transport.NewServer(
		func(peer *transport.Peer, req *wire.Request) []byte {
			raw, err := wire.EncodeResult(req.ID, map[string]string{"echo": req.Method})
			require.NoError(t, err)
			return raw
		},
		nil,
	)
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = srv.Upgrade(w, r)
	}))
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	return srv, wsURL
}

func TestClientServer_RequestResponseRoundTrip(t *testing.T) {
	_, wsURL := startEchoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := transport.Dial(ctx, wsURL)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.SendRequest(ctx, "arp.listTools", nil)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "arp.listTools")
}

func TestClientServer_Broadcast(t *testing.T) {
	srv, wsURL := startEchoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := transport.Dial(ctx, wsURL)
	require.NoError(t, err)
	defer client.Close()

	received := make(chan *wire.Notification, 1)
	client.OnNotification("arp.contextUpdate", func(notif *wire.Notification) {
		received <- notif
	})

	// Give the server a moment to register the peer before broadcasting.
	require.Eventually(t, func() bool { return srv.PeerCount() == 1 }, time.Second, 10*time.Millisecond)

	raw, err := wire.EncodeNotification("arp.contextUpdate", map[string]string{"name": "odometry"})
	require.NoError(t, err)
	srv.Broadcast(raw)

	select {
	case notif := <-received:
		assert.Equal(t, "arp.contextUpdate", notif.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast notification")
	}
}

func TestClient_RequestAfterCloseFails(t *testing.T) {
	_, wsURL := startEchoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := transport.Dial(ctx, wsURL)
	require.NoError(t, err)

	client.Close()

	_, err = client.SendRequest(context.Background(), "arp.listTools", nil)
	assert.Error(t, err)
}
