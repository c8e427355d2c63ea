// Package transport implements the ARP byte transport over WebSocket
// (spec.md §4.2): a server-side multi-peer broadcast façade and a
// client-side single-connection request/response correlator. It is
// grounded on the gorilla/websocket upgrader/read-loop pattern in
// services/orchestrator/handlers/websocket.go (from the broader retrieved
// pack) and on the pending-map correlation idiom of
// features/mcp/runtime/stdiocaller.go in the teacher repository,
// generalized from stdio framing to WebSocket framing.
package transport

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/arprotocol/arp-go/wire"
)

// RequestHandler answers one inbound request frame and returns the raw
// response bytes to write back to the same peer.
type RequestHandler func(peer *Peer, req *wire.Request) []byte

// NotificationHandler processes one inbound notification frame; it never
// produces a response.
type NotificationHandler func(peer *Peer, notif *wire.Notification)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Peer is one live server-side connection. Writes are serialized through
// writeMu since gorilla/websocket connections are not safe for concurrent
// writers.
type Peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Send writes one frame to this peer. Safe for concurrent use.
func (p *Peer) Send(raw []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, raw)
}

// Server accepts and tracks concurrently-connected peers and exposes
// Broadcast, the transport primitive the subscription engine and the
// invocation engine's progress notifications use to reach every connected
// client (spec.md §4.2).
type Server struct {
	mu    sync.RWMutex
	peers map[*Peer]struct{}

	onRequest      RequestHandler
	onNotification NotificationHandler
	onDisconnect   func(peer *Peer)
}

// NewServer constructs a Server. onRequest is invoked for frames shaped as
// requests and its return value is written back to the same peer (a nil
// return sends nothing); onNotification is invoked for frames shaped as
// notifications. Malformed JSON is answered with a parse-error response
// (id=0) per spec.md §4.1, bypassing both handlers.
func NewServer(onRequest RequestHandler, onNotification NotificationHandler) *Server {
	return &Server{
		peers:          make(map[*Peer]struct{}),
		onRequest:      onRequest,
		onNotification: onNotification,
	}
}

// OnDisconnect registers a callback invoked once a peer's connection is
// torn down, after it has been removed from the live set. Used by package
// server to release that peer's session state (subscriptions, active
// calls).
func (s *Server) OnDisconnect(fn func(peer *Peer)) {
	s.onDisconnect = fn
}

// Upgrade upgrades one incoming HTTP connection to WebSocket, registers it
// as a live peer, and runs its read/dispatch loop until disconnection. It
// blocks until the peer disconnects, so callers typically invoke it from
// the HTTP handler goroutine directly (one goroutine per peer, per spec.md
// §5's parallel-thread model).
func (s *Server) Upgrade(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	peer := &Peer{conn: conn}

	s.mu.Lock()
	s.peers[peer] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, peer)
		s.mu.Unlock()
		conn.Close()
		if s.onDisconnect != nil {
			s.onDisconnect(peer)
		}
	}()

	s.readLoop(peer)
	return nil
}

// readLoop only ever reads frames and hands each one off to dispatch, which
// runs request handling on its own goroutine (spec.md §5's parallel-thread
// model): a blocking or long-running tool handler must never stall the
// read loop, or a peer could never deliver arp.emergencyStop/arp.cancelTool
// for a call it already has in flight.
func (s *Server) readLoop(peer *Peer) {
	for {
		_, raw, err := peer.conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(peer, raw)
	}
}

func (s *Server) dispatch(peer *Peer, raw []byte) {
	frame, err := wire.DecodeFrame(raw)
	if err != nil {
		resp, encodeErr := wire.EncodeError(0, -32700, "Parse error", nil)
		if encodeErr == nil {
			_ = peer.Send(resp)
		}
		return
	}

	switch frame.Kind {
	case wire.KindRequest:
		if s.onRequest == nil {
			return
		}
		// Handlers (notably arp.callTool) can block for as long as the
		// physical action they drive takes; running them inline here would
		// stall every later frame from this same peer, including the
		// emergencyStop/cancelTool that is supposed to interrupt them.
		// Peer.Send serializes writes, so concurrent requests from one peer
		// still produce whole, non-interleaved frames on the wire; responses
		// to concurrent requests may be written in any order.
		go func(req *wire.Request) {
			if resp := s.onRequest(peer, req); resp != nil {
				_ = peer.Send(resp)
			}
		}(frame.Req)
	case wire.KindNotification:
		if s.onNotification != nil {
			go s.onNotification(peer, frame.Notif)
		}
	default:
		// Response or invalid shape arriving at the server is not a
		// recognized inbound frame; dropped silently.
	}
}

// Broadcast sends raw to every currently connected peer, tolerating
// per-peer send failures so one broken connection cannot block delivery to
// the rest (spec.md §4.2).
func (s *Server) Broadcast(raw []byte) {
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		_ = p.Send(raw)
	}
}

// PeerCount reports the number of currently connected peers.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}
