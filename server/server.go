// Package server assembles the session-layer components — catalog, safety
// evaluator, session state, invocation engine, subscription engine, and
// WebSocket transport — into the public ARPServer façade a robot
// application registers tools and context sources against (spec.md §4.5's
// handshake/dispatch table). It is grounded on arp_sdk/server.py's
// ARPServer in the original Python reference implementation, carried over
// method-for-method, with registration expressed as plain Go methods in
// place of the Python SDK's decorator syntax.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/arprotocol/arp-go/arperr"
	"github.com/arprotocol/arp-go/catalog"
	"github.com/arprotocol/arp-go/invocation"
	"github.com/arprotocol/arp-go/model"
	"github.com/arprotocol/arp-go/session"
	"github.com/arprotocol/arp-go/subscription"
	"github.com/arprotocol/arp-go/telemetry"
	"github.com/arprotocol/arp-go/transport"
	"github.com/arprotocol/arp-go/wire"
)

// Options configures a Server at construction time.
type Options struct {
	Name       string
	Version    string
	RobotModel string
	RobotType  string

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Server is one ARP robot server: a tool/context/constraint catalog and a
// single subscription engine shared across every connected peer, plus a
// per-peer Session and invocation Engine created on connect.
type Server struct {
	serverInfo   model.ServerInfo
	capabilities model.Capabilities

	catalog      *catalog.Catalog
	transport    *transport.Server
	subscription *subscription.Engine

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	workspaceMu sync.RWMutex
	workspace   *model.Workspace

	peersMu sync.Mutex
	perPeer map[*transport.Peer]*peerState
}

type peerState struct {
	session    *session.Session
	invocation *invocation.Engine
}

// New constructs a Server. Tools, context sources, and constraints should
// be registered before serving; the catalog does not require this but the core
// gives no ordering guarantee once peers are connected (spec.md §4.3).
func New(opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "arp-server"
	}
	if opts.Version == "" {
		opts.Version = "0.1.0"
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}

	s := &Server{
		serverInfo: model.ServerInfo{
			Name:    opts.Name,
			Version: opts.Version,
		},
		capabilities: model.DefaultCapabilities(),
		catalog:      catalog.New(),
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		perPeer:      make(map[*transport.Peer]*peerState),
	}
	if opts.RobotModel != "" {
		s.serverInfo.RobotModel = &opts.RobotModel
	}
	if opts.RobotType != "" {
		s.serverInfo.RobotType = &opts.RobotType
	}

	s.transport = transport.NewServer(s.handleRequest, s.handleNotification)
	s.transport.OnDisconnect(s.cleanupPeer)
	s.subscription = subscription.New(s.catalog, s.transport, s.logger)
	return s
}

// Tool registers a PhysicalTool descriptor and its handler.
func (s *Server) Tool(descriptor model.PhysicalTool, handler catalog.ToolHandler) {
	s.catalog.RegisterTool(descriptor, handler)
}

// Context registers a ContextSource descriptor and its provider.
func (s *Server) Context(descriptor model.ContextSource, provider catalog.ContextProvider) {
	s.catalog.RegisterContext(descriptor, provider)
}

// AddConstraint registers a safety constraint.
func (s *Server) AddConstraint(constraint model.SafetyConstraint) {
	s.catalog.AddConstraint(constraint)
}

// SetWorkspace seeds the server's initial Workspace, the same record
// arp.setWorkspace (spec.md §4.5) replaces at runtime. Robot applications
// that load a workspace from a profile call this before ListenAndServe.
func (s *Server) SetWorkspace(ws model.Workspace) {
	s.workspaceMu.Lock()
	defer s.workspaceMu.Unlock()
	s.workspace = &ws
}

// Handler returns the net/http handler that upgrades incoming connections
// to the ARP WebSocket transport; mount it at the server's root path.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.transport.Upgrade(w, r); err != nil {
			s.logger.Error(r.Context(), "websocket upgrade failed")
		}
	}
}

// ListenAndServe is a convenience entry point for standalone demo binaries:
// it mounts the ARP handler at "/" and blocks serving HTTP on addr.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.Handler())
	return http.ListenAndServe(addr, mux)
}

func (s *Server) peerState(peer *transport.Peer) *peerState {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	if ps, ok := s.perPeer[peer]; ok {
		return ps
	}
	sess := session.New()
	ps := &peerState{
		session:    sess,
		invocation: invocation.New(s.catalog, sess, s.transport, s.logger, s.metrics, s.tracer),
	}
	s.perPeer[peer] = ps
	return ps
}

func (s *Server) cleanupPeer(peer *transport.Peer) {
	s.peersMu.Lock()
	ps, ok := s.perPeer[peer]
	delete(s.perPeer, peer)
	s.peersMu.Unlock()
	if ok {
		ps.session.Shutdown()
	}
}

func (s *Server) handleNotification(peer *transport.Peer, notif *wire.Notification) {
	if notif.Method != "arp.emergencyStop" {
		return
	}
	var params model.EmergencyStopParams
	_ = wire.DecodeParams(notif.Params, &params)

	ps := s.peerState(peer)
	ps.session.TripEmergencyStop()
	s.logger.Warn(context.Background(), "EMERGENCY STOP: "+params.Reason)
}

var knownMethods = map[string]bool{
	"arp.initialize": true, "arp.shutdown": true, "arp.listTools": true,
	"arp.callTool": true, "arp.cancelTool": true, "arp.listContext": true,
	"arp.subscribeContext": true, "arp.unsubscribeContext": true,
	"arp.listConstraints": true, "arp.getConstraint": true, "arp.setWorkspace": true,
}

func (s *Server) handleRequest(peer *transport.Peer, req *wire.Request) []byte {
	ps := s.peerState(peer)

	if !knownMethods[req.Method] {
		raw, _ := wire.EncodeError(req.ID, arperr.CodeMethodNotFound, "Method not found: "+req.Method, nil)
		return raw
	}

	if req.Method != "arp.initialize" && !ps.session.Initialized() {
		raw, _ := wire.EncodeError(req.ID, arperr.CodeNotInitialized, "Not initialized", nil)
		return raw
	}

	result, protoErr := s.dispatch(context.Background(), ps, req.Method, req.Params)
	if protoErr != nil {
		raw, _ := wire.EncodeError(req.ID, protoErr.Code, protoErr.Message, protoErr.Data)
		return raw
	}
	raw, err := wire.EncodeResult(req.ID, result)
	if err != nil {
		errRaw, _ := wire.EncodeError(req.ID, arperr.CodeInternal, "Internal error", nil)
		return errRaw
	}
	return raw
}

func (s *Server) dispatch(ctx context.Context, ps *peerState, method string, rawParams json.RawMessage) (any, *arperr.ProtocolError) {
	switch method {
	case "arp.initialize":
		var params model.InitializeParams
		_ = wire.DecodeParams(rawParams, &params)
		ps.session.Initialize(params.ProtocolVersion, params.ClientInfo, params.Capabilities)
		return model.InitializeResult{
			ProtocolVersion: model.ProtocolVersion,
			ServerInfo:      s.serverInfo,
			Capabilities:    s.capabilities,
		}, nil

	case "arp.shutdown":
		ps.session.Shutdown()
		return map[string]any{"status": "ok"}, nil

	case "arp.listTools":
		return map[string]any{"tools": s.catalog.Tools()}, nil

	case "arp.callTool":
		var params invocation.CallParams
		_ = wire.DecodeParams(rawParams, &params)
		result, protoErr := ps.invocation.CallTool(ctx, params)
		if protoErr != nil {
			return nil, protoErr
		}
		return result, nil

	case "arp.cancelTool":
		var params struct {
			CallID string `json:"callId"`
		}
		_ = wire.DecodeParams(rawParams, &params)
		return ps.invocation.CancelTool(params.CallID), nil

	case "arp.listContext":
		return map[string]any{"sources": s.catalog.ContextSources()}, nil

	case "arp.subscribeContext":
		var params subscription.SubscribeParams
		_ = wire.DecodeParams(rawParams, &params)
		result, ok := s.subscription.Subscribe(context.Background(), ps.session, params)
		if !ok {
			return nil, arperr.ContextNotFound(params.Name)
		}
		return result, nil

	case "arp.unsubscribeContext":
		var params struct {
			Name string `json:"name"`
		}
		_ = wire.DecodeParams(rawParams, &params)
		return s.subscription.Unsubscribe(ps.session, params.Name), nil

	case "arp.listConstraints":
		return map[string]any{"constraints": s.catalog.Constraints()}, nil

	case "arp.getConstraint":
		var params struct {
			Name string `json:"name"`
		}
		_ = wire.DecodeParams(rawParams, &params)
		c, ok := s.catalog.Constraint(params.Name)
		if !ok {
			return nil, arperr.ConstraintNotFound(params.Name)
		}
		return c, nil

	case "arp.setWorkspace":
		var params struct {
			Name    string                  `json:"name"`
			Bounds  model.BoundingBox       `json:"bounds"`
			Objects []model.WorkspaceObject `json:"objects,omitempty"`
		}
		_ = wire.DecodeParams(rawParams, &params)
		s.workspaceMu.Lock()
		s.workspace = &model.Workspace{Name: params.Name, Bounds: params.Bounds, Objects: params.Objects}
		s.workspaceMu.Unlock()
		return map[string]any{"status": "ok", "workspace": params.Name}, nil

	default:
		return nil, arperr.MethodNotFound(method)
	}
}
