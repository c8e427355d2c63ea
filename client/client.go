// Package client implements ARPClient, the peripheral-side façade a planner
// or operator tool uses to talk to one ARP robot server (spec.md §4.5). It is
// grounded on arp_sdk/client.py's ARPClient in the original Python reference
// implementation, carried over method-for-method onto the transport.Client
// request/notification primitives, with progress and context callbacks
// registered under a mutex instead of Python's plain dict.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/arprotocol/arp-go/arperr"
	"github.com/arprotocol/arp-go/model"
	"github.com/arprotocol/arp-go/transport"
	"github.com/arprotocol/arp-go/wire"
)

// ProgressCallback observes arp.toolProgress notifications for one call.
type ProgressCallback func(params model.ToolProgressParams)

// ContextCallback observes arp.contextUpdate notifications for one
// subscription.
type ContextCallback func(params model.ContextUpdateParams)

// Client is one connection to an ARP robot server.
type Client struct {
	conn *transport.Client

	clientInfo model.ClientInfo

	progressMu sync.Mutex
	progress   map[string]ProgressCallback

	contextMu sync.Mutex
	context   map[string]ContextCallback

	initMu      sync.RWMutex
	initialized bool
}

// Connect dials url and returns a Client identifying itself as name/version
// in subsequent arp.initialize calls.
func Connect(ctx context.Context, url string, name, version string) (*Client, error) {
	conn, err := transport.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	c := &Client{
		conn:       conn,
		clientInfo: model.ClientInfo{Name: name, Version: version},
		progress:   make(map[string]ProgressCallback),
		context:    make(map[string]ContextCallback),
	}
	conn.OnNotification("arp.toolProgress", c.handleToolProgress)
	conn.OnNotification("arp.contextUpdate", c.handleContextUpdate)
	return c, nil
}

// Disconnect sends arp.shutdown, if the session was initialized, then closes
// the underlying transport.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.Initialized() {
		_, _ = c.request(ctx, "arp.shutdown", nil)
	}
	return c.conn.Close()
}

// Initialize performs the ARP handshake, marks the client initialized, and
// returns the server's identity and capabilities; the client does not store
// them.
func (c *Client) Initialize(ctx context.Context) (model.InitializeResult, error) {
	params := model.InitializeParams{
		ProtocolVersion: model.ProtocolVersion,
		ClientInfo:      c.clientInfo,
		Capabilities:    model.Capabilities{Planning: true, Confirmation: true},
	}
	raw, err := c.request(ctx, "arp.initialize", params)
	if err != nil {
		return model.InitializeResult{}, err
	}
	var result model.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return model.InitializeResult{}, fmt.Errorf("client: decode initialize result: %w", err)
	}
	c.initMu.Lock()
	c.initialized = true
	c.initMu.Unlock()
	return result, nil
}

// Initialized reports whether Initialize has completed successfully.
func (c *Client) Initialized() bool {
	c.initMu.RLock()
	defer c.initMu.RUnlock()
	return c.initialized
}

// ListTools returns every registered tool descriptor.
func (c *Client) ListTools(ctx context.Context) ([]model.PhysicalTool, error) {
	raw, err := c.request(ctx, "arp.listTools", nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Tools []model.PhysicalTool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("client: decode listTools result: %w", err)
	}
	return body.Tools, nil
}

// CallTool invokes a tool, generating its own callId, and registers onProgress
// to observe arp.toolProgress notifications for that call until it returns.
// A protocol-level error (e.g. SAFETY_VIOLATION) is synthesized into a failed
// CallToolResult rather than returned as a Go error, matching the original
// SDK's behavior of surfacing tool-domain and protocol rejections the same
// way to planner code.
func (c *Client) CallTool(ctx context.Context, name string, arguments model.Args, onProgress ProgressCallback) (model.CallToolResult, error) {
	callID := uuid.NewString()
	if onProgress != nil {
		c.progressMu.Lock()
		c.progress[callID] = onProgress
		c.progressMu.Unlock()
		defer func() {
			c.progressMu.Lock()
			delete(c.progress, callID)
			c.progressMu.Unlock()
		}()
	}

	params := map[string]any{"name": name, "callId": callID, "arguments": arguments}
	raw, err := c.requestRaw(ctx, "arp.callTool", params)
	if err != nil {
		if protoErr, ok := err.(*arperr.ProtocolError); ok {
			return model.CallToolResult{CallID: callID, State: model.ToolStateFailed, Error: protoErr.Message}, nil
		}
		return model.CallToolResult{}, err
	}
	var result model.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return model.CallToolResult{}, fmt.Errorf("client: decode callTool result: %w", err)
	}
	return result, nil
}

// CancelTool requests cooperative cancellation of an in-flight call.
func (c *Client) CancelTool(ctx context.Context, callID string) error {
	_, err := c.request(ctx, "arp.cancelTool", map[string]any{"callId": callID})
	return err
}

// ListContext returns every registered context source descriptor.
func (c *Client) ListContext(ctx context.Context) ([]model.ContextSource, error) {
	raw, err := c.request(ctx, "arp.listContext", nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Sources []model.ContextSource `json:"sources"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("client: decode listContext result: %w", err)
	}
	return body.Sources, nil
}

// SubscribeContext registers callback for arp.contextUpdate notifications
// carrying name before sending the subscribe request, so no update can race
// ahead of its handler; if the request fails the registration is undone.
func (c *Client) SubscribeContext(ctx context.Context, name string, maxRate *float64, callback ContextCallback) error {
	c.contextMu.Lock()
	c.context[name] = callback
	c.contextMu.Unlock()

	params := map[string]any{"name": name}
	if maxRate != nil {
		params["maxRate"] = *maxRate
	}
	if _, err := c.request(ctx, "arp.subscribeContext", params); err != nil {
		c.contextMu.Lock()
		delete(c.context, name)
		c.contextMu.Unlock()
		return err
	}
	return nil
}

// UnsubscribeContext cancels a prior subscription and deregisters its
// callback.
func (c *Client) UnsubscribeContext(ctx context.Context, name string) error {
	_, err := c.request(ctx, "arp.unsubscribeContext", map[string]any{"name": name})
	c.contextMu.Lock()
	delete(c.context, name)
	c.contextMu.Unlock()
	return err
}

// ListConstraints returns every registered safety constraint.
func (c *Client) ListConstraints(ctx context.Context) ([]model.SafetyConstraint, error) {
	raw, err := c.request(ctx, "arp.listConstraints", nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Constraints []model.SafetyConstraint `json:"constraints"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("client: decode listConstraints result: %w", err)
	}
	return body.Constraints, nil
}

// GetConstraint returns one named safety constraint.
func (c *Client) GetConstraint(ctx context.Context, name string) (model.SafetyConstraint, error) {
	raw, err := c.request(ctx, "arp.getConstraint", map[string]any{"name": name})
	if err != nil {
		return model.SafetyConstraint{}, err
	}
	var constraint model.SafetyConstraint
	if err := json.Unmarshal(raw, &constraint); err != nil {
		return model.SafetyConstraint{}, fmt.Errorf("client: decode getConstraint result: %w", err)
	}
	return constraint, nil
}

// SetWorkspace replaces the server's current workspace description.
func (c *Client) SetWorkspace(ctx context.Context, name string, bounds model.BoundingBox, objects []model.WorkspaceObject) error {
	_, err := c.request(ctx, "arp.setWorkspace", map[string]any{
		"name": name, "bounds": bounds, "objects": objects,
	})
	return err
}

// EmergencyStop sends the sticky emergency-stop notification; it is
// fire-and-forget, matching spec.md §4.4's requirement that it never wait on
// dispatch of in-flight work.
func (c *Client) EmergencyStop(reason string) error {
	return c.conn.SendNotification("arp.emergencyStop", model.EmergencyStopParams{Reason: reason})
}

// request sends method and decodes its raw result bytes, converting any wire
// error object into an *arperr.ProtocolError.
func (c *Client) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.requestRaw(ctx, method, params)
}

func (c *Client) requestRaw(ctx context.Context, method string, params any) (json.RawMessage, error) {
	resp, err := c.conn.SendRequest(ctx, method, params)
	if err != nil {
		return nil, fmt.Errorf("client: %s: %w", method, err)
	}
	if resp.Error != nil {
		return nil, arperr.New(resp.Error.Code, resp.Error.Message).WithData(resp.Error.Data)
	}
	return resp.Result, nil
}

func (c *Client) handleToolProgress(notif *wire.Notification) {
	var params model.ToolProgressParams
	if err := wire.DecodeParams(notif.Params, &params); err != nil {
		return
	}
	c.progressMu.Lock()
	cb, ok := c.progress[params.CallID]
	c.progressMu.Unlock()
	if ok {
		cb(params)
	}
}

func (c *Client) handleContextUpdate(notif *wire.Notification) {
	var params model.ContextUpdateParams
	if err := wire.DecodeParams(notif.Params, &params); err != nil {
		return
	}
	c.contextMu.Lock()
	cb, ok := c.context[params.Name]
	c.contextMu.Unlock()
	if ok {
		cb(params)
	}
}
