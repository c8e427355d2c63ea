// Package wire implements the ARP wire codec: framed JSON-RPC 2.0 messages,
// distinguished purely by shape (spec.md §4.1). It is grounded on the
// request/response/error struct shapes in
// features/mcp/runtime/rpc.go of the teacher repository, generalized from a
// single-purpose MCP client codec to the three-shape server+client codec ARP
// needs.
package wire

import (
	"encoding/json"
	"fmt"
)

// Version is the fixed jsonrpc field value every ARP frame carries.
const Version = "2.0"

// Request is an inbound or outbound JSON-RPC request: it carries both an id
// and a method.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification carries a method but no id; it never receives a Response.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Response carries an id and exactly one of Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Kind classifies a decoded frame by its shape.
type Kind int

const (
	// KindInvalid marks a frame that decoded as JSON but matched none of the
	// three recognized shapes.
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

// Frame is a decoded, shape-tagged wire message. For KindRequest,
// KindNotification and KindResponse exactly one of Req, Notif, Resp is
// non-nil, selected by Kind; for KindInvalid all three are nil.
type Frame struct {
	Kind  Kind
	Req   *Request
	Notif *Notification
	Resp  *Response
}

// shapeProbe is used only to inspect which fields are present in a raw
// frame; it intentionally leaves Params/Result/Error as RawMessage so the
// probe does not pay decode cost for payloads it will re-decode into a
// concrete shape.
type shapeProbe struct {
	ID     *json.RawMessage `json:"id"`
	Method *string          `json:"method"`
	Result *json.RawMessage `json:"result"`
	Error  *json.RawMessage `json:"error"`
}

// DecodeFrame decodes one JSON object and classifies it as a Request,
// Notification, or Response, per the shape table in spec.md §4.1:
//
//	Request:      has id and method
//	Notification: has method, no id
//	Response:     has id, and exactly one of result or error
//
// Only id and method are checked: a frame with an id and no method is
// classified as a Response without checking whether it carries result,
// error, both, or neither. A syntactically invalid JSON payload is reported as an error; callers are
// expected to answer it with a -32700 parse-error response (server side) or
// silently drop it (client side), per spec.md §4.1/§4.2.
func DecodeFrame(raw []byte) (Frame, error) {
	var probe shapeProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Frame{}, fmt.Errorf("wire: invalid JSON: %w", err)
	}

	hasID := probe.ID != nil
	hasMethod := probe.Method != nil

	switch {
	case hasID && hasMethod:
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return Frame{}, fmt.Errorf("wire: invalid request: %w", err)
		}
		return Frame{Kind: KindRequest, Req: &req}, nil
	case hasMethod && !hasID:
		var notif Notification
		if err := json.Unmarshal(raw, &notif); err != nil {
			return Frame{}, fmt.Errorf("wire: invalid notification: %w", err)
		}
		return Frame{Kind: KindNotification, Notif: &notif}, nil
	case hasID:
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return Frame{}, fmt.Errorf("wire: invalid response: %w", err)
		}
		return Frame{Kind: KindResponse, Resp: &resp}, nil
	default:
		return Frame{Kind: KindInvalid}, nil
	}
}

// EncodeRequest marshals a request frame with the given id, method, and
// params value (marshaled to JSON).
func EncodeRequest(id any, method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Request{JSONRPC: Version, ID: id, Method: method, Params: raw})
}

// EncodeNotification marshals a notification frame.
func EncodeNotification(method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Notification{JSONRPC: Version, Method: method, Params: raw})
}

// EncodeResult marshals a successful response frame.
func EncodeResult(id any, result any) ([]byte, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Response{JSONRPC: Version, ID: id, Result: raw})
}

// EncodeError marshals an error response frame.
func EncodeError(id any, code int, message string, data any) ([]byte, error) {
	return json.Marshal(Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	})
}

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal params: %w", err)
	}
	return raw, nil
}

// DecodeParams unmarshals a request's or notification's params into v.
func DecodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
