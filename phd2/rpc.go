package phd2

import (
	"reflect"

	"github.com/skywatch-tools/phd2client/internal/wire"
)

// rpcRequest is the JSON-RPC 2.0 request envelope. The id is pinned to 1
// throughout: the protocol allows at most one outstanding call per
// connection (§ Non-goals), so id-based correlation is unnecessary.
type rpcRequest struct {
	Method string      `json:"method"`
	ID     int         `json:"id"`
	Params interface{} `json:"params,omitempty"`
}

type rpcErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponseEnvelope struct {
	Result wire.RawMessage `json:"result"`
	Error  *rpcErrorObj    `json:"error"`
}

// wrapParams implements the auto-wrapping rule from § RPC client: nil is
// omitted entirely, arrays and maps (objects) pass through verbatim, and
// any other scalar is wrapped as a one-element array.
func wrapParams(params interface{}) interface{} {
	if params == nil {
		return nil
	}
	switch params.(type) {
	case []interface{}, map[string]interface{}:
		return params
	}
	v := reflect.ValueOf(params)
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return params
	default:
		return []interface{}{params}
	}
}

func buildRequest(method string, params interface{}) ([]byte, error) {
	req := rpcRequest{
		Method: method,
		ID:     1,
		Params: wrapParams(params),
	}
	return wire.Marshal(req)
}

// call sends a JSON-RPC request and blocks until the reader goroutine
// delivers the matching response, returning its "result" payload. If the
// response carries an "error" object, call fails with RpcError. At most
// one call may be in flight on a Session at a time; concurrent callers
// are serialized by callMu, preserving the ordering guarantee that an
// RPC reply is visible to its caller only after the reader has stored it.
func (s *Session) call(method string, params interface{}) (wire.RawMessage, error) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	s.mu.Lock()
	if s.c == nil || !s.connected {
		s.mu.Unlock()
		return nil, &NotConnectedError{}
	}
	c := s.c
	s.awaitingResponse = true
	s.response = nil
	s.mu.Unlock()

	reqBytes, err := buildRequest(method, params)
	if err != nil {
		s.mu.Lock()
		s.awaitingResponse = false
		s.mu.Unlock()
		return nil, err
	}

	if err := c.WriteLine(string(reqBytes)); err != nil {
		s.mu.Lock()
		s.awaitingResponse = false
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	for s.response == nil && s.connected {
		s.cond.Wait()
	}
	resp := s.response
	s.response = nil
	s.awaitingResponse = false
	s.mu.Unlock()

	if resp == nil {
		return nil, &NotConnectedError{}
	}

	var parsed rpcResponseEnvelope
	if err := wire.Unmarshal(resp, &parsed); err != nil {
		return nil, err
	}
	if parsed.Error != nil {
		s.logger.Errorf("%s: server error %d: %s", method, parsed.Error.Code, parsed.Error.Message)
		return nil, &RpcError{Method: method, Code: parsed.Error.Code, Message: parsed.Error.Message}
	}
	return parsed.Result, nil
}

// Call sends a raw JSON-RPC request and returns its decoded result. This
// is the low-level escape hatch; the higher-level methods below are more
// convenient for everyday use.
func (s *Session) Call(method string, params interface{}) (wire.RawMessage, error) {
	return s.call(method, params)
}
