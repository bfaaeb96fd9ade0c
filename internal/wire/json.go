// Package wire centralizes JSON encode/decode for the PHD2 wire protocol.
//
// PHD2's event stream can emit several small objects per second (a
// GuideStep arrives on every exposure); jsoniter's reflection cache makes
// that hot path measurably cheaper than encoding/json while staying
// struct-tag compatible, so every encode/decode in the client goes through
// here instead of calling encoding/json directly at each call site.
package wire

import (
	"encoding/json"

	jsoniter "github.com/json-iterator/go"
)

var api = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal encodes v with no insignificant whitespace, matching the
// compact wire form the PHD2 server expects for requests.
func Marshal(v interface{}) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v interface{}) error {
	return api.Unmarshal(data, v)
}

// RawMessage re-exports encoding/json.RawMessage so callers needn't import
// encoding/json solely for deferred-decode fields.
type RawMessage = json.RawMessage
