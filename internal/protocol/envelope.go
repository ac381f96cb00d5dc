// Package protocol implements the result envelope convention layered over
// raw process stdio. A conforming tool run writes exactly one JSON object to
// stdout carrying the reserved result key, or one JSON object to stderr
// carrying the reserved error key. Decoding is tolerant: anything that does
// not parse as an envelope is reported as unstructured output, never as a
// protocol violation — simple packages print whatever they like.
package protocol

import (
	"encoding/json"
)

const (
	// ResultKey wraps the tool's return value on stdout.
	ResultKey = "__tpmjs_result__"
	// ErrorKey wraps the tool's error message on stderr.
	ErrorKey = "__tpmjs_error__"
)

// EncodeResult produces the success envelope for a return value.
func EncodeResult(value any) ([]byte, error) {
	return json.Marshal(map[string]any{ResultKey: value})
}

// EncodeError produces the error envelope for a message.
func EncodeError(message string) ([]byte, error) {
	return json.Marshal(map[string]any{ErrorKey: message})
}

// DecodeResult attempts to parse a captured stdout stream as a success
// envelope. ok is false when the stream is not an envelope; the caller
// decides how to interpret the raw bytes in that case.
func DecodeResult(stream []byte) (value any, ok bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(stream, &obj); err != nil {
		return nil, false
	}
	raw, present := obj[ResultKey]
	if !present {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

// DecodeError attempts to parse a captured stderr stream as an error
// envelope, returning the structured message.
func DecodeError(stream []byte) (message string, ok bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(stream, &obj); err != nil {
		return "", false
	}
	raw, present := obj[ErrorKey]
	if !present {
		return "", false
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err != nil {
		// A non-string error payload still identifies a structured failure;
		// surface it verbatim.
		return string(raw), true
	}
	return msg, true
}
