package protocol

import (
	"testing"
)

func TestEncodeDecodeResult(t *testing.T) {
	data, err := EncodeResult(map[string]any{"greeting": "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	value, ok := DecodeResult(data)
	if !ok {
		t.Fatal("expected envelope to decode")
	}
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("value = %T, want map", value)
	}
	if m["greeting"] != "hi" {
		t.Errorf("greeting = %v, want %q", m["greeting"], "hi")
	}
}

func TestDecodeResult_NullValue(t *testing.T) {
	data, err := EncodeResult(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	value, ok := DecodeResult(data)
	if !ok {
		t.Fatal("expected envelope to decode")
	}
	if value != nil {
		t.Errorf("value = %v, want nil", value)
	}
}

func TestDecodeResult_Unstructured(t *testing.T) {
	cases := []string{
		"plain text output",
		`{"some": "json", "without": "the key"}`,
		`[1, 2, 3]`,
		"",
	}
	for _, in := range cases {
		if _, ok := DecodeResult([]byte(in)); ok {
			t.Errorf("DecodeResult(%q) ok = true, want false", in)
		}
	}
}

func TestEncodeDecodeError(t *testing.T) {
	data, err := EncodeError("tool not found: no export named foo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, ok := DecodeError(data)
	if !ok {
		t.Fatal("expected error envelope to decode")
	}
	if msg != "tool not found: no export named foo" {
		t.Errorf("message = %q", msg)
	}
}

func TestDecodeError_NonStringPayload(t *testing.T) {
	msg, ok := DecodeError([]byte(`{"__tpmjs_error__": {"code": 42}}`))
	if !ok {
		t.Fatal("expected structured failure to decode")
	}
	if msg != `{"code": 42}` {
		t.Errorf("message = %q", msg)
	}
}

func TestDecodeError_Unstructured(t *testing.T) {
	if _, ok := DecodeError([]byte("Error: something blew up\n  at foo.js:3")); ok {
		t.Error("raw stack trace should not decode as an envelope")
	}
}
