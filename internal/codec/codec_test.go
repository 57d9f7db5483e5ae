package codec

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/agentfront/enclave/internal/poolerrors"
)

func TestDecodeStripsProtoPollutionKeys(t *testing.T) {
	c := New(0)
	body := []byte(`{"safe":"ok","__proto__":{"polluted":true},"nested":{"constructor":{"a":1},"prototype":5,"keep":"yes"}}`)

	var out map[string]interface{}
	if err := c.Decode(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if _, ok := out["__proto__"]; ok {
		t.Error("expected __proto__ to be stripped")
	}
	if out["safe"] != "ok" {
		t.Errorf("expected safe key to survive, got %v", out["safe"])
	}

	nested, ok := out["nested"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected nested object, got %T", out["nested"])
	}
	if _, ok := nested["constructor"]; ok {
		t.Error("expected constructor to be stripped")
	}
	if _, ok := nested["prototype"]; ok {
		t.Error("expected prototype to be stripped")
	}
	if nested["keep"] != "yes" {
		t.Errorf("expected keep key to survive, got %v", nested["keep"])
	}
}

func TestDecodeRejectsExcessiveDepth(t *testing.T) {
	c := New(0)

	var buf bytes.Buffer
	depth := MaxDepth + 1
	for i := 0; i < depth; i++ {
		buf.WriteString(`{"a":`)
	}
	buf.WriteString("1")
	for i := 0; i < depth; i++ {
		buf.WriteString("}")
	}

	var out interface{}
	err := c.Decode(buf.Bytes(), &out)
	if kind, ok := poolerrors.KindOf(err); !ok || kind != poolerrors.KindMessageValidation {
		t.Fatalf("expected MessageValidation, got %v", err)
	}
}

func TestDecodeAllowsDepthAtLimit(t *testing.T) {
	c := New(0)

	var buf bytes.Buffer
	depth := MaxDepth
	for i := 0; i < depth; i++ {
		buf.WriteString(`{"a":`)
	}
	buf.WriteString("1")
	for i := 0; i < depth; i++ {
		buf.WriteString("}")
	}

	var out interface{}
	if err := c.Decode(buf.Bytes(), &out); err != nil {
		t.Fatalf("expected depth at limit to decode cleanly, got %v", err)
	}
}

func TestDecodeRejectsOversizedMessage(t *testing.T) {
	c := New(8)
	err := c.Decode([]byte(`{"a":"too long for the limit"}`), &struct{}{})
	if kind, ok := poolerrors.KindOf(err); !ok || kind != poolerrors.KindMessageSize {
		t.Fatalf("expected MessageSize, got %v", err)
	}
}

func TestEncodeStripsProtoPollutionKeys(t *testing.T) {
	c := New(0)
	v := map[string]interface{}{
		"safe":        "ok",
		"__proto__":   map[string]interface{}{"polluted": true},
		"constructor": "nope",
	}

	b, err := c.Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal encoded bytes: %v", err)
	}
	if _, ok := out["__proto__"]; ok {
		t.Error("expected __proto__ to be stripped from encoded output")
	}
	if _, ok := out["constructor"]; ok {
		t.Error("expected constructor to be stripped from encoded output")
	}
	if out["safe"] != "ok" {
		t.Errorf("expected safe key to survive, got %v", out["safe"])
	}
}
