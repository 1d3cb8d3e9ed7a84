// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
)

type sampleReport struct {
	Action   string `cbor:"action"`
	Method   string `cbor:"method"`
	TaskHash string `cbor:"taskhash"`
	Owner    string `cbor:"owner,omitempty"`
}

func TestMarshalDeterministic(t *testing.T) {
	message := sampleReport{Action: "report", Method: "sha256", TaskHash: "aa11"}

	first, err := Marshal(message)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(message)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}

	// A map with the same content must encode identically to the
	// struct: keys are sorted, not emitted in declaration order.
	fromMap, err := Marshal(map[string]any{
		"taskhash": "aa11",
		"method":   "sha256",
		"action":   "report",
	})
	if err != nil {
		t.Fatalf("Marshal map: %v", err)
	}
	if !bytes.Equal(first, fromMap) {
		t.Errorf("struct and map encodings differ:\n struct %x\n map    %x", first, fromMap)
	}
}

func TestStreamRoundtrip(t *testing.T) {
	messages := []sampleReport{
		{Action: "hello"},
		{Action: "report", Method: "m", TaskHash: "t1", Owner: "builder-1"},
		{Action: "get", Method: "m", TaskHash: "t1"},
	}

	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, message := range messages {
		if err := encoder.Encode(message); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range messages {
		var got sampleReport
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode message %d: %v", i, err)
		}
		if got != want {
			t.Errorf("message %d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestDuplicateKeysRejected(t *testing.T) {
	// Hand-built map {"outhash": "a", "outhash": "b"}: 0xa2 is a map
	// of two pairs, 0x67 a 7-byte text string, 0x61 a 1-byte one.
	data := []byte{0xa2}
	for _, value := range []string{"a", "b"} {
		data = append(data, 0x67)
		data = append(data, "outhash"...)
		data = append(data, 0x61)
		data = append(data, value...)
	}

	var decoded map[string]any
	if err := Unmarshal(data, &decoded); err == nil {
		t.Fatalf("Unmarshal accepted duplicate keys: %v", decoded)
	}
}

func TestAnyMapsDecodeWithStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"action": "stats"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	asMap, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if asMap["action"] != "stats" {
		t.Errorf("action = %v, want stats", asMap["action"])
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var message sampleReport
	if err := Unmarshal([]byte{0xFF, 0xFE, 0xFD}, &message); err == nil {
		t.Error("Unmarshal should reject invalid CBOR")
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(map[string]any{"action": "get"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	notation, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(notation, `"action"`) || !strings.Contains(notation, `"get"`) {
		t.Errorf("notation %q missing expected fields", notation)
	}
}

func BenchmarkMarshal(b *testing.B) {
	message := sampleReport{
		Action:   "report",
		Method:   "TestMethod",
		TaskHash: "53b8dce672cb6d0c73170be43f540460bfc347b4",
	}

	b.ReportAllocs()
	for b.Loop() {
		Marshal(message)
	}
}
