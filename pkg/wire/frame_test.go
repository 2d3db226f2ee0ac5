package wire

import (
	"bytes"
	"testing"
)

type testMsg struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := testMsg{Type: "PING", Value: 42}

	if err := WriteFrame(&buf, in); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	var out testMsg
	if err := ReadMessage(&buf, &out); err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestReadFrameShortHeader(t *testing.T) {
	buf := bytes.NewReader([]byte{0, 1})
	if _, err := ReadFrame(buf); err == nil {
		t.Error("expected error reading a truncated length prefix")
	}
}

func TestReadFrameOversized(t *testing.T) {
	var header [4]byte
	header[0] = 0xFF
	header[1] = 0xFF
	header[2] = 0xFF
	header[3] = 0xFF
	buf := bytes.NewReader(header[:])
	if _, err := ReadFrame(buf); err == nil {
		t.Error("expected error for a frame exceeding MaxFrameSize")
	}
}

func TestTypeOf(t *testing.T) {
	body := []byte(`{"type":"PREPARE","txid":"abc"}`)
	typ, err := TypeOf(body)
	if err != nil {
		t.Fatalf("TypeOf failed: %v", err)
	}
	if typ != "PREPARE" {
		t.Errorf("got type %q, want PREPARE", typ)
	}
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := WriteFrame(&buf, testMsg{Type: "TICK", Value: i}); err != nil {
			t.Fatalf("WriteFrame %d failed: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		var out testMsg
		if err := ReadMessage(&buf, &out); err != nil {
			t.Fatalf("ReadMessage %d failed: %v", i, err)
		}
		if out.Value != i {
			t.Errorf("frame %d: got value %d, want %d", i, out.Value, i)
		}
	}
}
