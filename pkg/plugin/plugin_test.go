package plugin

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestParseLengthPrefixedDecodesPayload(t *testing.T) {
	payload := []byte(`{"size":1}`)
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	got, err := parseLengthPrefixed(buf)
	if err != nil {
		t.Fatalf("parseLengthPrefixed: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %s, want %s", got, payload)
	}
}

func TestParseLengthPrefixedRejectsShortBuffer(t *testing.T) {
	if _, err := parseLengthPrefixed([]byte{0, 0}); err == nil {
		t.Fatal("expected error for buffer shorter than the length header")
	}
}

func TestParseLengthPrefixedRejectsTruncatedPayload(t *testing.T) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, 100) // declares 100 bytes, provides none
	if _, err := parseLengthPrefixed(buf); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Timeout != 30*time.Second {
		t.Fatalf("unexpected default timeout: %v", cfg.Timeout)
	}
	if cfg.MemoryLimitPages != 256 {
		t.Fatalf("unexpected default memory limit: %d", cfg.MemoryLimitPages)
	}
}
