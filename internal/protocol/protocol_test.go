// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("replicated log bytes")

	if err := WriteFrame(&buf, 4096, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	if frame.PhyOffset != 4096 {
		t.Errorf("expected phy offset 4096, got %d", frame.PhyOffset)
	}
	if !bytes.Equal(frame.Body, body) {
		t.Errorf("expected body %q, got %q", body, frame.Body)
	}
	if frame.IsHeartbeat() {
		t.Error("frame with body must not be a heartbeat")
	}
}

func TestHeartbeat_RoundTrip(t *testing.T) {
	var buf bytes.Buffer

	if err := WriteHeartbeat(&buf, 500); err != nil {
		t.Fatalf("WriteHeartbeat: %v", err)
	}
	if buf.Len() != FrameHeaderSize {
		t.Fatalf("expected %d bytes on the wire, got %d", FrameHeaderSize, buf.Len())
	}

	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.PhyOffset != 500 {
		t.Errorf("expected phy offset 500, got %d", frame.PhyOffset)
	}
	if !frame.IsHeartbeat() {
		t.Error("zero-body frame must be a heartbeat")
	}
}

func TestOffsetReport_RoundTrip(t *testing.T) {
	var buf bytes.Buffer

	if err := WriteOffsetReport(&buf, 123456789); err != nil {
		t.Fatalf("WriteOffsetReport: %v", err)
	}
	if buf.Len() != OffsetReportSize {
		t.Fatalf("expected %d bytes on the wire, got %d", OffsetReportSize, buf.Len())
	}

	offset, err := ReadOffsetReport(&buf)
	if err != nil {
		t.Fatalf("ReadOffsetReport: %v", err)
	}
	if offset != 123456789 {
		t.Errorf("expected offset 123456789, got %d", offset)
	}
}

func TestParseOffsetReport(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteOffsetReport(&buf, 42); err != nil {
		t.Fatalf("WriteOffsetReport: %v", err)
	}
	if got := ParseOffsetReport(buf.Bytes()); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

func TestDecodeFrame_Incremental(t *testing.T) {
	var wire bytes.Buffer
	body := []byte("0123456789")
	if err := WriteFrame(&wire, 100, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	full := wire.Bytes()

	// Cada prefixo próprio do frame é incompleto
	for cut := 0; cut < len(full); cut++ {
		frame, n, err := DecodeFrame(full[:cut])
		if err != nil {
			t.Fatalf("DecodeFrame(%d bytes): %v", cut, err)
		}
		if frame != nil || n != 0 {
			t.Fatalf("expected incomplete frame at %d bytes, got frame=%v n=%d", cut, frame, n)
		}
	}

	frame, n, err := DecodeFrame(full)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame == nil {
		t.Fatal("expected complete frame")
	}
	if n != len(full) {
		t.Errorf("expected %d bytes consumed, got %d", len(full), n)
	}
	if frame.PhyOffset != 100 || !bytes.Equal(frame.Body, body) {
		t.Errorf("decoded frame mismatch: offset=%d body=%q", frame.PhyOffset, frame.Body)
	}
}

func TestDecodeFrame_NegativeBodySize(t *testing.T) {
	buf := make([]byte, FrameHeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], 0)
	binary.BigEndian.PutUint32(buf[8:12], 0xFFFFFFFF) // int32 -1

	if _, _, err := DecodeFrame(buf); !errors.Is(err, ErrNegativeBodySize) {
		t.Fatalf("expected ErrNegativeBodySize, got %v", err)
	}
}

func TestReadFrame_TruncatedBody(t *testing.T) {
	var wire bytes.Buffer
	if err := WriteFrame(&wire, 0, []byte("0123456789")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	truncated := wire.Bytes()[:wire.Len()-4]

	if _, err := ReadFrame(bytes.NewReader(truncated)); err == nil {
		t.Fatal("expected error reading truncated frame")
	}
}
