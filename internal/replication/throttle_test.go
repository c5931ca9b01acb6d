// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package replication

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestThrottledWriter_BypassWhenDisabled(t *testing.T) {
	var buf bytes.Buffer

	w := NewThrottledWriter(context.Background(), &buf, 0, 1024)
	if w != &buf {
		t.Fatal("expected bypass writer when rate is zero")
	}
}

func TestThrottledWriter_WritesEverything(t *testing.T) {
	var buf bytes.Buffer

	// Rate alto o bastante para o teste não esperar de verdade
	w := NewThrottledWriter(context.Background(), &buf, 10*1024*1024, 4*1024)

	data := bytes.Repeat([]byte{0x5A}, 64*1024)
	n, err := w.Write(data)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(data) {
		t.Fatalf("expected %d bytes written, got %d", len(data), n)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Fatal("throttled writer corrupted the stream")
	}
}

func TestThrottledWriter_CanceledContext(t *testing.T) {
	var buf bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	w := NewThrottledWriter(ctx, &buf, 10, 10)

	// Consome o burst inicial e cancela: a próxima espera falha
	if _, err := w.Write(make([]byte, 10)); err != nil {
		t.Fatalf("first write: %v", err)
	}
	cancel()

	done := make(chan error, 1)
	go func() {
		_, err := w.Write(make([]byte, 10))
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after context cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write did not return after cancel")
	}
}
