// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package replication

import (
	"testing"
	"time"
)

func newTestTransfer(t *testing.T, syncFlushTimeout time.Duration) (*GroupTransferService, *SlaveWatermark) {
	t.Helper()
	w := NewSlaveWatermark()
	s := NewGroupTransferService(w, syncFlushTimeout, testLogger())
	s.Start()
	t.Cleanup(s.Stop)
	return s, w
}

func TestGroupTransfer_SatisfiedByAdvance(t *testing.T) {
	s, w := newTestTransfer(t, 5*time.Second)
	w.AdvanceTo(50)

	req := NewGroupCommitRequest(80)
	s.PutRequest(req)

	// O watermark alcança o offset antes do timeout
	go func() {
		time.Sleep(50 * time.Millisecond)
		w.AdvanceTo(80)
	}()

	if !req.Await(3 * time.Second) {
		t.Fatal("expected request satisfied after watermark advance")
	}
}

func TestGroupTransfer_AlreadySatisfied(t *testing.T) {
	s, w := newTestTransfer(t, 5*time.Second)
	w.AdvanceTo(100)

	req := NewGroupCommitRequest(80)
	s.PutRequest(req)

	if !req.Await(time.Second) {
		t.Fatal("expected request satisfied immediately")
	}
}

func TestGroupTransfer_Timeout(t *testing.T) {
	s, w := newTestTransfer(t, 250*time.Millisecond)
	w.AdvanceTo(50)

	req := NewGroupCommitRequest(80)
	s.PutRequest(req)

	start := time.Now()
	if req.Await(3 * time.Second) {
		t.Fatal("expected request to time out")
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("timeout fired too early: %v", elapsed)
	}
}

func TestGroupTransfer_SignalsExactlyOnce(t *testing.T) {
	s, w := newTestTransfer(t, time.Second)
	w.AdvanceTo(100)

	req := NewGroupCommitRequest(80)
	s.PutRequest(req)

	select {
	case ok := <-req.Done():
		if !ok {
			t.Fatal("expected true result")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a result")
	}

	// Nenhum segundo disparo
	select {
	case <-req.Done():
		t.Fatal("done signal fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGroupTransfer_ShutdownFailsPending(t *testing.T) {
	w := NewSlaveWatermark()
	s := NewGroupTransferService(w, 10*time.Second, testLogger())
	s.Start()

	req := NewGroupCommitRequest(1000)
	s.PutRequest(req)

	// Dá tempo do request entrar na lista de trabalho
	time.Sleep(50 * time.Millisecond)
	go s.Stop()

	if req.Await(3 * time.Second) {
		t.Fatal("expected pending request to fail on shutdown")
	}

	// Depois do shutdown, requests novos falham na hora
	late := NewGroupCommitRequest(1)
	s.PutRequest(late)
	if late.Await(time.Second) {
		t.Fatal("expected post-shutdown request to fail immediately")
	}
}
