// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package integration

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nishisan-dev/n-replica/internal/commitlog"
	"github.com/nishisan-dev/n-replica/internal/config"
	"github.com/nishisan-dev/n-replica/internal/replication"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newNodeConfig(t *testing.T, name, listen, masterAddress, logDir string) *config.NodeConfig {
	t.Helper()
	cfg := &config.NodeConfig{
		Node: config.NodeInfo{Name: name},
		Replication: config.ReplicationInfo{
			Listen:               listen,
			MasterAddress:        masterAddress,
			HeartbeatInterval:    100 * time.Millisecond,
			HousekeepingInterval: 5 * time.Second,
			SyncFlushTimeout:     5 * time.Second,
		},
		Log: config.LogInfo{Dir: logDir},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validating config: %v", err)
	}
	return cfg
}

func newStore(t *testing.T, dir string) *commitlog.Store {
	t.Helper()
	s, err := commitlog.NewStore(dir, 1024*1024)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestEndToEnd_ColdSlaveCatchesUp cobre o fluxo completo: master com
// dados, slave frio conecta, reporta zero, recebe os frames, aplica no
// log local e o watermark do master alcança o fim do stream.
func TestEndToEnd_ColdSlaveCatchesUp(t *testing.T) {
	masterDir := t.TempDir()
	slaveDir := t.TempDir()

	masterStore := newStore(t, masterDir)
	payload := bytes.Repeat([]byte{0xAA}, 100)
	if err := masterStore.Append(0, payload); err != nil {
		t.Fatalf("Append: %v", err)
	}

	masterCfg := newNodeConfig(t, "master", "127.0.0.1:0", "", masterDir)
	master := replication.NewController(masterCfg, masterStore, testLogger())
	if err := master.Start(); err != nil {
		t.Fatalf("starting master: %v", err)
	}
	t.Cleanup(master.Shutdown)

	slaveStore := newStore(t, slaveDir)
	slaveCfg := newNodeConfig(t, "slave", "", master.ListenAddr().String(), slaveDir)
	slave := replication.NewController(slaveCfg, slaveStore, testLogger())
	if err := slave.Start(); err != nil {
		t.Fatalf("starting slave: %v", err)
	}
	t.Cleanup(slave.Shutdown)

	waitFor(t, 10*time.Second, func() bool { return slaveStore.MaxOffset() == 100 }, "slave never caught up")

	data, err := slaveStore.ReadRange(0, 200)
	if err != nil {
		t.Fatalf("ReadRange on slave: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("slave log differs from master log")
	}

	waitFor(t, 10*time.Second, func() bool { return master.Watermark() == 100 }, "watermark never reached 100")

	if !master.IsSlaveOK(masterStore.MaxOffset()) {
		t.Fatal("expected healthy slave after catch-up")
	}

	// Bytes novos continuam fluindo para o slave já conectado
	more := bytes.Repeat([]byte{0xBB}, 50)
	if err := masterStore.Append(100, more); err != nil {
		t.Fatalf("Append more: %v", err)
	}

	req := replication.NewGroupCommitRequest(150)
	master.PutRequest(req)
	if !req.Await(10 * time.Second) {
		t.Fatal("producer wait not satisfied by live replication")
	}

	waitFor(t, 10*time.Second, func() bool { return slaveStore.MaxOffset() == 150 }, "slave never received new bytes")
}

// TestEndToEnd_SlaveResumesFromDisk cobre a retomada: o slave já tem um
// prefixo do log em disco e o master só envia o restante.
func TestEndToEnd_SlaveResumesFromDisk(t *testing.T) {
	masterDir := t.TempDir()
	slaveDir := t.TempDir()

	masterStore := newStore(t, masterDir)
	if err := masterStore.Append(0, bytes.Repeat([]byte{0x11}, 300)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	slaveStore := newStore(t, slaveDir)
	if err := slaveStore.Append(0, bytes.Repeat([]byte{0x11}, 200)); err != nil {
		t.Fatalf("seeding slave: %v", err)
	}

	masterCfg := newNodeConfig(t, "master", "127.0.0.1:0", "", masterDir)
	master := replication.NewController(masterCfg, masterStore, testLogger())
	if err := master.Start(); err != nil {
		t.Fatalf("starting master: %v", err)
	}
	t.Cleanup(master.Shutdown)

	slaveCfg := newNodeConfig(t, "slave", "", master.ListenAddr().String(), slaveDir)
	slave := replication.NewController(slaveCfg, slaveStore, testLogger())
	if err := slave.Start(); err != nil {
		t.Fatalf("starting slave: %v", err)
	}
	t.Cleanup(slave.Shutdown)

	waitFor(t, 10*time.Second, func() bool { return slaveStore.MaxOffset() == 300 }, "slave never resumed to 300")

	data, err := slaveStore.ReadRange(200, 100)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if !bytes.Equal(data, bytes.Repeat([]byte{0x11}, 100)) {
		t.Fatal("resumed bytes differ")
	}
}

// TestEndToEnd_IsSlaveOK cobre o health check sem slaves e com o slave
// dentro do limite de fall-behind.
func TestEndToEnd_IsSlaveOK(t *testing.T) {
	masterDir := t.TempDir()
	masterStore := newStore(t, masterDir)

	masterCfg := newNodeConfig(t, "master", "127.0.0.1:0", "", masterDir)
	master := replication.NewController(masterCfg, masterStore, testLogger())
	if err := master.Start(); err != nil {
		t.Fatalf("starting master: %v", err)
	}
	t.Cleanup(master.Shutdown)

	if master.IsSlaveOK(0) {
		t.Fatal("expected unhealthy without connected slaves")
	}

	slaveDir := t.TempDir()
	slaveStore := newStore(t, slaveDir)
	slaveCfg := newNodeConfig(t, "slave", "", master.ListenAddr().String(), slaveDir)
	slave := replication.NewController(slaveCfg, slaveStore, testLogger())
	if err := slave.Start(); err != nil {
		t.Fatalf("starting slave: %v", err)
	}
	t.Cleanup(slave.Shutdown)

	waitFor(t, 10*time.Second, func() bool { return master.ConnectionCount() == 1 }, "slave never connected")

	if !master.IsSlaveOK(masterStore.MaxOffset()) {
		t.Fatal("expected healthy slave within fall-behind limit")
	}
}
