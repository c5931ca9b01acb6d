// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package replication

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-replica/internal/commitlog"
	"github.com/nishisan-dev/n-replica/internal/config"
)

// Acceptor escuta a porta de replicação do master e constrói uma
// Connection por slave aceito.
type Acceptor struct {
	cfg       config.ReplicationInfo
	log       commitlog.Log
	watermark *SlaveWatermark
	registry  *ConnectionRegistry
	logger    *slog.Logger

	ln       net.Listener
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAcceptor cria o acceptor; o listener só abre em Start.
func NewAcceptor(cfg config.ReplicationInfo, log commitlog.Log, watermark *SlaveWatermark, registry *ConnectionRegistry, logger *slog.Logger) *Acceptor {
	return &Acceptor{
		cfg:       cfg,
		log:       log,
		watermark: watermark,
		registry:  registry,
		logger:    logger.With("component", "acceptor"),
		stopCh:    make(chan struct{}),
	}
}

// Start abre o listener com SO_REUSEADDR e dispara o accept loop.
func (a *Acceptor) Start() error {
	lc := net.ListenConfig{Control: controlReuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp", a.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Listen, err)
	}
	a.ln = ln
	a.logger.Info("replication listener started", "address", ln.Addr().String())

	a.wg.Add(1)
	go a.acceptLoop()
	return nil
}

// Addr retorna o endereço efetivo do listener (útil com porta 0).
func (a *Acceptor) Addr() net.Addr {
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Stop fecha o listener e aguarda o accept loop terminar.
// As conexões existentes são derrubadas pelo Controller.
func (a *Acceptor) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	if a.ln != nil {
		a.ln.Close()
	}
	a.wg.Wait()
	a.logger.Info("replication listener stopped")
}

// acceptLoop aceita slaves com backoff em erros consecutivos para não
// entrar em hot loop quando o listener degrada.
func (a *Acceptor) acceptLoop() {
	defer a.wg.Done()

	consecutiveErrors := 0
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.stopCh:
				return
			default:
				consecutiveErrors++
				a.logger.Error("accepting slave connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}
		consecutiveErrors = 0

		c, err := NewConnection(conn, a.log, a.watermark, a.registry, a.cfg, a.logger)
		if err != nil {
			a.logger.Error("constructing slave connection", "remote", conn.RemoteAddr(), "error", err)
			conn.Close()
			continue
		}

		a.registry.Add(c)
		c.Start()
	}
}

// controlReuseAddr marca o socket de escuta com SO_REUSEADDR antes do bind.
func controlReuseAddr(network, address string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}
