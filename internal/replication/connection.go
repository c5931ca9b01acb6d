// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-replica/internal/commitlog"
	"github.com/nishisan-dev/n-replica/internal/config"
	"github.com/nishisan-dev/n-replica/internal/protocol"
)

const (
	// readPollInterval é o teto de cada espera por um offset report.
	readPollInterval = 1 * time.Second

	// transferPollInterval é o intervalo de polling do write loop quando
	// não há bytes novos no log.
	transferPollInterval = 100 * time.Millisecond

	// frameWriteTimeout é o deadline de cada escrita de frame, para
	// detectar slaves half-open.
	frameWriteTimeout = 5 * time.Second
)

// Connection é o handler duplex de um slave conectado ao master.
// O read loop consome offset reports de 8 bytes; o write loop empurra
// janelas contíguas do commit log como frames e heartbeats. Qualquer
// falha de I/O derruba os dois lados e remove a conexão do registry.
type Connection struct {
	conn       net.Conn
	remoteAddr string
	log        commitlog.Log
	watermark  *SlaveWatermark
	registry   *ConnectionRegistry
	logger     *slog.Logger

	heartbeatInterval    time.Duration
	housekeepingInterval time.Duration
	batchSize            int
	throttleRate         int64

	// slaveRequestOffset fica em -1 até o primeiro report do slave
	// estabelecer onde o push começa. Nunca muda depois disso.
	slaveRequestOffset atomic.Int64
	slaveAckOffset     atomic.Uint64
	lastReadNanos      atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConnection constrói o handler para um socket recém-aceito.
func NewConnection(conn net.Conn, log commitlog.Log, watermark *SlaveWatermark, registry *ConnectionRegistry, cfg config.ReplicationInfo, logger *slog.Logger) (*Connection, error) {
	if conn == nil {
		return nil, fmt.Errorf("replication: nil connection")
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			return nil, fmt.Errorf("setting TCP_NODELAY: %w", err)
		}
		if err := tc.SetKeepAlive(true); err != nil {
			return nil, fmt.Errorf("setting keepalive: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:                 conn,
		remoteAddr:           conn.RemoteAddr().String(),
		log:                  log,
		watermark:            watermark,
		registry:             registry,
		logger:               logger.With("component", "connection", "remote", conn.RemoteAddr().String()),
		heartbeatInterval:    cfg.HeartbeatInterval,
		housekeepingInterval: cfg.HousekeepingInterval,
		batchSize:            int(cfg.TransferBatchSizeRaw),
		throttleRate:         cfg.ThrottleRateRaw,
		ctx:                  ctx,
		cancel:               cancel,
		stopCh:               make(chan struct{}),
	}
	c.slaveRequestOffset.Store(-1)
	c.lastReadNanos.Store(time.Now().UnixNano())
	return c, nil
}

// Start dispara os dois loops da conexão.
func (c *Connection) Start() {
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
}

// Shutdown derruba a conexão e aguarda os loops terminarem.
func (c *Connection) Shutdown() {
	c.teardown()
	c.wg.Wait()
}

// RemoteAddr retorna o endereço do slave.
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// SlaveAckOffset retorna o último offset confirmado por este slave.
func (c *Connection) SlaveAckOffset() uint64 {
	return c.slaveAckOffset.Load()
}

// teardown fecha o socket e remove a conexão do registry. Seguro de
// chamar de qualquer loop ou de fora; roda uma vez por via do Once no
// stopCh e da idempotência de Close/Remove.
func (c *Connection) teardown() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.cancel()
	c.conn.Close()
	c.registry.Remove(c)
}

// readLoop acumula offset reports de 8 bytes, tolerando leituras
// parciais, e alimenta o watermark. Encerra quando o slave fica mudo
// além do housekeeping interval.
func (c *Connection) readLoop() {
	defer c.wg.Done()
	defer c.teardown()

	report := make([]byte, protocol.OffsetReportSize)
	filled := 0

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return
		}

		n, err := c.conn.Read(report[filled:])
		if n > 0 {
			filled += n
			c.lastReadNanos.Store(time.Now().UnixNano())
			if filled == len(report) {
				filled = 0
				c.handleReport(protocol.ParseOffsetReport(report))
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// sem report nesta passada; cai no check de liveness
			} else {
				if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
					c.logger.Warn("reading offset report", "error", err)
				}
				return
			}
		}

		idle := time.Since(time.Unix(0, c.lastReadNanos.Load()))
		if idle >= c.housekeepingInterval {
			c.logger.Warn("slave silent for too long, closing", "idle", idle)
			return
		}
	}
}

func (c *Connection) handleReport(offset uint64) {
	if c.slaveRequestOffset.Load() < 0 {
		c.slaveRequestOffset.Store(int64(offset))
		c.logger.Info("slave reported resume offset", "offset", offset)
	}
	c.slaveAckOffset.Store(offset)
	c.watermark.AdvanceTo(offset)
}

// writeLoop espera o primeiro report estabelecer o offset de partida e
// então empurra janelas contíguas do log, emitindo heartbeats de body
// vazio quando o link fica quieto.
func (c *Connection) writeLoop() {
	defer c.wg.Done()
	defer c.teardown()

	w := NewThrottledWriter(c.ctx, c.conn, c.throttleRate, int64(c.batchSize))

	ticker := time.NewTicker(transferPollInterval)
	defer ticker.Stop()

	var nextTransferOffset uint64
	seeded := false
	var lastWrite time.Time

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
		}

		if !seeded {
			req := c.slaveRequestOffset.Load()
			if req < 0 {
				continue // push só começa onde o slave pediu
			}
			nextTransferOffset = uint64(req)
			seeded = true
			lastWrite = time.Now()
			c.logger.Info("transfer starting", "offset", nextTransferOffset)
		}

		for c.log.MaxOffset() > nextTransferOffset {
			data, err := c.log.ReadRange(nextTransferOffset, c.batchSize)
			if err != nil {
				c.logger.Error("reading log for transfer", "offset", nextTransferOffset, "error", err)
				return
			}
			if len(data) == 0 {
				break
			}

			if err := c.writeFrame(w, nextTransferOffset, data); err != nil {
				c.logger.Warn("pushing frame", "offset", nextTransferOffset, "error", err)
				return
			}
			nextTransferOffset += uint64(len(data))
			lastWrite = time.Now()

			select {
			case <-c.stopCh:
				return
			default:
			}
		}

		if time.Since(lastWrite) >= c.heartbeatInterval {
			if err := c.writeFrame(w, nextTransferOffset, nil); err != nil {
				c.logger.Warn("sending heartbeat", "error", err)
				return
			}
			lastWrite = time.Now()
		}
	}
}

func (c *Connection) writeFrame(w io.Writer, offset uint64, body []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	return protocol.WriteFrame(w, offset, body)
}
