// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package replication

import (
	"errors"
	"fmt"
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
	// readMaxBufferSize é o tamanho de cada buffer de leitura do client.
	readMaxBufferSize = 4 * 1024 * 1024

	// maxConsecutiveEmptyReads encerra a drenagem do socket depois de
	// três leituras vazias seguidas.
	maxConsecutiveEmptyReads = 3

	// reconnectBackoff é a pausa entre tentativas de conexão ao master.
	reconnectBackoff = 5 * time.Second

	connectTimeout     = 3 * time.Second
	reportWriteTimeout = 3 * time.Second
)

// Erros do client de replicação.
var (
	errMasterUnresponsive = errors.New("replication: master unresponsive")
	errOffsetMismatch     = errors.New("replication: frame offset does not match local log end")
	errReadBufferFull     = errors.New("replication: frame larger than read buffer")
)

// Client é o lado slave do link de replicação: mantém uma conexão com o
// master, reporta o fim do log local, decodifica frames recebidos e os
// aplica no commit log. Uma falha qualquer derruba a conexão; o loop
// reconecta com backoff e retoma do offset que sobreviveu em disco.
//
// Os dois buffers de 4 MiB (primary e spare) evitam realocação: quando
// primary enche, os bytes ainda não despachados são copiados para spare
// e os buffers trocam de papel.
type Client struct {
	log    commitlog.Log
	logger *slog.Logger

	heartbeatInterval    time.Duration
	housekeepingInterval time.Duration

	masterAddr atomic.Value // string

	connMu sync.Mutex
	conn   net.Conn

	primary     []byte
	spare       []byte
	writePos    int
	dispatchPos int

	currentReportedOffset uint64
	lastWriteTime         time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient cria o client. Com master address vazio o loop fica ocioso
// até UpdateMasterAddress definir um destino.
func NewClient(log commitlog.Log, cfg config.ReplicationInfo, logger *slog.Logger) *Client {
	c := &Client{
		log:                  log,
		logger:               logger.With("component", "client"),
		heartbeatInterval:    cfg.HeartbeatInterval,
		housekeepingInterval: cfg.HousekeepingInterval,
		primary:              make([]byte, readMaxBufferSize),
		spare:                make([]byte, readMaxBufferSize),
		stopCh:               make(chan struct{}),
	}
	c.masterAddr.Store(cfg.MasterAddress)
	return c
}

// Start dispara o loop do client.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
	c.logger.Info("replication client started")
}

// Stop encerra o loop. Fecha a conexão antes de aguardar para
// desbloquear qualquer read pendente.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
	c.logger.Info("replication client stopped")
}

// UpdateMasterAddress troca o destino do client. Uma conexão existente
// com o master antigo continua até falhar; a próxima reconexão usa o
// endereço novo.
func (c *Client) UpdateMasterAddress(addr string) {
	old, _ := c.masterAddr.Swap(addr).(string)
	if old != addr {
		c.logger.Info("master address updated", "old", old, "new", addr)
	}
}

// MasterAddress retorna o destino atual.
func (c *Client) MasterAddress() string {
	addr, _ := c.masterAddr.Load().(string)
	return addr
}

// State retorna "connected" ou "disconnected".
func (c *Client) State() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return "connected"
	}
	return "disconnected"
}

func (c *Client) run() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			c.closeMaster()
			return
		default:
		}

		if c.currentConn() == nil {
			if !c.connectMaster() {
				c.sleep(reconnectBackoff)
				continue
			}
		}

		if err := c.pass(); err != nil {
			c.logger.Warn("replication link lost", "error", err)
			c.closeMaster()
		}
	}
}

// pass é uma iteração do estado conectado: heartbeat, drenagem do
// socket, report de progresso e check de liveness do master.
func (c *Client) pass() error {
	if time.Since(c.lastWriteTime) >= c.heartbeatInterval {
		if err := c.reportSlaveMaxOffset(c.currentReportedOffset); err != nil {
			return fmt.Errorf("sending heartbeat report: %w", err)
		}
	}

	if err := c.processReadEvent(); err != nil {
		return err
	}

	if max := c.log.MaxOffset(); max > c.currentReportedOffset {
		c.currentReportedOffset = max
		if err := c.reportSlaveMaxOffset(max); err != nil {
			return fmt.Errorf("reporting progress: %w", err)
		}
	}

	if idle := time.Since(c.lastWriteTime); idle >= c.housekeepingInterval {
		return fmt.Errorf("%w: no activity for %s", errMasterUnresponsive, idle)
	}
	return nil
}

// connectMaster tenta abrir a conexão e envia o report inicial que
// estabelece o ponto de resume do push no master.
func (c *Client) connectMaster() bool {
	addr := c.MasterAddress()
	if addr == "" {
		return false
	}

	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		c.logger.Warn("connecting to master", "address", addr, "error", err)
		return false
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.currentReportedOffset = c.log.MaxOffset()
	c.lastWriteTime = time.Now()
	c.logger.Info("connected to master", "address", addr, "resume_offset", c.currentReportedOffset)

	if err := c.reportSlaveMaxOffset(c.currentReportedOffset); err != nil {
		c.logger.Warn("reporting resume offset", "error", err)
		c.closeMaster()
		return false
	}
	return true
}

// closeMaster fecha a conexão e zera o estado de decodificação. Um
// frame parcial é descartado; o master retoma do offset que o slave
// reportar na reconexão.
func (c *Client) closeMaster() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.dispatchPos = 0
	c.writePos = 0
	c.lastWriteTime = time.Time{}
}

func (c *Client) currentConn() net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) sleep(d time.Duration) {
	select {
	case <-c.stopCh:
	case <-time.After(d):
	}
}

// reportSlaveMaxOffset envia um offset report e atualiza lastWriteTime.
func (c *Client) reportSlaveMaxOffset(offset uint64) error {
	conn := c.currentConn()
	if conn == nil {
		return net.ErrClosed
	}
	if err := conn.SetWriteDeadline(time.Now().Add(reportWriteTimeout)); err != nil {
		return fmt.Errorf("setting report deadline: %w", err)
	}
	if err := protocol.WriteOffsetReport(conn, offset); err != nil {
		return err
	}
	c.lastWriteTime = time.Now()
	return nil
}

// processReadEvent drena o socket para primary até três leituras vazias
// seguidas ou até o deadline de 1s da passada expirar, despachando frames
// completos a cada leitura. Um buffer cheio é compactado; se continuar
// cheio depois da compactação, retorna errReadBufferFull.
func (c *Client) processReadEvent() error {
	conn := c.currentConn()
	if conn == nil {
		return net.ErrClosed
	}

	// Um único deadline para a drenagem inteira: mesmo com frames
	// chegando sem parar, a passada termina e o progresso é reportado.
	if err := conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
		return fmt.Errorf("setting read deadline: %w", err)
	}

	emptyReads := 0
	for emptyReads < maxConsecutiveEmptyReads {
		if c.writePos == len(c.primary) {
			c.compact()
			if c.writePos == len(c.primary) {
				return errReadBufferFull
			}
		}

		n, err := conn.Read(c.primary[c.writePos:])
		if n > 0 {
			emptyReads = 0
			c.writePos += n
			if derr := c.dispatchFrames(); derr != nil {
				return derr
			}
		} else if err == nil {
			emptyReads++
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil // nada pronto nesta passada
			}
			return fmt.Errorf("reading from master: %w", err)
		}
	}
	return nil
}

// dispatchFrames decodifica e aplica todos os frames completos em
// primary[dispatchPos..writePos]. Cada frame precisa continuar o log
// local exatamente onde ele termina; um mismatch é corrupção e derruba
// a conexão sem pular bytes.
func (c *Client) dispatchFrames() error {
	for {
		frame, consumed, err := protocol.DecodeFrame(c.primary[c.dispatchPos:c.writePos])
		if err != nil {
			return fmt.Errorf("decoding frame: %w", err)
		}
		if frame == nil {
			break
		}

		c.lastWriteTime = time.Now()

		localMax := c.log.MaxOffset()
		if localMax != 0 && frame.PhyOffset != localMax {
			return fmt.Errorf("%w: frame at %d, local log ends at %d", errOffsetMismatch, frame.PhyOffset, localMax)
		}
		if !frame.IsHeartbeat() {
			if err := c.log.Append(frame.PhyOffset, frame.Body); err != nil {
				return fmt.Errorf("appending replicated bytes: %w", err)
			}
		}

		c.dispatchPos += consumed
	}

	if c.writePos == len(c.primary) {
		c.compact()
	}
	return nil
}

// compact copia os bytes ainda não despachados para o spare e troca os
// buffers, sem realocar e sem perder bytes de um frame parcial.
func (c *Client) compact() {
	remaining := c.writePos - c.dispatchPos
	if remaining > 0 {
		copy(c.spare, c.primary[c.dispatchPos:c.writePos])
	}
	c.primary, c.spare = c.spare, c.primary
	c.writePos = remaining
	c.dispatchPos = 0
}
