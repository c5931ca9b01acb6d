// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package replication implementa o engine de replicação master/slave do
// commit log: o master empurra bytes novos para cada slave conectado e
// rastreia o maior offset confirmado; o slave aplica os frames no log
// local e reporta progresso; producers síncronos podem esperar a
// replicação do próprio offset.
package replication

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/nishisan-dev/n-replica/internal/commitlog"
	"github.com/nishisan-dev/n-replica/internal/config"
)

// Controller compõe o engine de replicação e expõe a fachada que o
// daemon e os producers consomem.
type Controller struct {
	cfg    *config.NodeConfig
	log    commitlog.Log
	logger *slog.Logger

	watermark *SlaveWatermark
	registry  *ConnectionRegistry
	acceptor  *Acceptor
	transfer  *GroupTransferService
	client    *Client
	stats     *StatsReporter
}

// NewController monta os componentes a partir da configuração.
// Sem replication.listen o nó não aceita slaves (slave puro).
func NewController(cfg *config.NodeConfig, log commitlog.Log, logger *slog.Logger) *Controller {
	watermark := NewSlaveWatermark()
	registry := NewConnectionRegistry()

	c := &Controller{
		cfg:       cfg,
		log:       log,
		logger:    logger,
		watermark: watermark,
		registry:  registry,
		transfer:  NewGroupTransferService(watermark, cfg.Replication.SyncFlushTimeout, logger),
		client:    NewClient(log, cfg.Replication, logger),
	}
	if cfg.Replication.Listen != "" {
		c.acceptor = NewAcceptor(cfg.Replication, log, watermark, registry, logger)
	}
	c.stats = NewStatsReporter(c, cfg.Stats.Interval, cfg.Log.Dir, logger)
	return c
}

// Start abre o listener e dispara os serviços.
func (c *Controller) Start() error {
	if c.acceptor != nil {
		if err := c.acceptor.Start(); err != nil {
			return fmt.Errorf("starting acceptor: %w", err)
		}
	}
	c.transfer.Start()
	c.client.Start()
	c.stats.Start()

	c.logger.Info("replication controller started",
		"listen", c.cfg.Replication.Listen,
		"master_address", c.cfg.Replication.MasterAddress,
	)
	return nil
}

// Shutdown para o client primeiro, depois o acceptor, derruba as
// conexões restantes e por fim o transfer service, que responde false
// a qualquer producer ainda esperando.
func (c *Controller) Shutdown() {
	c.stats.Stop()
	c.client.Stop()
	if c.acceptor != nil {
		c.acceptor.Stop()
	}
	c.registry.DestroyAll()
	c.transfer.Stop()
	c.logger.Info("replication controller stopped")
}

// IsSlaveOK retorna true quando há pelo menos um slave conectado e o
// master está menos de fall_behind_max bytes à frente do watermark.
func (c *Controller) IsSlaveOK(masterPutWhere uint64) bool {
	if c.registry.Count() <= 0 {
		return false
	}
	wm := c.watermark.Offset()
	if wm >= masterPutWhere {
		return true
	}
	return masterPutWhere-wm < uint64(c.cfg.Replication.FallBehindMaxRaw)
}

// NotifyTransferSome avança o watermark por um evento local do master.
func (c *Controller) NotifyTransferSome(offset uint64) {
	c.watermark.AdvanceTo(offset)
}

// PutRequest enfileira a espera de um producer síncrono.
func (c *Controller) PutRequest(req *GroupCommitRequest) {
	c.transfer.PutRequest(req)
}

// Watermark retorna o maior offset confirmado por qualquer slave.
func (c *Controller) Watermark() uint64 {
	return c.watermark.Offset()
}

// ConnectionCount retorna quantos slaves estão conectados.
func (c *Controller) ConnectionCount() int {
	return c.registry.Count()
}

// UpdateMasterAddress repassa o novo destino ao client.
func (c *Controller) UpdateMasterAddress(addr string) {
	c.client.UpdateMasterAddress(addr)
}

// ListenAddr retorna o endereço efetivo do listener, ou nil sem acceptor.
func (c *Controller) ListenAddr() net.Addr {
	if c.acceptor == nil {
		return nil
	}
	return c.acceptor.Addr()
}
