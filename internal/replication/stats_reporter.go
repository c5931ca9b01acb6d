// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package replication

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// StatsReporter emite no log um snapshot periódico da replicação junto
// com métricas do host.
type StatsReporter struct {
	controller *Controller
	interval   time.Duration
	diskPath   string
	logger     *slog.Logger
	startTime  time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewStatsReporter cria o reporter. diskPath aponta para o diretório do
// commit log, cujo filesystem interessa monitorar.
func NewStatsReporter(controller *Controller, interval time.Duration, diskPath string, logger *slog.Logger) *StatsReporter {
	return &StatsReporter{
		controller: controller,
		interval:   interval,
		diskPath:   diskPath,
		logger:     logger.With("component", "stats"),
		startTime:  time.Now(),
		done:       make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting periódico.
func (sr *StatsReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sr.cancel = cancel

	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(sr.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sr.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	sr.logger.Info("stats reporter started", "interval", sr.interval)
}

// Stop para o reporter e aguarda a goroutine terminar.
func (sr *StatsReporter) Stop() {
	if sr.cancel != nil {
		sr.cancel()
	}
	<-sr.done
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report() {
	wm := sr.controller.Watermark()
	logMax := sr.controller.log.MaxOffset()

	var fallBehind uint64
	if logMax > wm {
		fallBehind = logMax - wm
	}

	attrs := []any{
		"uptime_s", time.Since(sr.startTime).Seconds(),
		"watermark", wm,
		"log_max_offset", logMax,
		"fall_behind", fallBehind,
		"connections", sr.controller.ConnectionCount(),
		"client_state", sr.controller.client.State(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		attrs = append(attrs, "cpu_percent", percents[0])
	} else if err != nil {
		sr.logger.Warn("collecting cpu stats", "error", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		attrs = append(attrs, "mem_percent", vm.UsedPercent)
	} else {
		sr.logger.Warn("collecting memory stats", "error", err)
	}

	if avg, err := load.Avg(); err == nil {
		attrs = append(attrs, "load1", avg.Load1)
	} else {
		sr.logger.Warn("collecting load stats", "error", err)
	}

	if du, err := disk.Usage(sr.diskPath); err == nil {
		attrs = append(attrs, "disk_used_percent", du.UsedPercent)
	} else {
		sr.logger.Warn("collecting disk stats", "error", err)
	}

	sr.logger.Info("replication stats", attrs...)
}
