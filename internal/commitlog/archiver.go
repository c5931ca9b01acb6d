// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package commitlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/n-replica/internal/config"
)

// uploadTimeout é o teto de cada upload offsite por segmento.
const uploadTimeout = 10 * time.Minute

// Uploader envia um segmento arquivado para um destino offsite.
type Uploader interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64) error
}

// Archiver comprime segmentos selados do commit log para o diretório de
// arquivamento e opcionalmente os envia para S3. Roda num cron schedule;
// uma passada em andamento nunca é sobreposta pela próxima.
type Archiver struct {
	store    *Store
	dir      string
	mode     string
	maxLocal int
	uploader Uploader
	logger   *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewArchiver cria um Archiver a partir da configuração. uploader pode ser
// nil (arquivamento apenas local).
func NewArchiver(store *Store, cfg config.ArchiveInfo, uploader Uploader, logger *slog.Logger) (*Archiver, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	a := &Archiver{
		store:    store,
		dir:      cfg.Dir,
		mode:     cfg.Mode,
		maxLocal: cfg.MaxArchives,
		uploader: uploader,
		logger:   logger.With("component", "archiver"),
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(cfg.Schedule, func() { a.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("adding archive cron job: %w", err)
	}
	a.cron = c

	return a, nil
}

// Start inicia o scheduler do archiver.
func (a *Archiver) Start() {
	a.cron.Start()
	a.logger.Info("archiver started", "dir", a.dir, "mode", a.mode)
}

// Stop para o scheduler e aguarda uma passada em andamento terminar.
func (a *Archiver) Stop(ctx context.Context) {
	stopCtx := a.cron.Stop()
	select {
	case <-stopCtx.Done():
		a.logger.Info("archiver stopped")
	case <-ctx.Done():
		a.logger.Warn("archiver stop timed out")
	}
}

// RunOnce executa uma passada de arquivamento. Se outra passada estiver em
// andamento, retorna sem fazer nada.
func (a *Archiver) RunOnce(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		a.logger.Warn("archive pass already running, skipping")
		return
	}
	a.running = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	start := time.Now()
	archived := 0

	for _, seg := range a.store.SealedSegments() {
		select {
		case <-ctx.Done():
			a.logger.Warn("archive pass interrupted", "error", ctx.Err())
			return
		default:
		}

		target := a.archivePath(seg)
		if _, err := os.Stat(target); err == nil {
			continue // já arquivado
		}

		if err := a.archiveSegment(ctx, seg, target); err != nil {
			a.logger.Error("archiving segment", "base_offset", seg.BaseOffset, "error", err)
			continue
		}
		archived++
	}

	if err := a.rotate(); err != nil {
		a.logger.Error("rotating archives", "error", err)
	}

	if archived > 0 {
		a.logger.Info("archive pass completed", "segments", archived, "duration", time.Since(start))
	}
}

func (a *Archiver) archivePath(seg SegmentInfo) string {
	name := filepath.Base(seg.Path)
	return filepath.Join(a.dir, name+a.suffix())
}

func (a *Archiver) suffix() string {
	if a.mode == "zstd" {
		return ".zst"
	}
	return ".gz"
}

// archiveSegment comprime o segmento num arquivo temporário, renomeia para
// o nome final e então faz o upload offsite quando configurado.
func (a *Archiver) archiveSegment(ctx context.Context, seg SegmentInfo, target string) error {
	src, err := os.Open(seg.Path)
	if err != nil {
		return fmt.Errorf("opening segment: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(a.dir, "archive-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp archive: %w", err)
	}
	tmpPath := tmp.Name()

	if err := a.compress(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp archive: %w", err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming archive: %w", err)
	}

	a.logger.Info("segment archived", "base_offset", seg.BaseOffset, "archive", filepath.Base(target))

	if a.uploader == nil {
		return nil
	}

	f, err := os.Open(target)
	if err != nil {
		return fmt.Errorf("reopening archive for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating archive: %w", err)
	}

	upCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	if err := a.uploader.Upload(upCtx, filepath.Base(target), f, info.Size()); err != nil {
		return fmt.Errorf("uploading archive: %w", err)
	}

	a.logger.Info("segment uploaded", "base_offset", seg.BaseOffset, "archive", filepath.Base(target))
	return nil
}

func (a *Archiver) compress(dst io.Writer, src io.Reader) error {
	switch a.mode {
	case "zstd":
		zw, err := zstd.NewWriter(dst)
		if err != nil {
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		if _, err := io.Copy(zw, src); err != nil {
			zw.Close()
			return fmt.Errorf("compressing segment: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("flushing zstd writer: %w", err)
		}
	default:
		gw := pgzip.NewWriter(dst)
		if _, err := io.Copy(gw, src); err != nil {
			gw.Close()
			return fmt.Errorf("compressing segment: %w", err)
		}
		if err := gw.Close(); err != nil {
			return fmt.Errorf("flushing gzip writer: %w", err)
		}
	}
	return nil
}

// rotate remove os arquivos locais mais antigos além de maxLocal.
// Os nomes carregam o offset base, então a ordem lexicográfica é a
// ordem do stream.
func (a *Archiver) rotate() error {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return fmt.Errorf("reading archive directory: %w", err)
	}

	var archives []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), a.suffix()) {
			archives = append(archives, e.Name())
		}
	}
	sort.Strings(archives)

	if len(archives) <= a.maxLocal {
		return nil
	}

	for _, name := range archives[:len(archives)-a.maxLocal] {
		if err := os.Remove(filepath.Join(a.dir, name)); err != nil {
			return fmt.Errorf("removing old archive %s: %w", name, err)
		}
		a.logger.Info("old archive removed", "archive", name)
	}
	return nil
}
