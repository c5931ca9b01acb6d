// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-replica/internal/commitlog"
	"github.com/nishisan-dev/n-replica/internal/config"
	"github.com/nishisan-dev/n-replica/internal/logging"
	"github.com/nishisan-dev/n-replica/internal/replication"
)

func main() {
	configPath := flag.String("config", "/etc/nreplica/node.yaml", "path to node config file")
	flag.Parse()

	cfg, err := config.LoadNodeConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	logger.Info("starting nreplicad",
		"node", cfg.Node.Name,
		"listen", cfg.Replication.Listen,
		"master_address", cfg.Replication.MasterAddress,
	)

	store, err := commitlog.NewStore(cfg.Log.Dir, cfg.Log.SegmentSizeRaw)
	if err != nil {
		logger.Error("opening commit log", "dir", cfg.Log.Dir, "error", err)
		os.Exit(1)
	}

	controller := replication.NewController(cfg, store, logger)
	if err := controller.Start(); err != nil {
		logger.Error("starting replication", "error", err)
		store.Close()
		os.Exit(1)
	}

	var archiver *commitlog.Archiver
	if cfg.Archive.Enabled {
		var uploader commitlog.Uploader
		if cfg.Archive.S3.Bucket != "" {
			s3up, err := commitlog.NewS3Uploader(context.Background(), cfg.Archive.S3)
			if err != nil {
				logger.Error("configuring S3 uploader", "error", err)
				controller.Shutdown()
				store.Close()
				os.Exit(1)
			}
			uploader = s3up
		}

		archiver, err = commitlog.NewArchiver(store, cfg.Archive, uploader, logger)
		if err != nil {
			logger.Error("configuring archiver", "error", err)
			controller.Shutdown()
			store.Close()
			os.Exit(1)
		}
		archiver.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading config", "path", *configPath)

			newCfg, loadErr := config.LoadNodeConfig(*configPath)
			if loadErr != nil {
				logger.Error("reload failed, keeping current config", "error", loadErr)
				continue
			}

			// Só o endereço do master é hot-reloadable; o resto exige restart.
			controller.UpdateMasterAddress(newCfg.Replication.MasterAddress)
			cfg.Replication.MasterAddress = newCfg.Replication.MasterAddress
			logger.Info("config reloaded")
			continue
		}

		logger.Info("received signal, shutting down", "signal", sig)

		if archiver != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			archiver.Stop(stopCtx)
			cancel()
		}
		controller.Shutdown()
		if err := store.Close(); err != nil {
			logger.Error("closing commit log", "error", err)
		}
		logger.Info("shutdown complete")
		return
	}
}
