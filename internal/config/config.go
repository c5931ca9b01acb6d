// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do nreplicad.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig representa a configuração completa de um nó nreplicad.
// Um nó pode atuar como master (aceita slaves em replication.listen),
// como slave (conecta em replication.master_address), ou como ambos
// numa cadeia de replicação.
type NodeConfig struct {
	Node        NodeInfo        `yaml:"node"`
	Replication ReplicationInfo `yaml:"replication"`
	Log         LogInfo         `yaml:"log"`
	Archive     ArchiveInfo     `yaml:"archive"`
	Stats       StatsInfo       `yaml:"stats"`
	Logging     LoggingInfo     `yaml:"logging"`
}

// NodeInfo identifica o nó.
type NodeInfo struct {
	Name string `yaml:"name"`
}

// ReplicationInfo contém os parâmetros do link de replicação.
type ReplicationInfo struct {
	// Listen é o endereço TCP onde o master aceita slaves.
	Listen string `yaml:"listen"`

	// MasterAddress é o host:port do master deste nó.
	// Vazio deixa o client de replicação ocioso (nó puramente master).
	MasterAddress string `yaml:"master_address"`

	// HeartbeatInterval é o tempo máximo de silêncio antes de o slave
	// enviar um offset report e de o master enviar um frame vazio.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HousekeepingInterval é o tempo máximo de silêncio antes de cada
	// lado declarar o outro morto e derrubar a conexão.
	HousekeepingInterval time.Duration `yaml:"housekeeping_interval"`

	// FallBehindMax é quantos bytes o master pode estar à frente do
	// watermark antes de o slave ser considerado unhealthy.
	FallBehindMax    string `yaml:"fall_behind_max"`
	FallBehindMaxRaw int64  `yaml:"-"`

	// SyncFlushTimeout é o teto de espera de um producer síncrono
	// pela replicação do seu offset.
	SyncFlushTimeout time.Duration `yaml:"sync_flush_timeout"`

	// TransferBatchSize é a janela máxima de bytes por frame de push.
	TransferBatchSize    string `yaml:"transfer_batch_size"`
	TransferBatchSizeRaw int64  `yaml:"-"`

	// ThrottleRate limita o push por conexão em bytes/segundo. 0 desabilita.
	ThrottleRate    string `yaml:"throttle_rate"`
	ThrottleRateRaw int64  `yaml:"-"`
}

// LogInfo contém a configuração do commit log local.
type LogInfo struct {
	Dir            string `yaml:"dir"`
	SegmentSize    string `yaml:"segment_size"`
	SegmentSizeRaw int64  `yaml:"-"`
}

// ArchiveInfo contém a configuração de arquivamento de segmentos selados.
type ArchiveInfo struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression
	Dir      string `yaml:"dir"`
	Mode     string `yaml:"mode"` // "gzip" ou "zstd"

	// MaxArchives limita quantos arquivos comprimidos ficam no disco local.
	MaxArchives int `yaml:"max_archives"`

	S3 S3Info `yaml:"s3"`
}

// S3Info contém o destino offsite opcional dos segmentos arquivados.
type S3Info struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// StatsInfo contém o intervalo do stats reporter.
type StatsInfo struct {
	Interval time.Duration `yaml:"interval"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// LoadNodeConfig lê e valida o arquivo YAML de configuração do nó.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading node config: %w", err)
	}

	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing node config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating node config: %w", err)
	}

	return &cfg, nil
}

// Validate aplica defaults e verifica os campos obrigatórios.
func (c *NodeConfig) Validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("node.name is required")
	}
	if c.Replication.Listen == "" && c.Replication.MasterAddress == "" {
		return fmt.Errorf("replication requires listen and/or master_address")
	}
	if c.Log.Dir == "" {
		return fmt.Errorf("log.dir is required")
	}

	r := &c.Replication
	if r.HeartbeatInterval <= 0 {
		r.HeartbeatInterval = 5 * time.Second
	}
	if r.HousekeepingInterval <= 0 {
		r.HousekeepingInterval = 20 * time.Second
	}
	if r.HousekeepingInterval <= r.HeartbeatInterval {
		return fmt.Errorf("replication.housekeeping_interval must be greater than heartbeat_interval")
	}
	if r.SyncFlushTimeout <= 0 {
		r.SyncFlushTimeout = 5 * time.Second
	}

	if r.FallBehindMax == "" {
		r.FallBehindMax = "256mb"
	}
	fallBehind, err := ParseByteSize(r.FallBehindMax)
	if err != nil {
		return fmt.Errorf("replication.fall_behind_max: %w", err)
	}
	r.FallBehindMaxRaw = fallBehind

	if r.TransferBatchSize == "" {
		r.TransferBatchSize = "32kb"
	}
	batch, err := ParseByteSize(r.TransferBatchSize)
	if err != nil {
		return fmt.Errorf("replication.transfer_batch_size: %w", err)
	}
	if batch < 4*1024 {
		return fmt.Errorf("replication.transfer_batch_size must be at least 4kb, got %s", r.TransferBatchSize)
	}
	// O teto fica bem abaixo do buffer de leitura do slave (4mb) para
	// que um frame inteiro sempre caiba depois de uma compactação.
	if batch > 1024*1024 {
		return fmt.Errorf("replication.transfer_batch_size must be at most 1mb, got %s", r.TransferBatchSize)
	}
	r.TransferBatchSizeRaw = batch

	if r.ThrottleRate != "" {
		throttle, err := ParseByteSize(r.ThrottleRate)
		if err != nil {
			return fmt.Errorf("replication.throttle_rate: %w", err)
		}
		r.ThrottleRateRaw = throttle
	}

	if c.Log.SegmentSize == "" {
		c.Log.SegmentSize = "1gb"
	}
	segSize, err := ParseByteSize(c.Log.SegmentSize)
	if err != nil {
		return fmt.Errorf("log.segment_size: %w", err)
	}
	if segSize < 1024*1024 {
		return fmt.Errorf("log.segment_size must be at least 1mb, got %s", c.Log.SegmentSize)
	}
	c.Log.SegmentSizeRaw = segSize

	if c.Archive.Enabled {
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir is required when archive is enabled")
		}
		if c.Archive.Schedule == "" {
			c.Archive.Schedule = "0 3 * * *"
		}
		if c.Archive.Mode == "" {
			c.Archive.Mode = "gzip"
		}
		if c.Archive.Mode != "gzip" && c.Archive.Mode != "zstd" {
			return fmt.Errorf("archive.mode must be \"gzip\" or \"zstd\", got %q", c.Archive.Mode)
		}
		if c.Archive.MaxArchives <= 0 {
			c.Archive.MaxArchives = 7
		}
		if c.Archive.S3.Bucket != "" && c.Archive.S3.Region == "" {
			return fmt.Errorf("archive.s3.region is required when archive.s3.bucket is set")
		}
	}

	if c.Stats.Interval <= 0 {
		c.Stats.Interval = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
