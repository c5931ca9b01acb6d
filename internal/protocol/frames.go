// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo binário de replicação entre
// master e slave sobre TCP.
package protocol

import "errors"

// FrameHeaderSize é o tamanho do header de um frame no wire:
// PhyOffset(8B) + BodySize(4B).
const FrameHeaderSize = 12

// OffsetReportSize é o tamanho de um offset report no wire (uint64 big-endian).
const OffsetReportSize = 8

// Erros do protocolo.
var (
	ErrNegativeBodySize = errors.New("protocol: negative frame body size")
	ErrTruncatedFrame   = errors.New("protocol: truncated frame")
)

// Frame é uma unidade de push do master para o slave.
// Formato: [PhyOffset uint64 8B] [BodySize int32 4B] [Body BodySize B]
// PhyOffset é o offset físico do log master onde Body começa.
// Body pode cobrir zero ou mais registros inteiros do log; o protocolo
// trata os bytes como opacos.
type Frame struct {
	PhyOffset uint64
	Body      []byte
}

// IsHeartbeat retorna true quando o frame não carrega bytes de log.
// Heartbeats mantêm a conexão viva sem avançar o log do slave.
func (f *Frame) IsHeartbeat() bool {
	return len(f.Body) == 0
}
