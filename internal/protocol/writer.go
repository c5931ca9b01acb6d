// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteFrame escreve um frame (Master → Slave).
// Formato: [PhyOffset uint64 8B] [BodySize int32 4B] [Body BodySize B]
func WriteFrame(w io.Writer, phyOffset uint64, body []byte) error {
	var header [FrameHeaderSize]byte
	binary.BigEndian.PutUint64(header[0:8], phyOffset)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// WriteHeartbeat escreve um frame de body vazio no offset atual de
// transferência. Mantém lastWriteTime do slave atualizado sem avançar o log.
func WriteHeartbeat(w io.Writer, phyOffset uint64) error {
	return WriteFrame(w, phyOffset, nil)
}

// WriteOffsetReport escreve o offset report de 8 bytes (Slave → Master).
// O primeiro report de uma conexão estabelece o ponto de resume do push.
func WriteOffsetReport(w io.Writer, offset uint64) error {
	var buf [OffsetReportSize]byte
	binary.BigEndian.PutUint64(buf[:], offset)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("writing offset report: %w", err)
	}
	return nil
}
