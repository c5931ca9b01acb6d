// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package replication

import (
	"sync"
	"sync/atomic"
)

// ConnectionRegistry rastreia as conexões de slave vivas no master.
// Add/Remove são serializados por um único mutex; o contador atômico
// permite leituras lock-free no health check.
type ConnectionRegistry struct {
	mu    sync.Mutex
	conns map[*Connection]struct{}
	count atomic.Int32
}

// NewConnectionRegistry cria o registry vazio.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[*Connection]struct{})}
}

// Add registra uma conexão recém-aceita.
func (r *ConnectionRegistry) Add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c]; ok {
		return
	}
	r.conns[c] = struct{}{}
	r.count.Add(1)
}

// Remove tira uma conexão do registry. Idempotente: só decrementa o
// contador se a conexão ainda estava presente.
func (r *ConnectionRegistry) Remove(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c]; !ok {
		return
	}
	delete(r.conns, c)
	r.count.Add(-1)
}

// Count retorna o número de conexões vivas.
func (r *ConnectionRegistry) Count() int {
	return int(r.count.Load())
}

// Snapshot retorna uma cópia da lista de conexões.
func (r *ConnectionRegistry) Snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// DestroyAll encerra todas as conexões e limpa o registry.
// O shutdown acontece fora do lock; cada Shutdown chama Remove.
func (r *ConnectionRegistry) DestroyAll() {
	for _, c := range r.Snapshot() {
		c.Shutdown()
	}
}
