// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package replication

import (
	"log/slog"
	"sync"
	"time"
)

// transferIdleTick é o intervalo máximo entre passadas do serviço quando
// nenhum producer sinaliza.
const transferIdleTick = 10 * time.Millisecond

// transferMaxWaits é quantas esperas pelo avanço do watermark cada
// request recebe antes de ser dado como timeout.
const transferMaxWaits = 5

// GroupCommitRequest é o ticket de espera de um producer síncrono pela
// replicação do seu offset. O sinal de done dispara exatamente uma vez:
// true quando o watermark alcançou nextOffset, false em timeout ou
// shutdown.
type GroupCommitRequest struct {
	nextOffset uint64
	done       chan bool
}

// NewGroupCommitRequest cria o request para o offset que o producer
// precisa ver replicado.
func NewGroupCommitRequest(nextOffset uint64) *GroupCommitRequest {
	return &GroupCommitRequest{
		nextOffset: nextOffset,
		done:       make(chan bool, 1),
	}
}

// NextOffset retorna o offset requerido.
func (r *GroupCommitRequest) NextOffset() uint64 {
	return r.nextOffset
}

// Done retorna o canal que recebe o resultado único do request.
func (r *GroupCommitRequest) Done() <-chan bool {
	return r.done
}

// Await bloqueia até o resultado ou o deadline extra do chamador.
func (r *GroupCommitRequest) Await(timeout time.Duration) bool {
	select {
	case ok := <-r.done:
		return ok
	case <-time.After(timeout):
		return false
	}
}

// signal entrega o resultado. O canal com capacidade 1 e o guard de
// default tornam o disparo idempotente.
func (r *GroupCommitRequest) signal(ok bool) {
	select {
	case r.done <- ok:
	default:
	}
}

// GroupTransferService estaciona producers até o watermark passar do
// offset deles ou o timeout de flush síncrono estourar. Os requests
// entram numa lista de ingress com lock próprio; cada passada troca
// ingress pela lista de trabalho, limitando o batch sem bloquear
// producers no lock do serviço.
type GroupTransferService struct {
	watermark    *SlaveWatermark
	logger       *slog.Logger
	waitInterval time.Duration

	mu      sync.Mutex
	ingress []*GroupCommitRequest
	stopped bool

	working []*GroupCommitRequest

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewGroupTransferService cria o serviço. syncFlushTimeout é fatiado em
// transferMaxWaits esperas pelo avanço do watermark.
func NewGroupTransferService(watermark *SlaveWatermark, syncFlushTimeout time.Duration, logger *slog.Logger) *GroupTransferService {
	waitInterval := syncFlushTimeout / transferMaxWaits
	if waitInterval <= 0 {
		waitInterval = time.Second
	}
	return &GroupTransferService{
		watermark:    watermark,
		logger:       logger.With("component", "group_transfer"),
		waitInterval: waitInterval,
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// PutRequest enfileira um request sem bloquear o producer. Depois do
// shutdown qualquer request novo é respondido com false na hora.
func (s *GroupTransferService) PutRequest(req *GroupCommitRequest) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		req.signal(false)
		return
	}
	s.ingress = append(s.ingress, req)
	s.mu.Unlock()

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Start dispara o loop do serviço.
func (s *GroupTransferService) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("group transfer service started", "wait_interval", s.waitInterval)
}

// Stop encerra o loop e responde false a todo request pendente.
func (s *GroupTransferService) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.failPending()
	s.logger.Info("group transfer service stopped")
}

func (s *GroupTransferService) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(transferIdleTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.failPending()
			return
		case <-s.wakeCh:
		case <-ticker.C:
		}

		s.swapRequests()
		s.doWaitTransfer()
	}
}

// swapRequests troca ingress pela lista de trabalho vazia.
func (s *GroupTransferService) swapRequests() {
	s.mu.Lock()
	s.ingress, s.working = s.working, s.ingress
	s.mu.Unlock()
}

// doWaitTransfer testa cada request contra o watermark, esperando o
// avanço em fatias de waitInterval até transferMaxWaits vezes.
func (s *GroupTransferService) doWaitTransfer() {
	for _, req := range s.working {
		ok := s.watermark.Offset() >= req.nextOffset

		for i := 0; !ok && i < transferMaxWaits; i++ {
			stopped := false
			select {
			case <-s.watermark.AdvanceSignal():
			case <-time.After(s.waitInterval):
			case <-s.stopCh:
				stopped = true
			}
			ok = s.watermark.Offset() >= req.nextOffset
			if stopped {
				break
			}
		}

		if !ok {
			s.logger.Warn("producer wait ended without replication", "next_offset", req.nextOffset, "watermark", s.watermark.Offset())
		}
		req.signal(ok)
	}
	s.working = s.working[:0]
}

// failPending responde false a tudo que ainda não foi processado.
func (s *GroupTransferService) failPending() {
	s.mu.Lock()
	s.stopped = true
	pending := s.ingress
	s.ingress = nil
	s.mu.Unlock()

	for _, req := range pending {
		req.signal(false)
	}
	for _, req := range s.working {
		req.signal(false)
	}
	s.working = nil
}
