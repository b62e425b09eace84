// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sessioncore

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// AckMode controla quais mecanismos de confiabilidade o AckState executa.
type AckMode int

const (
	// AckModePartial: o receptor pede retransmissão de segmentos faltando
	// (NACK-like); o emissor nunca retransmite um frame inteiro por conta própria.
	AckModePartial AckMode = iota
	// AckModeFull: o receptor só confirma frames completos; o emissor
	// retransmite o frame inteiro se nenhum ack chegar a tempo.
	AckModeFull
	// AckModeBoth (padrão): o receptor tenta retransmissão parcial primeiro;
	// se aquilo se perder, o emissor ainda dispara uma retransmissão completa.
	AckModeBoth
)

func (m AckMode) hasPartial() bool { return m == AckModePartial || m == AckModeBoth }
func (m AckMode) hasFull() bool    { return m == AckModeFull || m == AckModeBoth }

// AckStateConfig reúne os parâmetros do AckState. Os padrões (latência 20ms,
// atraso de ack 50ms) refletem os valores observados na fonte original.
type AckStateConfig struct {
	Mode                    AckMode
	ExpectedPacketLatency   time.Duration
	BackoffBase             float64
	MaxIncomingFrameRetries int
	MaxOutgoingFrameRetries int
	AcknowledgementDelay    time.Duration
	LookbehindSegments      int
	MaxAcksPerMessage       int // ⌊(C-3)/4⌋, derivado do MTU pelo chamador
}

// DefaultAckStateConfig retorna a configuração padrão, grounded nos valores
// observados em ack_state.rs (expected_packet_latency=20ms, acknowledgement_delay=50ms).
func DefaultAckStateConfig() AckStateConfig {
	return AckStateConfig{
		Mode:                    AckModeBoth,
		ExpectedPacketLatency:   20 * time.Millisecond,
		BackoffBase:             1.2,
		MaxIncomingFrameRetries: 3,
		MaxOutgoingFrameRetries: 3,
		AcknowledgementDelay:    50 * time.Millisecond,
		LookbehindSegments:      1024,
		MaxAcksPerMessage:       100,
	}
}

// AckState é a máquina de estados completa de confirmação e retransmissão:
// ver §4.6. Consome eventos do socket/reassembler e produz SessionMessages
// num único canal de controle de saída.
type AckState struct {
	cfg    AckStateConfig
	logger *slog.Logger

	lookbehind *LookbehindRing
	inspector  func() []FrameInfo

	incomingQueue *SkipDelayQueue
	outgoingQueue *SkipDelayQueue

	mu              sync.Mutex
	incomingRetries map[uint32]int
	incomingAttempt map[uint32]int
	outgoingRetries map[uint32]int
	outgoingAttempt map[uint32]int

	ackBatch chan uint32
	control  chan SessionMessage

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewAckState cria um AckState parado; chame Start para iniciar as goroutines
// de agendamento e batching. control é o canal de saída compartilhado com o
// segmenter (merge de escrita feito pelo SessionSocket).
func NewAckState(cfg AckStateConfig, logger *slog.Logger, inspector func() []FrameInfo, control chan SessionMessage) *AckState {
	if logger == nil {
		logger = slog.Default()
	}
	as := &AckState{
		cfg:             cfg,
		logger:          logger,
		lookbehind:      NewLookbehindRing(cfg.LookbehindSegments),
		inspector:       inspector,
		incomingRetries: make(map[uint32]int),
		incomingAttempt: make(map[uint32]int),
		outgoingRetries: make(map[uint32]int),
		outgoingAttempt: make(map[uint32]int),
		ackBatch:        make(chan uint32, 2*cfg.LookbehindSegments),
		control:         control,
		stopCh:          make(chan struct{}),
	}
	as.incomingQueue = NewSkipDelayQueue(as.fireIncoming)
	as.outgoingQueue = NewSkipDelayQueue(as.fireOutgoing)
	return as
}

// Start lança as goroutines dos dois skip-delay queues e do ack batcher.
func (as *AckState) Start(tick time.Duration) {
	as.incomingQueue.Run(tick)
	as.outgoingQueue.Run(tick)
	as.wg.Add(1)
	go as.ackBatcher()
}

// Stop encerra todas as goroutines do AckState. Idempotente.
func (as *AckState) Stop() {
	as.stopOnce.Do(func() {
		as.incomingQueue.Stop()
		as.outgoingQueue.Stop()
		close(as.stopCh)
	})
	as.wg.Wait()
}

func (as *AckState) sendControl(msg SessionMessage) {
	select {
	case as.control <- msg:
	default:
		as.logger.Warn("ack state control channel full, dropping message")
	}
}

// SegmentSent registra um segmento entregue ao transporte pelo segmenter
// (nunca por uma retransmissão) no lookbehind ring, e agenda a retransmissão
// completa se este for o último segmento do frame e o modo exigir full-ack.
func (as *AckState) SegmentSent(s Segment) {
	as.lookbehind.Push(s)

	if !s.IsLast() || !as.cfg.Mode.hasFull() {
		return
	}

	as.mu.Lock()
	as.outgoingRetries[s.FrameID] = as.cfg.MaxOutgoingFrameRetries
	as.outgoingAttempt[s.FrameID] = 0
	as.mu.Unlock()

	seqLen := s.segCount()
	deadline := as.cfg.ExpectedPacketLatency * time.Duration(int(seqLen)+1)
	as.outgoingQueue.Push(s.FrameID, deadline)
}

// IncomingSegment é chamado para cada segmento recebido, antes da reassembly.
// Em modo partial/both (re)agenda o timer de retry, com a inserção mais nova
// sempre vencendo.
func (as *AckState) IncomingSegment(frameID uint32) {
	if !as.cfg.Mode.hasPartial() {
		return
	}
	as.mu.Lock()
	as.incomingRetries[frameID] = as.cfg.MaxIncomingFrameRetries
	as.incomingAttempt[frameID] = 0
	as.mu.Unlock()
	as.incomingQueue.Push(frameID, as.cfg.ExpectedPacketLatency)
}

// FrameComplete enfileira o ack e cancela qualquer retry incoming pendente.
// Com o canal de acks cheio, bloqueia até haver espaço ou até o AckState parar.
func (as *AckState) FrameComplete(frameID uint32) {
	as.mu.Lock()
	delete(as.incomingRetries, frameID)
	delete(as.incomingAttempt, frameID)
	as.mu.Unlock()
	as.incomingQueue.Cancel(frameID)

	select {
	case as.ackBatch <- frameID:
	case <-as.stopCh:
		as.logger.Debug("ack state stopped, dropping ack", "frame_id", frameID)
	}
}

// FrameDiscarded cancela qualquer retry incoming pendente para um frame que
// nunca chegará a ser completo.
func (as *AckState) FrameDiscarded(frameID uint32) {
	as.mu.Lock()
	delete(as.incomingRetries, frameID)
	delete(as.incomingAttempt, frameID)
	as.mu.Unlock()
	as.incomingQueue.Cancel(frameID)
}

// IncomingRetransmissionRequest é chamado no lado emissor ao receber um
// SegmentRequest: atende via o lookbehind ring e cancela a retransmissão
// completa pendente para os frames mencionados, já que a retransmissão
// parcial é sinal de vida suficiente.
func (as *AckState) IncomingRetransmissionRequest(entries []SegmentRequestEntry) {
	for _, e := range entries {
		segs := as.lookbehind.FindFrame(e.FrameID)
		for _, s := range segs {
			if isMissing(e.MissingMask, s.SeqIdx) {
				seg := s
				as.sendControl(SessionMessage{Segment: &seg})
			}
		}
		if as.cfg.Mode.hasFull() {
			as.mu.Lock()
			delete(as.outgoingRetries, e.FrameID)
			delete(as.outgoingAttempt, e.FrameID)
			as.mu.Unlock()
			as.outgoingQueue.Cancel(e.FrameID)
		}
	}
}

// IncomingAcknowledgedFrames cancela a retransmissão completa pendente para
// cada frame confirmado.
func (as *AckState) IncomingAcknowledgedFrames(ids []uint32) {
	if !as.cfg.Mode.hasFull() {
		return
	}
	for _, id := range ids {
		as.mu.Lock()
		delete(as.outgoingRetries, id)
		delete(as.outgoingAttempt, id)
		as.mu.Unlock()
		as.outgoingQueue.Cancel(id)
	}
}

func (as *AckState) fireIncoming(frameID uint32, _ uint64) {
	as.mu.Lock()
	retriesLeft, ok := as.incomingRetries[frameID]
	attempt := as.incomingAttempt[frameID]
	as.mu.Unlock()
	if !ok {
		return
	}

	var missing FrameInfo
	found := false
	for _, info := range as.inspector() {
		if info.FrameID == frameID {
			missing, found = info, true
			break
		}
	}
	if !found {
		as.mu.Lock()
		delete(as.incomingRetries, frameID)
		delete(as.incomingAttempt, frameID)
		as.mu.Unlock()
		return
	}

	as.sendControl(SessionMessage{SegmentReq: []SegmentRequestEntry{
		{FrameID: frameID, MissingMask: missing.MissingMask},
	}})

	if retriesLeft <= 0 {
		as.mu.Lock()
		delete(as.incomingRetries, frameID)
		delete(as.incomingAttempt, frameID)
		as.mu.Unlock()
		return
	}

	as.mu.Lock()
	as.incomingRetries[frameID] = retriesLeft - 1
	as.incomingAttempt[frameID] = attempt + 1
	as.mu.Unlock()

	delay := backoffDelay(as.cfg.ExpectedPacketLatency, as.cfg.BackoffBase, attempt+1)
	as.incomingQueue.Push(frameID, delay)
}

func (as *AckState) fireOutgoing(frameID uint32, _ uint64) {
	as.mu.Lock()
	retriesLeft, ok := as.outgoingRetries[frameID]
	attempt := as.outgoingAttempt[frameID]
	as.mu.Unlock()
	if !ok {
		return
	}

	segs := as.lookbehind.FindFrame(frameID)
	for _, s := range segs {
		seg := s
		as.sendControl(SessionMessage{Segment: &seg})
	}

	retriesLeft--
	if retriesLeft <= 0 {
		as.mu.Lock()
		delete(as.outgoingRetries, frameID)
		delete(as.outgoingAttempt, frameID)
		as.mu.Unlock()
		as.logger.Debug("outgoing retries exhausted, abandoning frame", "frame_id", frameID)
		return
	}

	as.mu.Lock()
	as.outgoingRetries[frameID] = retriesLeft
	as.outgoingAttempt[frameID] = attempt + 1
	as.mu.Unlock()

	delay := backoffDelay(as.cfg.ExpectedPacketLatency, as.cfg.BackoffBase, attempt+1)
	as.outgoingQueue.Push(frameID, delay)
}

// backoffDelay computa latency · base^attempt.
func backoffDelay(latency time.Duration, base float64, attempt int) time.Duration {
	if base < 1 {
		base = 1
	}
	factor := math.Pow(base, float64(attempt))
	return time.Duration(float64(latency) * factor)
}

// ackBatcher drena ackBatch, acumula por AcknowledgementDelay e emite
// FrameAcknowledgements em blocos respeitando MaxAcksPerMessage. Lotes vazios
// são suprimidos.
func (as *AckState) ackBatcher() {
	defer as.wg.Done()

	ticker := time.NewTicker(as.cfg.AcknowledgementDelay)
	defer ticker.Stop()

	var pending []uint32
	flush := func() {
		if len(pending) == 0 {
			return
		}
		max := as.cfg.MaxAcksPerMessage
		if max <= 0 {
			max = 100
		}
		for len(pending) > 0 {
			n := max
			if n > len(pending) {
				n = len(pending)
			}
			batch := make([]uint32, n)
			copy(batch, pending[:n])
			pending = pending[n:]
			as.sendControl(SessionMessage{FrameAcks: batch})
		}
		pending = nil
	}

	for {
		select {
		case <-as.stopCh:
			flush()
			return
		case id, ok := <-as.ackBatch:
			if !ok {
				flush()
				return
			}
			pending = append(pending, id)
		case <-ticker.C:
			flush()
		}
	}
}
