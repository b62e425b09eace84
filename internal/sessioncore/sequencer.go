// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sessioncore

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sequencer recebe os eventos do Reassembler (que chegam em ordem de
// completude, não de frame_id) e os reemite em ordem estrita de frame_id,
// preenchendo buracos com FrameDiscarded quando o frame_timeout expira.
type Sequencer struct {
	frameTimeout time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	pending  map[uint32]ReassemblyEvent
	firstSeen map[uint32]time.Time
	nextID   uint32
	closed   bool // guarded by mu; true once out foi fechado por Stop

	out chan ReassemblyEvent
	ctx context.Context

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	now func() time.Time
}

// SequencerConfig reúne os parâmetros de construção de um Sequencer.
type SequencerConfig struct {
	FrameTimeout time.Duration
	OutputSize   int
	Logger       *slog.Logger
	// Ctx, quando cancelado, libera qualquer emit bloqueado na saída cheia em
	// vez de descartar o evento silenciosamente; ver Stop.
	Ctx context.Context
}

// NewSequencer cria um Sequencer com next expected frame_id em 1.
func NewSequencer(cfg SequencerConfig) *Sequencer {
	if cfg.OutputSize <= 0 {
		cfg.OutputSize = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx := cfg.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return &Sequencer{
		frameTimeout: cfg.FrameTimeout,
		logger:       logger,
		pending:      make(map[uint32]ReassemblyEvent),
		firstSeen:    make(map[uint32]time.Time),
		nextID:       1,
		out:          make(chan ReassemblyEvent, cfg.OutputSize),
		ctx:          ctx,
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}
}

// Events expõe o canal de saída em ordem estrita de frame_id.
func (sq *Sequencer) Events() <-chan ReassemblyEvent {
	return sq.out
}

// frameIDOf extrai o frame_id de um evento, seja ele Frame ou Discarded.
func frameIDOf(ev ReassemblyEvent) uint32 {
	if ev.Frame != nil {
		return ev.Frame.FrameID
	}
	return ev.Discarded.FrameID
}

// Push registra um evento recebido do Reassembler e drena o prefixo contíguo
// agora disponível, em ordem.
func (sq *Sequencer) Push(ev ReassemblyEvent) {
	id := frameIDOf(ev)

	sq.mu.Lock()
	defer sq.mu.Unlock()

	if id < sq.nextID {
		return // já emitido ou superado, como um OldSegment tardio
	}
	if _, ok := sq.pending[id]; ok {
		return
	}
	sq.pending[id] = ev
	if _, ok := sq.firstSeen[id]; !ok {
		sq.firstSeen[id] = sq.now()
	}
	sq.drainLocked()
}

func (sq *Sequencer) drainLocked() {
	for {
		ev, ok := sq.pending[sq.nextID]
		if !ok {
			return
		}
		delete(sq.pending, sq.nextID)
		delete(sq.firstSeen, sq.nextID)
		sq.nextID++
		sq.emit(ev)
	}
}

// emit is always called with sq.mu held, so it serializes against Stop's own
// acquisition of sq.mu: once closed is true, no emit can still be in flight,
// and once an emit observes closed == false, Stop cannot close sq.out until
// this call returns (directly, or via ctx cancellation).
func (sq *Sequencer) emit(ev ReassemblyEvent) {
	if sq.closed {
		return
	}
	select {
	case sq.out <- ev:
	case <-sq.ctx.Done():
		sq.logger.Warn("sequencer closing, dropping event", "frame_id", frameIDOf(ev))
	}
}

// CheckGaps bridges a lacuna corrente, se houver uma pendente há mais que
// frame_timeout. Chamado periodicamente pela goroutine dona do sequencer.
func (sq *Sequencer) CheckGaps() {
	sq.checkGap()
}

// checkGap bridges a lacuna corrente se o próximo frame esperado nunca foi
// registrado e já passou do frame_timeout desde a primeira observação de um
// id posterior pendente.
func (sq *Sequencer) checkGap() {
	sq.mu.Lock()
	defer sq.mu.Unlock()

	if len(sq.pending) == 0 {
		return
	}
	if _, ok := sq.pending[sq.nextID]; ok {
		sq.drainLocked()
		return
	}

	oldest := sq.now()
	for id, t := range sq.firstSeen {
		if id <= sq.nextID {
			continue
		}
		if t.Before(oldest) {
			oldest = t
		}
	}
	if sq.now().Sub(oldest) < sq.frameTimeout {
		return
	}

	gap := sq.nextID
	delete(sq.firstSeen, gap)
	sq.nextID++
	sq.logger.Debug("sequencer bridging gap", "frame_id", gap)
	sq.emit(ReassemblyEvent{Discarded: &FrameDiscarded{FrameID: gap}})
	sq.drainLocked()
}

// Run consome evts (tipicamente Reassembler.Events()) e periodicamente checa
// gaps até que ctx-like stopCh seja fechado via Stop().
func (sq *Sequencer) Run(evts <-chan ReassemblyEvent, tick time.Duration) {
	sq.wg.Add(1)
	go func() {
		defer sq.wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-sq.stopCh:
				return
			case ev, ok := <-evts:
				if !ok {
					return
				}
				sq.Push(ev)
			case <-ticker.C:
				sq.checkGap()
			}
		}
	}()
}

// Stop encerra a goroutine de Run e fecha o canal de saída. Idempotente.
// Toma sq.mu antes de fechar sq.out para que nenhum emit em andamento (Push
// ou CheckGaps chamados por goroutines não rastreadas por sq.wg, como o
// bridgeLoop de socket.go) possa enviar a um canal já fechado.
func (sq *Sequencer) Stop() {
	sq.stopOnce.Do(func() {
		close(sq.stopCh)
	})
	sq.wg.Wait()
	sq.mu.Lock()
	if !sq.closed {
		sq.closed = true
		close(sq.out)
	}
	sq.mu.Unlock()
}
