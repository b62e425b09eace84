// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sessioncore

import (
	"container/heap"
	"sync"
	"time"
)

// skipDelayItem é uma entrada agendada no skip-delay queue: dispara fire em
// deadline a menos que generation não bata mais com a geração corrente da
// chave (cancelamento por substituição).
type skipDelayItem struct {
	deadline   time.Time
	key        uint32
	generation uint64
	index      int // posição no heap, mantida pelo container/heap
}

type skipDelayHeap []*skipDelayItem

func (h skipDelayHeap) Len() int            { return len(h) }
func (h skipDelayHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h skipDelayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *skipDelayHeap) Push(x any) {
	item := x.(*skipDelayItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *skipDelayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// SkipDelayQueue é um agendador de atrasos cancelável por chave: um Push
// subsequente para a mesma chave substitui o agendamento anterior (vence a
// inserção mais nova), usado para os timers de retransmissão incoming e
// outgoing do AckState.
type SkipDelayQueue struct {
	mu         sync.Mutex
	h          skipDelayHeap
	generation map[uint32]uint64

	fire func(key uint32, generation uint64)

	timer  *time.Timer
	stopCh chan struct{}
	now    func() time.Time
}

// NewSkipDelayQueue cria uma fila vazia; fire é chamado (em uma goroutine
// dedicada do Run) quando um item atinge seu deadline sem ter sido cancelado.
func NewSkipDelayQueue(fire func(key uint32, generation uint64)) *SkipDelayQueue {
	return &SkipDelayQueue{
		generation: make(map[uint32]uint64),
		fire:       fire,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Push (re)agenda key para disparar em now()+delay, cancelando qualquer
// agendamento anterior para a mesma chave. Retorna a nova geração.
func (q *SkipDelayQueue) Push(key uint32, delay time.Duration) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.generation[key]++
	gen := q.generation[key]
	heap.Push(&q.h, &skipDelayItem{
		deadline:   q.now().Add(delay),
		key:        key,
		generation: gen,
	})
	return gen
}

// Cancel invalida qualquer agendamento pendente para key sem removê-lo do
// heap explicitamente; o disparo seguinte o descarta por geração obsoleta.
func (q *SkipDelayQueue) Cancel(key uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.generation[key]++
}

// Tick processa todos os itens cujo deadline já passou, disparando fire para
// os que ainda carregam a geração corrente de sua chave. Deve ser chamado
// periodicamente por um timer ou ticker externo.
func (q *SkipDelayQueue) Tick() {
	now := q.now()
	for {
		q.mu.Lock()
		if q.h.Len() == 0 || q.h[0].deadline.After(now) {
			q.mu.Unlock()
			return
		}
		item := heap.Pop(&q.h).(*skipDelayItem)
		stale := q.generation[item.key] != item.generation
		q.mu.Unlock()

		if !stale {
			q.fire(item.key, item.generation)
		}
	}
}

// Run dispara Tick a cada interval até Stop ser chamado.
func (q *SkipDelayQueue) Run(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-q.stopCh:
				return
			case <-ticker.C:
				q.Tick()
			}
		}
	}()
}

// Stop encerra a goroutine iniciada por Run. Seguro para chamar uma única vez.
func (q *SkipDelayQueue) Stop() {
	close(q.stopCh)
}
