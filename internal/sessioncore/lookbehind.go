// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sessioncore

import "sync"

// LookbehindRing é um FIFO limitado e pesquisável de Segments recentemente
// enviados, usado para atender pedidos de retransmissão sem re-executar o
// segmenter. Ao transbordar, a entrada mais antiga é sobrescrita.
type LookbehindRing struct {
	mu   sync.Mutex
	buf  []Segment
	head int // índice do elemento mais antigo
	size int // número de elementos válidos
}

// NewLookbehindRing cria um ring com a capacidade dada (mínimo 1024 por §4.5,
// não aplicado aqui para permitir testes com capacidades menores).
func NewLookbehindRing(capacity int) *LookbehindRing {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LookbehindRing{buf: make([]Segment, capacity)}
}

// Push adiciona um segmento, sobrescrevendo o mais antigo se o ring estiver cheio.
func (r *LookbehindRing) Push(s Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cap := len(r.buf)
	if r.size < cap {
		idx := (r.head + r.size) % cap
		r.buf[idx] = s
		r.size++
		return
	}
	r.buf[r.head] = s
	r.head = (r.head + 1) % cap
}

// Find retorna, em ordem de inserção, todos os segmentos para os quais match
// retorna true. O chamador fornece ids ordenados para aproveitar o predicado
// de forma eficiente; esta implementação faz uma única varredura linear.
func (r *LookbehindRing) Find(match func(Segment) bool) []Segment {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Segment
	cap := len(r.buf)
	for i := 0; i < r.size; i++ {
		idx := (r.head + i) % cap
		if match(r.buf[idx]) {
			out = append(out, r.buf[idx])
		}
	}
	return out
}

// FindFrame retorna todos os segmentos armazenados para um frame_id, em ordem
// de seq_idx — usado para retransmissão completa (modo Full).
func (r *LookbehindRing) FindFrame(frameID uint32) []Segment {
	segs := r.Find(func(s Segment) bool { return s.FrameID == frameID })
	// Ordenação por seq_idx: insertion sort é suficiente dado o pequeno tamanho
	// típico de um frame (<= SeqMax segmentos).
	for i := 1; i < len(segs); i++ {
		for j := i; j > 0 && segs[j].SeqIdx < segs[j-1].SeqIdx; j-- {
			segs[j], segs[j-1] = segs[j-1], segs[j]
		}
	}
	return segs
}

// Len retorna o número de segmentos atualmente armazenados.
func (r *LookbehindRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
