// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package surb implementa o balanceador de SURBs (Single-Use Reply Blocks):
// converte um orçamento de buffer de resposta e uma taxa máxima de upstream
// num alvo de buffer de SURBs e numa taxa de emissão, e pacifica a emissão
// com um token bucket, na mesma linha do ThrottledWriter do agente original.
package surb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/time/rate"
)

// ErrSessionNotFound é retornado por GetSessionSURBBalancerConfig, Allow,
// TargetBufferSize e PacedWriter quando sessionID é desconhecido;
// UpdateSessionSURBBalancerConfig cria a sessão e nunca o retorna.
var ErrSessionNotFound = errors.New("surb: session not found")

// minTargetBufferSize é o piso de segurança para target_surb_buffer_size,
// mesmo que a configuração informada resultasse num valor menor.
const minTargetBufferSize = 2

// Config é a configuração de um balanceador de SURBs para uma sessão.
type Config struct {
	ResponseBuffer  int64 // bytes
	MaxSURBUpstream int64 // bits por segundo; 0 usa uma taxa padrão
	PacketPayload   int64 // bytes por SURB/pacote
	SURBSizeBits    int64 // bits por SURB, para converter bps em SURBs/s
}

// defaultSURBsPerSec é usado quando MaxSURBUpstream não é informado.
const defaultSURBsPerSec = 50

// resolve calcula target_surb_buffer_size e max_surbs_per_sec a partir de cfg.
func (cfg Config) resolve() (targetBufferSize int, maxPerSec rate.Limit) {
	payload := cfg.PacketPayload
	if payload <= 0 {
		payload = 1
	}
	target := int(cfg.ResponseBuffer / payload)
	if target < minTargetBufferSize {
		target = minTargetBufferSize
	}

	if cfg.MaxSURBUpstream <= 0 || cfg.SURBSizeBits <= 0 {
		return target, rate.Limit(defaultSURBsPerSec)
	}
	perSec := float64(cfg.MaxSURBUpstream) / (8 * float64(cfg.SURBSizeBits))
	return target, rate.Limit(perSec)
}

// session é o estado interno por sessão: a configuração ativa e o limiter
// que pacifica a emissão de SURBs sintéticos.
type session struct {
	cfg     Config
	limiter *rate.Limiter
	target  int
}

// Balancer mantém o estado de balanceamento de SURBs por sessão e expõe as
// duas operações de nível de socket descritas em §4.8/§6.3.
type Balancer struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// NewBalancer cria um Balancer vazio.
func NewBalancer() *Balancer {
	return &Balancer{sessions: make(map[string]*session)}
}

// UpdateSessionSURBBalancerConfig cria ou substitui a configuração de uma
// sessão, recalculando seu target de buffer e sua taxa de emissão.
func (b *Balancer) UpdateSessionSURBBalancerConfig(sessionID string, cfg Config) (bool, error) {
	target, maxPerSec := cfg.resolve()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[sessionID] = &session{
		cfg:     cfg,
		limiter: rate.NewLimiter(maxPerSec, target),
		target:  target,
	}
	return true, nil
}

// GetSessionSURBBalancerConfig retorna a configuração ativa de uma sessão.
func (b *Balancer) GetSessionSURBBalancerConfig(sessionID string) (Config, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return Config{}, fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
	}
	return s.cfg, nil
}

// Allow bloqueia até que n SURBs possam ser emitidos para sessionID sem
// ultrapassar max_surbs_per_sec, ou até que ctx seja cancelado. Falha de
// imediato, sem bloquear, se n exceder o burst (target_surb_buffer_size) ou se
// a espera necessária passar do deadline de ctx.
func (b *Balancer) Allow(ctx context.Context, sessionID string, n int) error {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
	}
	return s.limiter.WaitN(ctx, n)
}

// TargetBufferSize retorna target_surb_buffer_size vigente para a sessão.
func (b *Balancer) TargetBufferSize(sessionID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return 0, fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
	}
	return s.target, nil
}

// RemoveSession descarta o estado de balanceamento de uma sessão encerrada.
func (b *Balancer) RemoveSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

// PacedWriter envolve w num io.Writer que consome um SURB de sessionID, via
// Allow, a cada packet_payload bytes escritos, tornando max_surbs_per_sec uma
// taxa de emissão real em vez de um número apenas configurado. Na mesma linha
// do ThrottledWriter do agente original, mas pacificado por tokens de SURB em
// vez de bytes brutos.
func (b *Balancer) PacedWriter(ctx context.Context, sessionID string, w io.Writer) io.Writer {
	return &pacedWriter{ctx: ctx, sessionID: sessionID, balancer: b, w: w}
}

type pacedWriter struct {
	ctx       context.Context
	sessionID string
	balancer  *Balancer
	w         io.Writer
}

func (pw *pacedWriter) Write(p []byte) (int, error) {
	pw.balancer.mu.Lock()
	s, ok := pw.balancer.sessions[pw.sessionID]
	pw.balancer.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("session %q: %w", pw.sessionID, ErrSessionNotFound)
	}

	payload := s.cfg.PacketPayload
	if payload <= 0 {
		payload = int64(len(p))
	}
	if payload <= 0 {
		payload = 1
	}

	total := 0
	for len(p) > 0 {
		chunk := int64(len(p))
		if chunk > payload {
			chunk = payload
		}
		if err := pw.balancer.Allow(pw.ctx, pw.sessionID, 1); err != nil {
			return total, fmt.Errorf("pacing surb for session %q: %w", pw.sessionID, err)
		}
		n, err := pw.w.Write(p[:chunk])
		total += n
		if err != nil {
			return total, err
		}
		p = p[chunk:]
	}
	return total, nil
}
