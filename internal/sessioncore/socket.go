// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sessioncore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// PacketTransport é a dependência externa que a spec trata como colaborador:
// um sink/source orientado a bytes com MTU fixo. O transporte concreto (TLS,
// UDP, um canal mixnet) vive fora deste pacote; ver internal/transport.
type PacketTransport interface {
	Send(packet []byte) error
	Recv() ([]byte, error)
	Close() error
}

// SessionSocketConfig reúne os parâmetros de construção de um SessionSocket.
type SessionSocketConfig struct {
	MTU          int
	AckState     AckStateConfig
	MaxAge       time.Duration // deadline de reconstrução de frame
	FrameTimeout time.Duration // deadline de bridging de gaps no sequencer
	TickInterval time.Duration // frequência de evict/gap-check/skip-delay tick
	FlushOnWrite bool          // write-then-flush em vez de write-only
	Logger       *slog.Logger
}

// segmentHeaderAndTag é o overhead fixo de um SessionMessage Segment no wire:
// 1 byte de tag mais os 6 bytes do header de Segment.
const segmentHeaderAndTag = 1 + SegmentHeaderSize

// SessionSocket é a cola que liga segmenter+AckState (escrita) e
// parse-de-transporte+reassembler+sequencer (leitura) num io.ReadWriteCloser
// duplex, por cima de um PacketTransport arbitrário.
type SessionSocket struct {
	cfg       SessionSocketConfig
	logger    *slog.Logger
	transport PacketTransport

	segmenter   *Segmenter
	reassembler *Reassembler
	sequencer   *Sequencer
	ackState    *AckState

	control chan SessionMessage

	pr *io.PipeReader
	pw *io.PipeWriter

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSessionSocket cria um SessionSocket e inicia todas as suas goroutines de
// fundo (writer, reader, evictor, bridge, sequencer-ticker, ack-batcher).
func NewSessionSocket(transport PacketTransport, cfg SessionSocketConfig) *SessionSocket {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxPayload := cfg.MTU - segmentHeaderAndTag
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	s := &SessionSocket{
		cfg:         cfg,
		logger:      logger,
		transport:   transport,
		segmenter:   NewSegmenter(SegmenterConfig{MaxPayload: maxPayload}),
		reassembler: NewReassembler(ReassemblerConfig{MaxAge: cfg.MaxAge, Logger: logger, Ctx: ctx}),
		sequencer:   NewSequencer(SequencerConfig{FrameTimeout: cfg.FrameTimeout, Logger: logger, Ctx: ctx}),
		control:     make(chan SessionMessage, 2*cfg.AckState.LookbehindSegments),
		pr:          pr,
		pw:          pw,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.ackState = NewAckState(cfg.AckState, logger, s.reassembler.IncompleteFrames, s.control)
	s.ackState.Start(cfg.TickInterval)

	s.wg.Add(4)
	go s.writeLoop()
	go s.readLoop()
	go s.evictLoop()
	go s.bridgeLoop()

	return s
}

// Write segmenta p e envia os segmentos resultantes, registrando-os no
// AckState. Satisfaz io.Writer.
func (s *SessionSocket) Write(p []byte) (int, error) {
	select {
	case <-s.ctx.Done():
		return 0, fmt.Errorf("writing to a closed session: %w", ErrStateNotRunning)
	default:
	}

	segs, err := s.segmenter.Write(p)
	if err != nil {
		return 0, fmt.Errorf("segmenting write: %w", err)
	}
	s.emit(segs)
	if s.cfg.FlushOnWrite {
		if err := s.Flush(); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush força a emissão do conteúdo pendente do segmenter como um frame.
func (s *SessionSocket) Flush() error {
	select {
	case <-s.ctx.Done():
		return fmt.Errorf("flushing a closed session: %w", ErrStateNotRunning)
	default:
	}

	segs, err := s.segmenter.Flush()
	if err != nil {
		return fmt.Errorf("flushing segmenter: %w", err)
	}
	s.emit(segs)
	return nil
}

func (s *SessionSocket) emit(segs []Segment) {
	for _, seg := range segs {
		s.ackState.SegmentSent(seg)
		seg := seg
		select {
		case s.control <- SessionMessage{Segment: &seg}:
		case <-s.ctx.Done():
			return
		}
	}
}

// Read lê bytes do stream reassemblado. Satisfaz io.Reader; retorna io.EOF
// após o frame terminante do par ser emitido.
func (s *SessionSocket) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// Close escreve um segmento terminante, tenta drenar retransmissões por um
// curto período best-effort, e encerra todas as goroutines e estado interno.
func (s *SessionSocket) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		segs, err := s.segmenter.Close()
		if err == nil {
			s.emit(segs)
		}
		time.Sleep(s.cfg.AckState.AcknowledgementDelay)

		s.cancel()
		s.ackState.Stop()
		s.reassembler.Close()
		s.sequencer.Stop()
		_ = s.pw.Close()
		closeErr = s.transport.Close()
		s.wg.Wait()
	})
	return closeErr
}

func (s *SessionSocket) writeLoop() {
	defer s.wg.Done()
	var buf bytes.Buffer
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.control:
			if !ok {
				return
			}
			buf.Reset()
			if err := EncodeSessionMessage(&buf, msg); err != nil {
				s.logger.Warn("encoding outbound session message", "error", err)
				continue
			}
			if err := s.transport.Send(buf.Bytes()); err != nil {
				s.logger.Warn("sending packet", "error", err)
			}
		}
	}
}

func (s *SessionSocket) readLoop() {
	defer s.wg.Done()
	for {
		packet, err := s.transport.Recv()
		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				s.logger.Debug("transport recv ended", "error", err)
			}
			return
		}
		s.handlePacket(packet)
	}
}

func (s *SessionSocket) handlePacket(packet []byte) {
	if len(packet) == 0 {
		return
	}
	payloadLen := 0
	if packet[0] == tagSegment {
		payloadLen = len(packet) - segmentHeaderAndTag
		if payloadLen < 0 {
			s.logger.Warn("dropping truncated segment packet")
			return
		}
	}

	msg, err := DecodeSessionMessage(bytes.NewReader(packet), payloadLen)
	if err != nil {
		s.logger.Warn("dropping unparseable packet", "error", err)
		return
	}

	switch {
	case msg.Segment != nil:
		seg := *msg.Segment
		s.ackState.IncomingSegment(seg.FrameID)
		if err := s.reassembler.PushSegment(seg); err != nil {
			s.logger.Debug("push segment rejected", "frame_id", seg.FrameID, "error", err)
		}

	case msg.SegmentReq != nil:
		s.ackState.IncomingRetransmissionRequest(msg.SegmentReq)

	case msg.FrameAcks != nil:
		s.ackState.IncomingAcknowledgedFrames(msg.FrameAcks)
	}
}

func (s *SessionSocket) evictLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.reassembler.Evict()
		}
	}
}

// bridgeLoop consome eventos do reassembler, notifica o AckState, alimenta o
// sequencer, e depois entrega os bytes reassemblados (em ordem) ao leitor.
func (s *SessionSocket) bridgeLoop() {
	defer s.wg.Done()

	go func() {
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.sequencer.CheckGaps()
			}
		}
	}()

	go func() {
		for ev := range s.reassembler.Events() {
			switch {
			case ev.Frame != nil:
				s.ackState.FrameComplete(ev.Frame.FrameID)
			case ev.Discarded != nil:
				s.ackState.FrameDiscarded(ev.Discarded.FrameID)
			}
			s.sequencer.Push(ev)
		}
	}()

	for ev := range s.sequencer.Events() {
		if ev.Frame == nil {
			continue // buraco preenchido pelo sequencer; o stream de bytes não o representa
		}
		if len(ev.Frame.Data) > 0 {
			if _, err := s.pw.Write(ev.Frame.Data); err != nil {
				return
			}
		}
		if ev.Frame.IsTerminating {
			_ = s.pw.Close()
			return
		}
	}
}
