// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"log/slog"

	"github.com/nishisan-dev/mixsession/internal/sessioncore"
	sessionconfig "github.com/nishisan-dev/mixsession/internal/sessioncore/config"
	"github.com/nishisan-dev/mixsession/internal/sessioncore/streamcodec"
	"github.com/nishisan-dev/mixsession/internal/transport"
)

// newConfiguredSocket constrói um SessionSocket a partir da configuração YAML
// carregada e do PacketTransport já negociado (MTU trocado no handshake).
func newConfiguredSocket(tr *transport.TCPTransport, cfg *sessionconfig.SessionConfig, logger *slog.Logger) *sessioncore.SessionSocket {
	ackCfg := sessioncore.DefaultAckStateConfig()
	ackCfg.Mode = parseAckMode(cfg.AckState.Mode)
	ackCfg.ExpectedPacketLatency = cfg.AckState.ExpectedPacketLatency
	ackCfg.BackoffBase = cfg.AckState.BackoffBase
	ackCfg.MaxIncomingFrameRetries = cfg.AckState.MaxIncomingFrameRetries
	ackCfg.MaxOutgoingFrameRetries = cfg.AckState.MaxOutgoingFrameRetries
	ackCfg.AcknowledgementDelay = cfg.AckState.AcknowledgementDelay
	ackCfg.LookbehindSegments = int(cfg.AckState.LookbehindSegmentsRaw)
	ackCfg.MaxAcksPerMessage = maxAcksPerMessage(cfg.Transport.MTU)

	return sessioncore.NewSessionSocket(tr, sessioncore.SessionSocketConfig{
		MTU:          cfg.Transport.MTU,
		AckState:     ackCfg,
		MaxAge:       cfg.AckState.MaxAge,
		FrameTimeout: cfg.AckState.FrameTimeout,
		Logger:       logger,
	})
}

// parseAckMode traduz o modo YAML legível para sessioncore.AckMode.
func parseAckMode(mode string) sessioncore.AckMode {
	switch mode {
	case "partial":
		return sessioncore.AckModePartial
	case "full":
		return sessioncore.AckModeFull
	default:
		return sessioncore.AckModeBoth
	}
}

// maxAcksPerMessage deriva ⌊(MTU-3)/4⌋ conforme §6.2.
func maxAcksPerMessage(mtu int) int {
	n := (mtu - 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// compressionModeByte traduz o nome legível de stream.compression para o
// byte de modo consumido por streamcodec.NewReader/NewWriter.
func compressionModeByte(name string) byte {
	switch name {
	case "gzip":
		return streamcodec.ModeGzip
	case "zstd":
		return streamcodec.ModeZstd
	default:
		return streamcodec.ModeNone
	}
}
