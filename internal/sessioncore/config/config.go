// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega a configuração YAML de um endpoint de Session,
// seguindo a mesma convenção de campos "raw" legíveis por humanos
// ("256kb", "2mb") e validação pós-Unmarshal usada pelo resto do repositório.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionConfig é a configuração completa de um endpoint Session.
type SessionConfig struct {
	Transport TransportConfig `yaml:"transport"`
	AckState  AckStateInfo    `yaml:"ack_state"`
	SURB      SURBInfo        `yaml:"surb"`
	Stream    StreamInfo      `yaml:"stream"`
	Logging   LoggingInfo     `yaml:"logging"`
}

// TransportConfig contém o endereço e os certificados mTLS do transporte demo.
type TransportConfig struct {
	Address        string `yaml:"address"`
	ControlAddress string `yaml:"control_address"` // opcional; vazio desabilita o control channel
	MTU            int    `yaml:"mtu"`
	CACert         string `yaml:"ca_cert"`
	Cert           string `yaml:"cert"`
	Key            string `yaml:"key"`
}

// AckStateInfo espelha sessioncore.AckStateConfig com campos YAML legíveis.
type AckStateInfo struct {
	Mode                    string        `yaml:"mode"` // "partial", "full", "both"
	ExpectedPacketLatency   time.Duration `yaml:"expected_packet_latency"`
	BackoffBase             float64       `yaml:"backoff_base"`
	MaxIncomingFrameRetries int           `yaml:"max_incoming_frame_retries"`
	MaxOutgoingFrameRetries int           `yaml:"max_outgoing_frame_retries"`
	AcknowledgementDelay    time.Duration `yaml:"acknowledgement_delay"`
	LookbehindSegments      string        `yaml:"lookbehind_segments"` // ex: "1024", "4096"
	LookbehindSegmentsRaw   int64         `yaml:"-"`
	MaxAge                  time.Duration `yaml:"max_age"`
	FrameTimeout            time.Duration `yaml:"frame_timeout"`
}

// SURBInfo espelha surb.Config com campos YAML legíveis.
type SURBInfo struct {
	ResponseBuffer    string `yaml:"response_buffer"` // ex: "256kb"
	ResponseBufferRaw int64  `yaml:"-"`
	MaxSURBUpstream   int64  `yaml:"max_surb_upstream"` // bits/s
	PacketPayload     int64  `yaml:"packet_payload"`
	SURBSizeBits      int64  `yaml:"surb_size_bits"`
}

// StreamInfo seleciona a compressão opcional de stream.
type StreamInfo struct {
	Compression string `yaml:"compression"` // "none", "gzip", "zstd"
}

// LoggingInfo contém as configurações de logging, igual ao resto do repositório.
type LoggingInfo struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	SessionLogDir string `yaml:"session_log_dir"` // opcional; vazio desabilita log por sessão em arquivo
}

// LoadSessionConfig lê e valida o arquivo YAML de configuração de um endpoint.
func LoadSessionConfig(path string) (*SessionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading session config: %w", err)
	}

	var cfg SessionConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing session config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating session config: %w", err)
	}

	return &cfg, nil
}

func (c *SessionConfig) validate() error {
	if c.Transport.Address == "" {
		return fmt.Errorf("transport.address is required")
	}
	if c.Transport.MTU <= SegmentHeaderAndTag {
		return fmt.Errorf("transport.mtu must be greater than %d, got %d", SegmentHeaderAndTag, c.Transport.MTU)
	}
	if c.Transport.CACert == "" {
		return fmt.Errorf("transport.ca_cert is required")
	}
	if c.Transport.Cert == "" {
		return fmt.Errorf("transport.cert is required")
	}
	if c.Transport.Key == "" {
		return fmt.Errorf("transport.key is required")
	}

	switch c.AckState.Mode {
	case "":
		c.AckState.Mode = "both"
	case "partial", "full", "both":
	default:
		return fmt.Errorf("ack_state.mode must be partial, full or both, got %q", c.AckState.Mode)
	}
	if c.AckState.ExpectedPacketLatency <= 0 {
		c.AckState.ExpectedPacketLatency = 20 * time.Millisecond
	}
	if c.AckState.BackoffBase < 1 {
		c.AckState.BackoffBase = 1.2
	}
	if c.AckState.MaxIncomingFrameRetries <= 0 {
		c.AckState.MaxIncomingFrameRetries = 3
	}
	if c.AckState.MaxOutgoingFrameRetries <= 0 {
		c.AckState.MaxOutgoingFrameRetries = 3
	}
	if c.AckState.AcknowledgementDelay <= 0 {
		c.AckState.AcknowledgementDelay = 50 * time.Millisecond
	}
	if c.AckState.LookbehindSegments == "" {
		c.AckState.LookbehindSegments = "1024"
	}
	lookbehind, err := ParseByteSize(c.AckState.LookbehindSegments)
	if err != nil {
		return fmt.Errorf("ack_state.lookbehind_segments: %w", err)
	}
	if lookbehind < 1024 {
		return fmt.Errorf("ack_state.lookbehind_segments must be at least 1024, got %d", lookbehind)
	}
	c.AckState.LookbehindSegmentsRaw = lookbehind
	if c.AckState.MaxAge <= 0 {
		c.AckState.MaxAge = 5 * time.Second
	}
	if c.AckState.FrameTimeout <= 0 {
		c.AckState.FrameTimeout = c.AckState.MaxAge
	}

	if c.SURB.ResponseBuffer == "" {
		c.SURB.ResponseBuffer = "256kb"
	}
	responseBuffer, err := ParseByteSize(c.SURB.ResponseBuffer)
	if err != nil {
		return fmt.Errorf("surb.response_buffer: %w", err)
	}
	c.SURB.ResponseBufferRaw = responseBuffer
	if c.SURB.PacketPayload <= 0 {
		c.SURB.PacketPayload = int64(c.Transport.MTU - SegmentHeaderAndTag)
	}

	switch c.Stream.Compression {
	case "":
		c.Stream.Compression = "none"
	case "none", "gzip", "zstd":
	default:
		return fmt.Errorf("stream.compression must be none, gzip or zstd, got %q", c.Stream.Compression)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// SegmentHeaderAndTag é o overhead fixo (tag + header) de um Segment no wire;
// duplicado aqui (em vez de importar sessioncore) para manter este pacote
// livre de dependência sobre o núcleo do protocolo.
const SegmentHeaderAndTag = 7

// ParseByteSize converte strings human-readable como "256kb", "1mb" para
// inteiros, na mesma ordem de sufixos (mais longo primeiro) usada pelo resto
// do repositório.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
