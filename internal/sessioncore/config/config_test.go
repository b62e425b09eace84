// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, yamlBody string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"256kb", 256 * 1024},
		{"2mb", 2 * 1024 * 1024},
		{"1gb", 1024 * 1024 * 1024},
		{"512b", 512},
		{"4096", 4096},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.in)
		if err != nil {
			t.Errorf("ParseByteSize(%q): unexpected error %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseByteSize_RejectsGarbage(t *testing.T) {
	if _, err := ParseByteSize("not-a-size"); err == nil {
		t.Fatal("expected an error for an unparseable size string")
	}
}

func TestLoadSessionConfig_RequiresTransportFields(t *testing.T) {
	path := writeConfig(t, `
transport:
  mtu: 512
`)
	if _, err := LoadSessionConfig(path); err == nil {
		t.Fatal("expected an error for a config missing transport.address/ca_cert/cert/key")
	}
}

func TestLoadSessionConfig_RejectsMTUBelowOverhead(t *testing.T) {
	path := writeConfig(t, `
transport:
  address: "127.0.0.1:9000"
  mtu: 4
  ca_cert: ca.pem
  cert: cert.pem
  key: key.pem
`)
	if _, err := LoadSessionConfig(path); err == nil {
		t.Fatal("expected an error for transport.mtu not exceeding the segment header overhead")
	}
}

func TestLoadSessionConfig_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
transport:
  address: "127.0.0.1:9000"
  mtu: 1200
  ca_cert: ca.pem
  cert: cert.pem
  key: key.pem
`)
	cfg, err := LoadSessionConfig(path)
	if err != nil {
		t.Fatalf("LoadSessionConfig: %v", err)
	}
	if cfg.AckState.Mode != "both" {
		t.Errorf("AckState.Mode = %q, want both", cfg.AckState.Mode)
	}
	if cfg.AckState.LookbehindSegmentsRaw != 1024 {
		t.Errorf("LookbehindSegmentsRaw = %d, want 1024", cfg.AckState.LookbehindSegmentsRaw)
	}
	if cfg.Stream.Compression != "none" {
		t.Errorf("Stream.Compression = %q, want none", cfg.Stream.Compression)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want {info json}", cfg.Logging)
	}
	if cfg.SURB.ResponseBufferRaw != 256*1024 {
		t.Errorf("SURB.ResponseBufferRaw = %d, want %d", cfg.SURB.ResponseBufferRaw, 256*1024)
	}
	if cfg.SURB.PacketPayload != int64(1200-SegmentHeaderAndTag) {
		t.Errorf("SURB.PacketPayload = %d, want %d", cfg.SURB.PacketPayload, 1200-SegmentHeaderAndTag)
	}
}

func TestLoadSessionConfig_RejectsLookbehindBelowMinimum(t *testing.T) {
	path := writeConfig(t, `
transport:
  address: "127.0.0.1:9000"
  mtu: 1200
  ca_cert: ca.pem
  cert: cert.pem
  key: key.pem
ack_state:
  lookbehind_segments: "256"
`)
	if _, err := LoadSessionConfig(path); err == nil {
		t.Fatal("expected an error for lookbehind_segments below the 1024 minimum")
	}
}

func TestLoadSessionConfig_RejectsUnknownCompressionMode(t *testing.T) {
	path := writeConfig(t, `
transport:
  address: "127.0.0.1:9000"
  mtu: 1200
  ca_cert: ca.pem
  cert: cert.pem
  key: key.pem
stream:
  compression: lz4
`)
	if _, err := LoadSessionConfig(path); err == nil {
		t.Fatal("expected an error for an unrecognized stream.compression value")
	}
}

func TestLoadSessionConfig_RejectsUnknownAckMode(t *testing.T) {
	path := writeConfig(t, `
transport:
  address: "127.0.0.1:9000"
  mtu: 1200
  ca_cert: ca.pem
  cert: cert.pem
  key: key.pem
ack_state:
  mode: banana
`)
	if _, err := LoadSessionConfig(path); err == nil {
		t.Fatal("expected an error for an unrecognized ack_state.mode value")
	}
}
