// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package streamcodec

import (
	"bytes"
	"io"
	"testing"
)

func roundTrip(t *testing.T, mode byte) {
	t.Helper()
	want := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 64)

	var buf bytes.Buffer
	w, err := NewWriter(&buf, mode)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(&buf, mode)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch for mode 0x%02x: got %d bytes, want %d bytes", mode, len(got), len(want))
	}
}

func TestRoundTrip_ModeNone(t *testing.T) { roundTrip(t, ModeNone) }
func TestRoundTrip_ModeGzip(t *testing.T) { roundTrip(t, ModeGzip) }
func TestRoundTrip_ModeZstd(t *testing.T) { roundTrip(t, ModeZstd) }

func TestNewWriter_UnknownModeErrors(t *testing.T) {
	var buf bytes.Buffer
	if _, err := NewWriter(&buf, 0x7f); err == nil {
		t.Fatal("expected an error for an unknown compression mode")
	}
}

func TestNewReader_UnknownModeErrors(t *testing.T) {
	buf := bytes.NewReader(nil)
	if _, err := NewReader(buf, 0x7f); err == nil {
		t.Fatal("expected an error for an unknown compression mode")
	}
}

func TestModeNone_WriterDoesNotCloseUnderlyingWriter(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, ModeNone)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// The underlying buffer must still hold exactly what was written; a
	// real Close would have no observable effect here either way, but a
	// nop Close must never error or truncate.
	if buf.String() != "x" {
		t.Fatalf("buffer = %q, want %q", buf.String(), "x")
	}
}
