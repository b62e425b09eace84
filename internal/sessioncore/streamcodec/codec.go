// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package streamcodec aplica compressão opcional (gzip paralelo ou zstd) ao
// stream de bytes de upstream antes que ele chegue ao segmenter.
package streamcodec

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Modos de compressão de stream, selecionados pela configuração YAML do
// endpoint de Session (stream.compression).
const (
	ModeNone byte = 0xff
	ModeGzip byte = 0x00
	ModeZstd byte = 0x01
)

// NewWriter envolve w com um compressor para mode. ModeNone retorna w
// envolto num no-op WriteCloser.
func NewWriter(w io.Writer, mode byte) (io.WriteCloser, error) {
	switch mode {
	case ModeGzip:
		return pgzip.NewWriter(w), nil
	case ModeZstd:
		return zstd.NewWriter(w)
	case ModeNone:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("streamcodec: unknown compression mode 0x%02x", mode)
	}
}

// NewReader envolve r com um descompressor para mode. ModeNone retorna um
// io.ReadCloser que apenas lê de r sem fechar nada no Close.
func NewReader(r io.Reader, mode byte) (io.ReadCloser, error) {
	switch mode {
	case ModeGzip:
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening gzip reader: %w", err)
		}
		return gz, nil
	case ModeZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	case ModeNone:
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("streamcodec: unknown compression mode 0x%02x", mode)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
