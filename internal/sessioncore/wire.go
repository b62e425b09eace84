// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sessioncore

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Tags de SessionMessage no wire (um byte, seguido do payload da variante).
const (
	tagSegment       byte = 0x00
	tagSegmentReq    byte = 0x01
	tagFrameAcks     byte = 0x02
	missingMaskBytes      = 32 // 256 bits
)

// SegmentRequestEntry é uma entrada (frame_id, missing_bitmap) de um SegmentRequest.
type SegmentRequestEntry struct {
	FrameID      uint32
	MissingMask  [missingMaskBytes]byte // bit i setado => seq_idx i está faltando
}

// SessionMessage é a união marcada transmitida entre peers: Segment, SegmentRequest
// ou FrameAcknowledgements. Exatamente um dos campos não-zero é válido por vez.
type SessionMessage struct {
	Segment       *Segment
	SegmentReq    []SegmentRequestEntry
	FrameAcks     []uint32
}

// EncodeSegment escreve o header fixo de 6 bytes seguido dos dados do segmento.
func EncodeSegment(w io.Writer, s Segment) error {
	if s.FrameID == 0 {
		return ErrInvalidFrameID
	}
	var hdr [SegmentHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], s.FrameID)
	hdr[4] = s.SeqIdx
	hdr[5] = s.SeqLen
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing segment header: %w", err)
	}
	if len(s.Data) > 0 {
		if _, err := w.Write(s.Data); err != nil {
			return fmt.Errorf("writing segment payload: %w", err)
		}
	}
	return nil
}

// DecodeSegment lê o header fixo e os payloadLen bytes de dados seguintes.
// O chamador já removeu o byte de tag e sabe o tamanho do payload a partir do
// comprimento do datagrama recebido (payloadLen = len(packet) - header - 1).
func DecodeSegment(r io.Reader, payloadLen int) (Segment, error) {
	var hdr [SegmentHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Segment{}, fmt.Errorf("reading segment header: %w", err)
	}

	frameID := binary.BigEndian.Uint32(hdr[0:4])
	seqIdx := hdr[4]
	seqLen := hdr[5]
	count := seqLen &^ terminatingBit

	if frameID == 0 || seqIdx >= count {
		return Segment{}, fmt.Errorf("%w: frame %d seq_idx %d seq_len %d", ErrInvalidSegment, frameID, seqIdx, count)
	}

	data := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return Segment{}, fmt.Errorf("reading segment payload: %w", err)
		}
	}

	return Segment{FrameID: frameID, SeqIdx: seqIdx, SeqLen: seqLen, Data: data}, nil
}

// EncodeSessionMessage escreve a tag de um byte seguida da variante correspondente.
func EncodeSessionMessage(w io.Writer, msg SessionMessage) error {
	switch {
	case msg.Segment != nil:
		if _, err := w.Write([]byte{tagSegment}); err != nil {
			return fmt.Errorf("writing session message tag: %w", err)
		}
		return EncodeSegment(w, *msg.Segment)

	case msg.SegmentReq != nil:
		if len(msg.SegmentReq) > 255 {
			return fmt.Errorf("%w: segment request carries %d entries, max 255", ErrProcessingError, len(msg.SegmentReq))
		}
		if _, err := w.Write([]byte{tagSegmentReq, byte(len(msg.SegmentReq))}); err != nil {
			return fmt.Errorf("writing segment request header: %w", err)
		}
		for _, e := range msg.SegmentReq {
			var buf [4 + missingMaskBytes]byte
			binary.BigEndian.PutUint32(buf[0:4], e.FrameID)
			copy(buf[4:], e.MissingMask[:])
			if _, err := w.Write(buf[:]); err != nil {
				return fmt.Errorf("writing segment request entry: %w", err)
			}
		}
		return nil

	case msg.FrameAcks != nil:
		if len(msg.FrameAcks) > 65535 {
			return fmt.Errorf("%w: frame acknowledgements carry %d ids, max 65535", ErrProcessingError, len(msg.FrameAcks))
		}
		var hdr [3]byte
		hdr[0] = tagFrameAcks
		binary.BigEndian.PutUint16(hdr[1:3], uint16(len(msg.FrameAcks)))
		if _, err := w.Write(hdr[:]); err != nil {
			return fmt.Errorf("writing frame acknowledgements header: %w", err)
		}
		for _, id := range msg.FrameAcks {
			var buf [4]byte
			binary.BigEndian.PutUint32(buf[:], id)
			if _, err := w.Write(buf[:]); err != nil {
				return fmt.Errorf("writing frame acknowledgement id: %w", err)
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: empty session message", ErrProcessingError)
	}
}

// DecodeSessionMessage lê a tag e a variante correspondente. segmentPayloadLen deve
// ser fornecido pelo chamador quando a tag for Segment (o comprimento restante do
// datagrama), já que o wire format não carrega o tamanho do payload separadamente.
func DecodeSessionMessage(r io.Reader, segmentPayloadLen int) (SessionMessage, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return SessionMessage{}, fmt.Errorf("reading session message tag: %w", err)
	}

	switch tag[0] {
	case tagSegment:
		seg, err := DecodeSegment(r, segmentPayloadLen)
		if err != nil {
			return SessionMessage{}, err
		}
		return SessionMessage{Segment: &seg}, nil

	case tagSegmentReq:
		var countBuf [1]byte
		if _, err := io.ReadFull(r, countBuf[:]); err != nil {
			return SessionMessage{}, fmt.Errorf("reading segment request count: %w", err)
		}
		entries := make([]SegmentRequestEntry, countBuf[0])
		for i := range entries {
			var buf [4 + missingMaskBytes]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return SessionMessage{}, fmt.Errorf("reading segment request entry %d: %w", i, err)
			}
			entries[i].FrameID = binary.BigEndian.Uint32(buf[0:4])
			copy(entries[i].MissingMask[:], buf[4:])
		}
		return SessionMessage{SegmentReq: entries}, nil

	case tagFrameAcks:
		var countBuf [2]byte
		if _, err := io.ReadFull(r, countBuf[:]); err != nil {
			return SessionMessage{}, fmt.Errorf("reading frame acknowledgements count: %w", err)
		}
		count := binary.BigEndian.Uint16(countBuf[:])
		ids := make([]uint32, count)
		for i := range ids {
			var buf [4]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return SessionMessage{}, fmt.Errorf("reading frame acknowledgement id %d: %w", i, err)
			}
			ids[i] = binary.BigEndian.Uint32(buf[:])
		}
		return SessionMessage{FrameAcks: ids}, nil

	default:
		return SessionMessage{}, fmt.Errorf("%w: tag 0x%02x", ErrUnknownMessageTag, tag[0])
	}
}

// setMissing seta o bit seq_idx na máscara de 256 bits.
func setMissing(mask *[missingMaskBytes]byte, seqIdx uint8) {
	mask[seqIdx/8] |= 1 << (seqIdx % 8)
}

// isMissing consulta o bit seq_idx na máscara de 256 bits.
func isMissing(mask [missingMaskBytes]byte, seqIdx uint8) bool {
	return mask[seqIdx/8]&(1<<(seqIdx%8)) != 0
}
