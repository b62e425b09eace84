// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sessioncore

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeSegment_RoundTrip(t *testing.T) {
	s := Segment{FrameID: 42, SeqIdx: 2, SeqLen: 5, Data: []byte("payload")}

	var buf bytes.Buffer
	if err := EncodeSegment(&buf, s); err != nil {
		t.Fatalf("EncodeSegment: %v", err)
	}

	got, err := DecodeSegment(&buf, len(s.Data))
	if err != nil {
		t.Fatalf("DecodeSegment: %v", err)
	}
	if got.FrameID != s.FrameID || got.SeqIdx != s.SeqIdx || got.SeqLen != s.SeqLen {
		t.Errorf("got %+v, want %+v", got, s)
	}
	if !bytes.Equal(got.Data, s.Data) {
		t.Errorf("data = %q, want %q", got.Data, s.Data)
	}
}

func TestEncodeSegment_RejectsZeroFrameID(t *testing.T) {
	var buf bytes.Buffer
	err := EncodeSegment(&buf, Segment{FrameID: 0, SeqIdx: 0, SeqLen: 1})
	if !errors.Is(err, ErrInvalidFrameID) {
		t.Fatalf("expected ErrInvalidFrameID, got %v", err)
	}
}

func TestDecodeSegment_RejectsSeqIdxOutOfRange(t *testing.T) {
	var buf bytes.Buffer
	// seq_idx 3 >= seq_len 3: invalid framing.
	if err := EncodeSegment(&buf, Segment{FrameID: 1, SeqIdx: 3, SeqLen: 3}); err != nil {
		t.Fatalf("EncodeSegment: %v", err)
	}
	if _, err := DecodeSegment(&buf, 0); !errors.Is(err, ErrInvalidSegment) {
		t.Fatalf("expected ErrInvalidSegment, got %v", err)
	}
}

func TestSessionMessage_SegmentRoundTrip(t *testing.T) {
	seg := Segment{FrameID: 7, SeqIdx: 0, SeqLen: 1, Data: []byte("hi")}
	msg := SessionMessage{Segment: &seg}

	var buf bytes.Buffer
	if err := EncodeSessionMessage(&buf, msg); err != nil {
		t.Fatalf("EncodeSessionMessage: %v", err)
	}

	got, err := DecodeSessionMessage(&buf, len(seg.Data))
	if err != nil {
		t.Fatalf("DecodeSessionMessage: %v", err)
	}
	if got.Segment == nil || got.Segment.FrameID != seg.FrameID {
		t.Fatalf("got %+v, want segment matching %+v", got, seg)
	}
}

func TestSessionMessage_SegmentRequestRoundTrip(t *testing.T) {
	var mask [missingMaskBytes]byte
	setMissing(&mask, 3)
	setMissing(&mask, 200)

	msg := SessionMessage{SegmentReq: []SegmentRequestEntry{
		{FrameID: 1, MissingMask: mask},
		{FrameID: 2, MissingMask: mask},
	}}

	var buf bytes.Buffer
	if err := EncodeSessionMessage(&buf, msg); err != nil {
		t.Fatalf("EncodeSessionMessage: %v", err)
	}

	got, err := DecodeSessionMessage(&buf, 0)
	if err != nil {
		t.Fatalf("DecodeSessionMessage: %v", err)
	}
	if len(got.SegmentReq) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got.SegmentReq))
	}
	for i, e := range got.SegmentReq {
		if e.FrameID != msg.SegmentReq[i].FrameID {
			t.Errorf("entry %d: frame_id = %d, want %d", i, e.FrameID, msg.SegmentReq[i].FrameID)
		}
		if !isMissing(e.MissingMask, 3) || !isMissing(e.MissingMask, 200) {
			t.Errorf("entry %d: missing mask not preserved", i)
		}
	}
}

func TestSessionMessage_FrameAcknowledgementsRoundTrip(t *testing.T) {
	msg := SessionMessage{FrameAcks: []uint32{1, 2, 3, 1000000}}

	var buf bytes.Buffer
	if err := EncodeSessionMessage(&buf, msg); err != nil {
		t.Fatalf("EncodeSessionMessage: %v", err)
	}

	got, err := DecodeSessionMessage(&buf, 0)
	if err != nil {
		t.Fatalf("DecodeSessionMessage: %v", err)
	}
	if len(got.FrameAcks) != len(msg.FrameAcks) {
		t.Fatalf("expected %d ids, got %d", len(msg.FrameAcks), len(got.FrameAcks))
	}
	for i, id := range got.FrameAcks {
		if id != msg.FrameAcks[i] {
			t.Errorf("id %d: got %d, want %d", i, id, msg.FrameAcks[i])
		}
	}
}

func TestDecodeSessionMessage_UnknownTag(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xff})
	if _, err := DecodeSessionMessage(buf, 0); !errors.Is(err, ErrUnknownMessageTag) {
		t.Fatalf("expected ErrUnknownMessageTag, got %v", err)
	}
}

func TestMissingMaskBits(t *testing.T) {
	var mask [missingMaskBytes]byte
	if isMissing(mask, 17) {
		t.Fatal("expected bit 17 unset initially")
	}
	setMissing(&mask, 17)
	if !isMissing(mask, 17) {
		t.Fatal("expected bit 17 set after setMissing")
	}
	if isMissing(mask, 18) {
		t.Fatal("expected bit 18 to remain unset")
	}
}
