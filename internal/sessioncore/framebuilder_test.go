// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sessioncore

import (
	"errors"
	"testing"
	"time"
)

func TestFrameBuilder_CompletesAfterAllSegments(t *testing.T) {
	now := time.Now()
	b := newFrameBuilder(1, now)

	segs := []Segment{
		{FrameID: 1, SeqIdx: 0, SeqLen: 3, Data: []byte("aa")},
		{FrameID: 1, SeqIdx: 1, SeqLen: 3, Data: []byte("bb")},
	}
	for _, s := range segs {
		if b.push(s, now) {
			t.Fatalf("push for seq_idx %d should not complete the frame yet", s.SeqIdx)
		}
	}
	last := Segment{FrameID: 1, SeqIdx: 2, SeqLen: 3, Data: []byte("cc")}
	if !b.push(last, now) {
		t.Fatal("expected final push to complete the frame")
	}
	if !b.isComplete() {
		t.Fatal("expected isComplete() == true")
	}

	f, err := b.frame()
	if err != nil {
		t.Fatalf("frame(): %v", err)
	}
	if string(f.Data) != "aabbcc" {
		t.Errorf("frame data = %q, want %q", f.Data, "aabbcc")
	}
}

func TestFrameBuilder_DuplicateSegmentIgnored(t *testing.T) {
	now := time.Now()
	b := newFrameBuilder(1, now)

	s := Segment{FrameID: 1, SeqIdx: 0, SeqLen: 2, Data: []byte("aa")}
	b.push(s, now)
	dup := Segment{FrameID: 1, SeqIdx: 0, SeqLen: 2, Data: []byte("zz")}
	b.push(dup, now)

	if b.isComplete() {
		t.Fatal("frame should not be complete after only 1 of 2 segments")
	}
	if b.push(Segment{FrameID: 1, SeqIdx: 1, SeqLen: 2, Data: []byte("bb")}, now); !b.isComplete() {
		t.Fatal("expected completion after second distinct segment")
	}
	f, err := b.frame()
	if err != nil {
		t.Fatalf("frame(): %v", err)
	}
	if string(f.Data) != "aabb" {
		t.Errorf("duplicate push overwrote original slot: got %q, want %q", f.Data, "aabb")
	}
}

func TestFrameBuilder_TerminatingFlagPropagates(t *testing.T) {
	now := time.Now()
	b := newFrameBuilder(1, now)
	s := Segment{FrameID: 1, SeqIdx: 0, SeqLen: 1 | terminatingBit, Data: []byte("x")}
	if !b.push(s, now) {
		t.Fatal("expected single-segment push to complete")
	}
	f, err := b.frame()
	if err != nil {
		t.Fatalf("frame(): %v", err)
	}
	if !f.IsTerminating {
		t.Fatal("expected IsTerminating to propagate from the terminating segment")
	}
}

func TestFrameBuilder_IsExpired(t *testing.T) {
	now := time.Now()
	b := newFrameBuilder(1, now)
	b.push(Segment{FrameID: 1, SeqIdx: 0, SeqLen: 2, Data: []byte("a")}, now)

	if b.isExpired(now.Add(-time.Second)) {
		t.Error("should not be expired against a cutoff before lastTS")
	}
	if !b.isExpired(now.Add(time.Second)) {
		t.Error("should be expired against a cutoff after lastTS")
	}
}

func TestFrameBuilder_LastTSNeverRegresses(t *testing.T) {
	now := time.Now()
	b := newFrameBuilder(1, now)
	b.push(Segment{FrameID: 1, SeqIdx: 0, SeqLen: 2, Data: []byte("a")}, now)

	earlier := now.Add(-time.Minute)
	b.push(Segment{FrameID: 1, SeqIdx: 1, SeqLen: 2, Data: []byte("b")}, earlier)

	if b.lastTS.Load() != now.UnixNano() {
		t.Error("lastTS regressed after push with an earlier timestamp")
	}
}

func TestFrameBuilder_FrameBeforeCompleteReturnsErrIncompleteFrame(t *testing.T) {
	now := time.Now()
	b := newFrameBuilder(1, now)
	b.push(Segment{FrameID: 1, SeqIdx: 0, SeqLen: 2, Data: []byte("a")}, now)

	if _, err := b.frame(); !errors.Is(err, ErrIncompleteFrame) {
		t.Fatalf("frame() on an incomplete builder = %v, want ErrIncompleteFrame", err)
	}
}

func TestFrameBuilder_MissingMask(t *testing.T) {
	now := time.Now()
	b := newFrameBuilder(1, now)
	b.push(Segment{FrameID: 1, SeqIdx: 0, SeqLen: 3, Data: []byte("a")}, now)
	b.push(Segment{FrameID: 1, SeqIdx: 2, SeqLen: 3, Data: []byte("c")}, now)

	mask, total := b.missingMask()
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if !isMissing(mask, 1) {
		t.Error("expected seq_idx 1 to be reported missing")
	}
	if isMissing(mask, 0) || isMissing(mask, 2) {
		t.Error("filled slots must not be reported missing")
	}
}
