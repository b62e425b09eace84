// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sessioncore

import (
	"sync"
	"testing"
	"time"
)

func newTestSequencer(frameTimeout time.Duration) *Sequencer {
	return NewSequencer(SequencerConfig{FrameTimeout: frameTimeout, OutputSize: 16})
}

func TestSequencer_EmitsContiguousPrefixInOrder(t *testing.T) {
	sq := newTestSequencer(time.Minute)

	sq.Push(ReassemblyEvent{Frame: &Frame{FrameID: 2, Data: []byte("two")}})
	select {
	case ev := <-sq.Events():
		t.Fatalf("frame 2 must not emit before frame 1, got %+v", ev)
	default:
	}

	sq.Push(ReassemblyEvent{Frame: &Frame{FrameID: 1, Data: []byte("one")}})

	first := <-sq.Events()
	second := <-sq.Events()
	if frameIDOf(first) != 1 {
		t.Errorf("first emitted frame_id = %d, want 1", frameIDOf(first))
	}
	if frameIDOf(second) != 2 {
		t.Errorf("second emitted frame_id = %d, want 2", frameIDOf(second))
	}
}

func TestSequencer_PastEventsIgnored(t *testing.T) {
	sq := newTestSequencer(time.Minute)

	sq.Push(ReassemblyEvent{Frame: &Frame{FrameID: 1, Data: []byte("one")}})
	<-sq.Events()

	sq.Push(ReassemblyEvent{Frame: &Frame{FrameID: 1, Data: []byte("stale-dup")}})
	select {
	case ev := <-sq.Events():
		t.Fatalf("expected no re-emission of a past frame_id, got %+v", ev)
	default:
	}
}

func TestSequencer_DuplicatePendingIgnored(t *testing.T) {
	sq := newTestSequencer(time.Minute)

	sq.Push(ReassemblyEvent{Frame: &Frame{FrameID: 2, Data: []byte("first")}})
	sq.Push(ReassemblyEvent{Frame: &Frame{FrameID: 2, Data: []byte("second")}})
	sq.Push(ReassemblyEvent{Frame: &Frame{FrameID: 1, Data: []byte("one")}})

	<-sq.Events() // frame 1
	ev := <-sq.Events()
	if ev.Frame == nil || string(ev.Frame.Data) != "first" {
		t.Errorf("expected the first-registered pending event to survive, got %+v", ev)
	}
}

func TestSequencer_CheckGapBridgesStalledGapAfterTimeout(t *testing.T) {
	sq := newTestSequencer(10 * time.Millisecond)
	base := time.Now()
	sq.now = func() time.Time { return base }

	sq.Push(ReassemblyEvent{Frame: &Frame{FrameID: 3, Data: []byte("three")}})

	sq.now = func() time.Time { return base.Add(time.Millisecond) }
	sq.checkGap()
	select {
	case ev := <-sq.Events():
		t.Fatalf("gap must not bridge before frame_timeout elapses, got %+v", ev)
	default:
	}

	sq.now = func() time.Time { return base.Add(time.Hour) }
	sq.checkGap() // bridges frame 1
	sq.checkGap() // bridges frame 2, then drains frame 3

	first := <-sq.Events()
	if first.Discarded == nil || first.Discarded.FrameID != 1 {
		t.Fatalf("first event = %+v, want discard of frame 1", first)
	}
	second := <-sq.Events()
	if second.Discarded == nil || second.Discarded.FrameID != 2 {
		t.Fatalf("second event = %+v, want discard of frame 2", second)
	}
	third := <-sq.Events()
	if third.Frame == nil || third.Frame.FrameID != 3 {
		t.Fatalf("third event = %+v, want frame 3 to drain after both gaps bridge", third)
	}
}

func TestSequencer_StopClosesOutputChannel(t *testing.T) {
	sq := newTestSequencer(time.Minute)
	sq.Stop()
	sq.Stop() // idempotent

	if _, ok := <-sq.Events(); ok {
		t.Fatal("expected closed output channel after Stop")
	}
}

// TestSequencer_StopDoesNotRaceConcurrentPush drives Push/CheckGaps from
// goroutines that are not tracked by sq.wg (mirroring socket.go's untracked
// bridge goroutines) concurrently with Stop, and relies on the race detector
// plus the absence of a send-on-closed-channel panic to confirm the fix: Stop
// only closes sq.out after taking sq.mu, and emit checks sq.closed under the
// same lock before ever touching sq.out.
func TestSequencer_StopDoesNotRaceConcurrentPush(t *testing.T) {
	for i := 0; i < 200; i++ {
		sq := newTestSequencer(time.Minute)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for id := uint32(1); id < 50; id++ {
				sq.Push(ReassemblyEvent{Frame: &Frame{FrameID: id}})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sq.CheckGaps()
			}
		}()

		go func() {
			for range sq.Events() {
			}
		}()

		sq.Stop()
		wg.Wait()
	}
}
