package main

import (
	"fmt"
	"testing"

	"github.com/tracegate/tracegate/internal/msg"
)

func queuedMsgs(t *testing.T, depth, n int) chan msg.TraceMsg {
	t.Helper()
	queue := make(chan msg.TraceMsg, depth)
	for i := 0; i < n; i++ {
		queue <- msg.TraceMsg{ThreadID: uint64(i), Body: []byte(fmt.Sprintf(`{"seq":%d}`, i))}
	}
	return queue
}

func TestGatherTopsUpToBatchSize(t *testing.T) {
	queue := queuedMsgs(t, 16, 5)
	first := <-queue

	msgs := gather(queue, first, 3)
	if len(msgs) != 3 {
		t.Fatalf("gathered %d messages, want 3", len(msgs))
	}
	for i, m := range msgs {
		if m.ThreadID != uint64(i) {
			t.Errorf("msgs[%d].ThreadID = %d, want %d", i, m.ThreadID, i)
		}
	}
	if len(queue) != 2 {
		t.Errorf("queue holds %d messages, want 2", len(queue))
	}
}

func TestGatherStopsOnEmptyQueue(t *testing.T) {
	queue := queuedMsgs(t, 16, 1)
	first := <-queue

	msgs := gather(queue, first, 8)
	if len(msgs) != 1 {
		t.Errorf("gathered %d messages, want 1", len(msgs))
	}
}

func TestDrainQueueWithinBudget(t *testing.T) {
	queue := queuedMsgs(t, queueDepth, 7)

	flush, dropped := drainQueue(queue)
	if len(flush) != 7 {
		t.Errorf("flush holds %d messages, want 7", len(flush))
	}
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
}

func TestDrainQueueDropsBeyondBudget(t *testing.T) {
	queue := queuedMsgs(t, queueDepth, flushBudget+5)

	flush, dropped := drainQueue(queue)
	if len(flush) != flushBudget {
		t.Errorf("flush holds %d messages, want %d", len(flush), flushBudget)
	}
	if dropped != 5 {
		t.Errorf("dropped = %d, want 5", dropped)
	}
	if flush[0].ThreadID != 0 || flush[len(flush)-1].ThreadID != flushBudget-1 {
		t.Error("flush did not keep the oldest queued messages in order")
	}
}
