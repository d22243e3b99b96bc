package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReceiveInOrder(t *testing.T) {
	s := New[int](8)
	r := s.Subscribe()

	for i := 0; i < 5; i++ {
		s.Send(i)
	}

	for i := 0; i < 5; i++ {
		got, err := r.Next(context.Background())
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if got != i {
			t.Errorf("item %d: got %d", i, got)
		}
	}
}

func TestSubscribeSeesNothingBeforeCall(t *testing.T) {
	s := New[int](8)
	s.Send(1)
	s.Send(2)

	r := s.Subscribe()
	s.Send(3)

	got, err := r.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != 3 {
		t.Errorf("first item = %d, want 3", got)
	}
}

func TestLagReportsExactMissedCount(t *testing.T) {
	const capacity = 4
	s := New[int](capacity)
	r := s.Subscribe()

	// Overrun the ring by 3: items 0..2 are gone.
	for i := 0; i < capacity+3; i++ {
		s.Send(i)
	}

	_, err := r.Next(context.Background())
	var lag *LagError
	if !errors.As(err, &lag) {
		t.Fatalf("err = %v, want *LagError", err)
	}
	if lag.Missed != 3 {
		t.Errorf("Missed = %d, want 3", lag.Missed)
	}

	// Resynchronized to the oldest retained item.
	got, err := r.Next(context.Background())
	if err != nil {
		t.Fatalf("Next after lag: %v", err)
	}
	if got != 3 {
		t.Errorf("first item after lag = %d, want 3", got)
	}
}

func TestCloseDrainsThenFails(t *testing.T) {
	s := New[int](8)
	r := s.Subscribe()

	s.Send(1)
	s.Send(2)
	s.Close()

	for want := 1; want <= 2; want++ {
		got, err := r.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}

	if _, err := r.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Next after drain: err = %v, want ErrClosed", err)
	}
}

func TestSendAfterCloseIsDropped(t *testing.T) {
	s := New[int](8)
	r := s.Subscribe()
	s.Close()
	s.Send(1)

	if _, err := r.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestNextBlocksUntilSend(t *testing.T) {
	s := New[int](8)
	r := s.Subscribe()

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Send(42)
	}()

	got, err := r.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}

func TestNextHonorsContext(t *testing.T) {
	s := New[int](8)
	r := s.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := r.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestIndependentReceivers(t *testing.T) {
	s := New[int](8)
	a := s.Subscribe()
	b := s.Subscribe()

	s.Send(1)
	s.Send(2)

	// a consumes both, b lags behind independently.
	for want := 1; want <= 2; want++ {
		got, err := a.Next(context.Background())
		if err != nil || got != want {
			t.Fatalf("a.Next: got %d, %v; want %d", got, err, want)
		}
	}
	got, err := b.Next(context.Background())
	if err != nil || got != 1 {
		t.Fatalf("b.Next: got %d, %v; want 1", got, err)
	}
}
