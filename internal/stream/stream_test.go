package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

// =============================================================================
// Pipe
// =============================================================================

func TestPipeDeliversInOrder(t *testing.T) {
	p := NewPipe[int](4)
	ctx := context.Background()

	go func() {
		for i := 0; i < 3; i++ {
			if err := p.Send(ctx, i); err != nil {
				t.Errorf("Send: %v", err)
				return
			}
		}
		p.Close()
	}()

	for i := 0; i < 3; i++ {
		v, err := p.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if v != i {
			t.Fatalf("Next() = %d, want %d", v, i)
		}
	}
	if _, err := p.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("Next after close = %v, want io.EOF", err)
	}
}

func TestPipeSendSuspendsUntilConsumed(t *testing.T) {
	p := NewPipe[int](0) // unbuffered: Send rendezvous with Next
	ctx := context.Background()

	sent := make(chan struct{})
	go func() {
		_ = p.Send(ctx, 42)
		close(sent)
	}()

	select {
	case <-sent:
		t.Fatal("Send returned before any Next call — unbuffered pipe should suspend")
	case <-time.After(20 * time.Millisecond):
	}

	v, err := p.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if v != 42 {
		t.Fatalf("Next() = %d, want 42", v)
	}
	<-sent
}

func TestPipeCloseWithErrorPropagatesToConsumer(t *testing.T) {
	p := NewPipe[int](1)
	wantErr := errors.New("producer failed")
	p.CloseWithError(wantErr)

	_, err := p.Next(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("Next() error = %v, want %v", err, wantErr)
	}
}

func TestPipeDrainsBufferedValuesBeforeTerminalError(t *testing.T) {
	p := NewPipe[int](2)
	ctx := context.Background()
	_ = p.Send(ctx, 1)
	_ = p.Send(ctx, 2)
	wantErr := errors.New("boom")
	p.CloseWithError(wantErr)

	if v, err := p.Next(ctx); err != nil || v != 1 {
		t.Fatalf("Next() = (%d, %v), want (1, nil)", v, err)
	}
	if v, err := p.Next(ctx); err != nil || v != 2 {
		t.Fatalf("Next() = (%d, %v), want (2, nil)", v, err)
	}
	if _, err := p.Next(ctx); !errors.Is(err, wantErr) {
		t.Fatalf("Next() after drain = %v, want %v", err, wantErr)
	}
}

func TestPipeSendAfterCloseReturnsErrPipeClosed(t *testing.T) {
	p := NewPipe[int](1)
	p.Close()
	if err := p.Send(context.Background(), 1); !errors.Is(err, ErrPipeClosed) {
		t.Fatalf("Send after close = %v, want ErrPipeClosed", err)
	}
}

func TestPipeSendRespectsContextCancellation(t *testing.T) {
	p := NewPipe[int](0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Send(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("Send with cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestPipeNextRespectsContextCancellation(t *testing.T) {
	p := NewPipe[int](0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next with cancelled ctx = %v, want context.Canceled", err)
	}
}

// =============================================================================
// Gate
// =============================================================================

func TestGateStartsOpen(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("Wait on a fresh gate: %v", err)
	}
}

func TestGateClosedBlocksUntilOpened(t *testing.T) {
	g := NewGate()
	ctx := context.Background()
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	// Gate re-closed itself after the successful Wait above.

	waited := make(chan error, 1)
	go func() { waited <- g.Wait(ctx) }()

	select {
	case <-waited:
		t.Fatal("Wait returned before Open — gate should still be closed")
	case <-time.After(20 * time.Millisecond):
	}

	g.Open()
	select {
	case err := <-waited:
		if err != nil {
			t.Fatalf("Wait after Open: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after Open")
	}
}

func TestGateWaitRespectsContextCancellation(t *testing.T) {
	g := NewGate()
	_ = g.Wait(context.Background()) // close it

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait with cancelled ctx = %v, want context.Canceled", err)
	}
}
