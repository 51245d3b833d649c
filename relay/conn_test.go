package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrrelay/sdk/errs"
	"github.com/nostrrelay/sdk/subscription"
)

func TestNewConnStartsInitialized(t *testing.T) {
	c := New("wss://relay.example.com", Options{}, nil)
	if c.Status() != Initialized {
		t.Fatalf("expected Initialized, got %v", c.Status())
	}
}

func TestSendWhenNotConnected(t *testing.T) {
	c := New("wss://relay.example.com", Options{}, nil)
	err := c.Send(context.Background(), &nostr.Event{ID: "abc"})
	if !errors.Is(err, errs.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestCloseIsAbsorbing(t *testing.T) {
	c := New("wss://relay.example.com", Options{}, nil)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.Status() != Terminated {
		t.Fatalf("expected Terminated, got %v", c.Status())
	}
	// A second close is a no-op, not a double-close panic.
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	c.Wake()
	if c.Status() != Terminated {
		t.Fatal("expected Terminated to absorb Wake")
	}
}

func TestSleepAndWake(t *testing.T) {
	c := New("wss://relay.example.com", Options{}, nil)
	c.Sleep()
	if c.Status() != Sleeping {
		t.Fatalf("expected Sleeping, got %v", c.Status())
	}
	c.Wake()
	if c.Status() != Disconnected {
		t.Fatalf("expected Wake to resume into Disconnected, got %v", c.Status())
	}
}

func TestSubscribeWhileDisconnectedQueuesForReplay(t *testing.T) {
	c := New("wss://relay.example.com", Options{}, nil)
	err := c.Subscribe(context.Background(), "sub1", []nostr.Filter{{Kinds: []int{1}}}, subscription.AutoClose{Mode: subscription.Never})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	replay := c.Subscriptions().NonAutoClosing()
	if len(replay) != 1 || replay[0].ID != "sub1" {
		t.Fatalf("expected sub1 queued for replay, got %+v", replay)
	}
}

func TestSubscribeCapReturnsRateLimited(t *testing.T) {
	c := New("wss://relay.example.com", Options{MaxSubscriptions: 1}, nil)
	ctx := context.Background()
	if err := c.Subscribe(ctx, "sub1", nil, subscription.AutoClose{Mode: subscription.Never}); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	err := c.Subscribe(ctx, "sub2", nil, subscription.AutoClose{Mode: subscription.Never})
	if !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited past the cap, got %v", err)
	}
	// Existing subscriptions are unaffected.
	if got := c.Subscriptions().Count(); got != 1 {
		t.Fatalf("expected the cap overflow to leave existing subs alone, got %d", got)
	}
}

func TestOnFrameSeesEveryWellFormedFrame(t *testing.T) {
	c := New("wss://relay.example.com", Options{}, nil)
	var frames [][]byte
	c.OnFrame(func(raw []byte) { frames = append(frames, raw) })

	c.handleMessage([]byte(`["EOSE","sub1"]`))
	c.handleMessage([]byte(`["NOTICE","hello"]`))
	c.handleMessage([]byte(`not json`)) // malformed: logged, not forwarded

	if len(frames) != 2 {
		t.Fatalf("expected two well-formed frames forwarded, got %d", len(frames))
	}
}

func TestWaitConnectedFailsOnFirstAttemptError(t *testing.T) {
	c := New("ws://127.0.0.1:1", Options{}, nil) // nothing listens here
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	if err := c.WaitConnected(ctx); err == nil {
		t.Fatal("expected the failed first dial to be reported")
	}
}

func TestWaitConnectedOnClosedConn(t *testing.T) {
	c := New("wss://relay.example.com", Options{}, nil)
	_ = c.Close()
	if err := c.WaitConnected(context.Background()); !errors.Is(err, errs.ErrShutdown) {
		t.Fatalf("expected ErrShutdown on a terminated connection, got %v", err)
	}
}

func TestRunExitsOnContextCancel(t *testing.T) {
	c := New("ws://127.0.0.1:1", Options{}, nil) // nothing listens here
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()
	cancel()
	<-done
	if c.Status() != Terminated {
		t.Fatalf("expected Terminated after Run exits via cancel, got %v", c.Status())
	}
}
