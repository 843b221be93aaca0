package relaywire

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExchangeSinglePendingPerSubStream(t *testing.T) {
	t.Parallel()

	x := NewExchange()

	if _, err := x.Expect(MsgJoinOK); err != nil {
		t.Fatalf("first Expect: %v", err)
	}
	if _, err := x.Expect(MsgJoinOK); !errors.Is(err, ErrExchangePending) {
		t.Errorf("second Expect: got %v, want ErrExchangePending", err)
	}

	// A different sub-stream is independent.
	if _, err := x.Expect(MsgExtendOK); err != nil {
		t.Errorf("Expect on other sub-stream: %v", err)
	}
}

func TestExchangeResolve(t *testing.T) {
	t.Parallel()

	x := NewExchange()
	ch, err := x.Expect(MsgJoinOK)
	if err != nil {
		t.Fatalf("Expect: %v", err)
	}

	env := Envelope{Type: MsgJoinOK, Payload: []byte{1}}
	if !x.Resolve(env) {
		t.Fatal("Resolve: expected delivery to pending exchange")
	}

	got, err := Await(context.Background(), ch)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got.Type != MsgJoinOK {
		t.Errorf("type: got %#x, want %#x", got.Type, MsgJoinOK)
	}

	// Resolution frees the sub-stream.
	if _, err := x.Expect(MsgJoinOK); err != nil {
		t.Errorf("Expect after resolve: %v", err)
	}
}

func TestExchangeResolveUnsolicited(t *testing.T) {
	t.Parallel()

	x := NewExchange()
	if x.Resolve(Envelope{Type: MsgPlayback}) {
		t.Error("Resolve with no pending exchange should return false")
	}
}

func TestExchangeClose(t *testing.T) {
	t.Parallel()

	x := NewExchange()
	ch, err := x.Expect(MsgJoinOK)
	if err != nil {
		t.Fatalf("Expect: %v", err)
	}

	x.Close()

	if _, err := Await(context.Background(), ch); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Await after close: got %v, want ErrSessionClosed", err)
	}
	if _, err := x.Expect(MsgExtendOK); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expect after close: got %v, want ErrSessionClosed", err)
	}
}

func TestAwaitContextCancel(t *testing.T) {
	t.Parallel()

	x := NewExchange()
	ch, err := x.Expect(MsgJoinOK)
	if err != nil {
		t.Fatalf("Expect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := Await(ctx, ch); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Await: got %v, want context.DeadlineExceeded", err)
	}
	x.Cancel(MsgJoinOK)

	if _, err := x.Expect(MsgJoinOK); err != nil {
		t.Errorf("Expect after cancel: %v", err)
	}
}

func TestNextRequestIDUnique(t *testing.T) {
	t.Parallel()

	x := NewExchange()
	a, b := x.NextRequestID(), x.NextRequestID()
	if a == b {
		t.Errorf("request ids not unique: %d == %d", a, b)
	}
}
