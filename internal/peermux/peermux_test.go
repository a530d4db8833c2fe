package peermux

import (
	"testing"

	"fuzzystore/internal/wire"
)

type recordingEnqueuer struct {
	items []wire.Command
}

func (r *recordingEnqueuer) Enqueue(source string, isShingle bool, cmd wire.Command) {
	r.items = append(r.items, cmd)
}

func TestSendReceiveRoundTrip(t *testing.T) {
	bus := NewBus(4)
	sender := bus.Sender()
	receiver := bus.Receiver()

	sender.Send("10.0.0.1:1", false, wire.Command{Tag: 1})
	sender.Send("10.0.0.1:1", false, wire.Command{Tag: 2})

	dst := &recordingEnqueuer{}
	n := receiver.DrainInto(dst)
	if n != 2 || len(dst.items) != 2 {
		t.Fatalf("expected 2 drained commands, got %d (%+v)", n, dst.items)
	}
	if dst.items[0].Tag != 1 || dst.items[1].Tag != 2 {
		t.Fatalf("expected FIFO order preserved, got %+v", dst.items)
	}
}

func TestSendDropsWhenBusFull(t *testing.T) {
	bus := NewBus(1)
	sender := bus.Sender()
	sender.Send("a", false, wire.Command{Tag: 1})
	sender.Send("a", false, wire.Command{Tag: 2}) // dropped, must not block or panic

	dst := &recordingEnqueuer{}
	bus.Receiver().DrainInto(dst)
	if len(dst.items) != 1 || dst.items[0].Tag != 1 {
		t.Fatalf("expected only the first command to survive, got %+v", dst.items)
	}
}

func TestRouterReturnsSameBusPerBindLine(t *testing.T) {
	r := NewRouter(4)
	a := r.BusFor("127.0.0.1:11335")
	b := r.BusFor("127.0.0.1:11335")
	if a != b {
		t.Fatalf("expected same bus for identical bind line")
	}
	c := r.BusFor("127.0.0.1:11336")
	if a == c {
		t.Fatalf("expected distinct bus for a different bind line")
	}
}
