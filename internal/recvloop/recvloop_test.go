package recvloop

import (
	"context"
	"net"
	"testing"
	"time"

	"fuzzystore/internal/acl"
	"fuzzystore/internal/hooks"
	"fuzzystore/internal/stats"
)

type fakeDispatcher struct {
	reply   []byte
	err     error
	calls   int
	lastBuf []byte
}

func (f *fakeDispatcher) HandleDatagram(ctx context.Context, buf []byte, addr *net.UDPAddr, now time.Time) ([]byte, error) {
	f.calls++
	f.lastBuf = append([]byte(nil), buf...)
	return f.reply, f.err
}

func newLoopbackConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandleOneBlockedSourceSkipsDispatch(t *testing.T) {
	conn := newLoopbackConn(t)
	disp := &fakeDispatcher{reply: []byte("ok")}
	var blacklisted string
	hookReg := hooks.New()
	hookReg.SetBlacklist(func(ip net.IP, reason string) { blacklisted = reason })

	l := &Loop{conn: conn, Blocked: acl.NewIPSet([]string{"9.9.9.9/32"}), Hooks: hookReg, Dispatch: disp}
	l.handleOne(context.Background(), []byte("payload"), &net.UDPAddr{IP: net.ParseIP("9.9.9.9"), Port: 1})

	if disp.calls != 0 {
		t.Fatalf("expected dispatcher not called for blocked source")
	}
	if blacklisted != "blacklisted" {
		t.Fatalf("expected blacklist hook invoked with reason=blacklisted, got %q", blacklisted)
	}
}

func TestHandleOneDispatchesAndRecordsPerIPErrorOnFailure(t *testing.T) {
	conn := newLoopbackConn(t)
	disp := &fakeDispatcher{err: errTest{}}
	l := &Loop{conn: conn, Dispatch: disp, errStats: stats.NewKeyStats()}

	addr := &net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 1}
	l.handleOne(context.Background(), []byte("payload"), addr)

	if disp.calls != 1 {
		t.Fatalf("expected dispatcher invoked once")
	}
	// invalid_requests itself is the dispatcher's responsibility to record;
	// handleOne only owns the per-IP failure counter on a dispatch error.
	snap := l.errStats.ForIP(addr.IP.String()).Snapshot()
	if snap.Errors != 1 {
		t.Fatalf("expected per-IP error count incremented, got %+v", snap)
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }
