// Package recvloop implements the non-blocking UDP receive loop (L):
// batched datagram ingestion, blocked-source filtering, and dispatch
// into the session engine (spec §4.10).
package recvloop

import (
	"context"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"fuzzystore/internal/acl"
	"fuzzystore/internal/debuglog"
	"fuzzystore/internal/hooks"
	"fuzzystore/internal/stats"
	"fuzzystore/internal/wire"
)

// BatchSize is the maximum datagrams pulled per syscall where batched
// receive is supported (spec §4.10).
const BatchSize = 16

// BufferSize is the per-datagram buffer, sized for the largest
// plaintext or encrypted shingle command (spec §6).
const BufferSize = 1024

// Dispatcher is the session engine's entry point for one received
// datagram; implemented by *session.Engine.
type Dispatcher interface {
	HandleDatagram(ctx context.Context, buf []byte, addr *net.UDPAddr, now time.Time) ([]byte, error)
}

// Loop binds and services one UDP listener.
type Loop struct {
	conn     *net.UDPConn
	pc       *ipv4.PacketConn // non-nil when batched receive is available for this conn
	Blocked  *acl.IPSet
	Hooks    *hooks.Registry
	Dispatch Dispatcher

	errStats *stats.KeyStats // per-IP decode-failure counters, spec §4.10
}

// New wraps conn in an ipv4.PacketConn for batched receive. Run uses
// the batched path only when supportsBatch reports an IPv4 local
// address, and otherwise falls back to one ReadFromUDP per iteration.
func New(conn *net.UDPConn, dispatch Dispatcher) *Loop {
	return &Loop{
		conn:     conn,
		pc:       ipv4.NewPacketConn(conn),
		Dispatch: dispatch,
		errStats: stats.NewKeyStats(),
	}
}

// Run services the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if supportsBatch(l.conn) {
		return l.runBatched(ctx)
	}
	return l.runSingle(ctx)
}

func (l *Loop) runBatched(ctx context.Context) error {
	bufs := make([][]byte, BatchSize)
	msgs := make([]ipv4.Message, BatchSize)
	for i := range bufs {
		bufs[i] = make([]byte, BufferSize)
		msgs[i].Buffers = [][]byte{bufs[i]}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = l.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := l.pc.ReadBatch(msgs, 0)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		for i := 0; i < n; i++ {
			addr, ok := msgs[i].Addr.(*net.UDPAddr)
			if !ok {
				continue
			}
			l.handleOne(ctx, bufs[i][:msgs[i].N], addr)
		}
	}
}

func (l *Loop) runSingle(ctx context.Context) error {
	buf := make([]byte, BufferSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		l.handleOne(ctx, buf[:n], addr)
	}
}

// handleOne implements spec §4.10's per-datagram sequence: blocked-IP
// check, dispatch, decode-failure bookkeeping. The dispatcher (the
// session engine) already increments invalid_requests on every error it
// returns, so this only tracks the per-IP failure count and logs —
// counting it again here would increment invalid_requests twice for
// one datagram.
func (l *Loop) handleOne(ctx context.Context, buf []byte, addr *net.UDPAddr) {
	if l.Blocked != nil && l.Blocked.Contains(addr.IP) {
		if l.Hooks != nil {
			l.Hooks.InvokeBlacklist(addr.IP, "blacklisted")
		}
		return
	}

	reply, err := l.Dispatch.HandleDatagram(ctx, buf, addr, time.Now())
	if err != nil {
		l.errStats.ForIP(addr.IP.String()).Record(time.Now(), wire.CmdCheck, false, wire.ValueMalformed)
		debuglog.RateLimitedf("recvloop:decode:"+addr.IP.String(), time.Second, "recvloop: decode failed from %s: %v", addr, err)
		return
	}
	if reply == nil {
		return
	}
	if _, err := l.conn.WriteToUDP(reply, addr); err != nil {
		debuglog.RateLimitedf("recvloop:write:"+addr.IP.String(), time.Second, "recvloop: reply write to %s failed: %v", addr, err)
	}
}

// supportsBatch reports whether conn's local address family can use
// ipv4.PacketConn.ReadBatch: true only for an IPv4 local address. IPv6
// and unspecified-family sockets fall back to one-at-a-time reads.
func supportsBatch(conn *net.UDPConn) bool {
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return false
	}
	return addr.IP.To4() != nil
}
