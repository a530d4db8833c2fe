// cmd/fuzzystored/main.go
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fuzzystore/internal/acl"
	"fuzzystore/internal/backend"
	"fuzzystore/internal/config"
	"fuzzystore/internal/control"
	"fuzzystore/internal/debuglog"
	"fuzzystore/internal/fcrypto"
	"fuzzystore/internal/hooks"
	"fuzzystore/internal/keyring"
	"fuzzystore/internal/peermux"
	"fuzzystore/internal/ratelimit"
	"fuzzystore/internal/recvloop"
	"fuzzystore/internal/session"
	"fuzzystore/internal/stats"
	"fuzzystore/internal/update"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runDaemon(args[1:], stdout, stderr)
	case "genkey":
		return runGenkey(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: fuzzystored <run|genkey> [args]")
	fmt.Fprintln(w, "  run    --config <path> [--bind host:port] [--debug]")
	fmt.Fprintln(w, "  genkey")
}

func runGenkey(args []string, stdout, stderr io.Writer) int {
	pub, priv, err := fcrypto.GenerateKeypair()
	if err != nil {
		fmt.Fprintf(stderr, "genkey failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "public: %s\n", hex.EncodeToString(pub))
	fmt.Fprintf(stdout, "secret: %s\n", hex.EncodeToString(priv))
	return 0
}

func runDaemon(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to the JSON config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	workers := fs.Int("workers", 1, "number of receive-loop workers sharing the update pipeline")

	cfg, err := config.Load(configFlagPeek(args))
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	applyFlags := config.Flags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	_ = configPath
	applyFlags()
	if *debug {
		_ = os.Setenv("FUZZYSTORE_DEBUG", "1")
	}

	d, err := newDaemon(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Fprintf(stdout, "READY bind=%v workers=%d\n", cfg.Bind, *workers)
	if err := d.Run(ctx, *workers); err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

// configFlagPeek extracts a --config/-config value from args without
// fully parsing the flag set, since the config file must be loaded
// before the rest of the flags (which override fields of it) are
// registered against its defaults.
func configFlagPeek(args []string) string {
	for i, a := range args {
		if a == "-config" || a == "--config" {
			if i+1 < len(args) {
				return args[i+1]
			}
		}
	}
	return ""
}

// daemon wires every package in the module together for one running
// process: the shared backend, update pipeline, key registry, and N
// worker goroutines per bind address, each running its own
// session.Engine over a recvloop.Loop. Worker 0 owns the update
// pipeline directly; every other worker forwards mutations to it
// through the peermux Router's per-bind-line Bus, keeping the pipeline
// a single writer.
type daemon struct {
	cfg        config.Config
	be         backend.Backend
	keys       *keyring.Registry
	global     *stats.Global
	hooks      *hooks.Registry
	limiter    *ratelimit.Limiter
	updates    *update.Pipeline
	sessionCfg session.Config
	router     *peermux.Router

	controlListener net.Listener
}

func newDaemon(cfg config.Config) (*daemon, error) {
	d := &daemon{
		cfg:    cfg,
		be:     backend.NewMemStore(),
		keys:   keyring.New(),
		global: stats.NewGlobal(),
		hooks:  hooks.New(),
		router: peermux.NewRouter(256),
	}

	for _, kp := range cfg.Keypairs {
		pub, err := decodeKey(kp.Public)
		if err != nil {
			return nil, fmt.Errorf("keypair %q: %w", kp.Name, err)
		}
		sec, err := decodeKey(kp.Secret)
		if err != nil {
			return nil, fmt.Errorf("keypair %q: %w", kp.Name, err)
		}
		d.keys.Add(pub, sec, kp.Name, kp.Default)
	}

	d.limiter = ratelimit.New(ratelimit.Config{
		Rate:        cfg.RatelimitRate,
		Burst:       cfg.RatelimitBurst,
		MaxBuckets:  cfg.RatelimitMaxBuckets,
		NetworkMask: cfg.RatelimitNetworkMask,
		BucketTTL:   cfg.RatelimitBucketTTLInterval(),
		LogOnly:     cfg.RatelimitLogOnly,
		IsWhitelisted: func(ip net.IP) bool {
			return acl.NewIPSet(cfg.RatelimitWhitelist).Contains(ip)
		},
		OnBlacklist: func(addr, reason string) {
			debuglog.Logf("ratelimit: blacklisted %s (%s)", addr, reason)
			d.hooks.InvokeBlacklist(net.ParseIP(addr), reason)
		},
	})

	d.updates = update.New(d.be, "worker-0", cfg.UpdatesMaxFail, func(count uint64) {
		d.global.HashesStored.Store(count)
	})

	d.sessionCfg = session.Config{
		EncryptedOnly:  cfg.EncryptedOnly,
		ReadOnly:       cfg.ReadOnly,
		Delay:          cfg.DelayInterval(),
		UpdatesAllowed: acl.NewIPSet(cfg.AllowUpdate),
		UpdateKeys:     acl.NewKeySet(cfg.AllowUpdateKeys),
		DelayWhitelist: acl.NewIPSet(cfg.DelayWhitelist),
		Blocked:        acl.NewIPSet(cfg.Blocked),
		SkipHashes:     acl.NewHashSet(cfg.SkipHashes),
	}

	return d, nil
}

// engineForWorker builds the per-worker session.Engine sharing every
// piece of daemon state except Updates: worker 0 enqueues directly
// onto the update pipeline (it is the single writer); every other
// worker forwards through bus instead, per spec §4.8.
func (d *daemon) engineForWorker(index int, bus *peermux.Bus) *session.Engine {
	var enq session.Enqueuer = d.updates
	if index != 0 {
		enq = bus.Sender()
	}
	return session.NewEngine(d.sessionCfg, d.keys, d.limiter, d.hooks, d.be, d.global, enq)
}

// runWriter periodically drains bus into the update pipeline. Only
// worker 0's bus is drained this way; non-writer workers only ever
// hold a Sender.
func (d *daemon) runWriter(ctx context.Context, bus *peermux.Bus) {
	recv := bus.Receiver()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			recv.DrainInto(d.updates)
			return
		case <-ticker.C:
			recv.DrainInto(d.updates)
		}
	}
}

func decodeKey(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Run binds every configured listener, spawns numWorkers goroutines
// sharing each listener's socket (worker 0 is the single writer, the
// rest forward mutations to it through the peermux Router per spec
// §4.8), starts the update pipeline's periodic drain and the control
// socket, and blocks until ctx is cancelled.
func (d *daemon) Run(ctx context.Context, numWorkers int) error {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if err := d.be.StartUpdate(ctx, d.cfg.SyncInterval(), func() { d.updates.Drain(ctx, false) }); err != nil {
		return err
	}

	errCh := make(chan error, len(d.cfg.Bind)*numWorkers+1)
	var conns []*net.UDPConn
	for _, bindAddr := range d.cfg.Bind {
		addr, err := net.ResolveUDPAddr("udp", bindAddr)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", bindAddr, err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", bindAddr, err)
		}
		conns = append(conns, conn)

		bus := d.router.BusFor(bindAddr)
		go d.runWriter(ctx, bus)

		for w := 0; w < numWorkers; w++ {
			engine := d.engineForWorker(w, bus)
			loop := recvloop.New(conn, engine)
			loop.Blocked = acl.NewIPSet(d.cfg.Blocked)
			loop.Hooks = d.hooks
			go func() { errCh <- loop.Run(ctx) }()
		}
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	if d.cfg.ControlSocket != "" {
		ln, err := net.Listen("unix", d.cfg.ControlSocket)
		if err != nil {
			return fmt.Errorf("control socket %s: %w", d.cfg.ControlSocket, err)
		}
		d.controlListener = ln
		go d.serveControl(ctx, ln)
	}

	select {
	case <-ctx.Done():
		d.shutdown(ctx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (d *daemon) serveControl(ctx context.Context, ln net.Listener) {
	h := &control.Handler{
		Backend: d.be,
		Updates: d.updates,
		Keys:    d.keys,
		Global:  d.global,
		Hooks:   d.hooks,
		RestartDrain: func() {
			_ = d.be.StartUpdate(ctx, d.cfg.SyncInterval(), func() { d.updates.Drain(ctx, false) })
		},
	}
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		uc, ok := c.(*net.UnixConn)
		if !ok {
			c.Close()
			continue
		}
		go func() {
			if err := control.Serve(ctx, uc, h); err != nil {
				debuglog.Logf("control: session ended: %v", err)
			}
		}()
	}
}

func (d *daemon) shutdown(ctx context.Context) {
	d.updates.RequestShutdown()
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.updates.Drain(drainCtx, true)
	if d.controlListener != nil {
		d.controlListener.Close()
	}
	_ = d.be.Close()
}
