package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"fuzzystore/internal/backend"
	"fuzzystore/internal/debuglog"
	"fuzzystore/internal/hooks"
	"fuzzystore/internal/keyring"
	"fuzzystore/internal/stats"
)

// CmdType names one of the three out-of-band admin commands (spec
// §4.9), plus the dynamic hook registration commands.
type CmdType string

const (
	CmdReload      CmdType = "RELOAD"
	CmdSync        CmdType = "SYNC"
	CmdStat        CmdType = "STAT"
	CmdAddPre      CmdType = "ADD_PRE_HANDLER"
	CmdAddPost     CmdType = "ADD_POST_HANDLER"
	CmdAddBlacklist CmdType = "ADD_BLACKLIST_HANDLER"
)

// Request is the JSON payload of one control-socket frame.
type Request struct {
	Type CmdType `json:"type"`
}

// Response is the JSON payload sent back for every command except a
// successful STAT, which instead passes its document via SCM_RIGHTS
// and sends this as the accompanying reply struct.
type Response struct {
	Type   CmdType `json:"type"`
	OK     bool    `json:"ok"`
	Error  string  `json:"error,omitempty"`
	Pending int    `json:"pending,omitempty"`
}

// Drainer is the subset of update.Pipeline the control surface drives
// for SYNC (drain now, report what is left pending) and RELOAD (drain
// before closing the old backend). Restarting the periodic drain is
// Handler.RestartDrain's job.
type Drainer interface {
	Drain(ctx context.Context, final bool) bool
	Pending() int
}

// BackendFactory reopens a fresh backend for RELOAD.
type BackendFactory func() (backend.Backend, error)

// Handler ties the control protocol to the running daemon's state: the
// active backend (swappable on RELOAD), the update pipeline, the key
// registry and global stats (for STAT), and the hook registry (for
// dynamic hook registration).
type Handler struct {
	Backend    backend.Backend
	NewBackend BackendFactory
	Updates    Drainer
	Keys       *keyring.Registry
	Global     *stats.Global
	Hooks      *hooks.Registry

	RestartDrain func() // reinstalls the periodic drain timer, called after RELOAD/SYNC
}

// Handle decodes one request frame and returns the response frame(s)
// to write back. For STAT, extraFD is non-nil and the caller (Serve)
// is responsible for passing it via SCM_RIGHTS before closing it.
func (h *Handler) Handle(ctx context.Context, payload []byte) (resp []byte, extraFD *os.File, err error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return h.encodeResponse(Response{OK: false, Error: err.Error()}), nil, nil
	}

	switch req.Type {
	case CmdReload:
		return h.handleReload(ctx), nil, nil
	case CmdSync:
		return h.handleSync(ctx), nil, nil
	case CmdStat:
		return h.handleStat(ctx, req.Type)
	case CmdAddPre, CmdAddPost, CmdAddBlacklist:
		// Dynamic hook registration (spec §4.9) swaps in an actual
		// Go function via hooks.Registry.SetPre/SetPost/SetBlacklist;
		// the scripting runtime that supplies that function body is
		// out of scope here (H is an external collaborator), so this
		// just acknowledges the frame for protocol completeness.
		return h.encodeResponse(Response{Type: req.Type, OK: h.Hooks != nil}), nil, nil
	default:
		return h.encodeResponse(Response{Type: req.Type, OK: false, Error: "unknown command"}), nil, nil
	}
}

func (h *Handler) encodeResponse(r Response) []byte {
	b, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"ok":false,"error":"internal"}`)
	}
	return b
}

// handleReload drains the pending update queue (SYNC-style, non-final)
// so in-flight writes aren't lost, then closes the current backend,
// reopens a fresh one, and restarts the periodic drain timer (spec
// §4.9 RELOAD).
func (h *Handler) handleReload(ctx context.Context) []byte {
	if h.Updates != nil {
		h.Updates.Drain(ctx, false)
	}
	if h.Backend != nil {
		if err := h.Backend.Close(); err != nil {
			debuglog.Logf("control: reload close failed: %v", err)
		}
	}
	if h.NewBackend != nil {
		be, err := h.NewBackend()
		if err != nil {
			return h.encodeResponse(Response{Type: CmdReload, OK: false, Error: err.Error()})
		}
		h.Backend = be
	}
	if h.RestartDrain != nil {
		h.RestartDrain()
	}
	return h.encodeResponse(Response{Type: CmdReload, OK: true})
}

// handleSync drains the pending queue immediately (non-final) and
// restarts the periodic drain (spec §4.9 SYNC).
func (h *Handler) handleSync(ctx context.Context) []byte {
	if h.Updates != nil {
		h.Updates.Drain(ctx, false)
	}
	if h.RestartDrain != nil {
		h.RestartDrain()
	}
	pending := 0
	if h.Updates != nil {
		pending = h.Updates.Pending()
	}
	return h.encodeResponse(Response{Type: CmdSync, OK: true, Pending: pending})
}

// statDocument mirrors spec §6's control-socket STAT JSON shape.
type statDocument struct {
	FuzzyStored     uint64                    `json:"fuzzy_stored"`
	FuzzyExpired    uint64                    `json:"fuzzy_expired"`
	InvalidRequests uint64                    `json:"invalid_requests"`
	DelayedHashes   uint64                    `json:"delayed_hashes"`
	FuzzyChecked    []uint64                  `json:"fuzzy_checked"`
	FuzzyShingles   []uint64                  `json:"fuzzy_shingles"`
	FuzzyFound      []uint64                  `json:"fuzzy_found"`
	Keys            map[string]keyStatEntry   `json:"keys"`
	BackendID       string                    `json:"backend_id,omitempty"`
	BackendVersion  uint32                    `json:"backend_version,omitempty"`
}

type keyStatEntry struct {
	Checked        uint64             `json:"checked"`
	CheckedPerHour float64            `json:"checked_per_hour"`
	Matched        uint64             `json:"matched"`
	MatchedPerHour float64            `json:"matched_per_hour"`
	Added          uint64             `json:"added"`
	Deleted        uint64             `json:"deleted"`
	Errors         uint64             `json:"errors"`
	Keypair        string             `json:"keypair"`
	IPs            map[string]any     `json:"ips,omitempty"`
}

// handleStat serializes global and per-key stats to a temp file,
// unlinks it immediately, and returns its still-open fd for the caller
// to pass via SCM_RIGHTS (spec §4.9 STAT).
func (h *Handler) handleStat(ctx context.Context, t CmdType) ([]byte, *os.File, error) {
	doc := statDocument{Keys: make(map[string]keyStatEntry)}
	if h.Global != nil {
		doc.FuzzyStored = h.Global.HashesStored.Load()
		doc.FuzzyExpired = h.Global.HashesExpired.Load()
		doc.InvalidRequests = h.Global.InvalidRequests.Load()
		doc.DelayedHashes = h.Global.DelayedHashes.Load()
		for _, e := range h.Global.AllEpochSnapshots() {
			doc.FuzzyChecked = append(doc.FuzzyChecked, e.Checked)
			doc.FuzzyShingles = append(doc.FuzzyShingles, e.ShingleChecked)
			doc.FuzzyFound = append(doc.FuzzyFound, e.Found)
		}
	}
	if h.Backend != nil {
		doc.BackendID = h.Backend.ID()
		if v, err := h.Backend.Version(ctx, "control"); err == nil {
			doc.BackendVersion = v
		}
	}
	if h.Keys != nil {
		for _, k := range h.Keys.All() {
			name := k.Name()
			if name == "" {
				continue
			}
			snap := k.Stats.Snapshot()
			doc.Keys[name] = keyStatEntry{
				Checked:        snap.Checked,
				CheckedPerHour: snap.CheckedPerHour,
				Matched:        snap.Matched,
				MatchedPerHour: snap.MatchedPerHour,
				Added:          snap.Added,
				Deleted:        snap.Deleted,
				Errors:         snap.Errors,
				Keypair:        fmt.Sprintf("%x", k.Public),
			}
		}
	}

	f, err := os.CreateTemp("", "fuzzystore-stat-*.json")
	if err != nil {
		return h.encodeResponse(Response{Type: t, OK: false, Error: err.Error()}), nil, nil
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(doc); err != nil {
		f.Close()
		os.Remove(f.Name())
		return h.encodeResponse(Response{Type: t, OK: false, Error: err.Error()}), nil, nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		os.Remove(f.Name())
		return h.encodeResponse(Response{Type: t, OK: false, Error: err.Error()}), nil, nil
	}
	os.Remove(f.Name()) // spec §4.9: unlink before handing off the fd

	return h.encodeResponse(Response{Type: t, OK: true}), f, nil
}

// SendWithFD writes payload as a frame over conn, attaching fd via
// SCM_RIGHTS when non-nil, and closes fd afterward as spec §5 requires
// ("closed by the sender after sendmsg").
func SendWithFD(conn *net.UnixConn, payload []byte, fd *os.File) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	if fd == nil {
		_, err := conn.Write(frame)
		return err
	}
	defer fd.Close()
	rights := unix.UnixRights(int(fd.Fd()))
	_, _, err = conn.WriteMsgUnix(frame, rights, nil)
	return err
}

// Serve accepts control frames on conn until the peer disconnects or
// ctx is cancelled, dispatching each one through h.
func Serve(ctx context.Context, conn *net.UnixConn, h *Handler) error {
	defer conn.Close()
	for {
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetReadDeadline(deadline)
		}
		payload, err := ReadFrame(conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		resp, fd, err := h.Handle(ctx, payload)
		if err != nil {
			return err
		}
		if err := SendWithFD(conn, resp, fd); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
