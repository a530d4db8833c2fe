// Package wire implements the fuzzy hash storage wire codec (W): parsing
// inbound UDP buffers into command variants, validating protocol epoch,
// decoding source-attribution extensions, and encoding outbound replies
// in the matching variant.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// DigestSize is the fixed length of a fuzzy content digest.
const DigestSize = 64

// ShingleCount is the number of locality-sensitive hashes carried by a
// shingle vector.
const ShingleCount = 32

const (
	fixedHeaderSize = 1 + 1 + 1 + 1 + 4 + 4 + DigestSize // version,cmd,shingles_count,reserved,flag,tag,digest
	shingleTailSize = 1 + 8 + 8*ShingleCount              // alg, seed, hashes[32]

	// MinCmdSize is the minimum size of a non-shingle plaintext command.
	MinCmdSize = fixedHeaderSize
	// ShingleCmdSize is the size of a plaintext command carrying a full
	// shingle vector.
	ShingleCmdSize = fixedHeaderSize + shingleTailSize
)

// EncMagic identifies an encrypted datagram.
var EncMagic = [4]byte{'r', 's', 'c', 'p'}

const (
	KeyIDSize      = 32
	EphemeralSize  = 32
	NonceSize      = 24
	MacSize        = 16
	EncHeaderSize  = 4 + KeyIDSize + EphemeralSize + NonceSize + MacSize
	EncCmdSize     = EncHeaderSize + MinCmdSize
	EncShingleSize = EncHeaderSize + ShingleCmdSize
)

// Epoch tags the protocol generation a command was decoded under.
type Epoch int

const (
	Epoch10 Epoch = iota // wire version 3, exact-size framing
	Epoch11              // wire version 4+, minimum-size framing
	EpochMax
)

// CmdKind enumerates the operations a command may request.
type CmdKind uint8

const (
	CmdCheck CmdKind = iota
	CmdWrite
	CmdDel
	CmdRefresh
	CmdStat
)

func (k CmdKind) String() string {
	switch k {
	case CmdCheck:
		return "CHECK"
	case CmdWrite:
		return "WRITE"
	case CmdDel:
		return "DEL"
	case CmdRefresh:
		return "REFRESH"
	case CmdStat:
		return "STAT"
	default:
		return fmt.Sprintf("CMD(%d)", uint8(k))
	}
}

// CmdType classifies a decoded command for session bookkeeping (spec §3
// Session.cmd_type).
type CmdType int

const (
	Normal CmdType = iota
	Shingle
	EncNormal
	EncShingle
)

// ExtType enumerates the source-attribution extension kinds.
type ExtType uint8

const (
	ExtSourceDomain ExtType = 1
	ExtSourceIP4    ExtType = 2
	ExtSourceIP6    ExtType = 3
)

// Extension is a single decoded source-attribution extension.
type Extension struct {
	Type   ExtType
	Domain string
	IP     net.IP
}

// ShingleVector is the optional locality-sensitive-hash payload attached
// to a command.
type ShingleVector struct {
	Alg    uint8
	Seed   uint64
	Hashes [ShingleCount]uint64
}

// Command is a decoded fuzzy hash protocol command (spec §3).
type Command struct {
	Version       uint8
	Cmd           CmdKind
	Flag          uint32
	Tag           uint32
	Digest        [DigestSize]byte
	ShinglesCount uint8
	Shingles      *ShingleVector
	Extensions    []Extension
	Epoch         Epoch
	Type          CmdType

	// Encrypted-envelope fields, populated only when the datagram was
	// wrapped; empty for plaintext commands.
	KeyID       [KeyIDSize]byte
	EphemeralPK [EphemeralSize]byte
}

var (
	ErrTruncated        = errors.New("wire: truncated datagram")
	ErrInvalidVersion   = errors.New("wire: invalid version/shingle/length combination")
	ErrInvalidExtension = errors.New("wire: invalid or truncated extension")
	ErrInvalidCommand   = errors.New("wire: invalid command")
)

// LooksEncrypted reports whether buf carries the encrypted envelope magic
// and is at least large enough to hold the smallest encrypted command.
func LooksEncrypted(buf []byte) bool {
	if len(buf) < EncCmdSize {
		return false
	}
	return buf[0] == EncMagic[0] && buf[1] == EncMagic[1] && buf[2] == EncMagic[2] && buf[3] == EncMagic[3]
}

// EncryptedEnvelope is the parsed-but-still-sealed encrypted header.
type EncryptedEnvelope struct {
	KeyID       [KeyIDSize]byte
	EphemeralPK [EphemeralSize]byte
	Nonce       [NonceSize]byte
	Mac         [MacSize]byte
	Body        []byte // ciphertext of the plaintext command
}

// DecodeEnvelope splits an encrypted datagram into its header fields and
// ciphertext body, without decrypting. Truncation is fatal for the whole
// datagram per spec §4.1.
func DecodeEnvelope(buf []byte) (*EncryptedEnvelope, error) {
	if len(buf) < EncHeaderSize {
		return nil, ErrTruncated
	}
	env := &EncryptedEnvelope{}
	off := 4
	copy(env.KeyID[:], buf[off:off+KeyIDSize])
	off += KeyIDSize
	copy(env.EphemeralPK[:], buf[off:off+EphemeralSize])
	off += EphemeralSize
	copy(env.Nonce[:], buf[off:off+NonceSize])
	off += NonceSize
	copy(env.Mac[:], buf[off:off+MacSize])
	off += MacSize
	env.Body = buf[off:]
	if len(env.Body) < MinCmdSize {
		return nil, ErrTruncated
	}
	return env, nil
}

// Decode parses a plaintext command buffer (the caller must strip and
// decrypt the encrypted envelope first, if present).
func Decode(buf []byte) (*Command, error) {
	if len(buf) < fixedHeaderSize {
		return nil, ErrTruncated
	}
	cmd := &Command{}
	cmd.Version = buf[0]
	cmd.Cmd = CmdKind(buf[1])
	cmd.ShinglesCount = buf[2]
	// buf[3] reserved
	cmd.Flag = binary.BigEndian.Uint32(buf[4:8])
	cmd.Tag = binary.BigEndian.Uint32(buf[8:12])
	copy(cmd.Digest[:], buf[12:12+DigestSize])

	hasShingle := cmd.ShinglesCount > 0
	required := fixedHeaderSize
	if hasShingle {
		required = fixedHeaderSize + shingleTailSize
	}

	switch cmd.Version {
	case 4:
		if len(buf) < required {
			return nil, ErrInvalidVersion
		}
		cmd.Epoch = Epoch11
	case 3:
		if len(buf) != required {
			return nil, ErrInvalidVersion
		}
		cmd.Epoch = Epoch10
	default:
		return nil, ErrInvalidVersion
	}

	rest := buf[fixedHeaderSize:]
	if hasShingle {
		sv := &ShingleVector{}
		sv.Alg = rest[0]
		sv.Seed = binary.BigEndian.Uint64(rest[1:9])
		off := 9
		for i := 0; i < ShingleCount; i++ {
			sv.Hashes[i] = binary.BigEndian.Uint64(rest[off : off+8])
			off += 8
		}
		cmd.Shingles = sv
		cmd.Type = Shingle
		rest = rest[shingleTailSize:]
	} else {
		cmd.Type = Normal
	}

	exts, err := decodeExtensions(rest)
	if err != nil {
		return nil, err
	}
	cmd.Extensions = exts
	return cmd, nil
}

func decodeExtensions(buf []byte) ([]Extension, error) {
	var exts []Extension
	for len(buf) > 0 {
		typ := ExtType(buf[0])
		buf = buf[1:]
		switch typ {
		case ExtSourceDomain:
			if len(buf) < 1 {
				return nil, ErrInvalidExtension
			}
			n := int(buf[0])
			buf = buf[1:]
			if len(buf) < n {
				return nil, ErrInvalidExtension
			}
			exts = append(exts, Extension{Type: typ, Domain: string(buf[:n])})
			buf = buf[n:]
		case ExtSourceIP4:
			if len(buf) < 4 {
				return nil, ErrInvalidExtension
			}
			ip := make(net.IP, 4)
			copy(ip, buf[:4])
			exts = append(exts, Extension{Type: typ, IP: ip})
			buf = buf[4:]
		case ExtSourceIP6:
			if len(buf) < 16 {
				return nil, ErrInvalidExtension
			}
			ip := make(net.IP, 16)
			copy(ip, buf[:16])
			exts = append(exts, Extension{Type: typ, IP: ip})
			buf = buf[16:]
		default:
			return nil, ErrInvalidExtension
		}
	}
	return exts, nil
}

// Encode serializes cmd back into wire form, used by round-trip tests
// and test datagram builders. The peer multiplexer (§4.8) forwards
// decoded Command values and does not call it.
func Encode(cmd *Command) []byte {
	hasShingle := cmd.ShinglesCount > 0 && cmd.Shingles != nil
	size := fixedHeaderSize
	if hasShingle {
		size += shingleTailSize
	}
	for _, e := range cmd.Extensions {
		size += extSize(e)
	}
	out := make([]byte, size)
	out[0] = cmd.Version
	out[1] = byte(cmd.Cmd)
	out[2] = cmd.ShinglesCount
	out[3] = 0
	binary.BigEndian.PutUint32(out[4:8], cmd.Flag)
	binary.BigEndian.PutUint32(out[8:12], cmd.Tag)
	copy(out[12:12+DigestSize], cmd.Digest[:])
	off := fixedHeaderSize
	if hasShingle {
		out[off] = cmd.Shingles.Alg
		binary.BigEndian.PutUint64(out[off+1:off+9], cmd.Shingles.Seed)
		p := off + 9
		for i := 0; i < ShingleCount; i++ {
			binary.BigEndian.PutUint64(out[p:p+8], cmd.Shingles.Hashes[i])
			p += 8
		}
		off += shingleTailSize
	}
	for _, e := range cmd.Extensions {
		off = encodeExt(out, off, e)
	}
	return out
}

func extSize(e Extension) int {
	switch e.Type {
	case ExtSourceDomain:
		return 1 + 1 + len(e.Domain)
	case ExtSourceIP4:
		return 1 + 4
	case ExtSourceIP6:
		return 1 + 16
	default:
		return 0
	}
}

func encodeExt(out []byte, off int, e Extension) int {
	out[off] = byte(e.Type)
	off++
	switch e.Type {
	case ExtSourceDomain:
		out[off] = byte(len(e.Domain))
		off++
		copy(out[off:], e.Domain)
		off += len(e.Domain)
	case ExtSourceIP4:
		copy(out[off:off+4], e.IP.To4())
		off += 4
	case ExtSourceIP6:
		copy(out[off:off+16], e.IP.To16())
		off += 16
	}
	return off
}
