// Package fcrypto implements the crypto layer (C) of the fuzzy hash
// storage worker: X25519 key agreement plus XChaCha20-Poly1305 AEAD for
// per-datagram confidentiality and authenticity, and a SHA3-256 KDF for
// deriving the session's symmetric key from the agreed point.
package fcrypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

const (
	// PublicKeySize and SecretKeySize are the X25519 key sizes used to
	// identify and authenticate a local keypair (spec §3 Key, §4.2).
	PublicKeySize = 32
	SecretKeySize = 32

	// XKeySize and XNonceSize are the XChaCha20-Poly1305 sizes: a 32-byte
	// key and a 24-byte nonce, matching the wire nonce field of §6.
	XKeySize   = chacha20poly1305.KeySize
	XNonceSize = chacha20poly1305.NonceSizeX
	TagSize    = chacha20poly1305.Overhead
)

var ErrKeyDestroyed = errors.New("fcrypto: ephemeral key destroyed")

// SHA3_256 returns the SHA3-256 digest of msg.
func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// KDF derives a symmetric key from a domain-separation label and a set of
// input parts (e.g. the raw X25519 shared point). Used to turn the shared
// secret `nm` into the session's AEAD key.
func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// Seal encrypts plaintext under key32 with a freshly generated 24-byte
// nonce and returns nonce and ciphertext separately. The ciphertext
// carries the Poly1305 tag at its end (Go's AEAD layout); SealDetached
// is the variant that splits the tag out for the wire's mac-first layout.
func Seal(key32, plaintext, aad []byte) (nonce24, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, fmt.Errorf("fcrypto: bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ct, nil
}

// Open authenticates and decrypts ciphertext under key32/nonce24. On MAC
// mismatch it returns the chacha20poly1305 AEAD's own open error.
func Open(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("fcrypto: bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("fcrypto: bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

// SealWithNonce encrypts under a caller-supplied nonce. Used for reply
// encryption where the nonce is generated once by the caller and needs to
// be written to the wire header before the ciphertext.
func SealWithNonce(key32, nonce24, plaintext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("fcrypto: bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("fcrypto: bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce24, plaintext, aad), nil
}

// Ephemeral is a single-use X25519 keypair generated per encrypted
// datagram exchange. Its private material is wiped on Destroy so a
// session never outlives its key material in memory (spec §5).
type Ephemeral struct {
	priv      *ecdh.PrivateKey
	privBytes []byte
	pub       []byte
	destroyed bool
}

func (e *Ephemeral) String() string   { return "fcrypto.Ephemeral{REDACTED}" }
func (e *Ephemeral) GoString() string { return "fcrypto.Ephemeral{REDACTED}" }

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, ErrKeyDestroyed
	}
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out, nil
}

// Shared performs X25519 key agreement against peerPub, returning the raw
// shared point (the caller must run it through KDF before use as an AEAD
// key).
func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, ErrKeyDestroyed
	}
	if len(peerPub) == 0 {
		return nil, errors.New("fcrypto: empty peer key")
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

// Destroy zeroes the private key material. Safe to call multiple times.
func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	for i := range e.privBytes {
		e.privBytes[i] = 0
	}
	for i := range e.pub {
		e.pub[i] = 0
	}
	e.priv = nil
	e.destroyed = true
}

// GenerateEphemeral creates a fresh X25519 keypair.
func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	privBytes := priv.Bytes()
	privCopy := make([]byte, len(privBytes))
	copy(privCopy, privBytes)
	pubBytes := priv.PublicKey().Bytes()
	pubCopy := make([]byte, len(pubBytes))
	copy(pubCopy, pubBytes)
	return &Ephemeral{priv: priv, privBytes: privCopy, pub: pubCopy}, nil
}

// DeriveShared performs X25519 agreement between a raw private key and a
// raw peer public key, without allocating an Ephemeral. Used by the key
// registry (K) for its long-lived local keypairs.
func DeriveShared(privKey, peerPub []byte) ([]byte, error) {
	if len(privKey) == 0 || len(peerPub) == 0 {
		return nil, errors.New("fcrypto: empty key material")
	}
	priv, err := ecdh.X25519().NewPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return priv.ECDH(pub)
}

// GenerateKeypair produces a new local X25519 keypair for the key
// registry (spec §3 Key).
func GenerateKeypair() (pub, priv []byte, err error) {
	k, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return k.PublicKey().Bytes(), k.Bytes(), nil
}

// SaveKeypair and LoadKeypair persist a keypair as hex files, matching the
// on-disk layout local operators use for the daemon's configured keys.
func SaveKeypair(dir string, pub, priv []byte) error {
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("fcrypto: empty key")
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir string) (pub, priv []byte, err error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, nil, err
	}
	pub, err = hex.DecodeString(string(pubHex))
	if err != nil {
		return nil, nil, fmt.Errorf("fcrypto: bad pub.hex: %w", err)
	}
	priv, err = hex.DecodeString(string(privHex))
	if err != nil {
		return nil, nil, fmt.Errorf("fcrypto: bad priv.hex: %w", err)
	}
	return pub, priv, nil
}

// SealDetached encrypts plaintext and returns the Poly1305 tag and
// ciphertext as separate slices, matching the wire layout of an
// encrypted command/reply where the mac field precedes the ciphertext
// body rather than trailing it (spec §6).
func SealDetached(key32, nonce24, plaintext, aad []byte) (mac, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, fmt.Errorf("fcrypto: bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, nil, fmt.Errorf("fcrypto: bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}
	sealed := aead.Seal(nil, nonce24, plaintext, aad)
	if len(sealed) < TagSize {
		return nil, nil, errors.New("fcrypto: sealed output shorter than tag")
	}
	split := len(sealed) - TagSize
	ciphertext = make([]byte, split)
	copy(ciphertext, sealed[:split])
	mac = make([]byte, TagSize)
	copy(mac, sealed[split:])
	return mac, ciphertext, nil
}

// OpenDetached is the inverse of SealDetached.
func OpenDetached(key32, nonce24, mac, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("fcrypto: bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("fcrypto: bad nonce size: need %d", XNonceSize)
	}
	if len(mac) != TagSize {
		return nil, fmt.Errorf("fcrypto: bad mac size: need %d", TagSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+len(mac))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, mac...)
	return aead.Open(nil, nonce24, sealed, aad)
}

// Zero overwrites b with zero bytes in place. Used to wipe a session's
// shared secret on release (spec §3 invariant, §5).
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
