package session

import (
	"crypto/rand"
	"fmt"

	"fuzzystore/internal/fcrypto"
	"fuzzystore/internal/keyring"
	"fuzzystore/internal/wire"
)

// decodeSessionKDFLabel domain-separates the session key derivation from
// any other use of fcrypto.KDF in this module.
const decodeSessionKDFLabel = "fuzzystore-session-v1"

// Decoded is the result of decoding one inbound datagram: the plaintext
// command plus, for encrypted datagrams, the resolved key and derived
// session secret.
type Decoded struct {
	Cmd          *wire.Command
	Encrypted    bool
	Key          *keyring.Key
	SharedSecret [fcrypto.XKeySize]byte
}

// DecodeDatagram implements W+C together for one inbound buffer (spec
// §4.1 Decode, §4.2): it detects the encrypted envelope, resolves the
// destination key (falling back to the registry default), performs
// X25519 agreement, decrypts and authenticates the body into a new
// buffer, and
// finally parses the resulting plaintext command.
func DecodeDatagram(buf []byte, keys *keyring.Registry) (*Decoded, error) {
	if !wire.LooksEncrypted(buf) {
		cmd, err := wire.Decode(buf)
		if err != nil {
			return nil, err
		}
		return &Decoded{Cmd: cmd, Encrypted: false}, nil
	}

	env, err := wire.DecodeEnvelope(buf)
	if err != nil {
		return nil, err
	}
	key, err := keys.Resolve(env.KeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownKey, err)
	}

	raw, err := fcrypto.DeriveShared(key.Secret[:], env.EphemeralPK[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	symKey := fcrypto.KDF(decodeSessionKDFLabel, raw)
	aad := fcrypto.BuildAAD("c2s", env.KeyID)
	plaintext, err := fcrypto.OpenDetached(symKey, env.Nonce[:], env.Mac[:], env.Body, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	cmd, err := wire.Decode(plaintext)
	if err != nil {
		return nil, err
	}
	if cmd.Type == wire.Shingle {
		cmd.Type = wire.EncShingle
	} else {
		cmd.Type = wire.EncNormal
	}
	cmd.KeyID = env.KeyID
	cmd.EphemeralPK = env.EphemeralPK

	d := &Decoded{Cmd: cmd, Encrypted: true, Key: key}
	copy(d.SharedSecret[:], symKey)
	return d, nil
}

// EncryptReply seals a plaintext reply buffer for the given session
// secret, laying the nonce and mac ahead of the ciphertext body per
// spec §6 ("Encrypted replies are prefixed by [nonce][mac]").
func EncryptReply(sessionKey []byte, plaintext []byte, keyID [32]byte) ([]byte, error) {
	nonce := make([]byte, wire.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	mac, ciphertext, err := fcrypto.SealDetached(sessionKey, nonce, plaintext, fcrypto.BuildAAD("s2c", keyID))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, wire.NonceSize+wire.MacSize+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, mac...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptCommandBody is exposed for callers that already hold a
// resolved session key (e.g. tests) and want to decrypt without
// re-deriving via the registry.
func DecryptCommandBody(sessionKey []byte, env *wire.EncryptedEnvelope, keyID [32]byte) ([]byte, error) {
	aad := fcrypto.BuildAAD("c2s", keyID)
	return fcrypto.OpenDetached(sessionKey, env.Nonce[:], env.Mac[:], env.Body, aad)
}
