package fcrypto

import "encoding/binary"

// BuildAAD constructs the associated data bound into an encrypted
// command or reply: the key id the datagram was addressed to and a
// direction tag, so a ciphertext encrypted for one key/direction cannot
// be replayed as if it were addressed to another.
func BuildAAD(direction string, keyID [32]byte) []byte {
	dirBytes := []byte(direction)
	buf := make([]byte, 0, 2+len(dirBytes)+32)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(dirBytes)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, dirBytes...)
	buf = append(buf, keyID[:]...)
	return buf
}
