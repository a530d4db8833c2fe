package wire

import (
	"bytes"
	"testing"

	"fuzzystore/internal/testutil"
)

// FuzzDecode exercises the truncation and malformed-length paths of
// Decode against arbitrary input, and checks the round-trip property
// (spec §8) for anything it accepts: Encode(Decode(buf)) == buf.
func FuzzDecode(f *testing.F) {
	f.Add(make([]byte, MinCmdSize))
	f.Add(make([]byte, ShingleCmdSize))
	seedCheck := make([]byte, MinCmdSize)
	seedCheck[0] = 4 // version
	f.Add(seedCheck)
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			cmd, err := Decode(data)
			if err != nil {
				return
			}
			out := Encode(cmd)
			if !bytes.Equal(out, data) {
				t.Fatalf("round-trip mismatch: decode-then-encode produced %x, want %x", out, data)
			}
		})
	})
}

// FuzzDecodeEnvelope exercises the encrypted-envelope splitter, which
// runs ahead of decryption on every inbound datagram that looks
// encrypted (spec §4.1).
func FuzzDecodeEnvelope(f *testing.F) {
	f.Add(make([]byte, EncCmdSize))
	f.Add(make([]byte, EncShingleSize))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			_, _ = DecodeEnvelope(data)
		})
	})
}
