package wire

import (
	"bytes"
	"net"
	"testing"
)

func TestDecodeEncodeRoundTripNormal(t *testing.T) {
	var digest [DigestSize]byte
	for i := range digest {
		digest[i] = byte(i)
	}
	cmd := &Command{
		Version: 4,
		Cmd:     CmdCheck,
		Flag:    7,
		Tag:     42,
		Digest:  digest,
	}
	buf := Encode(cmd)
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Flag != cmd.Flag || got.Tag != cmd.Tag || got.Digest != cmd.Digest {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Epoch != Epoch11 {
		t.Fatalf("expected Epoch11, got %v", got.Epoch)
	}
	roundTrip := Encode(got)
	if !bytes.Equal(buf, roundTrip) {
		t.Fatalf("re-encode mismatch:\n%x\n%x", buf, roundTrip)
	}
}

func TestDecodeShingleVector(t *testing.T) {
	cmd := &Command{
		Version:       4,
		Cmd:           CmdWrite,
		Tag:           1,
		ShinglesCount: ShingleCount,
		Shingles:      &ShingleVector{Alg: 1, Seed: 99},
	}
	for i := range cmd.Shingles.Hashes {
		cmd.Shingles.Hashes[i] = uint64(i) * 7
	}
	buf := Encode(cmd)
	if len(buf) != ShingleCmdSize {
		t.Fatalf("expected size %d, got %d", ShingleCmdSize, len(buf))
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != Shingle {
		t.Fatalf("expected Shingle type")
	}
	if got.Shingles == nil || got.Shingles.Seed != 99 || got.Shingles.Hashes[31] != 31*7 {
		t.Fatalf("shingle mismatch: %+v", got.Shingles)
	}
}

func TestDecodeExtensions(t *testing.T) {
	cmd := &Command{
		Version: 4,
		Cmd:     CmdCheck,
		Tag:     5,
		Extensions: []Extension{
			{Type: ExtSourceDomain, Domain: "example.com"},
			{Type: ExtSourceIP4, IP: net.IPv4(1, 2, 3, 4)},
		},
	}
	buf := Encode(cmd)
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Extensions) != 2 {
		t.Fatalf("expected 2 extensions, got %d", len(got.Extensions))
	}
	if got.Extensions[0].Domain != "example.com" {
		t.Fatalf("domain mismatch: %q", got.Extensions[0].Domain)
	}
	if !got.Extensions[1].IP.Equal(net.IPv4(1, 2, 3, 4)) {
		t.Fatalf("ip mismatch: %v", got.Extensions[1].IP)
	}
}

func TestDecodeTruncatedExtensionRejectsWholeDatagram(t *testing.T) {
	buf := Encode(&Command{Version: 4, Cmd: CmdCheck, Tag: 1})
	buf = append(buf, byte(ExtSourceDomain), 10) // claims 10 bytes, supplies none
	if _, err := Decode(buf); err == nil {
		t.Fatalf("expected truncation error")
	}
}

func TestDecodeVersion3RequiresExactSize(t *testing.T) {
	buf := Encode(&Command{Version: 3, Cmd: CmdCheck, Tag: 1})
	if _, err := Decode(buf); err != nil {
		t.Fatalf("exact size v3 should decode: %v", err)
	}
	if _, err := Decode(append(buf, 0xFF)); err == nil {
		t.Fatalf("expected rejection of oversized v3 buffer")
	}
	got, _ := Decode(buf)
	if got.Epoch != Epoch10 {
		t.Fatalf("expected Epoch10 for version 3")
	}
}

func TestDecodeInvalidVersionRejected(t *testing.T) {
	buf := Encode(&Command{Version: 4, Cmd: CmdCheck, Tag: 1})
	buf[0] = 9
	if _, err := Decode(buf); err == nil {
		t.Fatalf("expected invalid version rejection")
	}
}

func TestLooksEncrypted(t *testing.T) {
	buf := make([]byte, EncCmdSize)
	copy(buf, EncMagic[:])
	if !LooksEncrypted(buf) {
		t.Fatalf("expected encrypted detection")
	}
	buf[0] = 0
	if LooksEncrypted(buf) {
		t.Fatalf("did not expect encrypted detection")
	}
}

func TestReplyRoundTripV1(t *testing.T) {
	r := Reply{Tag: 42, Prob: 0.75, Value: ValueOK, Flag: 7}
	buf := EncodeReply(Epoch10, r)
	got, err := DecodeReply(buf)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if got != r {
		// TS is zero in both since v1 carries none
		if got.Tag != r.Tag || got.Prob != r.Prob || got.Value != r.Value || got.Flag != r.Flag {
			t.Fatalf("round trip mismatch: %+v vs %+v", got, r)
		}
	}
}

func TestReplyRoundTripV2(t *testing.T) {
	r := Reply{Tag: 42, Prob: 0.9, Value: ValueOK, Flag: 3, TS: 123456}
	buf := EncodeReply(Epoch11, r)
	if len(buf) != replyV2Size {
		t.Fatalf("expected v2 size %d, got %d", replyV2Size, len(buf))
	}
	got, err := DecodeReply(buf)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if got != r {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, r)
	}
}
