package wire

import (
	"encoding/binary"
	"math"
)

// Reply values (spec §3).
const (
	ValueOK        uint32 = 0
	ValueForbidden uint32 = 403
	ValueSkip      uint32 = 401
	ValueMalformed uint32 = 500
)

const (
	replyV1Size = 4 + 4 + 4 + 4      // value, prob, flag, tag
	replyV2Size = replyV1Size + 8    // + ts
)

// Reply is a decoded/to-be-encoded fuzzy protocol reply (spec §3, §6).
type Reply struct {
	Tag   uint32
	Prob  float32
	Value uint32
	Flag  uint32
	TS    uint64
}

// Blank returns the all-zero reply used to mask a forbidden-flag or
// delayed match (spec §4.3, §4.6 step 7/9).
func Blank(tag uint32) Reply {
	return Reply{Tag: tag}
}

// usesV2 reports whether epoch uses the extended v2 layout.
func usesV2(epoch Epoch) bool {
	return epoch != Epoch10
}

// EncodeReply serializes r in the layout matching epoch: EPOCH10 is
// always v1 (no ts tail); EPOCH11+ uses v2.
func EncodeReply(epoch Epoch, r Reply) []byte {
	if !usesV2(epoch) {
		out := make([]byte, replyV1Size)
		encodeReplyV1(out, r)
		return out
	}
	out := make([]byte, replyV2Size)
	encodeReplyV1(out, r)
	binary.BigEndian.PutUint64(out[replyV1Size:replyV1Size+8], r.TS)
	return out
}

func encodeReplyV1(out []byte, r Reply) {
	binary.BigEndian.PutUint32(out[0:4], r.Value)
	binary.BigEndian.PutUint32(out[4:8], math.Float32bits(r.Prob))
	binary.BigEndian.PutUint32(out[8:12], r.Flag)
	binary.BigEndian.PutUint32(out[12:16], r.Tag)
}

// DecodeReply parses a reply buffer produced by EncodeReply. Accepts
// either v1 or v2 length; v1 buffers decode with TS left at zero.
func DecodeReply(buf []byte) (Reply, error) {
	if len(buf) != replyV1Size && len(buf) != replyV2Size {
		return Reply{}, ErrTruncated
	}
	r := Reply{
		Value: binary.BigEndian.Uint32(buf[0:4]),
		Prob:  math.Float32frombits(binary.BigEndian.Uint32(buf[4:8])),
		Flag:  binary.BigEndian.Uint32(buf[8:12]),
		Tag:   binary.BigEndian.Uint32(buf[12:16]),
	}
	if len(buf) == replyV2Size {
		r.TS = binary.BigEndian.Uint64(buf[16:24])
	}
	return r, nil
}
