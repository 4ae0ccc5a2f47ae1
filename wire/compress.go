package wire

import (
	"encoding/json"

	"github.com/klauspost/compress/zstd"
)

const compressionThreshold = 1024 // only compress frames > 1KB

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil)
)

// Compress compresses payload with zstd if it exceeds the threshold.
// Returns (compressed data, true) if compression helped, or (original, false).
func Compress(payload []byte) ([]byte, bool) {
	if len(payload) <= compressionThreshold {
		return payload, false
	}
	compressed := encoder.EncodeAll(payload, make([]byte, 0, len(payload)))
	if len(compressed) >= len(payload) {
		return payload, false
	}
	return compressed, true
}

// Decompress decompresses a zstd-compressed frame.
func Decompress(data []byte) ([]byte, error) {
	return decoder.DecodeAll(data, nil)
}

// Encode marshals env and reports whether the result should be sent as a
// binary (compressed) frame.
func Encode(env *Envelope) ([]byte, bool, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, false, err
	}
	out, compressed := Compress(data)
	return out, compressed, nil
}

// Raw returns the JSON text of a frame. Binary frames are zstd-compressed JSON.
func Raw(data []byte, binary bool) ([]byte, error) {
	if binary {
		return Decompress(data)
	}
	return data, nil
}

// Decode parses a frame.
func Decode(data []byte, binary bool) (*Envelope, error) {
	raw, err := Raw(data, binary)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
