// Package blobcodec implements the sort-merge writer's oversized-accumulator
// spill compression (spec §9 / SPEC_FULL §4 expansion): a measure blob above
// a configurable size threshold is zstd-compressed before it reaches
// ChunkStore, flagged with a one-byte prefix so the Merge reader can
// transparently decompress it. This mirrors the teacher's
// internal/chunk/file/compress.go idiom of OR-ing a compressed flag into a
// stored header, simplified from whole-chunk-file seekable framing (out of
// this core's scope — ChunkStore owns chunk bytes) down to a single blob per
// measure value.
package blobcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	flagRaw  byte = 0
	flagZstd byte = 1
)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic("blobcodec: init encoder: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("blobcodec: init decoder: " + err.Error())
	}
}

// Encode prefixes raw with a one-byte flag. If raw is at least threshold
// bytes, it is zstd-compressed first. Safe for concurrent use.
func Encode(raw []byte, threshold int) []byte {
	if threshold > 0 && len(raw) >= threshold {
		compressed := encoder.EncodeAll(raw, make([]byte, 0, len(raw)+1))
		return append([]byte{flagZstd}, compressed...)
	}
	out := make([]byte, 0, len(raw)+1)
	out = append(out, flagRaw)
	return append(out, raw...)
}

// Decode strips Encode's flag byte, decompressing if it was set. Safe for
// concurrent use.
func Decode(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("blobcodec: empty blob")
	}
	switch b[0] {
	case flagRaw:
		return b[1:], nil
	case flagZstd:
		raw, err := decoder.DecodeAll(b[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("blobcodec: zstd decode: %w", err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("blobcodec: unknown flag byte %d", b[0])
	}
}
