// Package sparse decodes the Android sparse image container: a run-length
// encoded stream of Raw/Fill/Skip/Crc32 chunks that expands into a flat
// block device image.
package sparse

import (
	"encoding/binary"
	"fmt"

	"github.com/edlflash/qdl/internal/errs"
)

// Magic is the sparse file header magic number.
const Magic = 0xED26FF3A

// ChunkType identifies the payload shape of a single chunk.
type ChunkType uint16

const (
	ChunkRaw   ChunkType = 0xCAC1
	ChunkFill  ChunkType = 0xCAC2
	ChunkSkip  ChunkType = 0xCAC3
	ChunkCrc32 ChunkType = 0xCAC4
)

func (t ChunkType) String() string {
	switch t {
	case ChunkRaw:
		return "raw"
	case ChunkFill:
		return "fill"
	case ChunkSkip:
		return "skip"
	case ChunkCrc32:
		return "crc32"
	default:
		return fmt.Sprintf("unknown(0x%04x)", uint16(t))
	}
}

const (
	fileHeaderSize  = 28
	chunkHeaderSize = 12
)

// FileHeader mirrors the 28-byte sparse image file header.
type FileHeader struct {
	Magic           uint32
	MajorVersion    uint16
	MinorVersion    uint16
	FileHeaderSize  uint16
	ChunkHeaderSize uint16
	BlockSize       uint32
	TotalBlocks     uint32
	TotalChunks     uint32
	ImageChecksum   uint32
}

// ChunkHeader mirrors the 12-byte per-chunk header.
type ChunkHeader struct {
	Type       ChunkType
	Reserved   uint16
	Blocks     uint32
	TotalBytes uint32 // including the 12-byte chunk header itself
}

// Chunk is one fully-parsed chunk: its header plus the slice of blob bytes
// making up its payload (empty for Skip and Crc32 chunks).
type Chunk struct {
	Header  ChunkHeader
	Payload []byte
}

// Sparse is a parsed, not-yet-expanded sparse image holding its own copy of
// the blob it was parsed from (copied on parse, so ownership of the Sparse
// value is independent of the caller's blob afterwards).
type Sparse struct {
	Header FileHeader
	blob   []byte

	// TrailingBytes counts bytes left over in blob after the declared chunks
	// were consumed; non-zero indicates a (non-fatal) trailing-bytes warning.
	TrailingBytes int
}

// From parses the first 28 bytes of blob as a sparse file header. It returns
// (nil, nil) when the magic does not match — the blob is simply not a sparse
// image. It returns a non-nil error for any size or shape violation once the
// magic has matched.
func From(blob []byte) (*Sparse, error) {
	if len(blob) < fileHeaderSize {
		return nil, nil
	}
	magic := binary.LittleEndian.Uint32(blob[0:4])
	if magic != Magic {
		return nil, nil
	}

	hdr := FileHeader{
		Magic:           magic,
		MajorVersion:    binary.LittleEndian.Uint16(blob[4:6]),
		MinorVersion:    binary.LittleEndian.Uint16(blob[6:8]),
		FileHeaderSize:  binary.LittleEndian.Uint16(blob[8:10]),
		ChunkHeaderSize: binary.LittleEndian.Uint16(blob[10:12]),
		BlockSize:       binary.LittleEndian.Uint32(blob[12:16]),
		TotalBlocks:     binary.LittleEndian.Uint32(blob[16:20]),
		TotalChunks:     binary.LittleEndian.Uint32(blob[20:24]),
		ImageChecksum:   binary.LittleEndian.Uint32(blob[24:28]),
	}
	if hdr.FileHeaderSize < fileHeaderSize {
		return nil, &errs.SparseError{Detail: fmt.Sprintf("file header size %d smaller than minimum %d", hdr.FileHeaderSize, fileHeaderSize)}
	}
	if hdr.ChunkHeaderSize < chunkHeaderSize {
		return nil, &errs.SparseError{Detail: fmt.Sprintf("chunk header size %d smaller than minimum %d", hdr.ChunkHeaderSize, chunkHeaderSize)}
	}
	if hdr.BlockSize == 0 || hdr.BlockSize%4 != 0 {
		return nil, &errs.SparseError{Detail: fmt.Sprintf("invalid block size %d", hdr.BlockSize)}
	}
	if int(hdr.FileHeaderSize) > len(blob) {
		return nil, &errs.SparseError{Detail: "file header size exceeds blob length"}
	}

	buf := make([]byte, len(blob))
	copy(buf, blob)

	return &Sparse{Header: hdr, blob: buf}, nil
}

// Chunks parses the chunk array strictly in file order, validating that each
// chunk's declared TotalBytes fits within the blob. It populates
// TrailingBytes with any bytes left after the last declared chunk.
func (s *Sparse) Chunks() ([]Chunk, error) {
	off := int(s.Header.FileHeaderSize)
	chunks := make([]Chunk, 0, s.Header.TotalChunks)

	for i := uint32(0); i < s.Header.TotalChunks; i++ {
		if off+chunkHeaderSize > len(s.blob) {
			return nil, &errs.SparseError{Detail: fmt.Sprintf("chunk %d header exceeds blob bounds", i)}
		}
		raw := s.blob[off : off+chunkHeaderSize]
		ch := ChunkHeader{
			Type:       ChunkType(binary.LittleEndian.Uint16(raw[0:2])),
			Reserved:   binary.LittleEndian.Uint16(raw[2:4]),
			Blocks:     binary.LittleEndian.Uint32(raw[4:8]),
			TotalBytes: binary.LittleEndian.Uint32(raw[8:12]),
		}
		switch ch.Type {
		case ChunkRaw, ChunkFill, ChunkSkip, ChunkCrc32:
		default:
			return nil, &errs.SparseError{Detail: fmt.Sprintf("chunk %d: unknown chunk type 0x%04x", i, uint16(ch.Type))}
		}
		if ch.TotalBytes < chunkHeaderSize {
			return nil, &errs.SparseError{Detail: fmt.Sprintf("chunk %d: total bytes %d smaller than chunk header", i, ch.TotalBytes)}
		}
		end := off + int(ch.TotalBytes)
		if end > len(s.blob) {
			return nil, &errs.SparseError{Detail: fmt.Sprintf("chunk %d: total bytes %d exceeds blob bounds", i, ch.TotalBytes)}
		}
		payload := s.blob[off+chunkHeaderSize : end]

		switch ch.Type {
		case ChunkRaw:
			want := int(ch.Blocks) * int(s.Header.BlockSize)
			if len(payload) != want {
				return nil, &errs.SparseError{Detail: fmt.Sprintf("chunk %d: raw payload %d bytes, want %d", i, len(payload), want)}
			}
		case ChunkFill:
			if len(payload) != 4 {
				return nil, &errs.SparseError{Detail: fmt.Sprintf("chunk %d: fill payload %d bytes, want 4", i, len(payload))}
			}
		case ChunkCrc32:
			if len(payload) != 4 {
				return nil, &errs.SparseError{Detail: fmt.Sprintf("chunk %d: crc32 payload %d bytes, want 4", i, len(payload))}
			}
		}

		chunks = append(chunks, Chunk{Header: ch, Payload: payload})
		off = end
	}

	s.TrailingBytes = len(s.blob) - off
	return chunks, nil
}

// Block is one emitted unit from Read: either literal Data, or a hole of
// Size bytes (Data == nil) at Offset, which is always block-aligned.
type Block struct {
	Offset uint64
	Data   []byte
	Size   uint64
}

// IsHole reports whether this block represents a zeroed run with no
// backing bytes.
func (b Block) IsHole() bool { return b.Data == nil }

// Iterator produces the (offset, data-or-hole, size) sequence described in
// spec.md §4.3. It is finite and not restartable; call s.Read() again (which
// re-walks s.Chunks()) to restart.
type Iterator struct {
	chunks []Chunk
	idx    int
	offset uint64
	block  uint64
	err    error
}

// Read parses the chunk array (re-parsing on every call) and returns a fresh,
// one-shot iterator over the expansion sequence.
func (s *Sparse) Read() (*Iterator, error) {
	chunks, err := s.Chunks()
	if err != nil {
		return nil, err
	}
	return &Iterator{chunks: chunks, block: uint64(s.Header.BlockSize)}, nil
}

func isZeroPattern(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

// Next returns the next emitted Block. ok is false once the sequence is
// exhausted (with err == nil) or a chunk fails to materialize (err != nil).
func (it *Iterator) Next() (Block, bool, error) {
	if it.err != nil {
		return Block{}, false, it.err
	}
	for it.idx < len(it.chunks) {
		ch := it.chunks[it.idx]
		it.idx++

		size := uint64(ch.Header.Blocks) * it.block
		offset := it.offset
		it.offset += size

		switch ch.Header.Type {
		case ChunkCrc32:
			continue // advisory, contributes no output
		case ChunkSkip:
			return Block{Offset: offset, Data: nil, Size: size}, true, nil
		case ChunkRaw:
			return Block{Offset: offset, Data: ch.Payload, Size: size}, true, nil
		case ChunkFill:
			if isZeroPattern(ch.Payload) {
				return Block{Offset: offset, Data: nil, Size: size}, true, nil
			}
			data := make([]byte, size)
			for i := uint64(0); i < size; i += 4 {
				copy(data[i:], ch.Payload)
			}
			return Block{Offset: offset, Data: data, Size: size}, true, nil
		}
	}
	return Block{}, false, nil
}

// Materialize fully expands the iterator into a single contiguous byte
// slice of size Header.TotalBlocks*Header.BlockSize, filling holes with
// zeros. Intended for tests and small images; flashing should stream via
// Next instead.
func (s *Sparse) Materialize() ([]byte, error) {
	total := uint64(s.Header.TotalBlocks) * uint64(s.Header.BlockSize)
	out := make([]byte, total)
	it, err := s.Read()
	if err != nil {
		return nil, err
	}
	for {
		b, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if b.Data != nil {
			copy(out[b.Offset:b.Offset+b.Size], b.Data)
		}
	}
	return out, nil
}
