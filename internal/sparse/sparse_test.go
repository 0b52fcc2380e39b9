package sparse

import (
	"bytes"
	"encoding/binary"
	"testing"
)

const blockSize = 4096

func putFileHeader(buf *bytes.Buffer, totalBlocks, totalChunks uint32) {
	binary.Write(buf, binary.LittleEndian, FileHeader{
		Magic:           Magic,
		MajorVersion:    1,
		MinorVersion:    0,
		FileHeaderSize:  fileHeaderSize,
		ChunkHeaderSize: chunkHeaderSize,
		BlockSize:       blockSize,
		TotalBlocks:     totalBlocks,
		TotalChunks:     totalChunks,
		ImageChecksum:   0,
	})
}

func putChunkHeader(buf *bytes.Buffer, typ ChunkType, blocks uint32, payloadLen int) {
	binary.Write(buf, binary.LittleEndian, ChunkHeader{
		Type:       typ,
		Reserved:   0,
		Blocks:     blocks,
		TotalBytes: uint32(chunkHeaderSize + payloadLen),
	})
}

// buildFixture constructs the 9-block, 6-chunk sparse.img fixture described
// in spec.md §8 scenario 1 and returns it alongside the raw.img it expands
// to.
func buildFixture(t *testing.T) (sparseImg, rawImg []byte) {
	t.Helper()

	raw := func(n int, fill byte) []byte {
		b := make([]byte, n*blockSize)
		for i := range b {
			b[i] = fill
		}
		return b
	}

	rawChunk1 := raw(2, 0xAA)
	fillPattern := []byte{0x11, 0x22, 0x33, 0x44}
	zeroPattern := []byte{0x00, 0x00, 0x00, 0x00}
	rawChunk2 := raw(2, 0xBB)

	var buf bytes.Buffer
	putFileHeader(&buf, 9, 6)

	// Chunk 1: Raw, 2 blocks
	putChunkHeader(&buf, ChunkRaw, 2, len(rawChunk1))
	buf.Write(rawChunk1)

	// Chunk 2: Fill, 1 block, nonzero pattern
	putChunkHeader(&buf, ChunkFill, 1, 4)
	buf.Write(fillPattern)

	// Chunk 3: Skip, 3 blocks
	putChunkHeader(&buf, ChunkSkip, 3, 0)

	// Chunk 4: Fill, 1 block, zero pattern (a hole)
	putChunkHeader(&buf, ChunkFill, 1, 4)
	buf.Write(zeroPattern)

	// Chunk 5: Raw, 2 blocks
	putChunkHeader(&buf, ChunkRaw, 2, len(rawChunk2))
	buf.Write(rawChunk2)

	// Chunk 6: Crc32, advisory, contributes nothing
	putChunkHeader(&buf, ChunkCrc32, 0, 4)
	buf.Write([]byte{0, 0, 0, 0})

	sparseImg = buf.Bytes()

	rawImg = make([]byte, 9*blockSize)
	copy(rawImg[0:], rawChunk1)
	tiled := bytes.Repeat(fillPattern, blockSize/4)
	copy(rawImg[2*blockSize:], tiled)
	// blocks 3..5 (skip) and block 6 (zero fill) stay zero.
	copy(rawImg[7*blockSize:], rawChunk2)

	return sparseImg, rawImg
}

func TestFromRejectsBadMagic(t *testing.T) {
	s, err := From([]byte("not a sparse image, just 28+ bytes of noise!"))
	if err != nil {
		t.Fatalf("From() error = %v, want nil", err)
	}
	if s != nil {
		t.Fatalf("From() = %v, want nil for bad magic", s)
	}
}

func TestParseFileHeader(t *testing.T) {
	img, _ := buildFixture(t)
	s, err := From(img)
	if err != nil {
		t.Fatalf("From() error = %v", err)
	}
	if s == nil {
		t.Fatal("From() = nil, want parsed Sparse")
	}
	if s.Header.Magic != Magic {
		t.Errorf("Magic = 0x%x, want 0x%x", s.Header.Magic, uint32(Magic))
	}
	if s.Header.TotalBlocks != 9 {
		t.Errorf("TotalBlocks = %d, want 9", s.Header.TotalBlocks)
	}
	if s.Header.TotalChunks != 6 {
		t.Errorf("TotalChunks = %d, want 6", s.Header.TotalChunks)
	}
	if s.Header.BlockSize != blockSize {
		t.Errorf("BlockSize = %d, want %d", s.Header.BlockSize, blockSize)
	}
	if s.Header.FileHeaderSize != 28 {
		t.Errorf("FileHeaderSize = %d, want 28", s.Header.FileHeaderSize)
	}
	if s.Header.ChunkHeaderSize != 12 {
		t.Errorf("ChunkHeaderSize = %d, want 12", s.Header.ChunkHeaderSize)
	}
}

func TestMaterializeMatchesRawFixture(t *testing.T) {
	img, want := buildFixture(t)
	s, err := From(img)
	if err != nil || s == nil {
		t.Fatalf("From() = %v, %v", s, err)
	}
	got, err := s.Materialize()
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if len(got) != 9*blockSize {
		t.Fatalf("len(Materialize()) = %d, want %d", len(got), 9*blockSize)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("Materialize() output does not match expected raw fixture")
	}
}

func TestFillZeroPatternIsHoleNotData(t *testing.T) {
	img, _ := buildFixture(t)
	s, _ := From(img)
	it, err := s.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var sawZeroFillHole bool
	for {
		b, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if !ok {
			break
		}
		if b.Offset == 6*blockSize && b.Size == blockSize {
			if !b.IsHole() {
				t.Error("zero-pattern fill chunk was materialized instead of emitted as a hole")
			}
			sawZeroFillHole = true
		}
	}
	if !sawZeroFillHole {
		t.Fatal("never observed the zero-pattern fill chunk")
	}
}

func TestReadOffsetsContiguousNoGapsNoOverlap(t *testing.T) {
	img, _ := buildFixture(t)
	s, _ := From(img)
	it, err := s.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var wantNext uint64
	for {
		b, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if !ok {
			break
		}
		if b.Offset != wantNext {
			t.Fatalf("offset = %d, want %d (contiguous)", b.Offset, wantNext)
		}
		if b.Offset%blockSize != 0 {
			t.Fatalf("offset %d not block-aligned", b.Offset)
		}
		wantNext = b.Offset + b.Size
	}
	if wantNext != 9*blockSize {
		t.Fatalf("final offset = %d, want %d", wantNext, 9*blockSize)
	}
}

func TestChunkTotalBytesExceedsBlobIsRejected(t *testing.T) {
	var buf bytes.Buffer
	putFileHeader(&buf, 1, 1)
	putChunkHeader(&buf, ChunkRaw, 1, blockSize)
	// Deliberately omit the payload bytes, so TotalBytes claims more than
	// is actually present.
	img := buf.Bytes()

	s, err := From(img)
	if err != nil || s == nil {
		t.Fatalf("From() = %v, %v", s, err)
	}
	if _, err := s.Chunks(); err == nil {
		t.Fatal("Chunks() = nil error, want a SparseError for truncated payload")
	}
}

func TestUnknownChunkTypeRejected(t *testing.T) {
	var buf bytes.Buffer
	putFileHeader(&buf, 0, 1)
	putChunkHeader(&buf, ChunkType(0xDEAD), 0, 0)
	s, err := From(buf.Bytes())
	if err != nil || s == nil {
		t.Fatalf("From() = %v, %v", s, err)
	}
	if _, err := s.Chunks(); err == nil {
		t.Fatal("Chunks() = nil error, want a SparseError for unknown chunk type")
	}
}

func TestTrailingBytesRecorded(t *testing.T) {
	img, _ := buildFixture(t)
	img = append(img, 0xDE, 0xAD, 0xBE, 0xEF)
	s, _ := From(img)
	if _, err := s.Chunks(); err != nil {
		t.Fatalf("Chunks() error = %v", err)
	}
	if s.TrailingBytes != 4 {
		t.Errorf("TrailingBytes = %d, want 4", s.TrailingBytes)
	}
}
