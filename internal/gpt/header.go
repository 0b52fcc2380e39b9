package gpt

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/edlflash/qdl/internal/errs"
)

// HeaderSize is the fixed size of the fields this package knows about; the
// on-disk header may be padded with zeros up to Header.HeaderSize (which
// must be at least this much and at most the sector size).
const HeaderSize = 92

// MinHeaderSize and the revision/signature constants from spec.md §3.
const (
	MinHeaderSize  = 92
	gptRevision    = 0x00010000
	gptSignature   = "EFI PART"
)

// Header is the parsed form of a GPT header, little-endian and
// sector-aligned on disk.
type Header struct {
	Signature           [8]byte
	Revision            uint32
	HeaderSize          uint32
	HeaderCRC32         uint32
	Reserved            uint32
	CurrentLBA          uint64
	AlternateLBA        uint64
	FirstUsableLBA      uint64
	LastUsableLBA       uint64
	DiskGUID            GUID
	PartEntriesStartLBA uint64
	NumPartEntries      uint32
	PartEntrySize       uint32
	PartEntriesCRC32    uint32
}

// ParseStatus reports non-fatal mismatches discovered while parsing a
// header rather than failing on them. It covers the header CRC32 only:
// ParseEntries does not check an entry array against PartEntriesCRC32.
type ParseStatus struct {
	HeaderCRC32Mismatch bool
	// CurrentLBAMismatch records that the header's self-reported CurrentLBA
	// did not match the sector it was actually read from. This is logged as
	// a warning by the caller, never rejected.
	CurrentLBAMismatch bool
}

// ParseHeader parses a single sector (or at least HeaderSize bytes of one)
// into a Header. actualLBA is the LBA the sector was read from, used only to
// populate ParseStatus.CurrentLBAMismatch; pass the same value as the parsed
// CurrentLBA to suppress that check.
func ParseHeader(sector []byte, actualLBA uint64) (Header, ParseStatus, error) {
	var h Header
	var st ParseStatus

	if len(sector) < HeaderSize {
		return h, st, &errs.GPTError{Detail: fmt.Sprintf("sector too short: %d bytes, want at least %d", len(sector), HeaderSize)}
	}
	copy(h.Signature[:], sector[0:8])
	if string(h.Signature[:]) != gptSignature {
		return h, st, &errs.GPTError{Detail: fmt.Sprintf("bad signature %q", h.Signature[:])}
	}
	h.Revision = binary.LittleEndian.Uint32(sector[8:12])
	if h.Revision != gptRevision {
		return h, st, &errs.GPTError{Detail: fmt.Sprintf("unsupported revision 0x%08x", h.Revision)}
	}
	h.HeaderSize = binary.LittleEndian.Uint32(sector[12:16])
	if h.HeaderSize < MinHeaderSize || int(h.HeaderSize) > len(sector) {
		return h, st, &errs.GPTError{Detail: fmt.Sprintf("invalid header size %d", h.HeaderSize)}
	}
	h.HeaderCRC32 = binary.LittleEndian.Uint32(sector[16:20])
	h.Reserved = binary.LittleEndian.Uint32(sector[20:24])
	h.CurrentLBA = binary.LittleEndian.Uint64(sector[24:32])
	h.AlternateLBA = binary.LittleEndian.Uint64(sector[32:40])
	h.FirstUsableLBA = binary.LittleEndian.Uint64(sector[40:48])
	h.LastUsableLBA = binary.LittleEndian.Uint64(sector[48:56])
	copy(h.DiskGUID[:], sector[56:72])
	h.PartEntriesStartLBA = binary.LittleEndian.Uint64(sector[72:80])
	h.NumPartEntries = binary.LittleEndian.Uint32(sector[80:84])
	h.PartEntrySize = binary.LittleEndian.Uint32(sector[84:88])
	h.PartEntriesCRC32 = binary.LittleEndian.Uint32(sector[88:92])

	if h.CurrentLBA != actualLBA {
		st.CurrentLBAMismatch = true
	}

	zeroed := make([]byte, h.HeaderSize)
	copy(zeroed, sector[:h.HeaderSize])
	binary.LittleEndian.PutUint32(zeroed[16:20], 0)
	if crc32.ChecksumIEEE(zeroed) != h.HeaderCRC32 {
		st.HeaderCRC32Mismatch = true
	}

	return h, st, nil
}

// MarshalBinary serializes the header into exactly h.HeaderSize bytes (at
// least MinHeaderSize), recomputing HeaderCRC32 (with the field itself zeroed during the
// computation, per spec.md §4.4). It fails if the resulting CRC32 is zero.
func (h Header) MarshalBinary() ([]byte, error) {
	size := h.HeaderSize
	if size < MinHeaderSize {
		size = MinHeaderSize
	}
	buf := make([]byte, size)
	copy(buf[0:8], gptSignature)
	binary.LittleEndian.PutUint32(buf[8:12], gptRevision)
	binary.LittleEndian.PutUint32(buf[12:16], size)
	// buf[16:20] (HeaderCRC32) left zero for the CRC pass.
	binary.LittleEndian.PutUint32(buf[20:24], h.Reserved)
	binary.LittleEndian.PutUint64(buf[24:32], h.CurrentLBA)
	binary.LittleEndian.PutUint64(buf[32:40], h.AlternateLBA)
	binary.LittleEndian.PutUint64(buf[40:48], h.FirstUsableLBA)
	binary.LittleEndian.PutUint64(buf[48:56], h.LastUsableLBA)
	copy(buf[56:72], h.DiskGUID[:])
	binary.LittleEndian.PutUint64(buf[72:80], h.PartEntriesStartLBA)
	binary.LittleEndian.PutUint32(buf[80:84], h.NumPartEntries)
	binary.LittleEndian.PutUint32(buf[84:88], h.PartEntrySize)
	binary.LittleEndian.PutUint32(buf[88:92], h.PartEntriesCRC32)

	crc := crc32.ChecksumIEEE(buf)
	if crc == 0 {
		return nil, &errs.GPTError{Detail: "computed header CRC32 is zero"}
	}
	binary.LittleEndian.PutUint32(buf[16:20], crc)
	return buf, nil
}
