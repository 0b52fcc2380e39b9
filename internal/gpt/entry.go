package gpt

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/edlflash/qdl/internal/errs"
)

// nameCodeUnits is the fixed UTF-16LE name field length, 36 code units
// including the NUL terminator, per spec.md §3.
const nameCodeUnits = 36

// DefaultEntrySize is the conventional UEFI partition entry size; used when
// building a fresh table.
const DefaultEntrySize = 128

// Entry is one GPT partition entry.
type Entry struct {
	TypeGUID    GUID
	UniqueGUID  GUID
	StartingLBA uint64
	EndingLBA   uint64
	Attributes  uint64
	Name        string
}

// Present reports whether this entry is occupied: its type GUID is non-zero.
func (e Entry) Present() bool { return !e.TypeGUID.IsZero() }

// Sectors returns the partition's length in sectors.
func (e Entry) Sectors() uint64 {
	if e.EndingLBA < e.StartingLBA {
		return 0
	}
	return e.EndingLBA - e.StartingLBA + 1
}

// ParseEntry decodes one partition entry from exactly entrySize bytes.
func ParseEntry(raw []byte, entrySize uint32) (Entry, error) {
	if entrySize < DefaultEntrySize {
		return Entry{}, &errs.GPTError{Detail: fmt.Sprintf("partition entry size %d smaller than minimum %d", entrySize, DefaultEntrySize)}
	}
	if len(raw) < int(entrySize) {
		return Entry{}, &errs.GPTError{Detail: fmt.Sprintf("entry buffer %d bytes, want %d", len(raw), entrySize)}
	}

	var e Entry
	copy(e.TypeGUID[:], raw[0:16])
	copy(e.UniqueGUID[:], raw[16:32])
	e.StartingLBA = binary.LittleEndian.Uint64(raw[32:40])
	e.EndingLBA = binary.LittleEndian.Uint64(raw[40:48])
	e.Attributes = binary.LittleEndian.Uint64(raw[48:56])
	e.Name = decodeName(raw[56:128])
	return e, nil
}

// MarshalBinary encodes the entry into exactly entrySize bytes.
func (e Entry) MarshalBinary(entrySize uint32) ([]byte, error) {
	if entrySize < DefaultEntrySize {
		return nil, &errs.GPTError{Detail: fmt.Sprintf("partition entry size %d smaller than minimum %d", entrySize, DefaultEntrySize)}
	}
	buf := make([]byte, entrySize)
	copy(buf[0:16], e.TypeGUID[:])
	copy(buf[16:32], e.UniqueGUID[:])
	binary.LittleEndian.PutUint64(buf[32:40], e.StartingLBA)
	binary.LittleEndian.PutUint64(buf[40:48], e.EndingLBA)
	binary.LittleEndian.PutUint64(buf[48:56], e.Attributes)
	encodeName(buf[56:128], e.Name)
	return buf, nil
}

func decodeName(raw []byte) string {
	units := make([]uint16, nameCodeUnits)
	for i := 0; i < nameCodeUnits; i++ {
		units[i] = binary.LittleEndian.Uint16(raw[i*2 : i*2+2])
	}
	// Truncate at the NUL terminator.
	for i, u := range units {
		if u == 0 {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units))
}

func encodeName(dst []byte, name string) {
	units := utf16.Encode([]rune(name))
	if len(units) > nameCodeUnits-1 {
		units = units[:nameCodeUnits-1]
	}
	for i, u := range units {
		binary.LittleEndian.PutUint16(dst[i*2:i*2+2], u)
	}
	// Remaining code units, including the terminator, stay zero.
}
