// Package gpt parses and builds GUID Partition Tables: headers, partition
// entry arrays, CRC32 validation, primary/backup reconciliation, and the A/B
// slot attribute convention used to pick an active boot slot.
package gpt

import (
	"fmt"
	"hash/crc32"

	"github.com/edlflash/qdl/internal/errs"
)

// Table is a parsed GPT: one header plus its partition entry array.
type Table struct {
	Header     Header
	Entries    []Entry
	SectorSize int
}

// ParseEntries decodes numEntries consecutive entries of entrySize bytes
// each out of raw.
func ParseEntries(raw []byte, numEntries uint32, entrySize uint32) ([]Entry, error) {
	entries := make([]Entry, 0, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		start := int(i * entrySize)
		end := start + int(entrySize)
		if end > len(raw) {
			return nil, &errs.GPTError{Detail: fmt.Sprintf("entry %d out of bounds of %d-byte buffer", i, len(raw))}
		}
		e, err := ParseEntry(raw[start:end], entrySize)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// BuildEntries serializes t.Entries back into a single contiguous buffer
// using t.Header.PartEntrySize (or DefaultEntrySize if unset).
func (t Table) BuildEntries() ([]byte, error) {
	entrySize := t.Header.PartEntrySize
	if entrySize == 0 {
		entrySize = DefaultEntrySize
	}
	buf := make([]byte, 0, int(entrySize)*len(t.Entries))
	for i, e := range t.Entries {
		b, err := e.MarshalBinary(entrySize)
		if err != nil {
			return nil, fmt.Errorf("gpt: entry %d: %w", i, err)
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

// entriesCRC32 computes the CRC32 used for Header.PartEntriesCRC32.
func entriesCRC32(entries []byte) uint32 {
	return crc32.ChecksumIEEE(entries)
}

// GetActiveSlot returns the suffix ("a" or "b") of the currently active A/B
// slot among t.Entries, defaulting to "a" if none is marked active.
func (t Table) GetActiveSlot() string {
	return GetActiveSlot(t.Entries)
}

// SetActiveSlot mutates t.Entries in place to make slot ("a" or "b") active.
func (t *Table) SetActiveSlot(slot string) {
	SetActiveSlot(t.Entries, slot)
}

// FindByName returns the first present entry named name.
func (t Table) FindByName(name string) (Entry, bool) {
	for _, e := range t.Entries {
		if e.Present() && e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// entryArrayLBAs is the number of sectors occupied by a serialized entry
// array, rounded up.
func entryArrayLBAs(numEntries, entrySize uint32, sectorSize int) uint64 {
	if sectorSize <= 0 {
		sectorSize = 512
	}
	total := uint64(numEntries) * uint64(entrySize)
	return (total + uint64(sectorSize) - 1) / uint64(sectorSize)
}

// AsAlternate returns a fresh Table whose header has CurrentLBA and
// AlternateLBA swapped and PartEntriesStartLBA recomputed to sit just before
// the alternate header, with the entry array cloned verbatim.
func (t Table) AsAlternate() Table {
	alt := t.Header
	alt.CurrentLBA, alt.AlternateLBA = t.Header.AlternateLBA, t.Header.CurrentLBA
	lbas := entryArrayLBAs(t.Header.NumPartEntries, t.Header.PartEntrySize, t.SectorSize)
	alt.PartEntriesStartLBA = alt.CurrentLBA - lbas

	entries := make([]Entry, len(t.Entries))
	copy(entries, t.Entries)

	return Table{Header: alt, Entries: entries, SectorSize: t.SectorSize}
}

// BuildHeader serializes the header, first recomputing PartEntriesCRC32 from
// the current entry array and then HeaderCRC32 from the serialized header
// with that field zeroed. It fails if either CRC comes out zero.
func (t Table) BuildHeader() ([]byte, error) {
	entries, err := t.BuildEntries()
	if err != nil {
		return nil, err
	}
	crc := entriesCRC32(entries)
	if crc == 0 {
		return nil, &errs.GPTError{Detail: "computed partition entry array CRC32 is zero"}
	}
	h := t.Header
	h.PartEntriesCRC32 = crc
	return h.MarshalBinary()
}

// ReconcileResult is the outcome of reconciling a primary and backup GPT, per
// spec.md §4.7's getGpt.
type ReconcileResult struct {
	Table    Table
	Source   string // "primary" or "backup"
	Warnings []string
}

// Reconcile picks between a primary and backup (alternate) GPT reading,
// given their parse statuses:
//   - both headers corrupt: error
//   - primary header corrupt: use backup
//   - entry array CRC32 mismatch between the two: prefer primary, warn
//   - otherwise: primary
func Reconcile(lun int, primary Table, primaryStatus ParseStatus, backup Table, backupStatus ParseStatus) (ReconcileResult, error) {
	if primaryStatus.HeaderCRC32Mismatch && backupStatus.HeaderCRC32Mismatch {
		return ReconcileResult{}, &errs.GPTError{Lun: lun, Detail: "both primary and backup GPT headers are corrupt"}
	}
	if primaryStatus.HeaderCRC32Mismatch {
		return ReconcileResult{Table: backup, Source: "backup", Warnings: []string{"primary GPT header corrupt, using backup"}}, nil
	}

	primaryEntries, err := primary.BuildEntries()
	if err != nil {
		return ReconcileResult{}, err
	}
	backupEntries, err := backup.BuildEntries()
	if err != nil {
		return ReconcileResult{}, err
	}
	if entriesCRC32(primaryEntries) != entriesCRC32(backupEntries) {
		return ReconcileResult{Table: primary, Source: "primary", Warnings: []string{"primary/backup partition entry arrays disagree (CRC32 mismatch), preferring primary"}}, nil
	}

	return ReconcileResult{Table: primary, Source: "primary"}, nil
}
