package gpt

import "strings"

// A/B attribute bits live in the GUID-specific-use field of the 64-bit
// Attributes word, which begins at bit offset 48. The named flags are bit
// positions within that field, counted from bit 48: SLOT_ACTIVE is field
// bit 2, BOOT_SUCCESSFUL 6, UNBOOTABLE 7, and TRIES_REMAINING bits 8..11.
const (
	abFieldBase     = 48
	abActiveBit     = abFieldBase + 2 // bit 50: SLOT_ACTIVE = 1<<2 within the field
	abSuccessfulBit = abFieldBase + 6 // bit 54: BOOT_SUCCESSFUL = 1<<6 within the field
	abUnbootableBit = abFieldBase + 7 // bit 55: UNBOOTABLE = 1<<7 within the field
	abTriesShift    = abFieldBase + 8 // bits 56..59: TRIES_REMAINING = bits 8..11 within the field
	abTriesMask     = 0xF
)

// abFlags is the decoded form of the A/B bits of an Attributes word.
type abFlags struct {
	Active     bool
	Successful bool
	Unbootable bool
	Tries      uint8
}

func decodeAB(attrs uint64) abFlags {
	return abFlags{
		Active:     attrs&(1<<abActiveBit) != 0,
		Successful: attrs&(1<<abSuccessfulBit) != 0,
		Unbootable: attrs&(1<<abUnbootableBit) != 0,
		Tries:      uint8((attrs >> abTriesShift) & abTriesMask),
	}
}

func (f abFlags) encode(attrs uint64) uint64 {
	const mask = uint64(1)<<abActiveBit | uint64(1)<<abSuccessfulBit | uint64(1)<<abUnbootableBit | uint64(abTriesMask)<<abTriesShift
	attrs &^= mask
	if f.Active {
		attrs |= 1 << abActiveBit
	}
	if f.Successful {
		attrs |= 1 << abSuccessfulBit
	}
	if f.Unbootable {
		attrs |= 1 << abUnbootableBit
	}
	attrs |= uint64(f.Tries&abTriesMask) << abTriesShift
	return attrs
}

// slotSuffix returns the trailing "a" or "b" of a partition name ending in
// "_a" or "_b", and whether it had one.
func slotSuffix(name string) (suffix string, ok bool) {
	if strings.HasSuffix(name, "_a") {
		return "a", true
	}
	if strings.HasSuffix(name, "_b") {
		return "b", true
	}
	return "", false
}

// isBootPartition reports whether name is the bootable entry that should
// drive the actual slot choice (as opposed to an inert A/B mirror).
func isBootPartition(name string) bool {
	return name == "boot_a" || name == "boot_b"
}

// GetActiveSlot scans present entries whose name ends in "_a" or "_b" and
// returns the suffix letter of the first whose A/B active bit is set. If
// none is found, it returns "a" (the documented fallback).
func GetActiveSlot(entries []Entry) string {
	for _, e := range entries {
		if !e.Present() {
			continue
		}
		suffix, ok := slotSuffix(e.Name)
		if !ok {
			continue
		}
		if decodeAB(e.Attributes).Active {
			return suffix
		}
	}
	return "a"
}

// SetActiveSlot mutates the Attributes field of every present A/B entry in
// place so that slot becomes active, per spec.md §4.4.
func SetActiveSlot(entries []Entry, slot string) {
	for i := range entries {
		e := &entries[i]
		if !e.Present() {
			continue
		}
		suffix, ok := slotSuffix(e.Name)
		if !ok {
			continue
		}
		active := suffix == slot
		var f abFlags
		if isBootPartition(e.Name) {
			f = abFlags{Active: active, Successful: active, Unbootable: false, Tries: 0}
		} else {
			f = abFlags{Active: active, Successful: false, Unbootable: true, Tries: 0}
		}
		e.Attributes = f.encode(e.Attributes)
	}
}
