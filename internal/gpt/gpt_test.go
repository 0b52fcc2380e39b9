package gpt

import (
	"testing"
)

const testSectorSize = 512

func fourPartTable(t *testing.T) Table {
	t.Helper()
	h := Header{
		HeaderSize:          HeaderSize,
		CurrentLBA:          1,
		AlternateLBA:        199,
		FirstUsableLBA:      6,
		LastUsableLBA:       190,
		DiskGUID:            NewRandomGUID(),
		PartEntriesStartLBA: 2,
		NumPartEntries:      4,
		PartEntrySize:       DefaultEntrySize,
	}
	entries := []Entry{
		{TypeGUID: TypeLinuxFilesystemData, UniqueGUID: NewRandomGUID(), StartingLBA: 6, EndingLBA: 20, Name: "boot_a"},
		{TypeGUID: TypeLinuxFilesystemData, UniqueGUID: NewRandomGUID(), StartingLBA: 21, EndingLBA: 35, Name: "boot_b"},
		{TypeGUID: TypeLinuxFilesystemData, UniqueGUID: NewRandomGUID(), StartingLBA: 36, EndingLBA: 100, Name: "system_a"},
		{TypeGUID: TypeLinuxFilesystemData, UniqueGUID: NewRandomGUID(), StartingLBA: 101, EndingLBA: 190, Name: "system_b"},
	}
	SetActiveSlot(entries, "a")
	return Table{Header: h, Entries: entries, SectorSize: testSectorSize}
}

// TestSlotToggle is spec.md §8 scenario 2: LUN 4 slot toggle.
func TestSlotToggle(t *testing.T) {
	tbl := fourPartTable(t)

	if got := tbl.GetActiveSlot(); got != "a" {
		t.Fatalf("GetActiveSlot() = %q, want %q", got, "a")
	}

	tbl.SetActiveSlot("a")
	if got := tbl.GetActiveSlot(); got != "a" {
		t.Fatalf("GetActiveSlot() after setActiveSlot(a) = %q, want %q", got, "a")
	}

	tbl.SetActiveSlot("b")
	if got := tbl.GetActiveSlot(); got != "b" {
		t.Fatalf("GetActiveSlot() after setActiveSlot(b) = %q, want %q", got, "b")
	}

	entries, err := tbl.BuildEntries()
	if err != nil {
		t.Fatalf("BuildEntries() error = %v", err)
	}
	if entriesCRC32(entries) == 0 {
		t.Fatal("entries CRC32 recomputed to zero")
	}

	headerBytes, err := tbl.BuildHeader()
	if err != nil {
		t.Fatalf("BuildHeader() error = %v", err)
	}
	parsed, status, err := ParseHeader(headerBytes, tbl.Header.CurrentLBA)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if status.HeaderCRC32Mismatch {
		t.Fatal("freshly built header reports a CRC32 mismatch")
	}
	if parsed.HeaderCRC32 == 0 {
		t.Fatal("header CRC32 recomputed to zero")
	}
}

func TestSetActiveSlotMarksNonBootMirrorsUnbootable(t *testing.T) {
	tbl := fourPartTable(t)
	tbl.SetActiveSlot("b")

	systemB, ok := tbl.FindByName("system_b")
	if !ok {
		t.Fatal("system_b not found")
	}
	f := decodeAB(systemB.Attributes)
	if !f.Active {
		t.Error("system_b: Active = false, want true")
	}
	if f.Successful {
		t.Error("system_b: Successful = true, want false (non-boot mirror)")
	}
	if !f.Unbootable {
		t.Error("system_b: Unbootable = false, want true (non-boot mirror)")
	}

	bootA, ok := tbl.FindByName("boot_a")
	if !ok {
		t.Fatal("boot_a not found")
	}
	f = decodeAB(bootA.Attributes)
	if f.Active {
		t.Error("boot_a: Active = true, want false")
	}
	if f.Successful {
		t.Error("boot_a: Successful = true, want false")
	}
}

func TestHeaderEntryRoundTrip(t *testing.T) {
	tbl := fourPartTable(t)

	headerBytes, err := tbl.BuildHeader()
	if err != nil {
		t.Fatalf("BuildHeader() error = %v", err)
	}
	parsed, status, err := ParseHeader(headerBytes, 1)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if status.HeaderCRC32Mismatch || status.CurrentLBAMismatch {
		t.Fatalf("unexpected status %+v", status)
	}
	if parsed.NumPartEntries != tbl.Header.NumPartEntries {
		t.Errorf("NumPartEntries = %d, want %d", parsed.NumPartEntries, tbl.Header.NumPartEntries)
	}
	if parsed.DiskGUID != tbl.Header.DiskGUID {
		t.Errorf("DiskGUID = %v, want %v", parsed.DiskGUID, tbl.Header.DiskGUID)
	}

	entryBytes, err := tbl.BuildEntries()
	if err != nil {
		t.Fatalf("BuildEntries() error = %v", err)
	}
	entries, err := ParseEntries(entryBytes, tbl.Header.NumPartEntries, tbl.Header.PartEntrySize)
	if err != nil {
		t.Fatalf("ParseEntries() error = %v", err)
	}
	for i, e := range entries {
		if e.Name != tbl.Entries[i].Name {
			t.Errorf("entry %d: Name = %q, want %q", i, e.Name, tbl.Entries[i].Name)
		}
		if e.Sectors() != tbl.Entries[i].Sectors() {
			t.Errorf("entry %d: Sectors() = %d, want %d", i, e.Sectors(), tbl.Entries[i].Sectors())
		}
	}
}

func TestAsAlternateSwapsLBAsAndClonesEntries(t *testing.T) {
	tbl := fourPartTable(t)
	alt := tbl.AsAlternate()

	if alt.Header.CurrentLBA != tbl.Header.AlternateLBA {
		t.Errorf("alt.CurrentLBA = %d, want %d", alt.Header.CurrentLBA, tbl.Header.AlternateLBA)
	}
	if alt.Header.AlternateLBA != tbl.Header.CurrentLBA {
		t.Errorf("alt.AlternateLBA = %d, want %d", alt.Header.AlternateLBA, tbl.Header.CurrentLBA)
	}
	wantStart := tbl.Header.AlternateLBA - entryArrayLBAs(tbl.Header.NumPartEntries, tbl.Header.PartEntrySize, tbl.SectorSize)
	if alt.Header.PartEntriesStartLBA != wantStart {
		t.Errorf("alt.PartEntriesStartLBA = %d, want %d", alt.Header.PartEntriesStartLBA, wantStart)
	}
	if len(alt.Entries) != len(tbl.Entries) {
		t.Fatalf("alt has %d entries, want %d", len(alt.Entries), len(tbl.Entries))
	}
	alt.Entries[0].Name = "mutated"
	if tbl.Entries[0].Name == "mutated" {
		t.Fatal("AsAlternate() entries alias the original slice, want a clone")
	}
}

func TestReconcilePrefersPrimaryWhenBothGood(t *testing.T) {
	primary := fourPartTable(t)
	backup := primary

	res, err := Reconcile(4, primary, ParseStatus{}, backup, ParseStatus{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Source != "primary" {
		t.Errorf("Source = %q, want %q", res.Source, "primary")
	}
	if len(res.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none", res.Warnings)
	}
}

func TestReconcileFallsBackOnPrimaryCorrupt(t *testing.T) {
	primary := fourPartTable(t)
	backup := fourPartTable(t)

	res, err := Reconcile(4, primary, ParseStatus{HeaderCRC32Mismatch: true}, backup, ParseStatus{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Source != "backup" {
		t.Errorf("Source = %q, want %q", res.Source, "backup")
	}
	if len(res.Warnings) == 0 {
		t.Error("want a warning when falling back to backup")
	}
}

func TestReconcileBothCorruptIsGPTError(t *testing.T) {
	primary := fourPartTable(t)
	backup := fourPartTable(t)

	_, err := Reconcile(4, primary, ParseStatus{HeaderCRC32Mismatch: true}, backup, ParseStatus{HeaderCRC32Mismatch: true})
	if err == nil {
		t.Fatal("Reconcile() error = nil, want GPTError for both corrupt")
	}
}

func TestReconcilePrefersPrimaryOnEntryArrayMismatch(t *testing.T) {
	primary := fourPartTable(t)
	backup := fourPartTable(t)
	backup.Entries[0].Name = "divergent"

	res, err := Reconcile(4, primary, ParseStatus{}, backup, ParseStatus{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Source != "primary" {
		t.Errorf("Source = %q, want %q", res.Source, "primary")
	}
	if len(res.Warnings) == 0 {
		t.Error("want a warning on entry array CRC32 mismatch")
	}
}

func TestGUIDStringRoundTripsThroughParse(t *testing.T) {
	const s = "0fc63daf-8483-4772-8e79-3d69d8477de4"
	g, err := ParseGUID(s)
	if err != nil {
		t.Fatalf("ParseGUID() error = %v", err)
	}
	if got := g.String(); got != s {
		t.Errorf("String() = %q, want %q", got, s)
	}
	if g != TypeLinuxFilesystemData {
		t.Error("parsed GUID does not equal TypeLinuxFilesystemData constant")
	}
}
