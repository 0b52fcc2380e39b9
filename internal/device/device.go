// Package device orchestrates the Sahara/Firehose handshake, GPT
// reconciliation, and the flash/erase/repair/slot-switch operations built on
// top of them, tying the lower protocol packages to one physical target.
package device

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/edlflash/qdl/internal/config"
	"github.com/edlflash/qdl/internal/errs"
	"github.com/edlflash/qdl/internal/firehose"
	"github.com/edlflash/qdl/internal/gpt"
	"github.com/edlflash/qdl/internal/sahara"
	"github.com/edlflash/qdl/internal/sparse"
	"github.com/edlflash/qdl/internal/usbtransport"
)

// maxEraseChunkSectors mirrors firehose's per-call erase cap; eraseLun
// splits any larger span into chunks of at most this many sectors.
const maxEraseChunkSectors = 512 * 1024

// ProgressFunc reports cumulative bytes transferred so far.
type ProgressFunc func(done int64)

// Device ties a USB transport to a completed Sahara/Firehose session and
// exposes the flashing operations built on top of them.
type Device struct {
	t usbtransport.Transport

	sahara   *sahara.Session
	firehose *firehose.Session

	cfg config.Firehose
	log *logrus.Entry
}

// New constructs a Device. programmer is the Firehose loader image served to
// the target during Sahara's image upload phase.
func New(t usbtransport.Transport, programmer []byte, cfg config.Firehose, log *logrus.Entry) *Device {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Device{
		t:        t,
		sahara:   sahara.New(t, programmer, log),
		firehose: firehose.New(t, cfg, log),
		cfg:      cfg,
		log:      log,
	}
}

// Firehose exposes the underlying Firehose session for callers that need
// direct command access (e.g. getstorageinfo, reset) once Connect succeeds.
func (d *Device) Firehose() *firehose.Session { return d.firehose }

// LUNs returns the logical units discovered by the most recent Connect.
func (d *Device) LUNs() []int { return d.firehose.LUNs }

// Connect ensures the USB device is open, drives the peer into Firehose mode
// (uploading the loader over Sahara first if necessary), and issues
// <configure/>.
func (d *Device) Connect(ctx context.Context) error {
	if !d.t.Connected() {
		if err := d.t.Connect(ctx); err != nil {
			return &errs.ConnectionError{Context: "opening USB device", Cause: err}
		}
	}

	mode, err := d.sahara.Connect(ctx)
	if err != nil {
		return err
	}
	switch mode {
	case sahara.ModeSahara:
		final, err := d.sahara.UploadLoader(ctx)
		if err != nil {
			return err
		}
		if final != sahara.ModeFirehose {
			return &errs.ConnectionError{Context: fmt.Sprintf("loader upload ended in unexpected mode %q", final)}
		}
	case sahara.ModeFirehose:
		// Already past Sahara; proceed straight to Configure.
	default:
		return &errs.ConnectionError{Context: fmt.Sprintf("unrecognized probe mode %q", mode)}
	}

	return d.firehose.Configure(ctx)
}

// readTable reads and parses one GPT header plus its entry array at the
// given header sector. A transport error or a hard header-parse failure
// (bad signature/size) is folded into a corrupt ParseStatus over a zero
// Table, since nothing useful was recovered. An entry-array failure keeps
// the successfully parsed header (so its AlternateLBA is still usable by a
// caller locating the backup copy) but still reports the table as corrupt.
func (d *Device) readTable(ctx context.Context, lun int, headerSector uint64) (gpt.Table, gpt.ParseStatus) {
	corrupt := gpt.ParseStatus{HeaderCRC32Mismatch: true}

	raw, err := d.firehose.CmdReadBuffer(ctx, lun, int(headerSector), 1)
	if err != nil {
		return gpt.Table{}, corrupt
	}
	hdr, status, err := gpt.ParseHeader(raw, headerSector)
	if err != nil {
		return gpt.Table{}, corrupt
	}

	sectorSize := d.cfg.SectorSizeInBytes
	entrySize := hdr.PartEntrySize
	if entrySize == 0 {
		entrySize = gpt.DefaultEntrySize
	}
	entryBytes := uint64(hdr.NumPartEntries) * uint64(entrySize)
	entrySectors := int((entryBytes + uint64(sectorSize) - 1) / uint64(sectorSize))

	entriesRaw, err := d.firehose.CmdReadBuffer(ctx, lun, int(hdr.PartEntriesStartLBA), entrySectors)
	if err != nil {
		return gpt.Table{Header: hdr, SectorSize: sectorSize}, corrupt
	}
	entries, err := gpt.ParseEntries(entriesRaw, hdr.NumPartEntries, entrySize)
	if err != nil {
		return gpt.Table{Header: hdr, SectorSize: sectorSize}, corrupt
	}

	return gpt.Table{Header: hdr, Entries: entries, SectorSize: sectorSize}, status
}

// GetGpt reads the primary GPT (sector 1) on lun. By default (sector == 0)
// it also reads the backup copy at the primary's own AlternateLBA and
// reconciles the two per gpt.Reconcile; passing an explicit sector skips
// reconciliation entirely and returns just the table at that sector (used to
// inspect a specific copy directly, e.g. re-reading a just-written header).
func (d *Device) GetGpt(ctx context.Context, lun int, sector uint64) (gpt.Table, []string, error) {
	if sector != 0 {
		tbl, status := d.readTable(ctx, lun, sector)
		if status.HeaderCRC32Mismatch {
			return gpt.Table{}, nil, &errs.GPTError{Lun: lun, Detail: fmt.Sprintf("GPT header at sector %d is corrupt", sector)}
		}
		return tbl, nil, nil
	}

	primary, pStatus := d.readTable(ctx, lun, 1)
	if pStatus.HeaderCRC32Mismatch && primary.Header.AlternateLBA == 0 {
		return gpt.Table{}, nil, &errs.GPTError{Lun: lun, Detail: "primary GPT header is unreadable; backup location unknown"}
	}

	backup, bStatus := d.readTable(ctx, lun, primary.Header.AlternateLBA)
	result, err := gpt.Reconcile(lun, primary, pStatus, backup, bStatus)
	if err != nil {
		return gpt.Table{}, nil, err
	}
	return result.Table, result.Warnings, nil
}

// findPartition scans every discovered LUN's reconciled GPT (see GetGpt) for
// a partition named name.
func (d *Device) findPartition(ctx context.Context, name string) (int, gpt.Entry, error) {
	for _, lun := range d.firehose.LUNs {
		tbl, _, err := d.GetGpt(ctx, lun, 0)
		if err != nil {
			continue
		}
		if e, ok := tbl.FindByName(name); ok {
			return lun, e, nil
		}
	}
	return 0, gpt.Entry{}, &errs.FlashError{Partition: name, Detail: "partition not found on any LUN"}
}

// FlashBlob writes blob to the named partition, decoding it as an Android
// sparse image first if it looks like one. Writing to the literal name
// "gpt" is a documented no-op (the GPT itself is managed by repairGpt and
// setActiveSlot, not by flashing a raw blob over it).
func (d *Device) FlashBlob(ctx context.Context, name string, blob []byte, onProgress ProgressFunc) error {
	if name == "gpt" {
		return nil
	}

	lun, entry, err := d.findPartition(ctx, name)
	if err != nil {
		return err
	}

	sectorSize := d.cfg.SectorSizeInBytes
	needed := uint64((len(blob) + sectorSize - 1) / sectorSize)
	if needed > entry.Sectors() {
		return &errs.FlashError{Partition: name, Detail: fmt.Sprintf("image needs %d sectors, partition has %d", needed, entry.Sectors())}
	}

	sp, err := sparse.From(blob)
	if err != nil {
		return err
	}
	if sp == nil {
		return d.firehose.CmdProgram(ctx, lun, int(entry.StartingLBA), blob, firehose.ProgressFunc(onProgress))
	}

	// A sparse image's holes are never written, so erase the whole partition
	// range first to clear out any stale data a previous image left behind.
	if err := d.firehose.CmdErase(ctx, lun, int(entry.StartingLBA), int(entry.Sectors())); err != nil {
		return err
	}

	it, err := sp.Read()
	if err != nil {
		return err
	}

	var written int64
	for {
		block, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if block.IsHole() {
			continue
		}
		if block.Offset%uint64(sectorSize) != 0 {
			return &errs.FlashError{Partition: name, Detail: fmt.Sprintf("sparse block offset %d is not sector-aligned", block.Offset)}
		}
		sector := entry.StartingLBA + block.Offset/uint64(sectorSize)
		if err := d.firehose.CmdProgram(ctx, lun, int(sector), block.Data, nil); err != nil {
			return err
		}
		written += int64(len(block.Data))
		if onProgress != nil {
			onProgress(written)
		}
	}
	return nil
}

type lbaRange struct{ Start, End uint64 } // inclusive

func mergeRanges(ranges []lbaRange) []lbaRange {
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	merged := []lbaRange{ranges[0]}
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// invertRanges returns the gaps in [0, last] not covered by protected
// (already merged, sorted, non-overlapping).
func invertRanges(last uint64, protected []lbaRange) []lbaRange {
	var free []lbaRange
	var cursor uint64
	for _, r := range protected {
		if r.Start > cursor {
			free = append(free, lbaRange{Start: cursor, End: r.Start - 1})
		}
		if r.End+1 > cursor {
			cursor = r.End + 1
		}
	}
	if cursor <= last {
		free = append(free, lbaRange{Start: cursor, End: last})
	}
	return free
}

// Range is an inclusive LBA span, exported for callers (e.g. a dry-run CLI
// mode) that want to inspect what EraseLun would touch without running it.
type Range struct{ Start, End uint64 }

// FreeRanges computes the sectors of lun that EraseLun would erase: every
// span not occupied by the GPT structures or by a partition named in
// preserve (default: "mbr", "gpt", and "persist", the latter naming an
// actual partition entry to protect; "mbr"/"gpt" name the structural
// regions already protected unconditionally).
func (d *Device) FreeRanges(ctx context.Context, lun int, preserve []string) ([]Range, error) {
	tbl, _, err := d.GetGpt(ctx, lun, 0)
	if err != nil {
		return nil, err
	}

	protect := []lbaRange{
		{Start: 0, End: 0}, // protective MBR
		{Start: tbl.Header.CurrentLBA, End: tbl.Header.FirstUsableLBA - 1},
		{Start: tbl.Header.LastUsableLBA + 1, End: tbl.Header.AlternateLBA},
	}
	preserveNames := make(map[string]bool)
	for _, p := range preserve {
		if p == "mbr" || p == "gpt" {
			continue
		}
		preserveNames[p] = true
	}
	for _, e := range tbl.Entries {
		if e.Present() && preserveNames[e.Name] {
			protect = append(protect, lbaRange{Start: e.StartingLBA, End: e.EndingLBA})
		}
	}

	free := invertRanges(tbl.Header.AlternateLBA, mergeRanges(protect))
	out := make([]Range, len(free))
	for i, r := range free {
		out[i] = Range{Start: r.Start, End: r.End}
	}
	return out, nil
}

// EraseLun erases every free sector of lun (see FreeRanges), chunking each
// span to stay within the Firehose erase-call sector cap.
func (d *Device) EraseLun(ctx context.Context, lun int, preserve []string) error {
	free, err := d.FreeRanges(ctx, lun, preserve)
	if err != nil {
		return err
	}

	for _, r := range free {
		start := r.Start
		for start <= r.End {
			count := r.End - start + 1
			if count > maxEraseChunkSectors {
				count = maxEraseChunkSectors
			}
			if err := d.firehose.CmdErase(ctx, lun, int(start), int(count)); err != nil {
				return err
			}
			start += count
		}
	}
	return nil
}

// writeTable serializes tbl's entries and header and writes both back to
// their LBAs.
func (d *Device) writeTable(ctx context.Context, lun int, tbl gpt.Table) error {
	entries, err := tbl.BuildEntries()
	if err != nil {
		return err
	}
	if err := d.firehose.CmdProgram(ctx, lun, int(tbl.Header.PartEntriesStartLBA), entries, nil); err != nil {
		return err
	}
	header, err := tbl.BuildHeader()
	if err != nil {
		return err
	}
	return d.firehose.CmdProgram(ctx, lun, int(tbl.Header.CurrentLBA), header, nil)
}

// RepairGpt rewrites the primary GPT area of lun from primaryBlob (a
// protective-MBR-plus-header-plus-entries image prepared by the caller),
// asks the programmer to grow the last partition and regenerate its own
// backup header via <fixgpt/>, then re-reads the repaired primary and
// writes a matching alternate copy at the end of the disk.
func (d *Device) RepairGpt(ctx context.Context, lun int, primaryBlob []byte) error {
	if err := d.firehose.CmdProgram(ctx, lun, 0, primaryBlob, nil); err != nil {
		return err
	}
	if err := d.firehose.CmdFixGpt(ctx, lun); err != nil {
		return err
	}

	tbl, _, err := d.GetGpt(ctx, lun, 0)
	if err != nil {
		return err
	}

	alt := tbl.AsAlternate()
	return d.writeTable(ctx, lun, alt)
}

// SetActiveSlot marks slot ("a" or "b") active across every present A/B
// partition pair on every discovered LUN, rewriting each LUN's primary GPT,
// then tells the programmer which LUN holds the bootable partition.
func (d *Device) SetActiveSlot(ctx context.Context, slot string) error {
	if slot != "a" && slot != "b" {
		return &errs.ValidationError{Field: "slot", Detail: fmt.Sprintf("must be \"a\" or \"b\", got %q", slot)}
	}

	for _, lun := range d.firehose.LUNs {
		tbl, _, err := d.GetGpt(ctx, lun, 0)
		if err != nil {
			continue // this LUN carries no GPT, e.g. a raw scratch LUN
		}
		tbl.SetActiveSlot(slot)
		if err := d.writeTable(ctx, lun, tbl); err != nil {
			return err
		}
	}

	bootLun := 1
	if slot == "b" {
		bootLun = 2
	}
	return d.firehose.CmdSetBootLunId(ctx, bootLun)
}
