// Package firehose implements the XML-framed Firehose block-I/O protocol:
// configure, read, program, erase, and the device-message log accumulator.
package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edlflash/qdl/internal/config"
	"github.com/edlflash/qdl/internal/errs"
	"github.com/edlflash/qdl/internal/usbtransport"
	"github.com/edlflash/qdl/internal/xmlcodec"
)

const (
	waitForDataPerReadTimeout = 150 * time.Millisecond
	waitForDataRetries        = 3
	configureWriteBudget      = 1 * time.Second
	rawmodeReadBudget         = 2 * time.Second
	chunkWriteBudget          = 5 * time.Second

	// maxEraseSectorsPerCall bounds a single cmdErase call to 512 Ki
	// sectors (2 GiB at 4 KiB sectors); callers split larger ranges.
	maxEraseSectorsPerCall = 512 * 1024
)

// ProgressFunc reports cumulative bytes written/erased so far.
type ProgressFunc func(done int64)

// Response is the parsed result of one xmlSend round trip.
type Response struct {
	OK   bool
	Data map[string]string
	Log  []string
}

// Session drives the Firehose protocol over a transport already left in
// Firehose mode by a completed Sahara loader upload.
type Session struct {
	t   usbtransport.Transport
	cfg config.Firehose
	log *logrus.Entry

	LUNs []int

	dedup *messageDedup
}

// New constructs a Session. Call Configure before issuing any other
// command.
func New(t usbtransport.Transport, cfg config.Firehose, log *logrus.Entry) *Session {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{t: t, cfg: cfg, log: log, dedup: newMessageDedup(log)}
}

// waitForData accumulates bulk reads with a per-read timeout, stopping once
// a "<response" fragment is present or the retry budget of empty reads is
// exhausted.
func (s *Session) waitForData(ctx context.Context) ([]byte, error) {
	var buf []byte
	empties := 0
	for empties < waitForDataRetries {
		readCtx, cancel := context.WithTimeout(ctx, waitForDataPerReadTimeout)
		chunk, err := s.t.Read(readCtx, 0)
		cancel()
		if err != nil || len(chunk) == 0 {
			empties++
			continue
		}
		buf = append(buf, chunk...)
		if strings.Contains(string(buf), "<response") {
			return buf, nil
		}
	}
	if len(buf) == 0 {
		return nil, &errs.TimeoutError{Op: "firehose waitForData", Ms: int(waitForDataPerReadTimeout.Milliseconds()) * waitForDataRetries}
	}
	return buf, nil
}

// xmlSend writes one XML command and parses the resulting response/log
// stream.
func (s *Session) xmlSend(ctx context.Context, doc []byte) (Response, error) {
	writeCtx, cancel := context.WithTimeout(ctx, configureWriteBudget)
	defer cancel()
	if err := s.t.Write(writeCtx, doc, true); err != nil {
		return Response{}, &errs.ProtocolError{Protocol: "firehose", Detail: "writing command", Cause: err}
	}

	raw, err := s.waitForData(ctx)
	if err != nil {
		return Response{}, err
	}

	data := xmlcodec.GetResponse(raw)
	value, hasValue := data["value"]
	ok := !hasValue || value == "ACK" || value == "true"

	var logLines []string
	if data["rawmode"] != "false" {
		logLines = xmlcodec.GetLog(raw)
		s.dedup.forward(logLines)
	}

	return Response{OK: ok, Data: data, Log: logLines}, nil
}

// Configure issues <configure/>, re-reading once if the first document only
// echoes logs without a MemoryName attribute. It asserts the handler-called
// and storage-type log lines are present and populates s.LUNs.
func (s *Session) Configure(ctx context.Context) error {
	doc := xmlcodec.BuildOne("configure",
		xmlcodec.Attr{Key: "ZLPAwareHost", Value: boolToInt(s.cfg.ZLPAwareHost)},
		xmlcodec.Attr{Key: "SkipStorageInit", Value: boolToInt(s.cfg.SkipStorageInit)},
		xmlcodec.Attr{Key: "SkipWrite", Value: boolToInt(s.cfg.SkipWrite)},
		xmlcodec.Attr{Key: "MaxPayloadSizeToTargetInBytes", Value: s.cfg.MaxPayloadSizeToTargetInBytes},
		xmlcodec.Attr{Key: "MaxXMLSizeInBytes", Value: s.cfg.MaxXMLSizeInBytes},
		xmlcodec.Attr{Key: "MemoryName", Value: s.cfg.MemoryName},
	)

	resp, err := s.xmlSend(ctx, doc)
	if err != nil {
		return err
	}
	if _, hasMemoryName := resp.Data["MemoryName"]; !hasMemoryName {
		resp, err = s.xmlSend(ctx, []byte{})
		if err != nil {
			return err
		}
	}
	if !resp.OK {
		return &errs.ProtocolError{Protocol: "firehose", Detail: "configure not ACKed"}
	}

	joined := strings.Join(resp.Log, "\n")
	if !strings.Contains(joined, "Calling handler for configure") {
		return &errs.ProtocolError{Protocol: "firehose", Detail: "configure handler was not called"}
	}
	if !strings.Contains(joined, fmt.Sprintf("Storage type set to value %s", s.cfg.MemoryName)) {
		return &errs.ProtocolError{Protocol: "firehose", Detail: "storage type was not set"}
	}

	s.LUNs = make([]int, s.cfg.MaxLUN)
	for i := range s.LUNs {
		s.LUNs[i] = i
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CmdReadBuffer reads numSectors sectors starting at startSector on lun.
func (s *Session) CmdReadBuffer(ctx context.Context, lun, startSector, numSectors int) ([]byte, error) {
	doc := xmlcodec.BuildOne("read",
		xmlcodec.Attr{Key: "SECTOR_SIZE_IN_BYTES", Value: s.cfg.SectorSizeInBytes},
		xmlcodec.Attr{Key: "num_partition_sectors", Value: numSectors},
		xmlcodec.Attr{Key: "physical_partition_number", Value: lun},
		xmlcodec.Attr{Key: "start_sector", Value: startSector},
	)
	resp, err := s.xmlSend(ctx, doc)
	if err != nil {
		return nil, err
	}
	if !resp.OK || resp.Data["rawmode"] != "true" {
		return nil, &errs.ProtocolError{Protocol: "firehose", Detail: "read not ACKed in rawmode"}
	}

	readCtx, cancel := context.WithTimeout(ctx, rawmodeReadBudget)
	defer cancel()
	want := numSectors * s.cfg.SectorSizeInBytes
	data, err := s.t.Read(readCtx, want)
	if err != nil {
		return nil, &errs.ProtocolError{Protocol: "firehose", Detail: "reading rawmode payload", Cause: err}
	}

	final, err := s.xmlSend(ctx, nil)
	if err == nil && !final.OK {
		return nil, &errs.ProtocolError{Protocol: "firehose", Detail: "missing final ACK after rawmode read"}
	}
	return data, nil
}

// CmdProgram streams blob to lun starting at startSector, in chunks of at
// most MaxPayloadSizeToTargetInBytes, padding the final chunk to a sector
// boundary and invoking onProgress every 10 chunks.
func (s *Session) CmdProgram(ctx context.Context, lun, startSector int, blob []byte, onProgress ProgressFunc) error {
	sectorSize := s.cfg.SectorSizeInBytes
	numSectors := (len(blob) + sectorSize - 1) / sectorSize

	doc := xmlcodec.BuildOne("program",
		xmlcodec.Attr{Key: "SECTOR_SIZE_IN_BYTES", Value: sectorSize},
		xmlcodec.Attr{Key: "num_partition_sectors", Value: numSectors},
		xmlcodec.Attr{Key: "physical_partition_number", Value: lun},
		xmlcodec.Attr{Key: "start_sector", Value: startSector},
	)
	resp, err := s.xmlSend(ctx, doc)
	if err != nil {
		return err
	}
	if !resp.OK {
		return &errs.FlashError{Detail: "program command NAKed"}
	}

	total := numSectors * sectorSize
	padded := blob
	if len(padded) < total {
		padded = make([]byte, total)
		copy(padded, blob)
	}

	chunkSize := s.cfg.MaxPayloadSizeToTargetInBytes
	var written int64
	chunks := 0
	for off := 0; off < len(padded); off += chunkSize {
		end := off + chunkSize
		if end > len(padded) {
			end = len(padded)
		}
		writeCtx, cancel := context.WithTimeout(ctx, chunkWriteBudget)
		err := s.t.Write(writeCtx, padded[off:end], true)
		cancel()
		if err != nil {
			return &errs.FlashError{Detail: "writing program chunk", Cause: err}
		}
		// Zero-length flush after every chunk.
		if err := s.t.Write(ctx, nil, true); err != nil {
			return &errs.FlashError{Detail: "flushing program chunk", Cause: err}
		}
		written += int64(end - off)
		chunks++
		if chunks%10 == 0 && onProgress != nil {
			onProgress(written)
		}
	}

	final, err := s.xmlSend(ctx, nil)
	if err != nil {
		return err
	}
	if !final.OK {
		return &errs.FlashError{Detail: "program not ACKed after final chunk"}
	}
	if onProgress != nil {
		onProgress(written)
	}
	return nil
}

// CmdErase erases numSectors sectors starting at startSector on lun. With
// FastErase it issues <erase/> directly, falling back to a program of zero
// bytes if the programmer NAKs it (older loaders that don't implement
// <erase/>); with FastErase off it emulates erase with zero-fill
// unconditionally. Callers must split ranges larger than
// maxEraseSectorsPerCall themselves.
func (s *Session) CmdErase(ctx context.Context, lun, startSector, numSectors int) error {
	if numSectors > maxEraseSectorsPerCall {
		return &errs.ValidationError{Field: "numSectors", Detail: fmt.Sprintf("%d exceeds max erase chunk of %d sectors", numSectors, maxEraseSectorsPerCall)}
	}

	if s.cfg.FastErase {
		doc := xmlcodec.BuildOne("erase",
			xmlcodec.Attr{Key: "SECTOR_SIZE_IN_BYTES", Value: s.cfg.SectorSizeInBytes},
			xmlcodec.Attr{Key: "num_partition_sectors", Value: numSectors},
			xmlcodec.Attr{Key: "physical_partition_number", Value: lun},
			xmlcodec.Attr{Key: "start_sector", Value: startSector},
		)
		resp, err := s.xmlSend(ctx, doc)
		if err != nil {
			return err
		}
		if resp.OK {
			return nil
		}
		s.log.WithFields(logrus.Fields{"lun": lun, "start_sector": startSector, "num_sectors": numSectors}).
			Warn("erase NAKed, falling back to zero-fill program")
	}

	zeros := make([]byte, numSectors*s.cfg.SectorSizeInBytes)
	return s.CmdProgram(ctx, lun, startSector, zeros, nil)
}

// CmdSetBootLunId issues <setbootablestoragedrive .../>.
func (s *Session) CmdSetBootLunId(ctx context.Context, lun int) error {
	doc := xmlcodec.BuildOne("setbootablestoragedrive", xmlcodec.Attr{Key: "value", Value: lun})
	resp, err := s.xmlSend(ctx, doc)
	if err != nil {
		return err
	}
	if !resp.OK {
		return &errs.ProtocolError{Protocol: "firehose", Detail: "setbootablestoragedrive NAKed"}
	}
	return nil
}

// CmdReset issues <power value="reset"/>.
func (s *Session) CmdReset(ctx context.Context) error {
	doc := xmlcodec.BuildOne("power", xmlcodec.Attr{Key: "value", Value: "reset"})
	resp, err := s.xmlSend(ctx, doc)
	if err != nil {
		return err
	}
	if !resp.OK {
		return &errs.ProtocolError{Protocol: "firehose", Detail: "reset NAKed"}
	}
	return nil
}

// CmdFixGpt issues <fixgpt .../>, asking the programmer to regrow the last
// partition on lun to fill the disk and rewrite its own backup header. A
// GetGpt re-read is required afterwards to pick up the result.
func (s *Session) CmdFixGpt(ctx context.Context, lun int) error {
	doc := xmlcodec.BuildOne("fixgpt",
		xmlcodec.Attr{Key: "physical_partition_number", Value: lun},
		xmlcodec.Attr{Key: "GrowLastPartition", Value: 1},
	)
	resp, err := s.xmlSend(ctx, doc)
	if err != nil {
		return err
	}
	if !resp.OK {
		return &errs.ProtocolError{Protocol: "firehose", Detail: "fixgpt NAKed"}
	}
	return nil
}

// CmdGetStorageInfo issues <getstorageinfo/> and parses the JSON object
// following the "INFO: " prefix that contains "storage_info" out of the
// accumulated log array. If no such line is present (older programmers log
// storage details in free-form text rather than JSON), it falls back to
// returning the raw log lines under the "raw_log" key rather than failing.
func (s *Session) CmdGetStorageInfo(ctx context.Context) (map[string]any, error) {
	doc := xmlcodec.BuildOne("getstorageinfo")
	resp, err := s.xmlSend(ctx, doc)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &errs.ProtocolError{Protocol: "firehose", Detail: "getstorageinfo NAKed"}
	}

	for _, line := range resp.Log {
		const prefix = "INFO: "
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		rest := strings.TrimPrefix(line, prefix)
		if !strings.Contains(rest, "storage_info") {
			continue
		}
		var info map[string]any
		if err := json.Unmarshal([]byte(rest), &info); err != nil {
			return nil, &errs.ProtocolError{Protocol: "firehose", Detail: "parsing storage_info JSON", Cause: err}
		}
		return info, nil
	}

	s.log.Warn("no storage_info line found in device log; falling back to raw log lines")
	return map[string]any{"raw_log": resp.Log}, nil
}
