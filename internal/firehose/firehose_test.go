package firehose

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/edlflash/qdl/internal/config"
	"github.com/edlflash/qdl/internal/usbtransport"
	"github.com/edlflash/qdl/internal/xmlcodec"
)

func deviceDoc(logs []string, responseAttrs ...xmlcodec.Attr) []byte {
	elements := make([]xmlcodec.Element, 0, len(logs)+1)
	for _, l := range logs {
		elements = append(elements, xmlcodec.Element{Tag: "log", Attrs: []xmlcodec.Attr{{Key: "value", Value: l}}})
	}
	elements = append(elements, xmlcodec.Element{Tag: "response", Attrs: responseAttrs})
	return xmlcodec.Build(elements...)
}

func testConfig() config.Firehose {
	c := config.DefaultFirehose()
	c.MaxPayloadSizeToTargetInBytes = 4096
	c.SectorSizeInBytes = 512
	return c
}

func TestConfigureAssertsHandlerAndStorageLogLines(t *testing.T) {
	ft := usbtransport.NewFakeTransport(512)
	cfg := testConfig()
	ft.QueueRead(deviceDoc(
		[]string{"INFO: Calling handler for configure", "INFO: Storage type set to value UFS"},
		xmlcodec.Attr{Key: "value", Value: "ACK"},
		xmlcodec.Attr{Key: "MemoryName", Value: cfg.MemoryName},
	))

	s := New(ft, cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.Configure(ctx); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if len(s.LUNs) != cfg.MaxLUN {
		t.Errorf("len(LUNs) = %d, want %d", len(s.LUNs), cfg.MaxLUN)
	}
}

func TestConfigureFailsWithoutHandlerLogLine(t *testing.T) {
	ft := usbtransport.NewFakeTransport(512)
	cfg := testConfig()
	ft.QueueRead(deviceDoc(
		[]string{"INFO: Storage type set to value UFS"},
		xmlcodec.Attr{Key: "value", Value: "ACK"},
		xmlcodec.Attr{Key: "MemoryName", Value: cfg.MemoryName},
	))

	s := New(ft, cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.Configure(ctx); err == nil {
		t.Fatal("Configure() error = nil, want ProtocolError for missing handler log line")
	}
}

func TestCmdProgramPadsFinalChunkAndChunksPayload(t *testing.T) {
	ft := usbtransport.NewFakeTransport(512)
	cfg := testConfig()

	// One ACK for the <program/> command, one after each chunk's rawmode
	// flush is irrelevant here (firehose only re-ACKs once, at the end), one
	// final ACK.
	ft.QueueRead(deviceDoc(nil, xmlcodec.Attr{Key: "value", Value: "ACK"}))
	ft.QueueRead(deviceDoc(nil, xmlcodec.Attr{Key: "value", Value: "ACK"}))

	s := New(ft, cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	blob := bytes.Repeat([]byte{0xAB}, 4096+100) // spans two chunks at 4096 bytes/chunk
	var progressCalls int
	err := s.CmdProgram(ctx, 3, 0, blob, func(done int64) { progressCalls++ })
	if err != nil {
		t.Fatalf("CmdProgram() error = %v", err)
	}

	// Written: [0] = <program/> command, then alternating [data chunk, ZLP]
	// pairs, ZLP being a zero-length write.
	var sawZLP bool
	var dataBytes int
	for _, w := range ft.Written[1:] {
		if len(w) == 0 {
			sawZLP = true
			continue
		}
		dataBytes += len(w)
	}
	if !sawZLP {
		t.Error("no zero-length flush write observed")
	}
	wantTotal := ((len(blob) + cfg.SectorSizeInBytes - 1) / cfg.SectorSizeInBytes) * cfg.SectorSizeInBytes
	if dataBytes != wantTotal {
		t.Errorf("total bytes written = %d, want %d (sector-padded)", dataBytes, wantTotal)
	}
}

func TestCmdEraseFastPathSendsEraseCommand(t *testing.T) {
	ft := usbtransport.NewFakeTransport(512)
	cfg := testConfig()
	cfg.FastErase = true
	ft.QueueRead(deviceDoc(nil, xmlcodec.Attr{Key: "value", Value: "ACK"}))

	s := New(ft, cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.CmdErase(ctx, 0, 0, 100); err != nil {
		t.Fatalf("CmdErase() error = %v", err)
	}
	if len(ft.Written) != 1 {
		t.Fatalf("len(Written) = %d, want 1 (just the <erase/> command)", len(ft.Written))
	}
	if !bytes.Contains(ft.Written[0], []byte("<erase")) {
		t.Errorf("Written[0] = %s, want an <erase .../> document", ft.Written[0])
	}
}

func TestCmdEraseSlowPathEmulatesWithZeroProgram(t *testing.T) {
	ft := usbtransport.NewFakeTransport(512)
	cfg := testConfig()
	cfg.FastErase = false
	ft.QueueRead(deviceDoc(nil, xmlcodec.Attr{Key: "value", Value: "ACK"}))
	ft.QueueRead(deviceDoc(nil, xmlcodec.Attr{Key: "value", Value: "ACK"}))

	s := New(ft, cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.CmdErase(ctx, 0, 0, 4); err != nil {
		t.Fatalf("CmdErase() error = %v", err)
	}
	if !bytes.Contains(ft.Written[0], []byte("<program")) {
		t.Errorf("Written[0] = %s, want a <program .../> document", ft.Written[0])
	}
}

func TestCmdEraseFallsBackToZeroProgramOnNAK(t *testing.T) {
	ft := usbtransport.NewFakeTransport(512)
	cfg := testConfig()
	cfg.FastErase = true
	ft.QueueRead(deviceDoc(nil, xmlcodec.Attr{Key: "value", Value: "NAK"}))
	ft.QueueRead(deviceDoc(nil, xmlcodec.Attr{Key: "value", Value: "ACK"}))
	ft.QueueRead(deviceDoc(nil, xmlcodec.Attr{Key: "value", Value: "ACK"}))

	s := New(ft, cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.CmdErase(ctx, 0, 0, 4); err != nil {
		t.Fatalf("CmdErase() error = %v", err)
	}
	if !bytes.Contains(ft.Written[0], []byte("<erase")) {
		t.Errorf("Written[0] = %s, want an <erase .../> document", ft.Written[0])
	}
	sawProgram := false
	for _, w := range ft.Written[1:] {
		if bytes.Contains(w, []byte("<program")) {
			sawProgram = true
		}
	}
	if !sawProgram {
		t.Error("no <program .../> document written after the erase NAK")
	}
}

func TestCmdReadBufferReadsRawmodePayloadThenFinalACK(t *testing.T) {
	ft := usbtransport.NewFakeTransport(512)
	cfg := testConfig()
	payload := bytes.Repeat([]byte{0x7A}, 2*cfg.SectorSizeInBytes)

	ft.QueueRead(deviceDoc(nil, xmlcodec.Attr{Key: "value", Value: "ACK"}, xmlcodec.Attr{Key: "rawmode", Value: "true"}))
	ft.QueueRead(payload)
	ft.QueueRead(deviceDoc(nil, xmlcodec.Attr{Key: "value", Value: "ACK"}))

	s := New(ft, cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := s.CmdReadBuffer(ctx, 0, 0, 2)
	if err != nil {
		t.Fatalf("CmdReadBuffer() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("CmdReadBuffer() = %d bytes, want the queued %d-byte payload", len(got), len(payload))
	}
}

func TestCmdEraseRejectsOversizedRange(t *testing.T) {
	ft := usbtransport.NewFakeTransport(512)
	s := New(ft, testConfig(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.CmdErase(ctx, 0, 0, maxEraseSectorsPerCall+1); err == nil {
		t.Fatal("CmdErase() error = nil, want ValidationError for oversized range")
	}
}

func TestCmdGetStorageInfoParsesJSONFromLogLine(t *testing.T) {
	ft := usbtransport.NewFakeTransport(512)
	ft.QueueRead(deviceDoc(
		[]string{`INFO: {"storage_info":{"total_blocks":1000,"block_size":4096}}`},
		xmlcodec.Attr{Key: "value", Value: "ACK"},
	))

	s := New(ft, testConfig(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	info, err := s.CmdGetStorageInfo(ctx)
	if err != nil {
		t.Fatalf("CmdGetStorageInfo() error = %v", err)
	}
	if _, ok := info["storage_info"]; !ok {
		t.Errorf("info = %v, want a storage_info key", info)
	}
}

func TestCmdGetStorageInfoFallsBackToRawLogLines(t *testing.T) {
	ft := usbtransport.NewFakeTransport(512)
	ft.QueueRead(deviceDoc(
		[]string{"INFO: eMMC, 32 GB, 512 byte sectors"},
		xmlcodec.Attr{Key: "value", Value: "ACK"},
	))

	s := New(ft, testConfig(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	info, err := s.CmdGetStorageInfo(ctx)
	if err != nil {
		t.Fatalf("CmdGetStorageInfo() error = %v", err)
	}
	raw, ok := info["raw_log"].([]string)
	if !ok {
		t.Fatalf("info[\"raw_log\"] = %v (%T), want []string", info["raw_log"], info["raw_log"])
	}
	if len(raw) != 1 || raw[0] != "INFO: eMMC, 32 GB, 512 byte sectors" {
		t.Errorf("raw_log = %v, want the single device log line", raw)
	}
}
