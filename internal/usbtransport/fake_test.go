package usbtransport

import (
	"bytes"
	"context"
	"testing"
)

func TestFakeTransportReadDrainsQueueInOrder(t *testing.T) {
	f := NewFakeTransport(64)
	f.QueueRead([]byte("first"))
	f.QueueRead([]byte("second"))

	got, err := f.Read(context.Background(), 0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, []byte("first")) {
		t.Errorf("Read() = %q, want %q", got, "first")
	}

	got, err = f.Read(context.Background(), 0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, []byte("second")) {
		t.Errorf("Read() = %q, want %q", got, "second")
	}
}

func TestFakeTransportReadAggregatesUntilN(t *testing.T) {
	f := NewFakeTransport(64)
	f.QueueRead([]byte("ab"))
	f.QueueRead([]byte("cd"))
	f.QueueRead([]byte("ef"))

	got, err := f.Read(context.Background(), 4)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) < 4 {
		t.Fatalf("Read(4) returned %d bytes, want >= 4", len(got))
	}
}

func TestFakeTransportWriteRecordsChunks(t *testing.T) {
	f := NewFakeTransport(64)
	if err := f.Write(context.Background(), []byte("hello"), true); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(f.Written) != 1 || !bytes.Equal(f.Written[0], []byte("hello")) {
		t.Errorf("Written = %v, want [hello]", f.Written)
	}
}

func TestFakeTransportReadErrorsWhenQueueEmpty(t *testing.T) {
	f := NewFakeTransport(64)
	if _, err := f.Read(context.Background(), 0); err == nil {
		t.Fatal("Read() error = nil, want error on empty queue")
	}
}
