// Package usbtransport implements the bulk USB transport contract that the
// Sahara and Firehose state machines run on top of: a connected flag, a
// packet-aware read, and a chunked write with optional zero-length-packet
// flow control.
package usbtransport

import (
	"context"
	"fmt"

	"github.com/google/gousb"

	"github.com/edlflash/qdl/internal/errs"
)

// VendorID and ProductID identify a Qualcomm SoC in Emergency Download mode.
const (
	VendorID  = 0x05C6
	ProductID = 0x9008
	class     = 0xFF

	// maxWriteChunk is the largest single bulk OUT transfer this driver will
	// issue; larger writes are split into successive chunks.
	maxWriteChunk = 16384
)

// Transport is the bulk I/O contract every protocol layer depends on. A fake
// in-memory implementation (FakeTransport) backs every other package's
// tests; Device is the real gousb-backed implementation.
type Transport interface {
	Connected() bool
	Connect(ctx context.Context) error
	// Read returns one packet (up to MaxPacketSize) when n == 0, or
	// aggregates reads until at least n bytes have been received.
	Read(ctx context.Context, n int) ([]byte, error)
	// Write chunks data to at most maxWriteChunk bytes per transfer. When
	// wait is false the final chunk is fire-and-forget: the caller does not
	// block for completion. No caller in this module passes wait=false.
	Write(ctx context.Context, data []byte, wait bool) error
	MaxPacketSize() int
	Close() error
}

// Device is a gousb-backed Transport talking to a real EDL device.
type Device struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	epIn   *gousb.InEndpoint
	epOut  *gousb.OutEndpoint
	opened bool
}

// NewDevice constructs an unconnected Device. Connect opens the USB handle.
func NewDevice() *Device {
	return &Device{}
}

func (d *Device) Connected() bool { return d.opened }

// Connect opens the VID/PID 0x05C6:0x9008 device, claims interface 0 of
// configuration 1 (its class is not checked), and resolves the bulk IN/OUT
// endpoint pair.
func (d *Device) Connect(ctx context.Context) error {
	if d.opened {
		return nil
	}

	c := gousb.NewContext()
	dev, err := c.OpenDeviceWithVIDPID(VendorID, ProductID)
	if err != nil {
		c.Close()
		return &errs.USBError{Op: "open", Cause: err}
	}
	if dev == nil {
		c.Close()
		return &errs.USBError{Op: "open", Cause: fmt.Errorf("no device at VID:0x%04x PID:0x%04x", VendorID, ProductID)}
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		c.Close()
		return &errs.USBError{Op: "set configuration", Cause: err}
	}

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		c.Close()
		return &errs.USBError{Op: "claim interface", Cause: err}
	}

	epIn, epOut, err := bulkEndpoints(intf)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		c.Close()
		return err
	}

	d.ctx, d.dev, d.cfg, d.intf, d.epIn, d.epOut = c, dev, cfg, intf, epIn, epOut
	d.opened = true
	return nil
}

// bulkEndpoints finds the first bulk IN and bulk OUT endpoint on intf.
func bulkEndpoints(intf *gousb.Interface) (*gousb.InEndpoint, *gousb.OutEndpoint, error) {
	var inAddr, outAddr gousb.EndpointAddress
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn {
			inAddr = ep.Address
		} else {
			outAddr = ep.Address
		}
	}
	epIn, err := intf.InEndpoint(int(inAddr.Number()))
	if err != nil {
		return nil, nil, &errs.USBError{Op: "open IN endpoint", Cause: err}
	}
	epOut, err := intf.OutEndpoint(int(outAddr.Number()))
	if err != nil {
		return nil, nil, &errs.USBError{Op: "open OUT endpoint", Cause: err}
	}
	return epIn, epOut, nil
}

func (d *Device) MaxPacketSize() int {
	if d.epIn == nil {
		return 512
	}
	return d.epIn.Desc.MaxPacketSize
}

// Read implements the n==0/n>0 aggregation contract of §4.1.
func (d *Device) Read(ctx context.Context, n int) ([]byte, error) {
	if !d.opened {
		return nil, &errs.USBError{Op: "read", Cause: fmt.Errorf("not connected")}
	}
	pkt := d.MaxPacketSize()
	if n == 0 {
		buf := make([]byte, pkt)
		got, err := d.epIn.ReadContext(ctx, buf)
		if err != nil {
			return nil, &errs.USBError{Op: "read", Cause: err}
		}
		return buf[:got], nil
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		buf := make([]byte, pkt)
		got, err := d.epIn.ReadContext(ctx, buf)
		if err != nil {
			return nil, &errs.USBError{Op: "read", Cause: err}
		}
		out = append(out, buf[:got]...)
		if got == 0 {
			break
		}
	}
	return out, nil
}

// Write implements the ≤16384B chunking and optional fire-and-forget final
// chunk described in §4.1.
func (d *Device) Write(ctx context.Context, data []byte, wait bool) error {
	if !d.opened {
		return &errs.USBError{Op: "write", Cause: fmt.Errorf("not connected")}
	}
	for off := 0; off < len(data); off += maxWriteChunk {
		end := off + maxWriteChunk
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		last := end == len(data)
		if last && !wait {
			go func(b []byte) { _, _ = d.epOut.WriteContext(ctx, b) }(chunk)
			return nil
		}
		if _, err := d.epOut.WriteContext(ctx, chunk); err != nil {
			return &errs.USBError{Op: "write", Cause: err}
		}
	}
	return nil
}

func (d *Device) Close() error {
	if !d.opened {
		return nil
	}
	d.intf.Close()
	d.cfg.Close()
	d.dev.Close()
	d.ctx.Close()
	d.opened = false
	return nil
}

var _ Transport = (*Device)(nil)
