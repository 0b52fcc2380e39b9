package sahara

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edlflash/qdl/internal/errs"
	"github.com/edlflash/qdl/internal/usbtransport"
)

// Mode names returned by Connect and UploadLoader.
const (
	ModeSahara   = "sahara"
	ModeFirehose = "firehose"
	ModeError    = "error"
)

const (
	probeReadBudget   = 500 * time.Millisecond
	noOpWriteBudget   = 1 * time.Second
	noOpReadBudget    = 2 * time.Second
	minImageID        = 0x0C
)

// Session drives the Sahara handshake and loader upload over a transport,
// holding the programmer image bytes to serve memory-read requests with.
type Session struct {
	t          usbtransport.Transport
	programmer []byte
	log        *logrus.Entry

	serial string
}

// New constructs a Session that will serve programmer in response to memory
// read requests during loader upload.
func New(t usbtransport.Transport, programmer []byte, log *logrus.Entry) *Session {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{t: t, programmer: programmer, log: log}
}

// Serial returns the device serial read during command mode, as hex, once
// ReadSerial has been called.
func (s *Session) Serial() string { return s.serial }

// Connect probes the peer's current Sahara/Firehose state, per spec.md
// §4.5. It returns ModeSahara, ModeFirehose, or ModeError.
func (s *Session) Connect(ctx context.Context) (string, error) {
	mode, err := s.classify(ctx)
	if err != nil {
		return ModeError, err
	}
	if mode != "" {
		return mode, nil
	}

	// Ambiguous first read: nudge the peer with a no-op XML document and
	// reclassify.
	writeCtx, cancel := context.WithTimeout(ctx, noOpWriteBudget)
	defer cancel()
	noop := []byte(`<?xml version="1.0" ?><data><nop /></data>`)
	if err := s.t.Write(writeCtx, noop, true); err != nil {
		return ModeError, &errs.ConnectionError{Context: "sahara probe nop write", Cause: err}
	}

	readCtx, cancel2 := context.WithTimeout(ctx, noOpReadBudget)
	defer cancel2()
	mode, err = s.classifyWithCtx(readCtx)
	if err != nil {
		return ModeError, err
	}
	if mode == "" {
		return ModeError, &errs.ConnectionError{Context: "device did not settle into a recognizable Sahara or Firehose state; try rebooting it into EDL"}
	}
	return mode, nil
}

// classify performs one probe read under probeReadBudget and classifies it.
func (s *Session) classify(ctx context.Context) (string, error) {
	readCtx, cancel := context.WithTimeout(ctx, probeReadBudget)
	defer cancel()
	return s.classifyWithCtx(readCtx)
}

// classifyWithCtx reads once under the caller-supplied deadline and
// classifies the result; returns "" when ambiguous (caller decides what to
// do next), rather than an error.
func (s *Session) classifyWithCtx(ctx context.Context) (string, error) {
	buf, err := s.t.Read(ctx, 48)
	if err != nil {
		// A read failure during probing is still ambiguous, not fatal: the
		// caller may retry with a nudge.
		return "", nil
	}
	if looksLikeFirehose(buf) {
		return ModeFirehose, nil
	}
	if looksLikeSaharaHello(buf) {
		return ModeSahara, nil
	}
	return "", nil
}

func looksLikeFirehose(buf []byte) bool {
	return bytes.Contains(buf, []byte("<?xml"))
}

func looksLikeSaharaHello(buf []byte) bool {
	if len(buf) == 0 || buf[0] != 0x01 {
		return false
	}
	h, err := parseHeader(buf)
	if err != nil {
		return false
	}
	return h.Cmd == cmdHelloReq || h.Cmd == cmdEndTransfer
}

// EnterCommandMode completes the HELLO_RSP(mode=COMMAND) handshake and waits
// for CMD_READY.
func (s *Session) EnterCommandMode(ctx context.Context) error {
	buf, err := s.t.Read(ctx, helloFrameSize)
	if err != nil {
		return &errs.ProtocolError{Protocol: "sahara", Detail: "reading HELLO_REQ", Cause: err}
	}
	req, err := parseHelloReq(buf)
	if err != nil {
		return &errs.ProtocolError{Protocol: "sahara", Detail: "parsing HELLO_REQ", Cause: err}
	}

	rsp := buildHelloRsp(req.Version, req.VersionMin, req.MaxCmdLength, ModeCommand)
	if err := s.t.Write(ctx, rsp, true); err != nil {
		return &errs.ProtocolError{Protocol: "sahara", Detail: "writing HELLO_RSP", Cause: err}
	}

	reply, err := s.t.Read(ctx, 8)
	if err != nil {
		return &errs.ProtocolError{Protocol: "sahara", Detail: "waiting for CMD_READY", Cause: err}
	}
	h, err := parseHeader(reply)
	if err != nil || h.Cmd != cmdCmdReady {
		return &errs.ProtocolError{Protocol: "sahara", Detail: "expected CMD_READY"}
	}
	return nil
}

// ReadSerial issues EXECUTE_REQ(SERIAL_NUM_READ), reads the response data,
// and stores the hex-encoded serial.
func (s *Session) ReadSerial(ctx context.Context) (string, error) {
	if err := s.t.Write(ctx, buildExecReq(ExecCmdSerialNumRead), true); err != nil {
		return "", &errs.ProtocolError{Protocol: "sahara", Detail: "writing EXECUTE_REQ", Cause: err}
	}
	rspBuf, err := s.t.Read(ctx, 16)
	if err != nil {
		return "", &errs.ProtocolError{Protocol: "sahara", Detail: "reading EXECUTE_RSP", Cause: err}
	}
	rsp, err := parseExecRsp(rspBuf)
	if err != nil {
		return "", &errs.ProtocolError{Protocol: "sahara", Detail: "parsing EXECUTE_RSP", Cause: err}
	}

	if err := s.t.Write(ctx, buildExecData(ExecCmdSerialNumRead), true); err != nil {
		return "", &errs.ProtocolError{Protocol: "sahara", Detail: "writing EXECUTE_DATA", Cause: err}
	}
	data, err := s.t.Read(ctx, int(rsp.DataLen))
	if err != nil || len(data) < 4 {
		return "", &errs.ProtocolError{Protocol: "sahara", Detail: "reading serial payload", Cause: err}
	}
	s.serial = fmt.Sprintf("%08x", unpackWords(data[:4])[0])
	return s.serial, nil
}

// UploadLoader switches the peer to IMAGE_TX_PENDING mode and serves
// programmer bytes in response to 64-bit memory read requests until it
// receives END_TRANSFER(SUCCESS), per spec.md §4.5. It returns
// ModeFirehose on success.
func (s *Session) UploadLoader(ctx context.Context) (string, error) {
	if err := s.t.Write(ctx, buildCmdSwitchMode(ModeCommand), true); err != nil {
		return "", &errs.ProtocolError{Protocol: "sahara", Detail: "writing SWITCH_MODE(COMMAND)", Cause: err}
	}

	// The device resets its Sahara transport on mode switch and sends a
	// fresh HELLO_REQ; this read doubles as the re-probe.
	buf, err := s.t.Read(ctx, helloFrameSize)
	if err != nil {
		return "", &errs.ProtocolError{Protocol: "sahara", Detail: "reading re-probe HELLO_REQ", Cause: err}
	}
	if looksLikeFirehose(buf) {
		return "", &errs.ProtocolError{Protocol: "sahara", Detail: "device left sahara before image upload began"}
	}
	req, err := parseHelloReq(buf)
	if err != nil {
		return "", &errs.ProtocolError{Protocol: "sahara", Detail: "parsing re-probe HELLO_REQ", Cause: err}
	}
	rsp := buildHelloRsp(req.Version, req.VersionMin, req.MaxCmdLength, ModeImageTXPending)
	if err := s.t.Write(ctx, rsp, true); err != nil {
		return "", &errs.ProtocolError{Protocol: "sahara", Detail: "writing HELLO_RSP(IMAGE_TX_PENDING)", Cause: err}
	}

	for {
		frame, err := s.t.Read(ctx, 8)
		if err != nil {
			return "", &errs.ProtocolError{Protocol: "sahara", Detail: "waiting for memory read or end transfer", Cause: err}
		}
		h, err := parseHeader(frame)
		if err != nil {
			return "", &errs.ProtocolError{Protocol: "sahara", Detail: "parsing frame header", Cause: err}
		}

		switch h.Cmd {
		case cmd64BitMemoryReadData:
			rest, err := s.t.Read(ctx, 40)
			if err != nil {
				return "", &errs.ProtocolError{Protocol: "sahara", Detail: "reading MEMORY_READ_DATA body", Cause: err}
			}
			req, err := parseMemoryReadData(append(frame, rest...))
			if err != nil {
				return "", &errs.ProtocolError{Protocol: "sahara", Detail: "parsing MEMORY_READ_DATA", Cause: err}
			}
			if req.ImageID < minImageID {
				return "", &errs.ProtocolError{Protocol: "sahara", Detail: fmt.Sprintf("memory read for unexpected image id 0x%x", req.ImageID)}
			}
			if err := s.serveMemoryRead(ctx, req); err != nil {
				return "", err
			}

		case cmdEndTransfer:
			rest, err := s.t.Read(ctx, 8)
			if err != nil {
				return "", &errs.ProtocolError{Protocol: "sahara", Detail: "reading END_TRANSFER body", Cause: err}
			}
			et, err := parseEndTransfer(append(frame, rest...))
			if err != nil {
				return "", &errs.ProtocolError{Protocol: "sahara", Detail: "parsing END_TRANSFER", Cause: err}
			}
			if et.Status != StatusSuccess {
				return "", &errs.ProtocolError{Protocol: "sahara", Detail: fmt.Sprintf("END_TRANSFER reported status %d", et.Status)}
			}
			if err := s.t.Write(ctx, buildDoneReq(), true); err != nil {
				return "", &errs.ProtocolError{Protocol: "sahara", Detail: "writing DONE_REQ", Cause: err}
			}
			doneRsp, err := s.t.Read(ctx, 8)
			if err != nil {
				return "", &errs.ProtocolError{Protocol: "sahara", Detail: "reading DONE_RSP", Cause: err}
			}
			dh, err := parseHeader(doneRsp)
			if err != nil || dh.Cmd != cmdDoneRsp {
				return "", &errs.ProtocolError{Protocol: "sahara", Detail: "expected DONE_RSP"}
			}
			return ModeFirehose, nil

		default:
			return "", &errs.ProtocolError{Protocol: "sahara", Detail: fmt.Sprintf("unexpected frame cmd 0x%x during image upload", h.Cmd)}
		}
	}
}

// serveMemoryRead slices the programmer image and writes it, zero-padding
// any tail that runs past the end of the image.
func (s *Session) serveMemoryRead(ctx context.Context, req memoryReadData) error {
	start := req.DataOffset
	end := start + req.DataLength
	slice := make([]byte, req.DataLength)

	if start < uint64(len(s.programmer)) {
		avail := uint64(len(s.programmer)) - start
		n := req.DataLength
		if avail < n {
			n = avail
		}
		copy(slice[:n], s.programmer[start:start+n])
	}
	s.log.Debugf("sahara: serving image read [%d, %d)", start, end)

	if err := s.t.Write(ctx, slice, true); err != nil {
		return &errs.ProtocolError{Protocol: "sahara", Detail: "writing image slice", Cause: err}
	}
	return nil
}
