// Package sahara implements the Sahara handshake and loader-upload state
// machine: the protocol a Qualcomm SoC in Emergency Download mode speaks
// before it has a Firehose programmer resident.
package sahara

import (
	"encoding/binary"
	"errors"
)

// errShortFrame is wrapped into a ProtocolError by the caller; it never
// escapes this package on its own.
var errShortFrame = errors.New("sahara: frame too short")

// Command codes, little-endian 32-bit words, per the Sahara wire protocol.
const (
	cmdHelloReq            = 0x01
	cmdHelloRsp            = 0x02
	cmdReadData            = 0x03
	cmdEndTransfer         = 0x04
	cmdDoneReq             = 0x05
	cmdDoneRsp             = 0x06
	cmdResetReq            = 0x07
	cmdResetRsp            = 0x08
	cmdCmdReady            = 0x09
	cmdCmdSwitchMode       = 0x0A
	cmdCmdExecReq          = 0x0B
	cmdCmdExecRsp          = 0x0C
	cmdCmdExecData         = 0x0D
	cmd64BitMemoryReadData = 0x12
)

// Modes a HELLO_RSP can request.
const (
	ModeImageTXPending  = 0
	ModeImageTXComplete = 1
	ModeMemoryDebug     = 2
	ModeCommand         = 3
)

// End-of-transfer status codes.
const (
	StatusSuccess = 0
)

// Exec command subtypes.
const (
	ExecCmdSerialNumRead = 0x01
)

const (
	helloFrameWords = 12
	helloFrameSize  = helloFrameWords * 4
)

// packGenerator encodes a sequence of 32-bit words as a little-endian byte
// buffer, one word at a time: word i occupies bytes [4i, 4i+4).
func packGenerator(words ...uint32) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], w)
	}
	return buf
}

// unpackWords decodes buf into one 32-bit little-endian word per 4 bytes.
// buf's length must be a multiple of 4.
func unpackWords(buf []byte) []uint32 {
	words := make([]uint32, len(buf)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return words
}

// header is the common 8-byte command+length prefix every Sahara packet
// carries.
type header struct {
	Cmd    uint32
	Length uint32
}

func parseHeader(buf []byte) (header, error) {
	if len(buf) < 8 {
		return header{}, errShortFrame
	}
	return header{
		Cmd:    binary.LittleEndian.Uint32(buf[0:4]),
		Length: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// helloReq is the peer's initial HELLO_REQ frame.
type helloReq struct {
	Version       uint32
	VersionMin    uint32
	MaxCmdLength  uint32
	Mode          uint32
}

func parseHelloReq(buf []byte) (helloReq, error) {
	if len(buf) < helloFrameSize {
		return helloReq{}, errShortFrame
	}
	w := unpackWords(buf)
	return helloReq{Version: w[2], VersionMin: w[3], MaxCmdLength: w[4], Mode: w[5]}, nil
}

// buildHelloRsp encodes a 12-word HELLO_RSP frame requesting mode.
func buildHelloRsp(version, versionMin, maxCmdLength, mode uint32) []byte {
	return packGenerator(cmdHelloRsp, helloFrameSize, version, versionMin, maxCmdLength, mode, 0, 0, 0, 0, 0, 0)
}

// buildExecReq encodes an EXECUTE_REQ frame for the given exec subcommand.
func buildExecReq(clientCmd uint32) []byte {
	return packGenerator(cmdCmdExecReq, 12, clientCmd)
}

type execRsp struct {
	ClientCmd uint32
	DataLen   uint32
}

func parseExecRsp(buf []byte) (execRsp, error) {
	w := unpackWords(buf)
	if len(w) < 4 {
		return execRsp{}, errShortFrame
	}
	return execRsp{ClientCmd: w[2], DataLen: w[3]}, nil
}

// buildExecData encodes an EXECUTE_DATA frame, which signals the peer to
// stream the previously announced exec response payload.
func buildExecData(clientCmd uint32) []byte {
	return packGenerator(cmdCmdExecData, 12, clientCmd)
}

type memoryReadData struct {
	ImageID    uint64
	DataOffset uint64
	DataLength uint64
}

func parseMemoryReadData(buf []byte) (memoryReadData, error) {
	if len(buf) < 48 {
		return memoryReadData{}, errShortFrame
	}
	return memoryReadData{
		ImageID:    binary.LittleEndian.Uint64(buf[8:16]),
		DataOffset: binary.LittleEndian.Uint64(buf[16:24]),
		DataLength: binary.LittleEndian.Uint64(buf[24:32]),
	}, nil
}

type endTransfer struct {
	ImageID uint32
	Status  uint32
}

func parseEndTransfer(buf []byte) (endTransfer, error) {
	w := unpackWords(buf)
	if len(w) < 4 {
		return endTransfer{}, errShortFrame
	}
	return endTransfer{ImageID: w[2], Status: w[3]}, nil
}

func buildDoneReq() []byte {
	return packGenerator(cmdDoneReq, 8)
}

func buildCmdSwitchMode(mode uint32) []byte {
	return packGenerator(cmdCmdSwitchMode, 12, mode)
}
