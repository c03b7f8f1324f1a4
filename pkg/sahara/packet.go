// Package sahara implements the first-stage Qualcomm EDL handshake: a
// packet-framed binary protocol that negotiates a mode with the primary
// bootloader, optionally reads back chip identity in command mode, and then
// streams a signed programmer image in response to device read requests
// (spec §4.2).
package sahara

import (
	"fmt"

	"github.com/anthropics/edl-go/pkg/wire"
)

// Command IDs, matching the cmd_id field of the 8-byte Sahara header.
const (
	CmdHello            uint32 = 0x01
	CmdHelloResponse    uint32 = 0x02
	CmdReadData32       uint32 = 0x03
	CmdEndImageTransfer uint32 = 0x04
	CmdDone             uint32 = 0x05
	CmdDoneResponse     uint32 = 0x06
	CmdCommandReady     uint32 = 0x0B
	CmdSwitchMode       uint32 = 0x0C
	CmdExecute          uint32 = 0x0D
	CmdExecuteData      uint32 = 0x0E
	CmdExecuteResponse  uint32 = 0x0F
	CmdReadData64       uint32 = 0x12
)

// HeaderSize is the size of the 8-byte {cmd_id, length} Sahara packet header.
const HeaderSize = 8

// MaxPacketSize bounds any single Sahara packet. A header announcing a
// longer packet makes the session fail with ErrProtocolViolation; the
// oversize packet is not discarded and the stream is not resynchronized.
const MaxPacketSize = 16 * 1024

// Mode constants, sent in HelloResponse.Mode.
const (
	ModeImageTransferPending  uint32 = 0
	ModeImageTransferComplete uint32 = 1
	ModeMemoryDebug           uint32 = 2
	ModeCommand               uint32 = 3
)

// Header is the common little-endian {cmd_id, length} packet header.
type Header struct {
	CmdID  uint32
	Length uint32
}

// ParseHeader decodes the first HeaderSize bytes of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("sahara: header needs %d bytes, got %d", HeaderSize, len(buf))
	}
	return Header{
		CmdID:  wire.Uint32(buf, 0),
		Length: wire.Uint32(buf, 4),
	}, nil
}

// Encode writes h as an 8-byte little-endian header.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	wire.PutUint32(buf, 0, h.CmdID)
	wire.PutUint32(buf, 4, h.Length)
	return buf
}

// HelloPacket is the device->host Hello body.
type HelloPacket struct {
	Version            uint32
	VersionCompatible  uint32
	MaxCmdPacketLength uint32
	Mode               uint32
}

// ParseHello decodes a Hello packet body (excluding the 8-byte header).
func ParseHello(body []byte) (HelloPacket, error) {
	if len(body) < 16 {
		return HelloPacket{}, fmt.Errorf("sahara: hello body too short: %d bytes", len(body))
	}
	return HelloPacket{
		Version:           wire.Uint32(body, 0),
		VersionCompatible: wire.Uint32(body, 4),
		MaxCmdPacketLength: wire.Uint32(body, 8),
		Mode:              wire.Uint32(body, 12),
	}, nil
}

// Encode serializes a Hello packet (device->host), used by test doubles
// that simulate the device side of the handshake.
func (p HelloPacket) Encode() []byte {
	body := make([]byte, 16)
	wire.PutUint32(body, 0, p.Version)
	wire.PutUint32(body, 4, p.VersionCompatible)
	wire.PutUint32(body, 8, p.MaxCmdPacketLength)
	wire.PutUint32(body, 12, p.Mode)
	return append(Header{CmdID: CmdHello, Length: uint32(HeaderSize + len(body))}.Encode(), body...)
}

// HelloResponsePacket is the host->device HelloResponse body.
type HelloResponsePacket struct {
	Version           uint32
	VersionCompatible uint32
	Status            uint32
	Mode              uint32
}

// Encode serializes a HelloResponse with a 48-byte body (version, min
// version, status, mode, then eight reserved uint32s) after the header.
func (p HelloResponsePacket) Encode() []byte {
	body := make([]byte, 48)
	wire.PutUint32(body, 0, p.Version)
	wire.PutUint32(body, 4, p.VersionCompatible)
	wire.PutUint32(body, 8, p.Status)
	wire.PutUint32(body, 12, p.Mode)
	return append(Header{CmdID: CmdHelloResponse, Length: uint32(HeaderSize + len(body))}.Encode(), body...)
}

// ParseHelloResponseBody decodes a HelloResponse body (host->device),
// used by test doubles that simulate the device side of the handshake.
func ParseHelloResponseBody(body []byte) (HelloResponsePacket, error) {
	if len(body) < 16 {
		return HelloResponsePacket{}, fmt.Errorf("sahara: hello_response body too short: %d bytes", len(body))
	}
	return HelloResponsePacket{
		Version:           wire.Uint32(body, 0),
		VersionCompatible: wire.Uint32(body, 4),
		Status:            wire.Uint32(body, 8),
		Mode:              wire.Uint32(body, 12),
	}, nil
}

// ParseExecuteBody decodes a host->device Execute body down to the client
// command it names, used by test doubles that simulate the device side of
// command mode.
func ParseExecuteBody(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, fmt.Errorf("sahara: execute body too short")
	}
	return wire.Uint32(body, 0), nil
}

// ReadData32Packet is the device->host ReadData32 body.
type ReadData32Packet struct {
	ImageID uint32
	Offset  uint32
	Length  uint32
}

// ParseReadData32 decodes a ReadData32 body.
func ParseReadData32(body []byte) (ReadData32Packet, error) {
	if len(body) < 12 {
		return ReadData32Packet{}, fmt.Errorf("sahara: read_data32 body too short")
	}
	return ReadData32Packet{
		ImageID: wire.Uint32(body, 0),
		Offset:  wire.Uint32(body, 4),
		Length:  wire.Uint32(body, 8),
	}, nil
}

// ReadData64Packet is the device->host ReadData64 body.
type ReadData64Packet struct {
	ImageID uint64
	Offset  uint64
	Length  uint64
}

// ParseReadData64 decodes a ReadData64 body.
func ParseReadData64(body []byte) (ReadData64Packet, error) {
	if len(body) < 24 {
		return ReadData64Packet{}, fmt.Errorf("sahara: read_data64 body too short")
	}
	return ReadData64Packet{
		ImageID: wire.Uint64(body, 0),
		Offset:  wire.Uint64(body, 8),
		Length:  wire.Uint64(body, 16),
	}, nil
}

// EndImageTransferPacket is the device->host EndImageTransfer body.
type EndImageTransferPacket struct {
	ImageID uint32
	Status  uint32
}

// ParseEndImageTransfer decodes an EndImageTransfer body.
func ParseEndImageTransfer(body []byte) (EndImageTransferPacket, error) {
	if len(body) < 8 {
		return EndImageTransferPacket{}, fmt.Errorf("sahara: end_image_transfer body too short")
	}
	return EndImageTransferPacket{
		ImageID: wire.Uint32(body, 0),
		Status:  wire.Uint32(body, 4),
	}, nil
}

// EncodeDone serializes the host->device Done packet (empty body).
func EncodeDone() []byte {
	return Header{CmdID: CmdDone, Length: HeaderSize}.Encode()
}

// DoneResponsePacket is the device->host DoneResponse body.
type DoneResponsePacket struct {
	Status uint32
}

// ParseDoneResponse decodes a DoneResponse body.
func ParseDoneResponse(body []byte) (DoneResponsePacket, error) {
	if len(body) < 4 {
		return DoneResponsePacket{}, fmt.Errorf("sahara: done_response body too short")
	}
	return DoneResponsePacket{Status: wire.Uint32(body, 0)}, nil
}

// EncodeSwitchMode serializes the host->device SwitchMode packet.
func EncodeSwitchMode(mode uint32) []byte {
	body := make([]byte, 4)
	wire.PutUint32(body, 0, mode)
	return append(Header{CmdID: CmdSwitchMode, Length: uint32(HeaderSize + len(body))}.Encode(), body...)
}

// EncodeExecute serializes the host->device Execute packet for the given
// client command.
func EncodeExecute(clientCommand uint32) []byte {
	body := make([]byte, 4)
	wire.PutUint32(body, 0, clientCommand)
	return append(Header{CmdID: CmdExecute, Length: uint32(HeaderSize + len(body))}.Encode(), body...)
}

// ExecuteDataPacket is the device->host ExecuteData body.
type ExecuteDataPacket struct {
	ClientCommand uint32
	DataLength    uint32
}

// ParseExecuteData decodes an ExecuteData body.
func ParseExecuteData(body []byte) (ExecuteDataPacket, error) {
	if len(body) < 8 {
		return ExecuteDataPacket{}, fmt.Errorf("sahara: execute_data body too short")
	}
	return ExecuteDataPacket{
		ClientCommand: wire.Uint32(body, 0),
		DataLength:    wire.Uint32(body, 4),
	}, nil
}

// EncodeExecuteResponse serializes the host->device ExecuteResponse packet.
func EncodeExecuteResponse(clientCommand uint32) []byte {
	body := make([]byte, 4)
	wire.PutUint32(body, 0, clientCommand)
	return append(Header{CmdID: CmdExecuteResponse, Length: uint32(HeaderSize + len(body))}.Encode(), body...)
}
