package sahara_test

import (
	"testing"

	"github.com/anthropics/edl-go/pkg/sahara"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := sahara.Header{CmdID: sahara.CmdHello, Length: 48}
	got, err := sahara.ParseHeader(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestHeaderTooShort(t *testing.T) {
	_, err := sahara.ParseHeader([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestHelloRoundTrip(t *testing.T) {
	h := sahara.HelloPacket{Version: 2, VersionCompatible: 1, MaxCmdPacketLength: 1024, Mode: sahara.ModeCommand}
	encoded := h.Encode()
	hdr, err := sahara.ParseHeader(encoded[:sahara.HeaderSize])
	require.NoError(t, err)
	assert.Equal(t, sahara.CmdHello, hdr.CmdID)

	got, err := sahara.ParseHello(encoded[sahara.HeaderSize:])
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestHelloResponseRoundTrip(t *testing.T) {
	hr := sahara.HelloResponsePacket{Version: 2, VersionCompatible: 1, Status: 0, Mode: sahara.ModeImageTransferPending}
	encoded := hr.Encode()
	assert.Len(t, encoded, sahara.HeaderSize+48)

	got, err := sahara.ParseHelloResponseBody(encoded[sahara.HeaderSize:])
	require.NoError(t, err)
	assert.Equal(t, hr, got)
}

func TestReadData32RoundTrip(t *testing.T) {
	body := make([]byte, 12)
	req, err := sahara.ParseReadData32(body)
	require.NoError(t, err)
	assert.Equal(t, sahara.ReadData32Packet{}, req)
}

func TestReadData32TooShort(t *testing.T) {
	_, err := sahara.ParseReadData32([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestExecuteBodyRoundTrip(t *testing.T) {
	encoded := sahara.EncodeExecute(sahara.ExecCmdSerialNum)
	cmd, err := sahara.ParseExecuteBody(encoded[sahara.HeaderSize:])
	require.NoError(t, err)
	assert.Equal(t, sahara.ExecCmdSerialNum, cmd)
}

func TestExecuteDataRoundTrip(t *testing.T) {
	body := make([]byte, 8)
	body[0] = 0x01
	body[4] = 0x10
	ed, err := sahara.ParseExecuteData(body)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ed.ClientCommand)
	assert.Equal(t, uint32(0x10), ed.DataLength)
}

func TestDoneResponseRoundTrip(t *testing.T) {
	body := []byte{0, 0, 0, 0}
	dr, err := sahara.ParseDoneResponse(body)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), dr.Status)
}

func TestEndImageTransferRoundTrip(t *testing.T) {
	body := []byte{0, 0, 0, 0, 0x1E, 0, 0, 0}
	end, err := sahara.ParseEndImageTransfer(body)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1E), end.Status)
}
