package testutil

import (
	"context"

	"github.com/anthropics/edl-go/pkg/sahara"
	"github.com/anthropics/edl-go/pkg/wire"
)

// CommandResponse is one scripted Execute/ExecuteData/ExecuteResponse cycle
// the simulated device will serve during Sahara command mode.
type CommandResponse struct {
	ClientCommand uint32
	Data          []byte
}

// SaharaScript describes the device side of one Sahara handshake for
// NewFakeSaharaPort: whether command mode is offered, which identity
// commands it answers, how the image is chunked back to the host, and what
// terminal statuses it reports.
type SaharaScript struct {
	// OfferCommandMode, if true, makes the device answer the host's
	// command-mode HelloResponse with CommandReady and serve Commands; if
	// false it answers with a non-CommandReady packet, so the host falls
	// back to image transfer. The initial Hello always advertises
	// ImageTransferPending.
	OfferCommandMode bool

	// Commands lists the identity commands answered in order during
	// command mode, one per Execute. An Execute for any command other than
	// the next listed one fails the script.
	Commands []CommandResponse

	// Image is the programmer image content the device will pull back via
	// ReadData32 requests, split into ChunkSize pieces (default 4096).
	Image     []byte
	ChunkSize int

	// Use64BitReads selects ReadData64 framing instead of ReadData32.
	Use64BitReads bool

	// EndStatus is reported in EndImageTransfer; nonzero makes the session
	// fail without completing Done/DoneResponse.
	EndStatus uint32

	// DoneStatus is reported in DoneResponse.
	DoneStatus uint32
}

// run drives the device side of the handshake to completion against d,
// implementing the mirror image of pkg/sahara.Session.Run.
func (s *SaharaScript) run(ctx context.Context, d *devSide) error {
	chunk := s.ChunkSize
	if chunk == 0 {
		chunk = 4096
	}

	d.write(sahara.HelloPacket{
		Version: 2, VersionCompatible: 1, MaxCmdPacketLength: sahara.MaxPacketSize, Mode: sahara.ModeImageTransferPending,
	}.Encode())

	// The host always tries command mode on its first HelloResponse,
	// regardless of what this Hello advertised.
	hdr, body, err := d.readHeaderBody(ctx)
	if err != nil {
		return err
	}
	if hdr.CmdID != sahara.CmdHelloResponse {
		return errf("sahara fake: expected HelloResponse, got %#x", hdr.CmdID)
	}
	if _, err := sahara.ParseHelloResponseBody(body); err != nil {
		return err
	}

	if s.OfferCommandMode {
		if err := s.runCommandMode(ctx, d); err != nil {
			return err
		}
	} else {
		// Deviate from command mode: the host's stateCmdMode discards
		// whatever isn't CmdCommandReady and falls back to image transfer.
		d.write(sahara.Header{CmdID: sahara.CmdHello, Length: sahara.HeaderSize}.Encode())
	}

	hdr, body, err = d.readHeaderBody(ctx)
	if err != nil {
		return err
	}
	if hdr.CmdID != sahara.CmdHelloResponse {
		return errf("sahara fake: expected post-command HelloResponse, got %#x", hdr.CmdID)
	}
	if _, err := sahara.ParseHelloResponseBody(body); err != nil {
		return err
	}

	if err := s.runUploadLoop(ctx, d, chunk); err != nil {
		return err
	}

	hdr, _, err = d.readHeaderBody(ctx)
	if err != nil {
		return err
	}
	if hdr.CmdID != sahara.CmdDone {
		return errf("sahara fake: expected Done, got %#x", hdr.CmdID)
	}

	doneBody := make([]byte, 4)
	wire.PutUint32(doneBody, 0, s.DoneStatus)
	d.write(append(sahara.Header{CmdID: sahara.CmdDoneResponse, Length: uint32(sahara.HeaderSize + len(doneBody))}.Encode(), doneBody...))
	return nil
}

// runCommandMode answers CommandReady, then serves every scripted identity
// command as the host requests it.
func (s *SaharaScript) runCommandMode(ctx context.Context, d *devSide) error {
	d.write(sahara.Header{CmdID: sahara.CmdCommandReady, Length: sahara.HeaderSize}.Encode())

	for i := 0; i < len(s.Commands); i++ {
		hdr, body, err := d.readHeaderBody(ctx)
		if err != nil {
			return err
		}
		if hdr.CmdID != sahara.CmdExecute {
			return errf("sahara fake: expected Execute, got %#x", hdr.CmdID)
		}
		cmd, err := sahara.ParseExecuteBody(body)
		if err != nil {
			return err
		}
		resp := s.Commands[i]
		if cmd != resp.ClientCommand {
			return errf("sahara fake: expected Execute(%d), got Execute(%d)", resp.ClientCommand, cmd)
		}

		edBody := make([]byte, 8)
		wire.PutUint32(edBody, 0, resp.ClientCommand)
		wire.PutUint32(edBody, 4, uint32(len(resp.Data)))
		d.write(append(sahara.Header{CmdID: sahara.CmdExecuteData, Length: uint32(sahara.HeaderSize + len(edBody))}.Encode(), edBody...))

		hdr, body, err = d.readHeaderBody(ctx)
		if err != nil {
			return err
		}
		if hdr.CmdID != sahara.CmdExecuteResponse {
			return errf("sahara fake: expected ExecuteResponse, got %#x", hdr.CmdID)
		}
		if len(resp.Data) > 0 {
			d.write(resp.Data)
		}
	}
	return nil
}

// runUploadLoop requests the whole image in ChunkSize pieces and then ends
// the transfer with EndStatus.
func (s *SaharaScript) runUploadLoop(ctx context.Context, d *devSide, chunk int) error {
	total := len(s.Image)
	for off := 0; off < total; off += chunk {
		n := chunk
		if off+n > total {
			n = total - off
		}
		if s.Use64BitReads {
			body := make([]byte, 24)
			wire.PutUint64(body, 0, 0)
			wire.PutUint64(body, 8, uint64(off))
			wire.PutUint64(body, 16, uint64(n))
			d.write(append(sahara.Header{CmdID: sahara.CmdReadData64, Length: uint32(sahara.HeaderSize + len(body))}.Encode(), body...))
		} else {
			body := make([]byte, 12)
			wire.PutUint32(body, 0, 0)
			wire.PutUint32(body, 4, uint32(off))
			wire.PutUint32(body, 8, uint32(n))
			d.write(append(sahara.Header{CmdID: sahara.CmdReadData32, Length: uint32(sahara.HeaderSize + len(body))}.Encode(), body...))
		}

		got := make([]byte, n)
		if err := d.readExact(ctx, got); err != nil {
			return err
		}
	}

	endBody := make([]byte, 8)
	wire.PutUint32(endBody, 0, 0)
	wire.PutUint32(endBody, 4, s.EndStatus)
	d.write(append(sahara.Header{CmdID: sahara.CmdEndImageTransfer, Length: uint32(sahara.HeaderSize + len(endBody))}.Encode(), endBody...))
	return nil
}

// readHeaderBody reads one host->device Sahara packet.
func (d *devSide) readHeaderBody(ctx context.Context) (sahara.Header, []byte, error) {
	hdrBuf := make([]byte, sahara.HeaderSize)
	if err := d.readExact(ctx, hdrBuf); err != nil {
		return sahara.Header{}, nil, err
	}
	hdr, err := sahara.ParseHeader(hdrBuf)
	if err != nil {
		return sahara.Header{}, nil, err
	}
	bodyLen := hdr.Length - sahara.HeaderSize
	if bodyLen == 0 {
		return hdr, nil, nil
	}
	body := make([]byte, bodyLen)
	if err := d.readExact(ctx, body); err != nil {
		return sahara.Header{}, nil, err
	}
	return hdr, body, nil
}
