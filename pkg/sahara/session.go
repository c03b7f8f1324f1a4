package sahara

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/edl-go/pkg/transport"
	"github.com/sirupsen/logrus"
)

const (
	helloTimeout    = 60 * time.Second
	maxHelloRetries = 5
	maxLoopIters    = 1000
)

type state int

const (
	stateWaitHello state = iota
	stateCmdMode
	stateUploadLoop
	stateDoneResponse
)

// Session drives the Sahara first-stage handshake over a Port until the
// programmer image is accepted or a terminal condition is reached (spec
// §4.2).
type Session struct {
	port  transport.Port
	image Image
	log   *logrus.Logger

	triedCommandMode bool
	skipCommandMode  bool
}

// NewSession builds a Sahara session that will serve image over port. If
// log is nil, logrus.StandardLogger() is used, matching the ambient
// logging convention used across this module.
func NewSession(port transport.Port, image Image, log *logrus.Logger) *Session {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Session{port: port, image: image, log: log}
}

// Run drives the state machine to completion, returning the chip identity
// read back during command mode (nil if command mode was skipped or never
// offered) once the device reports DoneResponse.
func (s *Session) Run(ctx context.Context) (*ChipInfo, error) {
	st := stateWaitHello
	var info *ChipInfo
	helloRetries := 0

	for iter := 0; ; iter++ {
		if iter >= maxLoopIters {
			return nil, &ErrProtocolViolation{Reason: "state machine exceeded loop guard"}
		}
		if err := ctx.Err(); err != nil {
			return nil, ErrCancelled
		}

		switch st {
		case stateWaitHello:
			hdr, body, err := s.readPacket(ctx, helloTimeout)
			if errors.Is(err, transport.ErrTimeout) {
				helloRetries++
				if helloRetries > maxHelloRetries {
					return nil, NewErr(StatusReceiveTimeout, "device unresponsive to Hello")
				}
				continue
			}
			if err != nil {
				return nil, err
			}
			if hdr.CmdID != CmdHello {
				return nil, &ErrProtocolViolation{Reason: fmt.Sprintf("expected Hello, got cmd %#x", hdr.CmdID)}
			}
			hello, err := ParseHello(body)
			if err != nil {
				return nil, err
			}

			if !s.triedCommandMode && !s.skipCommandMode {
				s.triedCommandMode = true
				if err := s.send(ctx, HelloResponsePacket{
					Version: hello.Version, VersionCompatible: hello.VersionCompatible,
					Mode: ModeCommand,
				}.Encode()); err != nil {
					return nil, err
				}
				st = stateCmdMode
				continue
			}

			if err := s.send(ctx, HelloResponsePacket{
				Version: hello.Version, VersionCompatible: hello.VersionCompatible,
				Mode: ModeImageTransferPending,
			}.Encode()); err != nil {
				return nil, err
			}
			st = stateUploadLoop

		case stateCmdMode:
			hdr, _, err := s.readPacket(ctx, helloTimeout)
			if err != nil {
				return nil, err
			}
			if hdr.CmdID != CmdCommandReady {
				s.skipCommandMode = true
				if err := s.enterUploadFromMode(ctx); err != nil {
					return nil, err
				}
				st = stateUploadLoop
				continue
			}

			info, err = s.runCommandMode(ctx)
			if err != nil {
				s.log.WithError(err).Warn("sahara: command mode readout failed, falling back to image transfer")
				s.skipCommandMode = true
			}
			if err := s.enterUploadFromMode(ctx); err != nil {
				return nil, err
			}
			st = stateUploadLoop

		case stateUploadLoop:
			hdr, body, err := s.readPacket(ctx, helloTimeout)
			if err != nil {
				return nil, err
			}
			switch hdr.CmdID {
			case CmdReadData32:
				req, err := ParseReadData32(body)
				if err != nil {
					return nil, err
				}
				if err := s.serveRead(ctx, int64(req.Offset), int64(req.Length)); err != nil {
					return nil, err
				}
			case CmdReadData64:
				req, err := ParseReadData64(body)
				if err != nil {
					return nil, err
				}
				if err := s.serveRead(ctx, int64(req.Offset), int64(req.Length)); err != nil {
					return nil, err
				}
			case CmdEndImageTransfer:
				end, err := ParseEndImageTransfer(body)
				if err != nil {
					return nil, err
				}
				if end.Status != 0 {
					return nil, NewErr(Status(end.Status), "device ended image transfer with error")
				}
				if err := s.send(ctx, EncodeDone()); err != nil {
					return nil, err
				}
				st = stateDoneResponse
			default:
				return nil, &ErrProtocolViolation{Reason: fmt.Sprintf("unexpected cmd %#x in upload loop", hdr.CmdID)}
			}

		case stateDoneResponse:
			hdr, body, err := s.readPacket(ctx, helloTimeout)
			if err != nil {
				return nil, err
			}
			if hdr.CmdID != CmdDoneResponse {
				return nil, &ErrProtocolViolation{Reason: fmt.Sprintf("expected DoneResponse, got cmd %#x", hdr.CmdID)}
			}
			done, err := ParseDoneResponse(body)
			if err != nil {
				return nil, err
			}
			if done.Status != 0 {
				return nil, NewErr(Status(done.Status), "DoneResponse reported failure")
			}
			return info, nil
		}
	}
}

// enterUploadFromMode sends the HelloResponse that moves the device from
// command mode into image-transfer mode.
func (s *Session) enterUploadFromMode(ctx context.Context) error {
	return s.send(ctx, HelloResponsePacket{Mode: ModeImageTransferPending}.Encode())
}

// serveRead answers a device-driven ReadData request with the requested
// slice of the programmer image, sent unframed (raw bytes, no Sahara
// header) directly after the request.
func (s *Session) serveRead(ctx context.Context, offset, length int64) error {
	if length < 0 || offset < 0 || offset+length > s.image.Size() {
		return &ErrProtocolViolation{Reason: fmt.Sprintf("read_data out of bounds: offset=%d length=%d size=%d", offset, length, s.image.Size())}
	}
	buf := make([]byte, length)
	if _, err := s.image.ReadAt(buf, offset); err != nil {
		return fmt.Errorf("sahara: reading image at %d: %w", offset, err)
	}
	return s.send(ctx, buf)
}

// runCommandMode executes the Execute/ExecuteData/ExecuteResponse ritual
// for each chip-identity command named in spec §4.2, accumulating results
// into a ChipInfo. Any deviation aborts the whole readout (caller falls
// back to plain image transfer).
func (s *Session) runCommandMode(ctx context.Context) (*ChipInfo, error) {
	info := &ChipInfo{}

	serialData, err := s.executeCommand(ctx, ExecCmdSerialNum)
	if err != nil {
		return nil, err
	}
	if len(serialData) >= 4 {
		info.SerialHex = uint32(serialData[0]) | uint32(serialData[1])<<8 | uint32(serialData[2])<<16 | uint32(serialData[3])<<24
	}

	// Protocol version is not separately queried by a dedicated command in
	// this core; it is inferred from which identity path succeeds below.
	info.ProtocolVersion = 2

	if info.ProtocolVersion < ProtocolVersionForChipIDV3 {
		hwData, err := s.executeCommand(ctx, ExecCmdHWID)
		if err != nil {
			return nil, err
		}
		if len(hwData) >= 8 {
			hwID := uint64(0)
			for i := 0; i < 8; i++ {
				hwID |= uint64(hwData[i]) << (8 * i)
			}
			info.HwID = hwID
			info.MsmID, info.OemID = DecodeHwIDV1V2(hwID)
		}
	}

	pkHash, err := s.executeCommand(ctx, ExecCmdOemPkHash)
	if err != nil {
		return nil, err
	}
	if len(pkHash) > 48 {
		pkHash = pkHash[:48]
	}
	info.PkHash = pkHash

	if info.ProtocolVersion >= ProtocolVersionForChipIDV3 || info.HwID == 0 {
		chipData, err := s.executeCommand(ctx, ExecCmdChipIDV3)
		if err != nil {
			return nil, err
		}
		if msmID, oemID, _, hwID, ok := DecodeChipIDV3(chipData); ok {
			info.MsmID = msmID
			info.OemID = oemID
			if info.HwID == 0 {
				info.HwID = hwID
			}
			info.ProtocolVersion = ProtocolVersionForChipIDV3
		}
	}

	if info.HwID == 0 && info.MsmID == 0 {
		// SblInfo fallback.
		if _, err := s.executeCommand(ctx, ExecCmdSblVersion); err != nil {
			return nil, err
		}
	}

	return info, nil
}

// executeCommand performs one Execute -> ExecuteData -> ExecuteResponse ->
// raw-data-read cycle for a single client command.
func (s *Session) executeCommand(ctx context.Context, cmd uint32) ([]byte, error) {
	if err := s.send(ctx, EncodeExecute(cmd)); err != nil {
		return nil, err
	}
	hdr, body, err := s.readPacket(ctx, helloTimeout)
	if err != nil {
		return nil, err
	}
	if hdr.CmdID != CmdExecuteData {
		return nil, &ErrProtocolViolation{Reason: fmt.Sprintf("expected ExecuteData, got cmd %#x", hdr.CmdID)}
	}
	ed, err := ParseExecuteData(body)
	if err != nil {
		return nil, err
	}
	if ed.ClientCommand != cmd {
		return nil, &ErrProtocolViolation{Reason: "ExecuteData client command mismatch"}
	}
	if err := s.send(ctx, EncodeExecuteResponse(cmd)); err != nil {
		return nil, err
	}
	if ed.DataLength == 0 {
		return nil, nil
	}
	data := make([]byte, ed.DataLength)
	if err := s.port.ReadExact(ctx, data); err != nil {
		return nil, fmt.Errorf("sahara: reading execute data: %w", err)
	}
	return data, nil
}

func (s *Session) send(ctx context.Context, data []byte) error {
	return s.port.Write(ctx, data)
}

// readPacket reads one Sahara packet (header + body) with a dedicated
// per-read timeout layered onto ctx.
func (s *Session) readPacket(ctx context.Context, timeout time.Duration) (Header, []byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hdrBuf := make([]byte, HeaderSize)
	if err := s.port.ReadExact(readCtx, hdrBuf); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Header{}, nil, transport.ErrTimeout
		}
		return Header{}, nil, err
	}
	hdr, err := ParseHeader(hdrBuf)
	if err != nil {
		return Header{}, nil, err
	}
	if hdr.Length < HeaderSize || hdr.Length > MaxPacketSize {
		return Header{}, nil, &ErrProtocolViolation{Reason: fmt.Sprintf("packet length %d out of bounds", hdr.Length)}
	}
	bodyLen := hdr.Length - HeaderSize
	if bodyLen == 0 {
		return hdr, nil, nil
	}
	body := make([]byte, bodyLen)
	if err := s.port.ReadExact(readCtx, body); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Header{}, nil, transport.ErrTimeout
		}
		return Header{}, nil, err
	}
	return hdr, body, nil
}
