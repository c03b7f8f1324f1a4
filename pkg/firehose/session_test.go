package firehose_test

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/anthropics/edl-go/pkg/firehose"
	"github.com/anthropics/edl-go/pkg/sparse"
	"github.com/anthropics/edl-go/pkg/wire"
	"github.com/anthropics/edl-go/testutil"
)

var numSectorsRe = regexp.MustCompile(`num_partition_sectors="(\d+)"`)
var sectorSizeRe = regexp.MustCompile(`SECTOR_SIZE_IN_BYTES="(\d+)"`)

func readCommand(ctx context.Context, d *testutil.FirehoseDevSide) (string, error) {
	var buf []byte
	for {
		chunk, err := d.ReadSome(ctx)
		if err != nil {
			return "", err
		}
		buf = append(buf, chunk...)
		if idx := bytes.Index(buf, []byte("</data>")); idx >= 0 {
			return string(buf[:idx+len("</data>")]), nil
		}
	}
}

func rawLen(cmd string) int {
	sm := sectorSizeRe.FindStringSubmatch(cmd)
	nm := numSectorsRe.FindStringSubmatch(cmd)
	if sm == nil || nm == nil {
		return 0
	}
	var s, n int
	fmt.Sscanf(sm[1], "%d", &s)
	fmt.Sscanf(nm[1], "%d", &n)
	return s * n
}

// basicResponder answers configure/read/program/erase/patch/fixgpt/
// setactiveslot with the happy-path response from spec §8's concrete
// scenarios, looping until the host closes the port.
func basicResponder(ctx context.Context, d *testutil.FirehoseDevSide) error {
	for {
		cmd, err := readCommand(ctx, d)
		if err != nil {
			return nil
		}
		switch {
		case bytes.Contains([]byte(cmd), []byte("<configure")):
			d.Write([]byte(`<?xml version="1.0" ?><data><response value="ACK" SectorSizeInBytes="4096" MaxPayloadSizeToTargetInBytes="1048576"/></data>`))
		case bytes.Contains([]byte(cmd), []byte("<read ")):
			n := rawLen(cmd)
			d.Write([]byte(`<?xml version="1.0" ?><data><response value="ACK" rawmode="true"/></data>` + "\n"))
			payload := make([]byte, n)
			for i := range payload {
				payload[i] = byte(i)
			}
			d.Write(payload)
			d.Write([]byte(`<?xml version="1.0" ?><data><response value="ACK"/></data>`))
		case bytes.Contains([]byte(cmd), []byte("<program ")):
			n := rawLen(cmd)
			d.Write([]byte(`<?xml version="1.0" ?><data><response value="ACK" rawmode="true"/></data>`))
			buf := make([]byte, n)
			if err := d.ReadExact(ctx, buf); err != nil {
				return err
			}
			d.Write([]byte(`<?xml version="1.0" ?><data><response value="ACK"/></data>`))
		default:
			d.Write([]byte(`<?xml version="1.0" ?><data><response value="ACK"/></data>`))
		}
	}
}

func newTestSession(t *testing.T, responder testutil.FirehoseResponder) (*firehose.Session, *testutil.FakeFirehosePort) {
	t.Helper()
	port := testutil.NewFakeFirehosePort(responder)
	cfg := firehose.DefaultSessionConfig(firehose.StorageUFS)
	s := firehose.NewSession(port, cfg, nil)
	return s, port
}

func TestConfigureAppliesDeviceSectorSizeAndClampsPayload(t *testing.T) {
	s, port := newTestSession(t, basicResponder)
	defer port.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Configure(ctx); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if s.SectorSize() != 4096 {
		t.Fatalf("SectorSize = %d, want 4096", s.SectorSize())
	}
	if s.MaxPayload() != 1048576 {
		t.Fatalf("MaxPayload = %d, want 1048576", s.MaxPayload())
	}
}

func TestReadDeliversPayloadVerbatim(t *testing.T) {
	s, port := newTestSession(t, basicResponder)
	defer port.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Configure(ctx); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	data, err := s.ChunkedRead(ctx, 0, 0, 8, nil, nil)
	if err != nil {
		t.Fatalf("ChunkedRead: %v", err)
	}
	want := int(8 * s.SectorSize())
	if len(data) != want {
		t.Fatalf("len(data) = %d, want %d", len(data), want)
	}
	for i, b := range data {
		if b != byte(i) {
			t.Fatalf("data[%d] = %d, want %d (no log bytes should be mixed in)", i, b, byte(i))
			break
		}
	}
}

func TestProgramSendsExactSectorAlignedBytes(t *testing.T) {
	var gotBytes int
	responder := func(ctx context.Context, d *testutil.FirehoseDevSide) error {
		for {
			cmd, err := readCommand(ctx, d)
			if err != nil {
				return nil
			}
			switch {
			case bytes.Contains([]byte(cmd), []byte("<configure")):
				d.Write([]byte(`<data><response value="ACK" SectorSizeInBytes="512" MaxPayloadSizeToTargetInBytes="1048576"/></data>`))
			case bytes.Contains([]byte(cmd), []byte("<program ")):
				n := rawLen(cmd)
				d.Write([]byte(`<data><response value="ACK" rawmode="true"/></data>`))
				buf := make([]byte, n)
				if err := d.ReadExact(ctx, buf); err != nil {
					return err
				}
				gotBytes = len(buf)
				d.Write([]byte(`<data><response value="ACK"/></data>`))
			default:
				d.Write([]byte(`<data><response value="ACK"/></data>`))
			}
		}
	}
	s, port := newTestSession(t, responder)
	defer port.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Configure(ctx); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	src := bytes.NewReader(fillBytes(5000))
	if err := s.ChunkedWrite(ctx, 0, 0, 10, src, nil, nil); err != nil {
		t.Fatalf("ChunkedWrite: %v", err)
	}
	if gotBytes != 5120 {
		t.Fatalf("device received %d bytes, want 5120 (10 sectors * 512)", gotBytes)
	}
}

func fillBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestEraseBlankSparseImageInsteadOfProgram(t *testing.T) {
	var eraseSectors string
	programCalled := false
	responder := func(ctx context.Context, d *testutil.FirehoseDevSide) error {
		for {
			cmd, err := readCommand(ctx, d)
			if err != nil {
				return nil
			}
			switch {
			case bytes.Contains([]byte(cmd), []byte("<configure")):
				d.Write([]byte(`<data><response value="ACK" SectorSizeInBytes="4096" MaxPayloadSizeToTargetInBytes="1048576"/></data>`))
			case bytes.Contains([]byte(cmd), []byte("<erase ")):
				m := numSectorsRe.FindStringSubmatch(cmd)
				if m != nil {
					eraseSectors = m[1]
				}
				d.Write([]byte(`<data><response value="ACK"/></data>`))
			case bytes.Contains([]byte(cmd), []byte("<program ")):
				programCalled = true
				d.Write([]byte(`<data><response value="ACK"/></data>`))
			default:
				d.Write([]byte(`<data><response value="ACK"/></data>`))
			}
		}
	}
	s, port := newTestSession(t, responder)
	defer port.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Configure(ctx); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	sparseImg := buildBlankSparseImage(t, 262144, 4096)
	st, err := sparseOpen(sparseImg)
	if err != nil {
		t.Fatalf("sparse open: %v", err)
	}
	if err := s.WriteSparse(ctx, 0, 0, st, nil); err != nil {
		t.Fatalf("WriteSparse: %v", err)
	}
	if programCalled {
		t.Fatalf("program should not be called for a blank sparse image")
	}
	if eraseSectors != "262144" {
		t.Fatalf("erase num_partition_sectors = %q, want 262144", eraseSectors)
	}
}

// buildBlankSparseImage encodes a single DONT_CARE chunk spanning the
// whole image, matching spec §8 scenario 4 (a blank userdata image).
func buildBlankSparseImage(t *testing.T, totalBlocks, blockSize uint32) []byte {
	t.Helper()
	var buf bytes.Buffer

	hdr := make([]byte, 28)
	wire.PutUint32(hdr, 0, 0xED26FF3A)
	wire.PutUint32(hdr, 12, blockSize)
	wire.PutUint32(hdr, 16, totalBlocks)
	wire.PutUint32(hdr, 20, 1)
	buf.Write(hdr)

	chdr := make([]byte, 12)
	wire.PutUint16(chdr, 0, 0xCAC3) // DONT_CARE
	wire.PutUint32(chdr, 4, totalBlocks)
	wire.PutUint32(chdr, 8, 12)
	buf.Write(chdr)

	return buf.Bytes()
}

func sparseOpen(data []byte) (*sparse.Stream, error) {
	return sparse.Open(bytes.NewReader(data), int64(len(data)))
}
