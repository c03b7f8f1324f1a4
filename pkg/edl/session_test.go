package edl_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"regexp"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/anthropics/edl-go/pkg/edl"
	"github.com/anthropics/edl-go/pkg/firehose"
	"github.com/anthropics/edl-go/pkg/sahara"
	"github.com/anthropics/edl-go/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testSectorSize = 512

// buildGPT assembles a minimal primary-GPT byte buffer the same way
// pkg/gpt's own tests do, sized to fit within the firehose ReadGPT probe.
func buildGPT(t *testing.T, entries []gptEntry) []byte {
	t.Helper()
	const numEntries = 128
	const entrySize = 128
	buf := make([]byte, testSectorSize*(2+numEntries*entrySize/testSectorSize+2))

	entriesStartLBA := uint64(2)
	entriesOff := int(entriesStartLBA) * testSectorSize
	for _, e := range entries {
		raw := buf[entriesOff+e.index*entrySize : entriesOff+(e.index+1)*entrySize]
		writeGUIDMixedEndian(raw[0:16], e.typeGUID)
		writeGUIDMixedEndian(raw[16:32], uuid.New())
		binary.LittleEndian.PutUint64(raw[32:40], e.firstLBA)
		binary.LittleEndian.PutUint64(raw[40:48], e.lastLBA)
		binary.LittleEndian.PutUint64(raw[48:56], e.attributes)
		writeUTF16Name(raw[56:128], e.name)
	}
	entriesCRC := crc32.ChecksumIEEE(buf[entriesOff : entriesOff+numEntries*entrySize])

	hdr := buf[testSectorSize : testSectorSize+512]
	copy(hdr[0:8], "EFI PART")
	binary.LittleEndian.PutUint32(hdr[12:16], 92)
	binary.LittleEndian.PutUint64(hdr[24:32], 1)
	binary.LittleEndian.PutUint64(hdr[32:40], uint64(len(buf)/testSectorSize-1))
	binary.LittleEndian.PutUint64(hdr[40:48], 6)
	binary.LittleEndian.PutUint64(hdr[48:56], uint64(len(buf)/testSectorSize-34))
	binary.LittleEndian.PutUint64(hdr[72:80], entriesStartLBA)
	binary.LittleEndian.PutUint32(hdr[80:84], numEntries)
	binary.LittleEndian.PutUint32(hdr[84:88], entrySize)
	binary.LittleEndian.PutUint32(hdr[88:92], entriesCRC)
	binary.LittleEndian.PutUint32(hdr[16:20], crc32.ChecksumIEEE(hdr[:92]))

	return buf
}

type gptEntry struct {
	index      int
	typeGUID   uuid.UUID
	firstLBA   uint64
	lastLBA    uint64
	attributes uint64
	name       string
}

func writeGUIDMixedEndian(dst []byte, id uuid.UUID) {
	b := [16]byte(id)
	dst[0], dst[1], dst[2], dst[3] = b[3], b[2], b[1], b[0]
	dst[4], dst[5] = b[5], b[4]
	dst[6], dst[7] = b[7], b[6]
	copy(dst[8:], b[8:])
}

func writeUTF16Name(dst []byte, name string) {
	units := utf16.Encode([]rune(name))
	for i, u := range units {
		if i*2+2 > len(dst) {
			break
		}
		binary.LittleEndian.PutUint16(dst[i*2:i*2+2], u)
	}
}

var numSectorsAttrRe = regexp.MustCompile(`num_partition_sectors="(\d+)"`)
var sectorSizeAttrRe = regexp.MustCompile(`SECTOR_SIZE_IN_BYTES="(\d+)"`)
var startSectorAttrRe = regexp.MustCompile(`start_sector="(-?\d+)"`)

func readFirehoseCommand(ctx context.Context, d *testutil.FirehoseDevSide) (string, error) {
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

// gptServingResponder answers configure and the GPT-probe read (and any
// further read) by slicing gptImage at the requested sector, and ACKs
// everything else, so ReadPartition and WritePartition can also exercise
// against it.
func gptServingResponder(gptImage []byte, captured *[]string) testutil.FirehoseResponder {
	return func(ctx context.Context, d *testutil.FirehoseDevSide) error {
		for {
			cmd, err := readFirehoseCommand(ctx, d)
			if err != nil {
				return nil
			}
			if captured != nil {
				*captured = append(*captured, cmd)
			}
			switch {
			case bytes.Contains([]byte(cmd), []byte("<configure")):
				d.Write([]byte(`<?xml version="1.0" ?><data><response value="ACK" SectorSizeInBytes="512" MaxPayloadSizeToTargetInBytes="1048576"/></data>`))
			case bytes.Contains([]byte(cmd), []byte("<read ")):
				sm := sectorSizeAttrRe.FindStringSubmatch(cmd)
				nm := numSectorsAttrRe.FindStringSubmatch(cmd)
				ss := startSectorAttrRe.FindStringSubmatch(cmd)
				var sectorSize, numSectors, start int
				fmt.Sscanf(sm[1], "%d", &sectorSize)
				fmt.Sscanf(nm[1], "%d", &numSectors)
				fmt.Sscanf(ss[1], "%d", &start)

				d.Write([]byte(`<?xml version="1.0" ?><data><response value="ACK" rawmode="true"/></data>`))
				lo := start * sectorSize
				hi := lo + numSectors*sectorSize
				payload := make([]byte, numSectors*sectorSize)
				if lo < len(gptImage) {
					end := hi
					if end > len(gptImage) {
						end = len(gptImage)
					}
					copy(payload, gptImage[lo:end])
				}
				d.Write(payload)
				d.Write([]byte(`<?xml version="1.0" ?><data><response value="ACK"/></data>`))
			case bytes.Contains([]byte(cmd), []byte("<program ")):
				nm := numSectorsAttrRe.FindStringSubmatch(cmd)
				sm := sectorSizeAttrRe.FindStringSubmatch(cmd)
				var sectorSize, numSectors int
				fmt.Sscanf(sm[1], "%d", &sectorSize)
				fmt.Sscanf(nm[1], "%d", &numSectors)
				d.Write([]byte(`<?xml version="1.0" ?><data><response value="ACK" rawmode="true"/></data>`))
				buf := make([]byte, sectorSize*numSectors)
				if err := d.ReadExact(ctx, buf); err != nil {
					return err
				}
				d.Write([]byte(`<?xml version="1.0" ?><data><response value="ACK"/></data>`))
			default:
				d.Write([]byte(`<?xml version="1.0" ?><data><response value="ACK"/></data>`))
			}
		}
	}
}

// connectedSession drives a fake Sahara handshake to DoneResponse, then
// switches the same loopback port to a firehose responder and runs
// edl.Session.Connect over it, mirroring a real device's Sahara->Firehose
// handoff on one Transport (spec §2 item 6).
func connectedSession(t *testing.T, responder testutil.FirehoseResponder) *edl.Session {
	t.Helper()
	port := testutil.NewFakeSaharaPort(&testutil.SaharaScript{
		Image: []byte("fake-loader-image"),
	})
	port.SwitchToFirehose(responder)

	opts := edl.DefaultOptions()
	opts.Firehose = firehose.DefaultSessionConfig(firehose.StorageEMMC)
	s := edl.New(port, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx, sahara.BytesImage("fake-loader-image")))
	return s
}

func TestConnectDrivesSaharaThenFirehoseConfigure(t *testing.T) {
	gptImage := buildGPT(t, nil)
	s := connectedSession(t, gptServingResponder(gptImage, nil))
	require.Equal(t, uint32(512), s.Firehose.SectorSize())
}

func TestReadGPTAndReadPartitionRoundTrip(t *testing.T) {
	typeGUID := uuid.New()
	gptImage := buildGPT(t, []gptEntry{
		{index: 0, typeGUID: typeGUID, firstLBA: 40, lastLBA: 47, attributes: 1 << 50, name: "boot_a"},
	})
	s := connectedSession(t, gptServingResponder(gptImage, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hdr, entries, slotInfo, err := s.ReadGPT(ctx, 0)
	require.NoError(t, err)
	require.True(t, hdr.HeaderCRCValid)
	require.Len(t, entries, 1)
	require.Equal(t, "boot_a", entries[0].Name)
	require.True(t, slotInfo.HasABPartitions)
	require.Equal(t, "a", slotInfo.CurrentSlot.String())

	data, err := s.ReadPartition(ctx, 0, "boot_a", nil)
	require.NoError(t, err)
	require.Equal(t, 8*testSectorSize, len(data))
}

func TestReadPartitionUnknownNameErrors(t *testing.T) {
	gptImage := buildGPT(t, []gptEntry{{index: 0, typeGUID: uuid.New(), firstLBA: 40, lastLBA: 47, name: "boot_a"}})
	s := connectedSession(t, gptServingResponder(gptImage, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, func() error { _, _, _, err := s.ReadGPT(ctx, 0); return err }())

	_, err := s.ReadPartition(ctx, 0, "does_not_exist", nil)
	require.Error(t, err)
}

func TestWritePartitionSendsProgramForFlatImage(t *testing.T) {
	var captured []string
	gptImage := buildGPT(t, []gptEntry{{index: 0, typeGUID: uuid.New(), firstLBA: 40, lastLBA: 47, name: "misc"}})
	s := connectedSession(t, gptServingResponder(gptImage, &captured))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, func() error { _, _, _, err := s.ReadGPT(ctx, 0); return err }())

	payload := bytes.Repeat([]byte{0x7A}, 8*testSectorSize)
	require.NoError(t, s.WritePartition(ctx, 0, "misc", bytes.NewReader(payload), int64(len(payload)), nil))

	found := false
	for _, cmd := range captured {
		if bytes.Contains([]byte(cmd), []byte("<program ")) {
			found = true
		}
	}
	require.True(t, found, "expected a <program> verb to have been sent")
}
