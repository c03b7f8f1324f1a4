// Package gpt parses and patches GUID Partition Tables read back from an
// EDL-attached LUN, and renders the rawprogram/partition XML documents used
// by flashing tools (spec §4.4).
package gpt

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"unicode/utf16"

	"github.com/anthropics/edl-go/pkg/wire"
	"github.com/google/uuid"
)

const (
	// entrySize is the on-disk size of one partition entry.
	entrySize = 128
	// signature is the magic 8 bytes at the start of the GPT header.
	signature = "EFI PART"
	// nameFieldSize is the UTF-16LE name field width within an entry.
	nameFieldSize = 72
)

// Header is a parsed primary GPT header (spec §4.4).
type Header struct {
	SectorSize      uint32
	CurrentLBA      uint64
	BackupLBA       uint64
	FirstUsableLBA  uint64
	LastUsableLBA   uint64
	DiskGUID        uuid.UUID
	EntriesStartLBA uint64
	NumEntries      uint32
	EntrySize       uint32
	HeaderCRCValid  bool
	EntriesCRCValid bool
}

// Entry is one parsed partition table entry. Entries with an all-zero type
// GUID are skipped by Parse.
type Entry struct {
	Index      int
	TypeGUID   uuid.UUID
	UniqueGUID uuid.UUID
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       string
}

// A/B slot attribute bits within Entry.Attributes (spec §3's SlotInfo /
// §4.4's bit layout): priority occupies bits 48-49, active is bit 50,
// successful is bit 51, unbootable is bit 52.
const (
	attrPriorityShift = 48
	attrPriorityMask  = 0x3 << attrPriorityShift
	attrActiveBit     = 1 << 50
	attrSuccessfulBit = 1 << 51
	attrUnbootableBit = 1 << 52
)

// Priority returns the 2-bit slot priority (0-3).
func (e Entry) Priority() uint8 { return uint8((e.Attributes & attrPriorityMask) >> attrPriorityShift) }

// Active reports the active bit.
func (e Entry) Active() bool { return e.Attributes&attrActiveBit != 0 }

// Successful reports the successful bit.
func (e Entry) Successful() bool { return e.Attributes&attrSuccessfulBit != 0 }

// Unbootable reports the unbootable bit.
func (e Entry) Unbootable() bool { return e.Attributes&attrUnbootableBit != 0 }

// WithActive returns a copy of e with the active bit and priority field set
// or cleared as described by spec §4.4: activating sets priority=3, active=1;
// deactivating lowers priority to 1 and clears active.
func (e Entry) WithActive(active bool) Entry {
	attrs := e.Attributes &^ uint64(attrPriorityMask) &^ uint64(attrActiveBit)
	if active {
		attrs |= uint64(3) << attrPriorityShift
		attrs |= attrActiveBit
	} else {
		attrs |= uint64(1) << attrPriorityShift
	}
	e.Attributes = attrs
	return e
}

// Table is the per-LUN parsed GPT state a Firehose session accumulates as
// it reads back partition layout (spec §9: "re-model as an owned map inside
// the session", not a process-wide global).
type Table struct {
	Headers    map[uint8]Header
	Partitions map[uint8][]Entry
}

// NewTable builds an empty, owned GPT table.
func NewTable() *Table {
	return &Table{Headers: map[uint8]Header{}, Partitions: map[uint8][]Entry{}}
}

// Put records a parsed header and entry list for lun.
func (t *Table) Put(lun uint8, h Header, entries []Entry) {
	t.Headers[lun] = h
	t.Partitions[lun] = entries
}

// Find returns the entry named name (case-insensitive) on lun.
func (t *Table) Find(lun uint8, name string) (Entry, bool) {
	for _, e := range t.Partitions[lun] {
		if equalFold(e.Name, name) {
			return e, true
		}
	}
	return Entry{}, false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return len(a) == len(b)
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Parse reads a primary GPT header and its entry array out of data, which
// must contain at least the first 256 sectors of the LUN (spec §4.4).
// CRC validity is recorded on the returned Header but never gates parsing;
// devices commonly carry a stale entries CRC.
func Parse(data []byte, sectorSize uint32) (Header, []Entry, error) {
	if sectorSize == 0 {
		return Header{}, nil, fmt.Errorf("gpt: sector size must be nonzero")
	}
	lba1 := int(sectorSize)
	if len(data) < lba1+92 {
		return Header{}, nil, fmt.Errorf("gpt: buffer too short for header at LBA1")
	}
	hdrBytes := data[lba1:]
	if string(hdrBytes[0:8]) != signature {
		return Header{}, nil, fmt.Errorf("gpt: missing %q signature", signature)
	}

	headerSize := wire.Uint32(hdrBytes, 12)
	recordedHeaderCRC := wire.Uint32(hdrBytes, 16)
	headerCRCValid := verifyHeaderCRC(hdrBytes, headerSize, recordedHeaderCRC)

	diskGUID, err := guidFromMixedEndian(hdrBytes[56:72])
	if err != nil {
		return Header{}, nil, fmt.Errorf("gpt: disk guid: %w", err)
	}

	h := Header{
		SectorSize:      sectorSize,
		CurrentLBA:      wire.Uint64(hdrBytes, 24),
		BackupLBA:       wire.Uint64(hdrBytes, 32),
		FirstUsableLBA:  wire.Uint64(hdrBytes, 40),
		LastUsableLBA:   wire.Uint64(hdrBytes, 48),
		DiskGUID:        diskGUID,
		EntriesStartLBA: wire.Uint64(hdrBytes, 72),
		NumEntries:      wire.Uint32(hdrBytes, 80),
		EntrySize:       wire.Uint32(hdrBytes, 84),
		HeaderCRCValid:  headerCRCValid,
	}
	if h.EntrySize == 0 {
		h.EntrySize = entrySize
	}
	recordedEntriesCRC := wire.Uint32(hdrBytes, 88)

	entriesOff := int(h.EntriesStartLBA) * int(sectorSize)
	entriesLen := int(h.NumEntries) * int(h.EntrySize)
	if entriesOff < 0 || entriesOff+entriesLen > len(data) {
		return Header{}, nil, fmt.Errorf("gpt: entry array extends past buffer")
	}
	entriesBytes := data[entriesOff : entriesOff+entriesLen]
	h.EntriesCRCValid = crc32.ChecksumIEEE(entriesBytes) == recordedEntriesCRC

	var entries []Entry
	for i := 0; i < int(h.NumEntries); i++ {
		raw := entriesBytes[i*int(h.EntrySize) : (i+1)*int(h.EntrySize)]
		if allZero(raw[0:16]) {
			continue
		}
		typeGUID, err := guidFromMixedEndian(raw[0:16])
		if err != nil {
			return Header{}, nil, fmt.Errorf("gpt: entry %d type guid: %w", i, err)
		}
		uniqueGUID, err := guidFromMixedEndian(raw[16:32])
		if err != nil {
			return Header{}, nil, fmt.Errorf("gpt: entry %d unique guid: %w", i, err)
		}
		entries = append(entries, Entry{
			Index:      i,
			TypeGUID:   typeGUID,
			UniqueGUID: uniqueGUID,
			FirstLBA:   wire.Uint64(raw, 32),
			LastLBA:    wire.Uint64(raw, 40),
			Attributes: wire.Uint64(raw, 48),
			Name:       decodeUTF16LEName(raw[56 : 56+nameFieldSize]),
		})
	}
	return h, entries, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func decodeUTF16LEName(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u := binary.LittleEndian.Uint16(b[i : i+2])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

func verifyHeaderCRC(hdrBytes []byte, headerSize, recorded uint32) bool {
	if int(headerSize) > len(hdrBytes) || headerSize < 92 {
		return false
	}
	scratch := make([]byte, headerSize)
	copy(scratch, hdrBytes[:headerSize])
	// CRC32 field itself (offset 16..19) is zeroed before recomputation.
	scratch[16], scratch[17], scratch[18], scratch[19] = 0, 0, 0, 0
	return crc32.ChecksumIEEE(scratch) == recorded
}

// guidFromMixedEndian decodes the UEFI mixed-endian GUID encoding used on
// the wire (first three fields little-endian, last two big-endian) into a
// standard uuid.UUID.
func guidFromMixedEndian(b []byte) (uuid.UUID, error) {
	if len(b) != 16 {
		return uuid.UUID{}, fmt.Errorf("need 16 bytes, got %d", len(b))
	}
	var be [16]byte
	be[0], be[1], be[2], be[3] = b[3], b[2], b[1], b[0]
	be[4], be[5] = b[5], b[4]
	be[6], be[7] = b[7], b[6]
	copy(be[8:], b[8:])
	return uuid.FromBytes(be[:])
}

// guidToMixedEndian is the inverse of guidFromMixedEndian, used when
// rendering patch values or XML attributes that need wire-format GUIDs.
func guidToMixedEndian(id uuid.UUID) [16]byte {
	b := [16]byte(id)
	var out [16]byte
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])
	return out
}

// ResolveNegativeSector converts a negative (end-relative) sector value
// into an absolute one using the header's BackupLBA, per spec §8:
// resolve(negative k) = alternate_lba + 1 + k.
func (h Header) ResolveNegativeSector(k int64) uint64 {
	return h.BackupLBA + 1 + uint64(k)
}
