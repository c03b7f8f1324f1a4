// Package firehose implements the second-stage Qualcomm EDL protocol: an
// XML command/response exchange with a raw-mode sidechannel for payload
// bytes (spec §4.3).
package firehose

import "fmt"

// buildEnvelope wraps one or more verb elements in the canonical
// `<?xml version="1.0" ?><data>...</data>` envelope, sent as a single
// write with no Unicode BOM.
func buildEnvelope(verbs ...string) []byte {
	out := `<?xml version="1.0" ?><data>`
	for _, v := range verbs {
		out += v
	}
	out += `</data>`
	return []byte(out)
}

// ConfigureOptions parameterizes the configure verb (spec §4.3).
type ConfigureOptions struct {
	MemoryName                      string // "ufs" or "emmc"
	Verbose                         bool
	AlwaysValidate                  bool
	MaxPayloadSizeToTargetInBytes   uint32
	MaxPayloadSizeFromTargetInBytes uint32
	AckRawDataEveryNumPackets       uint32
	ZlpAwareHost                    bool
	SkipStorageInit                 bool
}

func boolAttr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func configureVerb(o ConfigureOptions) string {
	return fmt.Sprintf(
		`<configure MemoryName="%s" Verbose="%s" AlwaysValidate="%s" MaxPayloadSizeToTargetInBytes="%d" MaxPayloadSizeFromTargetInBytes="%d" AckRawDataEveryNumPackets="%d" ZlpAwareHost="%s" SkipStorageInit="%s"/>`,
		o.MemoryName, boolAttr(o.Verbose), boolAttr(o.AlwaysValidate),
		o.MaxPayloadSizeToTargetInBytes, o.MaxPayloadSizeFromTargetInBytes,
		o.AckRawDataEveryNumPackets, boolAttr(o.ZlpAwareHost), boolAttr(o.SkipStorageInit))
}

// ReadWriteParams is shared by read/program/erase verbs.
type ReadWriteParams struct {
	SectorSizeInBytes       uint32
	NumPartitionSectors     uint64
	PhysicalPartitionNumber uint8
	StartSector             string // NegativeSectorLiteral-rendered or decimal
	Filename                string
	Label                   string
}

func readVerb(p ReadWriteParams) string {
	extra := ""
	if p.Filename != "" {
		extra += fmt.Sprintf(` filename="%s"`, p.Filename)
	}
	if p.Label != "" {
		extra += fmt.Sprintf(` label="%s"`, p.Label)
	}
	return fmt.Sprintf(
		`<read SECTOR_SIZE_IN_BYTES="%d" num_partition_sectors="%d" physical_partition_number="%d" start_sector="%s"%s/>`,
		p.SectorSizeInBytes, p.NumPartitionSectors, p.PhysicalPartitionNumber, p.StartSector, extra)
}

func programVerb(p ReadWriteParams) string {
	return fmt.Sprintf(
		`<program SECTOR_SIZE_IN_BYTES="%d" num_partition_sectors="%d" physical_partition_number="%d" start_sector="%s" filename="%s" label="%s" read_back_verify="true"/>`,
		p.SectorSizeInBytes, p.NumPartitionSectors, p.PhysicalPartitionNumber, p.StartSector, p.Filename, p.Label)
}

func eraseVerb(p ReadWriteParams) string {
	return fmt.Sprintf(
		`<erase SECTOR_SIZE_IN_BYTES="%d" num_partition_sectors="%d" physical_partition_number="%d" start_sector="%s"/>`,
		p.SectorSizeInBytes, p.NumPartitionSectors, p.PhysicalPartitionNumber, p.StartSector)
}

// PatchParams mirrors gpt.Patch's fields, duplicated here to avoid this
// package depending on gpt for something this small; Session.Patch accepts
// a gpt.Patch and converts it.
type PatchParams struct {
	SectorSizeInBytes       uint32
	ByteOffset              uint64
	Filename                string
	PhysicalPartitionNumber uint8
	SizeInBytes             uint32
	StartSector             string
	Value                   string
}

func patchVerb(p PatchParams) string {
	return fmt.Sprintf(
		`<patch SECTOR_SIZE_IN_BYTES="%d" byte_offset="%d" filename="%s" physical_partition_number="%d" size_in_bytes="%d" start_sector="%s" value="%s"/>`,
		p.SectorSizeInBytes, p.ByteOffset, p.Filename, p.PhysicalPartitionNumber, p.SizeInBytes, p.StartSector, p.Value)
}

func powerVerb(value string) string {
	return fmt.Sprintf(`<power value="%s"/>`, value)
}

func fixgptVerb(lun string, growLastPartition bool) string {
	return fmt.Sprintf(`<fixgpt lun="%s" grow_last_partition="%s"/>`, lun, boolAttr(growLastPartition))
}

func setbootablestoragedriveVerb(value uint8) string {
	return fmt.Sprintf(`<setbootablestoragedrive value="%d"/>`, value)
}

func nopVerb() string { return `<nop/>` }

func setactiveslotVerb(slot string) string {
	return fmt.Sprintf(`<setactiveslot slot="%s"/>`, slot)
}

func setactivepartitionVerb(name, slot string) string {
	return fmt.Sprintf(`<setactivepartition name="%s" slot="%s"/>`, name, slot)
}

func getstorageinfoVerb() string { return `<getstorageinfo/>` }

func transfercfgVerb(rebootType string, timeoutSec uint32) string {
	return fmt.Sprintf(`<transfercfg reboot_type="%s" timeout_in_sec="%d"/>`, rebootType, timeoutSec)
}

func verifyVerb(value string, enableVip bool) string {
	return fmt.Sprintf(`<verify value="%s" EnableVip="%s"/>`, value, boolAttr(enableVip))
}

func sha256initVerb(verbose bool) string {
	return fmt.Sprintf(`<sha256init Verbose="%s"/>`, boolAttr(verbose))
}

func sha256finalVerb() string { return `<sha256final/>` }

func ufsVerb(attrs string) string {
	return fmt.Sprintf(`<ufs %s/>`, attrs)
}
