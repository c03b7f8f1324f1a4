package gpt

import (
	"encoding/xml"
	"fmt"
)

// rawprogramDoc and partitionsDoc mirror the flat, attribute-only element
// shape flashing tools expect (spec §6's "external interface artifact").

type rawprogramDoc struct {
	XMLName xml.Name         `xml:"data"`
	Program []rawprogramItem `xml:"program"`
}

type rawprogramItem struct {
	SectorSizeInBytes       uint32 `xml:"SECTOR_SIZE_IN_BYTES,attr"`
	FileSectorOffset        uint64 `xml:"file_sector_offset,attr"`
	Filename                string `xml:"filename,attr"`
	Label                   string `xml:"label,attr"`
	NumPartitionSectors     uint64 `xml:"num_partition_sectors,attr"`
	PhysicalPartitionNumber uint8  `xml:"physical_partition_number,attr"`
	Sparse                  bool   `xml:"sparse,attr"`
	StartSector             string `xml:"start_sector,attr"`
}

type partitionsDoc struct {
	XMLName    xml.Name        `xml:"partitions"`
	Partitions []partitionItem `xml:"partition"`
}

type partitionItem struct {
	Label                   string `xml:"label,attr"`
	SizeInKB                string `xml:"size_in_kb,attr"`
	TypeGUID                string `xml:"type,attr"`
	UniqueGUID              string `xml:"unique_guid,attr"`
	Attributes              uint64 `xml:"attributes,attr"`
	PhysicalPartitionNumber uint8  `xml:"physical_partition_number,attr"`
	StartSector             string `xml:"start_sector,attr"`
}

// RenderRawprogram builds the rawprogram*.xml document for every entry in
// lun's partition list, describing where each partition starts so a
// flashing tool can replay the layout onto a blank device.
func RenderRawprogram(lun uint8, h Header, entries []Entry) ([]byte, error) {
	doc := rawprogramDoc{}
	for _, e := range entries {
		numSectors := uint64(0)
		if e.LastLBA >= e.FirstLBA {
			numSectors = e.LastLBA - e.FirstLBA + 1
		}
		doc.Program = append(doc.Program, rawprogramItem{
			SectorSizeInBytes:       h.SectorSize,
			FileSectorOffset:        0,
			Filename:                "",
			Label:                   e.Name,
			NumPartitionSectors:     numSectors,
			PhysicalPartitionNumber: lun,
			Sparse:                  false,
			StartSector:             NegativeSectorLiteral(int64(e.FirstLBA)),
		})
	}
	return marshalWithHeader(doc)
}

// RenderPartitions builds the mirrored <partitions> document (spec §6)
// used by flashing tools that want full GPT metadata rather than just
// program offsets.
func RenderPartitions(lun uint8, h Header, entries []Entry) ([]byte, error) {
	doc := partitionsDoc{}
	for _, e := range entries {
		sizeBytes := uint64(0)
		if e.LastLBA >= e.FirstLBA {
			sizeBytes = (e.LastLBA - e.FirstLBA + 1) * uint64(h.SectorSize)
		}
		doc.Partitions = append(doc.Partitions, partitionItem{
			Label:                   e.Name,
			SizeInKB:                fmt.Sprintf("%d", sizeBytes/1024),
			TypeGUID:                e.TypeGUID.String(),
			UniqueGUID:              e.UniqueGUID.String(),
			Attributes:              e.Attributes,
			PhysicalPartitionNumber: lun,
			StartSector:             NegativeSectorLiteral(int64(e.FirstLBA)),
		})
	}
	return marshalWithHeader(doc)
}

func marshalWithHeader(doc interface{}) ([]byte, error) {
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("gpt: marshal xml: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}
