// Command edlctl drives a device sitting in Qualcomm Emergency Download
// mode: it loads a second-stage programmer over Sahara, then issues GPT,
// read/write/erase, and A/B slot-switch operations through Firehose.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/edl-go/pkg/edl"
	"github.com/anthropics/edl-go/pkg/firehose"
	"github.com/anthropics/edl-go/pkg/gpt"
	"github.com/anthropics/edl-go/pkg/sahara"
	"github.com/anthropics/edl-go/pkg/transport"
	"github.com/sirupsen/logrus"
)

// Version information (set by ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GoVersion = "unknown"
)

const defaultBaud = 115200

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "gpt":
		if len(args) < 3 {
			fmt.Println("Usage: edlctl gpt <serial-port> <loader> <lun> [export-dir]")
			os.Exit(1)
		}
		exportDir := ""
		if len(args) >= 4 {
			exportDir = args[3]
		}
		runGPT(args[0], args[1], args[2], exportDir)
	case "read":
		if len(args) < 5 {
			fmt.Println("Usage: edlctl read <serial-port> <loader> <lun> <partition> <outfile>")
			os.Exit(1)
		}
		runRead(args[0], args[1], args[2], args[3], args[4])
	case "write":
		if len(args) < 5 {
			fmt.Println("Usage: edlctl write <serial-port> <loader> <lun> <partition> <infile>")
			os.Exit(1)
		}
		runWrite(args[0], args[1], args[2], args[3], args[4])
	case "erase":
		if len(args) < 4 {
			fmt.Println("Usage: edlctl erase <serial-port> <loader> <lun> <partition>")
			os.Exit(1)
		}
		runErase(args[0], args[1], args[2], args[3])
	case "slot":
		if len(args) < 4 {
			fmt.Println("Usage: edlctl slot <serial-port> <loader> <base-name> <a|b>")
			os.Exit(1)
		}
		runSlot(args[0], args[1], args[2], args[3])
	case "version":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("edlctl - Qualcomm EDL client")
	fmt.Println()
	fmt.Println("Usage: edlctl <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  gpt <port> <loader> <lun> [export-dir]             Read and print the GPT for lun, optionally writing rawprogram/partitions XML")
	fmt.Println("  read <port> <loader> <lun> <part> <outfile>       Read partition to a file")
	fmt.Println("  write <port> <loader> <lun> <part> <infile>       Write a file (flat or sparse) to a partition")
	fmt.Println("  erase <port> <loader> <lun> <part>                Erase a partition")
	fmt.Println("  slot <port> <loader> <base> <a|b>                 Switch an A/B partition pair to the given slot")
	fmt.Println("  version                                           Print version information")
	fmt.Println("  help                                              Show this help")
}

func printVersion() {
	fmt.Printf("edlctl version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Go version: %s\n", GoVersion)
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

func connect(portPath, loaderPath string, log *logrus.Logger) (*edl.Session, func(), error) {
	port, err := transport.Open(portPath, defaultBaud)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", portPath, err)
	}
	cleanup := func() { port.Close() }

	image, err := sahara.OpenFileImage(loaderPath)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("open loader %s: %w", loaderPath, err)
	}

	opts := edl.DefaultOptions()
	opts.Log = log
	opts.Firehose = firehose.DefaultSessionConfig(firehose.StorageUFS)

	s := edl.New(port, opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := s.Connect(ctx, image); err != nil {
		image.Close()
		cleanup()
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	return s, func() { image.Close(); cleanup() }, nil
}

func parseLUN(s string) uint8 {
	var lun int
	fmt.Sscanf(s, "%d", &lun)
	return uint8(lun)
}

func runGPT(portPath, loaderPath, lunArg, exportDir string) {
	log := newLogger()
	s, cleanup, err := connect(portPath, loaderPath, log)
	if err != nil {
		log.WithError(err).Fatal("edlctl: connect")
	}
	defer cleanup()

	lun := parseLUN(lunArg)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hdr, entries, slotInfo, err := s.ReadGPT(ctx, lun)
	if err != nil {
		log.WithError(err).Fatal("edlctl: read GPT")
	}

	fmt.Printf("LUN %d: %d partitions, header CRC valid=%v, entries CRC valid=%v\n",
		lun, len(entries), hdr.HeaderCRCValid, hdr.EntriesCRCValid)
	if slotInfo.HasABPartitions {
		fmt.Printf("  current A/B slot: %s\n", slotInfo.CurrentSlot)
	}
	for _, e := range entries {
		fmt.Printf("  %-24s  lba [%d, %d]  active=%v\n", e.Name, e.FirstLBA, e.LastLBA, e.Active())
	}

	if exportDir == "" {
		return
	}
	if err := exportGPTXML(exportDir, lun, hdr, entries); err != nil {
		log.WithError(err).Fatal("edlctl: export GPT XML")
	}
	fmt.Printf("wrote rawprogram%d.xml and partitions%d.xml to %s\n", lun, lun, exportDir)
}

func exportGPTXML(dir string, lun uint8, hdr gpt.Header, entries []gpt.Entry) error {
	rawprogram, err := gpt.RenderRawprogram(lun, hdr, entries)
	if err != nil {
		return fmt.Errorf("render rawprogram: %w", err)
	}
	partitions, err := gpt.RenderPartitions(lun, hdr, entries)
	if err != nil {
		return fmt.Errorf("render partitions: %w", err)
	}
	if err := os.WriteFile(fmt.Sprintf("%s/rawprogram%d.xml", dir, lun), rawprogram, 0o644); err != nil {
		return fmt.Errorf("write rawprogram xml: %w", err)
	}
	if err := os.WriteFile(fmt.Sprintf("%s/partitions%d.xml", dir, lun), partitions, 0o644); err != nil {
		return fmt.Errorf("write partitions xml: %w", err)
	}
	return nil
}

func runRead(portPath, loaderPath, lunArg, partition, outPath string) {
	log := newLogger()
	s, cleanup, err := connect(portPath, loaderPath, log)
	if err != nil {
		log.WithError(err).Fatal("edlctl: connect")
	}
	defer cleanup()

	lun := parseLUN(lunArg)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if _, _, _, err := s.ReadGPT(ctx, lun); err != nil {
		cancel()
		log.WithError(err).Fatal("edlctl: read GPT")
	}
	cancel()

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	data, err := s.ReadPartition(ctx, lun, partition, progressLogger(log))
	if err != nil {
		log.WithError(err).Fatal("edlctl: read partition")
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		log.WithError(err).Fatal("edlctl: write output file")
	}
	fmt.Printf("wrote %d bytes to %s\n", len(data), outPath)
}

func runWrite(portPath, loaderPath, lunArg, partition, inPath string) {
	log := newLogger()
	s, cleanup, err := connect(portPath, loaderPath, log)
	if err != nil {
		log.WithError(err).Fatal("edlctl: connect")
	}
	defer cleanup()

	lun := parseLUN(lunArg)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if _, _, _, err := s.ReadGPT(ctx, lun); err != nil {
		cancel()
		log.WithError(err).Fatal("edlctl: read GPT")
	}
	cancel()

	f, err := os.Open(inPath)
	if err != nil {
		log.WithError(err).Fatal("edlctl: open input file")
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		log.WithError(err).Fatal("edlctl: stat input file")
	}

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Minute)
	defer cancel()
	if err := s.WritePartition(ctx, lun, partition, f, fi.Size(), progressLogger(log)); err != nil {
		log.WithError(err).Fatal("edlctl: write partition")
	}
	fmt.Printf("wrote %s to partition %s\n", inPath, partition)
}

func runErase(portPath, loaderPath, lunArg, partition string) {
	log := newLogger()
	s, cleanup, err := connect(portPath, loaderPath, log)
	if err != nil {
		log.WithError(err).Fatal("edlctl: connect")
	}
	defer cleanup()

	lun := parseLUN(lunArg)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if _, _, _, err := s.ReadGPT(ctx, lun); err != nil {
		cancel()
		log.WithError(err).Fatal("edlctl: read GPT")
	}
	cancel()

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := s.ErasePartition(ctx, lun, partition); err != nil {
		log.WithError(err).Fatal("edlctl: erase partition")
	}
	fmt.Printf("erased partition %s\n", partition)
}

func runSlot(portPath, loaderPath, baseName, target string) {
	log := newLogger()
	s, cleanup, err := connect(portPath, loaderPath, log)
	if err != nil {
		log.WithError(err).Fatal("edlctl: connect")
	}
	defer cleanup()

	var slot gpt.Slot
	switch target {
	case "a", "A":
		slot = gpt.SlotA
	case "b", "B":
		slot = gpt.SlotB
	default:
		log.Fatalf("edlctl: slot target must be a or b, got %q", target)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	for lun := uint8(0); lun < 8; lun++ {
		if _, _, _, err := s.ReadGPT(ctx, lun); err != nil {
			log.WithField("lun", lun).WithError(err).Debug("edlctl: GPT read failed, skipping lun")
		}
	}
	cancel()

	ctx, cancel = context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()
	if err := s.SetActiveSlot(ctx, baseName, slot); err != nil {
		log.WithError(err).Fatal("edlctl: set active slot")
	}
	fmt.Printf("switched %s to slot %s\n", baseName, slot)
}

func progressLogger(log *logrus.Logger) firehose.ProgressFunc {
	return func(done, total int64) {
		log.WithFields(logrus.Fields{"done": done, "total": total}).Debug("edlctl: progress")
	}
}
