// Command vblk drives a virtio block device over the PCI transport, either
// an emulated one backed by an image file or a real function through
// sysfs.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/wyfcyx/virtio-drivers/internal/debug"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "vblk: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("vblk", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML file describing the target")
	mode := fs.String("mode", "", "Target kind: emulate or sysfs (default emulate)")
	image := fs.String("image", "", "Disk image backing the emulated device (default: in memory)")
	size := fs.Int64("size", 0, "Emulated disk size in bytes; grows a smaller image")
	serial := fs.String("serial", "", "Serial reported by the emulated device")
	readOnly := fs.Bool("read-only", false, "Make the emulated device read-only")
	pciAddress := fs.String("pci-address", "", "PCI function (bb:dd.f) to drive, or to place the emulated device at")
	features := fs.String("features", "", "Comma-separated optional features to accept (flush,ro,blk_size)")
	trace := fs.String("trace", "", "Write a register access trace to this file")
	dbg := fs.Bool("debug", false, "Enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vblk [flags] <command> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		for _, c := range commands {
			fmt.Fprintf(os.Stderr, "  %-24s %s\n", c.usage, c.help)
		}
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(argv); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	args := fs.Args()
	if len(args) < 1 {
		fs.Usage()
		return fmt.Errorf("command required")
	}
	cmd, ok := lookupCommand(args[0])
	if !ok {
		fs.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = *mode
		case "image":
			cfg.Image = *image
		case "size":
			cfg.Size = *size
		case "serial":
			cfg.Serial = *serial
		case "read-only":
			cfg.ReadOnly = *readOnly
		case "pci-address":
			cfg.PCIAddress = *pciAddress
		case "features":
			cfg.Features = splitList(*features)
		case "trace":
			cfg.Trace = *trace
		}
	})
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	if cfg.Trace != "" {
		if err := debug.OpenFile(cfg.Trace); err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer debug.Close()
	}

	t, err := openTarget(cfg)
	if err != nil {
		return err
	}
	defer t.Close()

	if err := cmd.run(t, args[1:], os.Stdout); err != nil {
		return fmt.Errorf("%s: %w", cmd.name, err)
	}
	if err := t.Err(); err != nil {
		return fmt.Errorf("device faults: %w", err)
	}
	return nil
}
