package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/wyfcyx/virtio-drivers/internal/virtio"
)

type command struct {
	name  string
	usage string
	help  string
	run   func(t *target, args []string, w io.Writer) error
}

var commands = []command{
	{"info", "info", "Show device identity, capacity and negotiated features", cmdInfo},
	{"read", "read <block> [count]", "Hex dump count blocks starting at block", cmdRead},
	{"write", "write <block> <file>", "Write file to the device, zero padded to whole blocks", cmdWrite},
	{"dump", "dump <out>", "Copy the whole device to a file", cmdDump},
	{"verify", "verify [count]", "Write, read back and restore a pattern on the first count blocks", cmdVerify},
	{"flush", "flush", "Flush the device write cache (needs -features flush)", cmdFlush},
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBlock(t *target, s string) (uint64, error) {
	block, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad block number %q", s)
	}
	if block >= t.blk.Capacity() {
		return 0, fmt.Errorf("block %d beyond capacity %d", block, t.blk.Capacity())
	}
	return block, nil
}

func cmdInfo(t *target, args []string, w io.Writer) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: info")
	}
	h := t.header
	capacity := t.blk.Capacity()
	fmt.Fprintf(w, "device id:      %#04x (%v)\n", h.DeviceID(), h.DeviceType())
	fmt.Fprintf(w, "capacity:       %d blocks (%d bytes)\n", capacity, capacity*virtio.BlockSize)
	fmt.Fprintf(w, "device offers:  %v\n", h.DeviceFeatures())
	fmt.Fprintf(w, "negotiated:     %v\n", t.blk.Features())
	fmt.Fprintf(w, "status:         %v\n", h.Status())
	fmt.Fprintf(w, "queues:         %d\n", h.NumQueues())
	if v, ok := t.blk.SizeMax(); ok {
		fmt.Fprintf(w, "size_max:       %d\n", v)
	}
	if v, ok := t.blk.SegMax(); ok {
		fmt.Fprintf(w, "seg_max:        %d\n", v)
	}
	fmt.Fprintf(w, "block size:     %d\n", t.blk.PreferredBlockSize())

	id, err := t.blk.DeviceID()
	switch {
	case errors.Is(err, virtio.ErrUnsupported):
		fmt.Fprintf(w, "serial:         (not supported)\n")
	case err != nil:
		return err
	default:
		fmt.Fprintf(w, "serial:         %q\n", id)
	}
	return nil
}

func cmdRead(t *target, args []string, w io.Writer) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: read <block> [count]")
	}
	block, err := parseBlock(t, args[0])
	if err != nil {
		return err
	}
	count := uint64(1)
	if len(args) == 2 {
		if count, err = strconv.ParseUint(args[1], 0, 32); err != nil || count == 0 {
			return fmt.Errorf("bad count %q", args[1])
		}
	}
	count = min(count, t.blk.Capacity()-block)

	buf := make([]byte, virtio.BlockSize)
	for i := uint64(0); i < count; i++ {
		if err := t.blk.ReadBlock(block+i, buf); err != nil {
			return err
		}
		fmt.Fprintf(w, "block %d:\n%s", block+i, hex.Dump(buf))
	}
	return nil
}

func cmdWrite(t *target, args []string, w io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: write <block> <file>")
	}
	block, err := parseBlock(t, args[0])
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	if rem := len(data) % virtio.BlockSize; rem != 0 {
		data = append(data, make([]byte, virtio.BlockSize-rem)...)
	}
	blocks := uint64(len(data) / virtio.BlockSize)
	if blocks > t.blk.Capacity()-block {
		return fmt.Errorf("%d blocks from block %d exceed capacity %d", blocks, block, t.blk.Capacity())
	}
	if err := t.blk.WriteBlocks(block, data); err != nil {
		return err
	}
	fmt.Fprintf(w, "wrote %d blocks at %d\n", blocks, block)
	return nil
}

func cmdDump(t *target, args []string, w io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: dump <out>")
	}
	out, err := os.Create(args[0])
	if err != nil {
		return err
	}
	defer out.Close()

	total := int64(t.blk.Capacity()) * virtio.BlockSize
	var dst io.Writer = out
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(total, "dump")
		defer bar.Close()
		dst = io.MultiWriter(out, bar)
	}

	buf := make([]byte, virtio.BlockSize)
	for block := uint64(0); block < t.blk.Capacity(); block++ {
		if err := t.blk.ReadBlock(block, buf); err != nil {
			return err
		}
		if _, err := dst.Write(buf); err != nil {
			return err
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	fmt.Fprintf(w, "dumped %d bytes to %s\n", total, args[0])
	return nil
}

func cmdVerify(t *target, args []string, w io.Writer) error {
	if len(args) > 1 {
		return fmt.Errorf("usage: verify [count]")
	}
	count := uint64(16)
	if len(args) == 1 {
		n, err := strconv.ParseUint(args[0], 0, 32)
		if err != nil || n == 0 {
			return fmt.Errorf("bad count %q", args[0])
		}
		count = n
	}
	count = min(count, t.blk.Capacity())
	if t.blk.ReadOnly() {
		return fmt.Errorf("device is read-only")
	}

	saved := make([]byte, count*virtio.BlockSize)
	if err := t.blk.ReadBlocks(0, saved); err != nil {
		return fmt.Errorf("save: %w", err)
	}

	pattern := make([]byte, len(saved))
	for i := range pattern {
		pattern[i] = byte(i*7) ^ byte(i>>9)
	}
	if err := t.blk.WriteBlocks(0, pattern); err != nil {
		return fmt.Errorf("write pattern: %w", err)
	}
	got := make([]byte, len(pattern))
	readErr := t.blk.ReadBlocks(0, got)

	if err := t.blk.WriteBlocks(0, saved); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if readErr != nil {
		return fmt.Errorf("read back: %w", readErr)
	}
	if i := mismatch(pattern, got); i >= 0 {
		return fmt.Errorf("mismatch in block %d at byte %d", i/virtio.BlockSize, i%virtio.BlockSize)
	}
	fmt.Fprintf(w, "verified %d blocks\n", count)
	return nil
}

func mismatch(a, b []byte) int {
	if bytes.Equal(a, b) {
		return -1
	}
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return len(a)
}

func cmdFlush(t *target, args []string, w io.Writer) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: flush")
	}
	if err := t.blk.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w, "flushed")
	return nil
}
