// Command vmdemo wires every package in this module together and drives a
// small simulated workload — page faults, forced eviction, and an mmap
// install, fault and unmap — so the subsystem can be exercised without a real kernel or
// MMU. Grounded on cmd/server/main.go's flag + signal.NotifyContext
// shutdown style, adapted from a TCP accept loop to a one-shot workload
// driver plus a background alarm-tick loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tuannm99/vmkit/internal/addrspace"
	"github.com/tuannm99/vmkit/internal/alarm"
	"github.com/tuannm99/vmkit/internal/config"
	"github.com/tuannm99/vmkit/internal/fsio"
	"github.com/tuannm99/vmkit/internal/frame"
	"github.com/tuannm99/vmkit/internal/mem"
	"github.com/tuannm99/vmkit/internal/mmu"
	"github.com/tuannm99/vmkit/internal/sched"
	"github.com/tuannm99/vmkit/internal/spt"
	"github.com/tuannm99/vmkit/internal/swap"
	"github.com/tuannm99/vmkit/internal/uaccess"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "vmkit.yaml", "path to vmkit yaml config")
	flag.Parse()

	cfg := config.Defaults()
	if _, err := os.Stat(cfgPath); err == nil {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	if err := run(cfg); err != nil {
		log.Fatalf("vmdemo: %v", err)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	userSplit, err := strconv.ParseUint(cfg.Boundary.UserSplitHex, 16, 64)
	if err != nil {
		return fmt.Errorf("parse boundary.user_split_hex: %w", err)
	}

	dev, err := fsio.OpenFileBlockDevice(cfg.Swap.DevicePath, cfg.Swap.SectorSize, cfg.Swap.NumSectors)
	if err != nil {
		return fmt.Errorf("open swap device: %w", err)
	}
	sa, err := swap.Open(dev)
	if err != nil {
		return fmt.Errorf("open swap allocator: %w", err)
	}

	m := mmu.NewSim()
	phys := frame.NewSimPhysAllocator(cfg.Frame.Capacity)
	frames := frame.New(phys, m, sa, cfg.Frame.Capacity)

	boundary := uaccess.NewBoundary(frames, uintptr(userSplit))
	space := addrspace.New(1, m, frames, sa)
	proc := boundary.NewProcess("vmdemo", space)

	s := sched.NewInProcess()
	alarms := alarm.New(s)
	go tickLoop(ctx, s, alarms, time.Duration(cfg.Demo.TickIntervalMS)*time.Millisecond)

	slog.Info("vmdemo: starting workload", "frames", cfg.Frame.Capacity, "swapSlots", sa.SlotCount())
	runEvictionDemo(space, cfg.Frame.Capacity)
	if err := runMmapDemo(boundary, proc); err != nil {
		return err
	}

	boundary.Exit(proc, 0)
	slog.Info("vmdemo: workload complete")
	return nil
}

func tickLoop(ctx context.Context, s *sched.InProcess, alarms *alarm.Queue, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick()
			alarms.Tick()
		}
	}
}

// runEvictionDemo installs capacity+1 zero-fill pages and faults them all
// in, forcing the clock policy to evict exactly one frame to swap (spec §8
// scenario 2).
func runEvictionDemo(space *addrspace.Space, capacity int) {
	pages := capacity + 1
	for i := 0; i < pages; i++ {
		uvpage := uintptr(0x40000000 + i*mem.PageSize)
		space.SPT().InstallZero(uvpage)
	}
	for i := 0; i < pages; i++ {
		uvpage := uintptr(0x40000000 + i*mem.PageSize)
		if !space.LoadPage(uvpage) {
			slog.Error("vmdemo: unexpected load failure", "uvpage", uvpage)
		}
	}

	onSwap := 0
	for i := 0; i < pages; i++ {
		uvpage := uintptr(0x40000000 + i*mem.PageSize)
		e, _ := space.SPT().Find(uvpage)
		if e.Status == spt.StatusOnSwap {
			onSwap++
		}
	}
	slog.Info("vmdemo: eviction demo done", "pagesTouched", pages, "onSwap", onSwap)
}

// runMmapDemo maps a 6000-byte patterned file at 0x10000000, faults in and
// pins the first four bytes of its second page, unpins them, and unmaps. It
// writes nothing through the mapping and does not read the file back.
func runMmapDemo(boundary *uaccess.Boundary, proc *uaccess.Process) error {
	path := "vmdemo-mmap.dat"
	f, err := fsio.OpenLocalFile(path)
	if err != nil {
		return fmt.Errorf("open demo file: %w", err)
	}
	buf := make([]byte, 6000)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("seed demo file: %w", err)
	}

	base := uintptr(0x10000000)
	mid, ok := boundary.Mmap(proc, f, base)
	if !ok {
		return fmt.Errorf("mmap install failed")
	}

	secondPage := base + uintptr(mem.PageSize)
	kframes, ok := boundary.PinRange(proc, secondPage, 4)
	if !ok {
		return fmt.Errorf("pin mmap range failed")
	}
	boundary.UnpinRange(kframes)

	if !boundary.Munmap(proc, mid) {
		return fmt.Errorf("munmap failed")
	}
	slog.Info("vmdemo: mmap demo done", "path", path, "mid", mid)
	return nil
}
