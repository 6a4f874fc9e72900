// Command kestrel-sim boots the kernel core against a flat boot blob
// and drives the scheduler until interrupted, mirroring cmd/ublk-mem's
// flag-parse-then-CreateAndServe shape with Boot/Run in place of it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	kestrel "github.com/kestrel-os/kestrel"
	"github.com/kestrel-os/kestrel/internal/armv7"
	"github.com/kestrel-os/kestrel/internal/logging"
)

func main() {
	var (
		memSizeStr = flag.String("mem", "64M", "Simulated physical RAM size (e.g., 64M, 256M)")
		machineID  = flag.Uint("machine-id", 1, "Machine id reported by the mock firmware parse")
		hz         = flag.Int("hz", 100, "Simulated timer frequency in Hz")
		verbose    = flag.Bool("v", false, "Verbose output")
		runFor     = flag.Duration("run-for", 0, "Stop after this long (0 runs until interrupted)")
	)
	flag.Parse()

	memSize, err := parseSize(*memSizeStr)
	if err != nil {
		log.Fatalf("invalid -mem %q: %v", *memSizeStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	opts := kestrel.DefaultOptions()
	opts.MemorySize = memSize
	opts.TimerFrequency = *hz
	metrics := kestrel.NewMetrics()
	opts.Observer = kestrel.NewMetricsObserver(metrics)

	fw := kestrel.NewMockFirmware(kestrel.BootInfo{MachineID: uint32(*machineID)})

	logger.Info("booting kernel core", "mem_bytes", memSize, "timer_hz", *hz)
	k, err := kestrel.Boot(context.Background(), nil, fw, armv7.Arch{}, opts)
	if err != nil {
		logger.Error("boot failed", "error", err)
		os.Exit(1)
	}
	logger.Info("boot complete", "dma_window", opts.DMAWindowSize, "early_heap", opts.EarlyHeapSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("signal received, stopping")
		cancel()
	}()
	if *runFor > 0 {
		go func() {
			time.Sleep(*runFor)
			cancel()
		}()
	}

	// Drive the simulated timer independently of Run's idle poll, the
	// way a real board's generic timer free-runs regardless of whether
	// anything is scheduled.
	k.Timer.Start(ctx, time.Second / time.Duration(*hz))

	if err := k.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("run exited with error", "error", err)
	}

	snap := metrics.Snapshot()
	logger.Info("kernel stopped",
		"context_switches", snap.ContextSwitches,
		"idle_entries", snap.IdleEntries,
		"syscalls", snap.SyscallCount,
		"uptime_ns", snap.UptimeNs,
	)
}

func parseSize(s string) (uintptr, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := uintptr(1)
	unit := s[len(s)-1]
	numPart := s
	switch unit {
	case 'K', 'k':
		mult = 1024
		numPart = s[:len(s)-1]
	case 'M', 'm':
		mult = 1024 * 1024
		numPart = s[:len(s)-1]
	case 'G', 'g':
		mult = 1024 * 1024 * 1024
		numPart = s[:len(s)-1]
	}
	var n uintptr
	if _, err := fmt.Sscanf(numPart, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse %q: %w", numPart, err)
	}
	return n * mult, nil
}
