// Package monitor computes a safe worker budget from current host
// conditions: CPU core count, available memory, and accelerator presence.
package monitor

import (
	"context"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// AcceleratorClass identifies the accelerator available to GPU-capable job
// variants. The scheduler performs no GPU work itself; the class only gates
// which runner variant the composition layer wires in.
type AcceleratorClass string

const (
	AcceleratorNone AcceleratorClass = "none"
	AcceleratorCUDA AcceleratorClass = "cuda"
)

// Budget is a point-in-time capacity snapshot.
type Budget struct {
	// MaxWorkers is the admission ceiling, always >= 1 so the scheduler
	// keeps making progress even on a constrained host.
	MaxWorkers      int
	WorkersByCPU    int
	WorkersByMemory int
	AvailableMemory uint64
	Accelerator     AcceleratorClass
}

// Config tunes the budget computation.
type Config struct {
	// PerJobMemoryEstimate is the assumed peak memory of one in-flight job,
	// in bytes. Memory is usually the binding constraint for media work.
	PerJobMemoryEstimate uint64
	// HardWorkerCap bounds the budget regardless of host capacity.
	HardWorkerCap int
	// CPUOversubscription scales the CPU-derived worker count.
	CPUOversubscription float64
}

// Monitor samples host capacity. The accelerator is probed once at
// construction and cached; discovery cost dominates re-probing.
type Monitor struct {
	cfg         Config
	logger      *slog.Logger
	accelerator AcceleratorClass

	// sampling hooks, replaceable in tests
	availableMemory func(ctx context.Context) (uint64, error)
	cpuCount        func(ctx context.Context) (int, error)
}

// New builds a Monitor and probes the accelerator.
func New(ctx context.Context, cfg Config, logger *slog.Logger) *Monitor {
	m := &Monitor{
		cfg:             cfg,
		logger:          logger,
		availableMemory: availableMemory,
		cpuCount:        cpuCount,
	}
	m.accelerator = probeAccelerator(ctx)

	m.logger.Info("Resource monitor initialized",
		slog.String("accelerator", string(m.accelerator)),
		slog.Uint64("per_job_memory_estimate", cfg.PerJobMemoryEstimate),
		slog.Int("hard_worker_cap", cfg.HardWorkerCap),
	)

	return m
}

// Accelerator returns the cached accelerator class.
func (m *Monitor) Accelerator() AcceleratorClass {
	return m.accelerator
}

// Sample computes the current budget. Sampling failures degrade to a
// CPU-count-only budget rather than stalling admission.
func (m *Monitor) Sample(ctx context.Context) Budget {
	b := Budget{Accelerator: m.accelerator}

	cores, err := m.cpuCount(ctx)
	if err != nil || cores < 1 {
		cores = runtime.NumCPU()
	}
	oversub := m.cfg.CPUOversubscription
	if oversub <= 0 {
		oversub = 1.0
	}
	b.WorkersByCPU = int(float64(cores) * oversub)
	if b.WorkersByCPU < 1 {
		b.WorkersByCPU = 1
	}

	avail, err := m.availableMemory(ctx)
	if err != nil {
		m.logger.Warn("Memory sampling failed, using CPU-only budget",
			slog.Any("error", err),
		)
		b.WorkersByMemory = b.WorkersByCPU
	} else {
		b.AvailableMemory = avail
		estimate := m.cfg.PerJobMemoryEstimate
		if estimate == 0 {
			estimate = 2 << 30
		}
		b.WorkersByMemory = int(avail / estimate)
	}

	b.MaxWorkers = b.WorkersByMemory
	if b.WorkersByCPU < b.MaxWorkers {
		b.MaxWorkers = b.WorkersByCPU
	}
	if m.cfg.HardWorkerCap > 0 && b.MaxWorkers > m.cfg.HardWorkerCap {
		b.MaxWorkers = m.cfg.HardWorkerCap
	}
	if b.MaxWorkers < 1 {
		b.MaxWorkers = 1
	}

	return b
}

func availableMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

func cpuCount(ctx context.Context) (int, error) {
	return cpu.CountsWithContext(ctx, true)
}

// probeAccelerator looks for an NVIDIA GPU via nvidia-smi. Anything that
// goes wrong means no accelerator; jobs still run on CPU.
func probeAccelerator(ctx context.Context) AcceleratorClass {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return AcceleratorNone
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, "nvidia-smi", "-L").Output()
	if err != nil || !strings.Contains(string(out), "GPU") {
		return AcceleratorNone
	}

	return AcceleratorCUDA
}
