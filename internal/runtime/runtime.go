// Package runtime abstracts the container engine that hosts agent sandboxes.
//
// The control plane talks to sandboxes only through SandboxRuntime so the
// lifecycle logic (registry, hibernation, wake, governor) stays independent
// of the engine. The Docker adapter is the production implementation; Fake
// backs the tests.
package runtime

import (
	"context"
	"time"
)

// Inspect is the observed state of one sandbox.
type Inspect struct {
	Handle     string
	Name       string
	Running    bool
	Paused     bool
	Status     string // engine status string: running, paused, exited, ...
	StartedAt  time.Time
	FinishedAt time.Time
	Labels     map[string]string
}

// Limits mirrors the cgroup knobs the governor adjusts on a live sandbox.
// MemorySwapBytes follows the engine convention: it is the combined
// memory+swap ceiling, not the swap allowance alone.
type Limits struct {
	MemoryBytes     int64
	MemorySwapBytes int64
	CPUShares       int64
	CPUQuota        int64
	CPUPeriod       int64
	PidsLimit       int64
}

// Stats is a one-shot usage sample.
type Stats struct {
	CPUPercent     float64 `json:"cpuPercent"`
	MemoryBytes    uint64  `json:"memoryBytes"`
	MemoryLimit    uint64  `json:"memoryLimit"`
	NetworkRxBytes uint64  `json:"networkRxBytes"`
	NetworkTxBytes uint64  `json:"networkTxBytes"`
	Pids           uint64  `json:"pids"`
}

// ExecResult is the outcome of a command run inside a sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Summary is one row of a sandbox listing.
type Summary struct {
	Handle string
	Name   string
	State  string
	Labels map[string]string
}

// SandboxRuntime is the engine surface the control plane depends on.
// Implementations map engine-specific failures onto errdefs kinds:
// a missing sandbox is KindNotFound, an operation rejected because of the
// sandbox's current state is KindResourceBusy.
type SandboxRuntime interface {
	Inspect(ctx context.Context, handle string) (Inspect, error)
	Start(ctx context.Context, handle string) error
	Pause(ctx context.Context, handle string) error
	Unpause(ctx context.Context, handle string) error
	Stop(ctx context.Context, handle string, grace time.Duration) error
	Update(ctx context.Context, handle string, limits Limits) error
	Stats(ctx context.Context, handle string) (Stats, error)
	Exec(ctx context.Context, handle string, argv []string, timeout time.Duration) (ExecResult, error)
	List(ctx context.Context, namePrefix string) ([]Summary, error)
}
