package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	dockererr "github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/ocmt/backend/internal/errdefs"
)

// Docker drives sandboxes through the Docker Engine API.
type Docker struct {
	cli *client.Client
}

// NewDocker connects to the engine using the standard DOCKER_HOST
// environment and negotiates the API version with the daemon.
func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "create docker client")
	}
	return &Docker{cli: cli}, nil
}

// Ping verifies the daemon is reachable.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "container engine unreachable")
	}
	return nil
}

// Close releases the underlying HTTP client.
func (d *Docker) Close() error { return d.cli.Close() }

func (d *Docker) Inspect(ctx context.Context, handle string) (Inspect, error) {
	info, err := d.cli.ContainerInspect(ctx, handle)
	if err != nil {
		return Inspect{}, mapEngineErr("inspect", handle, err)
	}
	out := Inspect{
		Handle: info.ID,
		Name:   strings.TrimPrefix(info.Name, "/"),
	}
	if info.Config != nil {
		out.Labels = info.Config.Labels
	}
	if info.State != nil {
		out.Running = info.State.Running
		out.Paused = info.State.Paused
		out.Status = info.State.Status
		out.StartedAt = parseEngineTime(info.State.StartedAt)
		out.FinishedAt = parseEngineTime(info.State.FinishedAt)
	}
	return out, nil
}

func (d *Docker) Start(ctx context.Context, handle string) error {
	return mapEngineErr("start", handle, d.cli.ContainerStart(ctx, handle, types.ContainerStartOptions{}))
}

func (d *Docker) Pause(ctx context.Context, handle string) error {
	return mapEngineErr("pause", handle, d.cli.ContainerPause(ctx, handle))
}

func (d *Docker) Unpause(ctx context.Context, handle string) error {
	return mapEngineErr("unpause", handle, d.cli.ContainerUnpause(ctx, handle))
}

func (d *Docker) Stop(ctx context.Context, handle string, grace time.Duration) error {
	opts := container.StopOptions{}
	if grace > 0 {
		secs := int(grace / time.Second)
		opts.Timeout = &secs
	}
	return mapEngineErr("stop", handle, d.cli.ContainerStop(ctx, handle, opts))
}

func (d *Docker) Update(ctx context.Context, handle string, limits Limits) error {
	pids := limits.PidsLimit
	_, err := d.cli.ContainerUpdate(ctx, handle, container.UpdateConfig{
		Resources: container.Resources{
			Memory:     limits.MemoryBytes,
			MemorySwap: limits.MemorySwapBytes,
			CPUShares:  limits.CPUShares,
			CPUQuota:   limits.CPUQuota,
			CPUPeriod:  limits.CPUPeriod,
			PidsLimit:  &pids,
		},
	})
	return mapEngineErr("update", handle, err)
}

func (d *Docker) Stats(ctx context.Context, handle string) (Stats, error) {
	resp, err := d.cli.ContainerStats(ctx, handle, false)
	if err != nil {
		return Stats{}, mapEngineErr("stats", handle, err)
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Stats{}, errdefs.Wrap(errdefs.KindInternal, err, "decode stats").WithField("handle", handle)
	}

	out := Stats{
		CPUPercent:  cpuPercent(&raw),
		MemoryBytes: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
		Pids:        raw.PidsStats.Current,
	}
	for _, nw := range raw.Networks {
		out.NetworkRxBytes += nw.RxBytes
		out.NetworkTxBytes += nw.TxBytes
	}
	return out, nil
}

func (d *Docker) Exec(ctx context.Context, handle string, argv []string, timeout time.Duration) (ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	exec, err := d.cli.ContainerExecCreate(ctx, handle, types.ExecConfig{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, mapEngineErr("exec create", handle, err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, mapEngineErr("exec attach", handle, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		if ctx.Err() != nil {
			return ExecResult{}, errdefs.Wrap(errdefs.KindTimeout, ctx.Err(), "exec timed out").WithField("handle", handle)
		}
		return ExecResult{}, errdefs.Wrap(errdefs.KindInternal, err, "read exec output").WithField("handle", handle)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return ExecResult{}, mapEngineErr("exec inspect", handle, err)
	}
	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (d *Docker) List(ctx context.Context, namePrefix string) ([]Summary, error) {
	opts := types.ContainerListOptions{All: true}
	if namePrefix != "" {
		opts.Filters = filters.NewArgs(filters.Arg("name", namePrefix))
	}
	rows, err := d.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, mapEngineErr("list", "", err)
	}

	out := make([]Summary, 0, len(rows))
	for _, row := range rows {
		name := ""
		if len(row.Names) > 0 {
			name = strings.TrimPrefix(row.Names[0], "/")
		}
		// The engine name filter matches substrings, so re-check the prefix.
		if namePrefix != "" && !strings.HasPrefix(name, namePrefix) {
			continue
		}
		out = append(out, Summary{
			Handle: row.ID,
			Name:   name,
			State:  row.State,
			Labels: row.Labels,
		})
	}
	return out, nil
}

// cpuPercent derives a percentage from the daemon's two CPU samples. 100%
// is one fully busy core, so a sandbox spinning four cores reads as 400%.
func cpuPercent(s *types.StatsJSON) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if sysDelta <= 0 || cpuDelta < 0 {
		return 0
	}
	online := float64(s.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	return cpuDelta / sysDelta * online * 100
}

func parseEngineTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}

func mapEngineErr(op, handle string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case client.IsErrNotFound(err):
		return errdefs.Wrap(errdefs.KindNotFound, err, "sandbox not found").WithField("handle", handle)
	case dockererr.IsConflict(err):
		return errdefs.Wrap(errdefs.KindResourceBusy, err, op+" rejected in current state").WithField("handle", handle)
	case client.IsErrConnectionFailed(err):
		return errdefs.Wrap(errdefs.KindInternal, err, "container engine unreachable")
	default:
		return errdefs.Wrap(errdefs.KindInternal, err, op+" failed").WithField("handle", handle)
	}
}
