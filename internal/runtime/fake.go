package runtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ocmt/backend/internal/errdefs"
)

// FakeSandbox is the mutable state of one sandbox inside a Fake. As with
// the real engine, paused sandboxes keep Running true with Paused set.
type FakeSandbox struct {
	Handle  string
	Name    string
	Running bool
	Paused  bool
	Labels  map[string]string
	Limits  Limits
	Usage   Stats
	Exec    ExecResult
}

// Fake is an in-memory SandboxRuntime for tests. Per-operation errors and
// delays are injected with SetErr and SetDelay; call counts are recorded
// per operation so tests can assert deduplication.
type Fake struct {
	mu        sync.Mutex
	sandboxes map[string]*FakeSandbox
	calls     map[string]int
	errs      map[string]error
	delays    map[string]time.Duration
}

// NewFake returns an empty fake runtime.
func NewFake() *Fake {
	return &Fake{
		sandboxes: make(map[string]*FakeSandbox),
		calls:     make(map[string]int),
		errs:      make(map[string]error),
		delays:    make(map[string]time.Duration),
	}
}

// Add seeds a sandbox.
func (f *Fake) Add(sb FakeSandbox) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := sb
	f.sandboxes[sb.Handle] = &cp
}

// Delete removes a sandbox so later calls observe not_found.
func (f *Fake) Delete(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sandboxes, handle)
}

// SetErr makes every subsequent call of op fail with err (nil clears it).
func (f *Fake) SetErr(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// SetDelay makes every subsequent call of op sleep before acting.
func (f *Fake) SetDelay(op string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[op] = d
}

// Calls reports how many times op ran.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Sandbox returns a snapshot of the sandbox state.
func (f *Fake) Sandbox(handle string) (FakeSandbox, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[handle]
	if !ok {
		return FakeSandbox{}, false
	}
	return *sb, true
}

// enter charges the call counter, applies the injected delay outside the
// lock, then returns the injected error if one is set. Delays respect the
// caller's context the way a real engine client would.
func (f *Fake) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	d := f.delays[op]
	err := f.errs[op]
	f.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (f *Fake) get(handle string) (*FakeSandbox, error) {
	sb, ok := f.sandboxes[handle]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "sandbox not found").WithField("handle", handle)
	}
	return sb, nil
}

func (f *Fake) Inspect(ctx context.Context, handle string) (Inspect, error) {
	if err := f.enter(ctx, "inspect"); err != nil {
		return Inspect{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, err := f.get(handle)
	if err != nil {
		return Inspect{}, err
	}
	return Inspect{
		Handle:  sb.Handle,
		Name:    sb.Name,
		Running: sb.Running,
		Paused:  sb.Paused,
		Status:  fakeStatus(sb),
		Labels:  sb.Labels,
	}, nil
}

func (f *Fake) Start(ctx context.Context, handle string) error {
	if err := f.enter(ctx, "start"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, err := f.get(handle)
	if err != nil {
		return err
	}
	sb.Running = true
	sb.Paused = false
	return nil
}

func (f *Fake) Pause(ctx context.Context, handle string) error {
	if err := f.enter(ctx, "pause"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, err := f.get(handle)
	if err != nil {
		return err
	}
	if !sb.Running || sb.Paused {
		return errdefs.New(errdefs.KindResourceBusy, "pause rejected in current state").WithField("handle", handle)
	}
	sb.Paused = true
	return nil
}

func (f *Fake) Unpause(ctx context.Context, handle string) error {
	if err := f.enter(ctx, "unpause"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, err := f.get(handle)
	if err != nil {
		return err
	}
	if !sb.Paused {
		return errdefs.New(errdefs.KindResourceBusy, "unpause rejected in current state").WithField("handle", handle)
	}
	sb.Paused = false
	sb.Running = true
	return nil
}

func (f *Fake) Stop(ctx context.Context, handle string, grace time.Duration) error {
	if err := f.enter(ctx, "stop"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, err := f.get(handle)
	if err != nil {
		return err
	}
	sb.Running = false
	sb.Paused = false
	return nil
}

func (f *Fake) Update(ctx context.Context, handle string, limits Limits) error {
	if err := f.enter(ctx, "update"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, err := f.get(handle)
	if err != nil {
		return err
	}
	sb.Limits = limits
	return nil
}

func (f *Fake) Stats(ctx context.Context, handle string) (Stats, error) {
	if err := f.enter(ctx, "stats"); err != nil {
		return Stats{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, err := f.get(handle)
	if err != nil {
		return Stats{}, err
	}
	if !sb.Running {
		return Stats{}, errdefs.New(errdefs.KindResourceBusy, "stats rejected in current state").WithField("handle", handle)
	}
	return sb.Usage, nil
}

func (f *Fake) Exec(ctx context.Context, handle string, argv []string, timeout time.Duration) (ExecResult, error) {
	if err := f.enter(ctx, "exec"); err != nil {
		return ExecResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, err := f.get(handle)
	if err != nil {
		return ExecResult{}, err
	}
	return sb.Exec, nil
}

func (f *Fake) List(ctx context.Context, namePrefix string) ([]Summary, error) {
	if err := f.enter(ctx, "list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Summary, 0, len(f.sandboxes))
	for _, sb := range f.sandboxes {
		if namePrefix != "" && !strings.HasPrefix(sb.Name, namePrefix) {
			continue
		}
		out = append(out, Summary{
			Handle: sb.Handle,
			Name:   sb.Name,
			State:  fakeStatus(sb),
			Labels: sb.Labels,
		})
	}
	return out, nil
}

func fakeStatus(sb *FakeSandbox) string {
	switch {
	case sb.Paused:
		return "paused"
	case sb.Running:
		return "running"
	default:
		return "exited"
	}
}
