/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package supervisor drives complete runs: it acquires a VM, establishes the baseline
// snapshots, walks the scheduled plan through the execution engine and tears the VM
// down exactly once, whatever happened in between.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/engine"
	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor"
	"github.com/alexandremahdhaoui/vmconform/pkg/probe"
	"github.com/alexandremahdhaoui/vmconform/pkg/registry"
	"github.com/alexandremahdhaoui/vmconform/pkg/report"
	"github.com/alexandremahdhaoui/vmconform/pkg/retry"
	"github.com/alexandremahdhaoui/vmconform/pkg/scheduler"
	"github.com/alexandremahdhaoui/vmconform/pkg/testcase"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

const (
	DefaultTeardownTimeout = 5 * time.Minute
	VMNamePrefix           = "vmconform-"
)

var (
	ErrBaselineSetup = errors.New("baseline setup failed")
	ErrCancelled     = errors.New("run cancelled")

	errRetryStep = errors.New("test errored")
)

// Lifecycle selects how the VM and its baselines relate to runs.
type Lifecycle string

const (
	// LifecyclePerRun clones a fresh VM for every run and creates its baselines.
	LifecyclePerRun Lifecycle = "per-run"
	// LifecycleShared reuses a durable VM; baselines are created only when absent.
	LifecycleShared Lifecycle = "shared"
)

// TeardownMode is what happens to the VM once a run is over.
type TeardownMode string

const (
	TeardownDestroy TeardownMode = "destroy"
	TeardownStop    TeardownMode = "stop"
	TeardownKeep    TeardownMode = "keep"
)

// Config holds the run settings shared by every suite.
type Config struct {
	Template         string
	TemplateSnapshot string
	MemoryMB         int
	VCPUs            int
	Lifecycle        Lifecycle
	// SharedVMName names the durable VM of the shared lifecycle. Defaults to
	// vmconform-<suite>.
	SharedVMName string
	// Teardown defaults to destroy for per-run VMs and stop for shared ones.
	Teardown TeardownMode
	// StepRetry restores and re-runs cases that ended errored.
	StepRetry retry.Policy
	// ChannelRetry re-sends commands that never reached the target.
	ChannelRetry    retry.Policy
	CleanupTimeout  time.Duration
	TeardownTimeout time.Duration
}

func (c Config) teardown() TeardownMode {
	if c.Teardown != "" {
		return c.Teardown
	}
	if c.Lifecycle == LifecycleShared {
		return TeardownStop
	}
	return TeardownDestroy
}

// Options configures a Supervisor.
type Options struct {
	Config
	// Registry tracks VM ownership. Runs sharing a Registry never drive the same VM.
	Registry *registry.Registry
	Metrics  *Metrics
	Clock    clock.WithTicker
	Log      logr.Logger
	// RunID overrides run ID generation.
	RunID func(suite string) string
}

// Supervisor runs suites against VMs of one hypervisor. It is safe for concurrent use;
// every run owns its VM exclusively.
type Supervisor struct {
	hv       hypervisor.Client
	prober   probe.Prober
	registry *registry.Registry
	metrics  *Metrics
	clock    clock.WithTicker
	cfg      Config
	log      logr.Logger
	runID    func(string) string
}

func New(hv hypervisor.Client, prober probe.Prober, opts Options) *Supervisor {
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Log.GetSink() == nil {
		opts.Log = logr.Discard()
	}
	if opts.RunID == nil {
		opts.RunID = NewRunID
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = DefaultTeardownTimeout
	}
	if opts.Lifecycle == "" {
		opts.Lifecycle = LifecyclePerRun
	}
	return &Supervisor{
		hv:       hv,
		prober:   prober,
		registry: opts.Registry,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		cfg:      opts.Config,
		log:      opts.Log.WithName("supervisor"),
		runID:    opts.RunID,
	}
}

var unsafeName = regexp.MustCompile(`[^a-z0-9-]+`)

// NewRunID returns <suite>-<timestamp>-<random>, usable as a VM name suffix.
func NewRunID(suite string) string {
	name := strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(suite), "-"), "-")
	if name == "" {
		name = "run"
	}
	return fmt.Sprintf("%s-%s-%s", name, time.Now().Format("20060102-150405"), uuid.NewString()[:8])
}

// Plan schedules the cases of suite without touching the hypervisor.
func (s *Supervisor) Plan(suite *testcase.Suite) (scheduler.Plan, error) {
	return scheduler.Schedule(suite.Cases, scheduler.Inventory{Labels: suite.Labels()})
}

// Run executes suite on its own VM. The only error returned is a static scheduling error,
// raised before any VM is touched; everything that happens afterwards is in the report.
func (s *Supervisor) Run(ctx context.Context, suite *testcase.Suite) (*report.RunReport, error) {
	plan, err := s.Plan(suite)
	if err != nil {
		return nil, err
	}

	id := s.runID(suite.Name)
	steps := plan.IDs()
	r := &run{
		s:      s,
		id:     id,
		suite:  suite,
		plan:   plan,
		sink:   report.NewSink(id, suite.Name, s.clock),
		engine: engine.New(engine.NewTracker(steps...), engine.Options{
			Clock:          s.clock,
			Retry:          s.cfg.ChannelRetry,
			CleanupTimeout: s.cfg.CleanupTimeout,
			Log:            s.log.WithValues("run", id),
		}),
		log: s.log.WithValues("run", id, "suite", suite.Name),
	}
	return r.execute(ctx)
}

type run struct {
	s      *Supervisor
	id     string
	suite  *testcase.Suite
	plan   scheduler.Plan
	sink   *report.Sink
	engine *engine.Engine
	log    logr.Logger

	ref        registry.VMRef
	registered bool
	vm         hypervisor.VirtualMachine
	session    probe.Session
	// live is the baseline the VM is on, "" when unknown or dirty.
	live string
	// fatal is the permanent failure that aborts the run.
	fatal error
}

func (r *run) execute(ctx context.Context) (*report.RunReport, error) {
	r.s.metrics.runStarted()
	r.log.Info("run started", "steps", len(r.plan.Steps), "lifecycle", r.s.cfg.Lifecycle)

	if err := r.acquire(ctx); err != nil {
		r.abort(ctx, err, 0)
	} else {
		r.walk(ctx)
	}
	r.teardown(ctx)

	rep, err := r.sink.Finalize()
	if err != nil {
		return nil, err
	}
	r.s.metrics.runFinished(rep.Status)
	r.log.Info("run finished", "status", rep.Status, "degraded", rep.Degraded,
		"passed", rep.Summary.Passed, "failed", rep.Summary.Failed,
		"errored", rep.Summary.Errored, "skipped", rep.Summary.Skipped)
	return rep, nil
}

// acquire provisions, registers and boots the VM, then establishes the baselines.
func (r *run) acquire(ctx context.Context) error {
	vm, durable, err := r.provision(ctx)
	if err != nil {
		return fmt.Errorf("acquiring vm: %w", err)
	}
	ref, err := r.s.registry.Register(vm, r.id, durable)
	if err != nil {
		return fmt.Errorf("acquiring vm %s: %w", vm.Name, err)
	}
	r.ref, r.vm, r.registered = ref, vm, true
	r.log = r.log.WithValues("vm", vm.Name, "vmID", vm.ID)

	if err := r.ensureRunning(ctx); err != nil {
		return fmt.Errorf("starting vm %s: %w", vm.Name, err)
	}
	if err := r.connect(ctx); err != nil {
		return fmt.Errorf("connecting to vm %s: %w", vm.Name, err)
	}
	if err := r.establishBaselines(ctx); err != nil {
		return err
	}

	// Now that the live baseline is known, restores that would be no-ops are dropped.
	plan, err := scheduler.Schedule(r.suite.Cases, scheduler.Inventory{Labels: r.suite.Labels(), Current: r.live})
	if err != nil {
		return err
	}
	r.plan = plan
	return nil
}

func (r *run) provision(ctx context.Context) (hypervisor.VirtualMachine, bool, error) {
	if r.s.cfg.Lifecycle != LifecycleShared {
		vm, err := r.s.hv.CreateVM(ctx, r.createRequest(VMNamePrefix+r.id))
		return vm, false, err
	}

	name := r.s.cfg.SharedVMName
	if name == "" {
		name = VMNamePrefix + strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(r.suite.Name), "-"), "-")
	}
	vm, found, err := r.s.hv.LookupVM(ctx, name)
	if err != nil {
		return hypervisor.VirtualMachine{}, true, err
	}
	if found {
		r.log.Info("reusing durable vm", "vm", name)
		return vm, true, nil
	}
	vm, err = r.s.hv.CreateVM(ctx, r.createRequest(name))
	return vm, true, err
}

func (r *run) createRequest(name string) hypervisor.CreateRequest {
	return hypervisor.CreateRequest{
		Template:         r.s.cfg.Template,
		TemplateSnapshot: r.s.cfg.TemplateSnapshot,
		Name:             name,
		DedupeToken:      name,
		MemoryMB:         r.s.cfg.MemoryMB,
		VCPUs:            r.s.cfg.VCPUs,
	}
}

func (r *run) ensureRunning(ctx context.Context) error {
	state, err := r.s.hv.Status(ctx, r.vm)
	if err != nil {
		return err
	}
	if state == hypervisor.PowerRunning {
		return nil
	}
	return r.s.hv.Start(ctx, r.vm)
}

// establishBaselines registers every baseline of the suite, creating the missing ones in
// declaration order. Each baseline is built on top of the previous one.
func (r *run) establishBaselines(ctx context.Context) error {
	prev := ""
	for _, bl := range r.suite.Baselines {
		snap, found, err := r.s.hv.LookupSnapshot(ctx, r.vm, bl.Label)
		if err != nil {
			return fmt.Errorf("looking up baseline %q: %w", bl.Label, err)
		}
		if !found {
			if prev != "" && r.live != prev {
				if err := r.restore(ctx, prev); err != nil {
					return err
				}
				if err := r.connect(ctx); err != nil {
					return fmt.Errorf("connecting to vm %s: %w", r.vm.Name, err)
				}
			}
			if err := r.setup(ctx, bl); err != nil {
				return err
			}
			if snap, err = r.s.hv.Snapshot(ctx, r.vm, bl.Label); err != nil {
				return fmt.Errorf("snapshotting baseline %q: %w", bl.Label, err)
			}
			r.live = bl.Label
			r.log.Info("baseline established", "baseline", bl.Label, "snapshot", snap.Name)
		}
		if _, err := r.s.registry.AddBaseline(r.ref, snap); err != nil {
			return err
		}
		prev = bl.Label
	}
	return nil
}

func (r *run) setup(ctx context.Context, bl testcase.Baseline) error {
	for _, cmd := range bl.Setup {
		r.log.V(1).Info("running baseline setup", "baseline", bl.Label, "cmd", cmd.Command)
		out, err := r.session.RunConsole(ctx, cmd.Command, cmd.Timeout)
		if err != nil {
			return fmt.Errorf("%w: baseline %q: %q: %w", ErrBaselineSetup, bl.Label, cmd.Command, err)
		}
		if out.ExitCode != 0 {
			return fmt.Errorf("%w: baseline %q: %q exited %d: %s",
				ErrBaselineSetup, bl.Label, cmd.Command, out.ExitCode, strings.TrimSpace(out.Stderr))
		}
	}
	return nil
}

// walk executes the plan in order. Results are recorded in plan order.
func (r *run) walk(ctx context.Context) {
	for i, step := range r.plan.Steps {
		if ctx.Err() != nil {
			r.abort(ctx, ctx.Err(), i)
			return
		}
		r.record(r.step(ctx, step))
		if r.fatal != nil {
			r.abort(ctx, r.fatal, i+1)
			return
		}
	}
}

// step produces the single result of one plan step, retrying errored outcomes.
func (r *run) step(ctx context.Context, step scheduler.Step) report.TestResult {
	tc := step.Case
	if res, skipped := r.engine.SkipIfUnmet(tc); skipped {
		return res
	}

	log := r.log.WithValues("test", tc.ID())
	policy := r.s.cfg.StepRetry.WithRetryable(func(err error) bool { return errors.Is(err, errRetryStep) })
	policy.OnRetry = func(attempt int, _ error, wait time.Duration) {
		r.s.metrics.retried()
		log.Info("restoring and re-running errored test", "attempt", attempt, "wait", wait.String())
	}

	var (
		res      report.TestResult
		attempts int
	)
	_ = policy.Do(ctx, func(ctx context.Context, attempt int) error {
		restore := attempt > 1 || step.Restore || r.live != step.Baseline
		res = r.attempt(ctx, step, restore)
		attempts += max(res.Attempts, 1)
		if res.Outcome == report.OutcomeErrored && r.fatal == nil && ctx.Err() == nil {
			return errRetryStep
		}
		return nil
	})
	res.Attempts = attempts

	if res.Outcome != report.OutcomeErrored {
		return res
	}
	if ctx.Err() != nil {
		res.Reason = report.ReasonCancelled
		return res
	}
	if r.fatal == nil {
		log.Info("test still errored after retries, run is degraded", "attempts", attempts, "reason", res.Reason)
		r.sink.MarkDegraded()
	}
	return res
}

func (r *run) attempt(ctx context.Context, step scheduler.Step, restore bool) report.TestResult {
	tc := step.Case
	if restore {
		if err := r.restore(ctx, step.Baseline); err != nil {
			r.noteFatal(ctx, err)
			return r.engine.Errored(ctx, tc, err)
		}
	}
	if err := r.connect(ctx); err != nil {
		r.noteFatal(ctx, err)
		return r.engine.Errored(ctx, tc, err)
	}

	res := r.engine.Execute(ctx, tc, r.session)
	res.Restored = restore

	if tc.RequiresRollback() || res.CleanupFailed || res.Outcome == report.OutcomeErrored {
		r.live = ""
	}
	return res
}

func (r *run) restore(ctx context.Context, label string) error {
	snap, ok := r.s.registry.Baseline(r.ref, label)
	if !ok {
		return hypervisor.NewPermanent("restore",
			fmt.Errorf("%w: baseline %q is not registered for vm %s", hypervisor.ErrSnapshotNotFound, label, r.vm.ID))
	}

	r.closeSession()
	r.live = ""
	if err := r.s.hv.Restore(ctx, r.vm, snap); err != nil {
		return fmt.Errorf("restoring baseline %q: %w", label, err)
	}
	r.s.metrics.restored()
	if err := r.ensureRunning(ctx); err != nil {
		return fmt.Errorf("starting vm after restoring %q: %w", label, err)
	}
	r.live = label
	r.log.V(1).Info("restored baseline", "baseline", label)
	return nil
}

// connect replaces the current session with a fresh one.
func (r *run) connect(ctx context.Context) error {
	r.closeSession()
	session, err := r.s.prober.Connect(ctx, r.vm)
	if err != nil {
		return err
	}
	r.session = session
	return nil
}

func (r *run) closeSession() {
	if r.session == nil {
		return
	}
	if err := r.session.Close(); err != nil {
		r.log.V(1).Info("closing session", "err", err.Error())
	}
	r.session = nil
}

func (r *run) noteFatal(ctx context.Context, err error) {
	if ctx.Err() == nil && hypervisor.IsPermanent(err) {
		r.fatal = err
	}
}

// abort records a run-level error and skips every step from index from on.
func (r *run) abort(ctx context.Context, cause error, from int) {
	reason := report.ReasonAborted
	err := cause
	if ctx.Err() != nil {
		reason = report.ReasonCancelled
		err = fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	}
	r.log.Info("run aborted", "reason", reason, "err", err.Error())
	if addErr := r.sink.AddError(err); addErr != nil {
		r.log.Error(addErr, "recording run error")
	}

	for _, step := range r.plan.Steps[from:] {
		if r.sink.Has(step.Case.ID()) {
			continue
		}
		r.record(r.engine.Skip(step.Case, reason, err.Error()))
	}
}

// teardown releases the VM exactly once and applies the configured teardown mode. It
// runs even when ctx is cancelled.
func (r *run) teardown(ctx context.Context) {
	r.closeSession()
	if !r.registered {
		return
	}
	if err := r.s.registry.Release(r.ref); err != nil {
		r.log.Error(err, "releasing vm")
		return
	}

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.s.cfg.TeardownTimeout)
	defer cancel()

	var err error
	switch mode := r.s.cfg.teardown(); mode {
	case TeardownDestroy:
		err = r.s.hv.Destroy(tctx, r.vm)
	case TeardownStop:
		err = r.s.hv.Stop(tctx, r.vm)
	default:
		r.log.Info("keeping vm", "mode", mode)
	}
	if err != nil {
		r.log.Error(err, "tearing down vm")
		if addErr := r.sink.AddError(fmt.Errorf("teardown: %w", err)); addErr != nil {
			r.log.Error(addErr, "recording run error")
		}
		return
	}
	r.log.V(1).Info("vm released", "mode", r.s.cfg.teardown())
}

func (r *run) record(res report.TestResult) {
	if err := r.sink.Record(res); err != nil {
		r.log.Error(err, "recording result", "test", res.TestID)
		return
	}
	r.s.metrics.recorded(res)
}
