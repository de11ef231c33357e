package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/incus-tools/converge/pkg/diff"
	"github.com/incus-tools/converge/pkg/events"
	"github.com/incus-tools/converge/pkg/incus"
	"github.com/incus-tools/converge/pkg/log"
	"github.com/incus-tools/converge/pkg/metrics"
	"github.com/incus-tools/converge/pkg/resolver"
	"github.com/incus-tools/converge/pkg/types"
)

// Resolver finds the live resource for a descriptor, nil when absent.
type Resolver interface {
	Resolve(ctx context.Context, desc *types.ResourceDescriptor) (*types.LiveResource, error)
}

// Applier executes the mutation a classified descriptor calls for.
type Applier interface {
	Create(ctx context.Context, desc *types.ResourceDescriptor) error
	Update(ctx context.Context, desc *types.ResourceDescriptor, live *types.LiveResource, delta *diff.Delta) error
	Delete(ctx context.Context, desc *types.ResourceDescriptor, live *types.LiveResource) error
}

// Options configures a pass.
type Options struct {
	// Atomic stops launching new operations after the first failure.
	// The default lets independent descriptors proceed; only dependents
	// of a failed descriptor are skipped.
	Atomic bool

	// Concurrency bounds how many same-wave descriptors run at once.
	// Values below 1 mean sequential.
	Concurrency int

	// DryRun classifies every descriptor without mutating anything.
	DryRun bool
}

// Orchestrator drives a descriptor set through resolve, classify and apply.
type Orchestrator struct {
	resolver Resolver
	applier  Applier
	broker   *events.Broker
	opts     Options
}

// New creates an orchestrator. broker may be nil when no subscriber cares
// about progress events.
func New(res Resolver, applier Applier, broker *events.Broker, opts Options) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Orchestrator{
		resolver: res,
		applier:  applier,
		broker:   broker,
		opts:     opts,
	}
}

// Apply runs one pass over the descriptor set. Duplicate identities and
// dependency cycles abort before any API call; every other failure is
// confined to its descriptor and that descriptor's dependents. The
// returned ApplyResult covers every descriptor even on context
// cancellation: operations not yet started are marked skipped, completed
// ones are never rolled back.
func (o *Orchestrator) Apply(ctx context.Context, passID string, descs []*types.ResourceDescriptor) (*types.ApplyResult, error) {
	byID, err := validate(descs)
	if err != nil {
		return nil, err
	}

	result := &types.ApplyResult{
		PassID:    passID,
		DryRun:    o.opts.DryRun,
		StartedAt: time.Now(),
	}

	run := &passRun{
		orch:    o,
		passID:  passID,
		byID:    byID,
		results: make(map[string]*types.DescriptorResult, len(descs)),
	}

	ordered := order(descs)
	for _, batch := range tiers(ordered) {
		for _, wave := range waves(batch, byID) {
			run.runWave(ctx, wave)
		}
	}

	for _, d := range ordered {
		result.Results = append(result.Results, run.results[d.ID()])
	}
	result.FinishedAt = time.Now()
	result.Summary = summarize(result.Results)
	return result, nil
}

// passRun is the mutable state of one Apply call.
type passRun struct {
	orch    *Orchestrator
	passID  string
	byID    map[string]*types.ResourceDescriptor
	mu      sync.Mutex
	results map[string]*types.DescriptorResult
	halted  bool
}

// runWave executes one wave of descriptors with bounded concurrency.
// Every descriptor in a wave has all its dependencies settled.
func (r *passRun) runWave(ctx context.Context, wave []*types.ResourceDescriptor) {
	sem := make(chan struct{}, r.orch.opts.Concurrency)
	var wg sync.WaitGroup
	for _, desc := range wave {
		wg.Add(1)
		sem <- struct{}{}
		go func(d *types.ResourceDescriptor) {
			defer wg.Done()
			defer func() { <-sem }()
			r.runOne(ctx, d)
		}(desc)
	}
	wg.Wait()
}

// runOne takes a single descriptor through the state machine and records
// its result.
func (r *passRun) runOne(ctx context.Context, desc *types.ResourceDescriptor) {
	id := desc.ID()
	res := &types.DescriptorResult{
		ID:        id,
		Kind:      desc.Kind,
		State:     types.StatePending,
		StartedAt: time.Now(),
	}
	defer func() {
		res.Duration = time.Since(res.StartedAt)
		r.record(res)
	}()

	for _, dep := range desc.DependsOn {
		if _, ok := r.byID[dep]; !ok {
			r.fail(res, desc, &types.ValidationError{ID: id, Reason: "depends on unknown descriptor " + dep})
			return
		}
	}

	if reason := r.skipReason(ctx, desc); reason != "" {
		res.Action = types.ActionSkip
		res.State = types.StateSkipping
		res.Error = reason
		r.publish(events.EventResourceSkipped, desc, reason)
		return
	}

	res.State = types.StateResolving
	live, err := r.orch.resolver.Resolve(ctx, desc)
	if err != nil {
		r.fail(res, desc, err)
		return
	}

	action, delta, err := classify(desc, live)
	if err != nil {
		r.fail(res, desc, err)
		return
	}
	res.Action = action

	if action == types.ActionNone {
		res.State = types.StateDone
		return
	}

	if r.orch.opts.DryRun {
		res.State = types.StateDone
		logger := log.WithResource(string(desc.Kind), id)
		logger.Info().
			Str("action", string(action)).
			Msg("Planned change (dry run)")
		return
	}

	switch action {
	case types.ActionCreate:
		res.State = types.StateCreating
		err = r.orch.applier.Create(ctx, desc)
	case types.ActionUpdate:
		res.State = types.StateUpdating
		err = r.orch.applier.Update(ctx, desc, live, delta)
	case types.ActionDelete:
		res.State = types.StateDeleting
		err = r.orch.applier.Delete(ctx, desc, live)
	}
	if err != nil {
		r.fail(res, desc, err)
		return
	}

	res.State = types.StateDone
	metrics.ResourceActionsTotal.WithLabelValues(string(desc.Kind), string(action)).Inc()
	r.publish(eventFor(action), desc, "")
	logger := log.WithResource(string(desc.Kind), id)
	logger.Info().
		Str("action", string(action)).
		Msg("Resource reconciled")
}

// skipReason returns a non-empty reason when the descriptor must not run:
// the pass was cancelled, an earlier failure halted an atomic pass, a
// dependency is dangling, or a dependency failed or was skipped.
func (r *passRun) skipReason(ctx context.Context, desc *types.ResourceDescriptor) string {
	if ctx.Err() != nil {
		return "pass cancelled"
	}

	r.mu.Lock()
	halted := r.halted
	r.mu.Unlock()
	if halted {
		return "earlier failure halted atomic pass"
	}

	for _, dep := range desc.DependsOn {
		r.mu.Lock()
		depRes := r.results[dep]
		r.mu.Unlock()
		if depRes == nil {
			continue
		}
		switch depRes.State {
		case types.StateFailed:
			return fmt.Sprintf("dependency %s failed", dep)
		case types.StateSkipping:
			return fmt.Sprintf("dependency %s was skipped", dep)
		}
	}
	return ""
}

func (r *passRun) fail(res *types.DescriptorResult, desc *types.ResourceDescriptor, err error) {
	res.State = types.StateFailed
	res.ErrorKind = errorKind(err)
	res.Error = err.Error()

	metrics.ResourceFailuresTotal.WithLabelValues(string(desc.Kind), res.ErrorKind).Inc()
	r.publish(events.EventResourceFailed, desc, err.Error())
	logger := log.WithResource(string(desc.Kind), res.ID)
	logger.Error().
		Err(err).
		Str("error_kind", res.ErrorKind).
		Msg("Resource reconciliation failed")

	if r.orch.opts.Atomic {
		r.mu.Lock()
		r.halted = true
		r.mu.Unlock()
	}
}

func (r *passRun) record(res *types.DescriptorResult) {
	r.mu.Lock()
	r.results[res.ID] = res
	r.mu.Unlock()
}

func (r *passRun) publish(typ events.EventType, desc *types.ResourceDescriptor, msg string) {
	if r.orch.broker == nil {
		return
	}
	r.orch.broker.Publish(&events.Event{
		Type:     typ,
		PassID:   r.passID,
		Resource: desc.ID(),
		Kind:     string(desc.Kind),
		Message:  msg,
	})
}

// classify maps (desired disposition, live state) to the action to take.
// Deletion happens only on an explicitly absent or detached disposition;
// an unmanaged live resource is never touched.
func classify(desc *types.ResourceDescriptor, live *types.LiveResource) (types.Action, *diff.Delta, error) {
	switch desc.Ensure {
	case types.EnsureAbsent, types.EnsureDetached:
		if live == nil {
			return types.ActionNone, nil, nil
		}
		// Server settings always resolve: the live resource is the server
		// config itself. Absent means the one key, not the whole config.
		if desc.Kind == types.KindServerSetting && !settingKeyPresent(desc, live) {
			return types.ActionNone, nil, nil
		}
		return types.ActionDelete, nil, nil

	case types.EnsureRestored:
		if live == nil {
			return "", nil, &types.ValidationError{ID: desc.ID(), Reason: "cannot restore: snapshot does not exist"}
		}
		// Restore always applies: the hypervisor exposes no marker for
		// which snapshot a resource was last restored from.
		return types.ActionUpdate, nil, nil

	default:
		if live == nil {
			return types.ActionCreate, nil, nil
		}
		delta := diff.Compute(desc, live)
		if delta.Empty() {
			return types.ActionNone, nil, nil
		}
		return types.ActionUpdate, delta, nil
	}
}

// settingKeyPresent reports whether the single key an absent server
// setting descriptor names still exists in the live config.
func settingKeyPresent(desc *types.ResourceDescriptor, live *types.LiveResource) bool {
	key := desc.Key
	if key == "" {
		key = desc.Name
	}
	_, ok := live.Config[key]
	return ok
}

// errorKind buckets an error for the result record and failure metrics.
func errorKind(err error) string {
	var resolution *resolver.ResolutionError
	var validation *types.ValidationError
	var conflict *incus.ConflictError
	var timeout *incus.TimeoutError
	var api *incus.APIError

	switch {
	case errors.As(err, &resolution):
		return "resolution"
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &api):
		return "api"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

func eventFor(action types.Action) events.EventType {
	switch action {
	case types.ActionCreate:
		return events.EventResourceCreated
	case types.ActionDelete:
		return events.EventResourceDeleted
	default:
		return events.EventResourceUpdated
	}
}

// waves splits a tier batch into dependency layers: wave n holds the
// descriptors whose same-batch dependencies are all in earlier waves, so
// each wave can run concurrently.
func waves(batch []*types.ResourceDescriptor, byID map[string]*types.ResourceDescriptor) [][]*types.ResourceDescriptor {
	inBatch := make(map[string]bool, len(batch))
	for _, d := range batch {
		inBatch[d.ID()] = true
	}

	depth := make(map[string]int, len(batch))
	var depthOf func(d *types.ResourceDescriptor) int
	depthOf = func(d *types.ResourceDescriptor) int {
		id := d.ID()
		if v, ok := depth[id]; ok {
			return v
		}
		depth[id] = 0 // cycle guard; real cycles are rejected earlier
		max := 0
		for _, dep := range d.DependsOn {
			if !inBatch[dep] {
				continue
			}
			if v := depthOf(byID[dep]) + 1; v > max {
				max = v
			}
		}
		depth[id] = max
		return max
	}

	var out [][]*types.ResourceDescriptor
	for _, d := range batch {
		n := depthOf(d)
		for len(out) <= n {
			out = append(out, nil)
		}
		out[n] = append(out[n], d)
	}
	return out
}

func summarize(results []*types.DescriptorResult) types.Summary {
	s := types.Summary{Total: len(results)}
	for _, res := range results {
		switch res.State {
		case types.StateFailed:
			s.Failed++
		case types.StateSkipping:
			s.Skipped++
		default:
			switch res.Action {
			case types.ActionCreate:
				s.Created++
			case types.ActionUpdate:
				s.Updated++
			case types.ActionDelete:
				s.Deleted++
			default:
				s.Unchanged++
			}
		}
	}
	return s
}
