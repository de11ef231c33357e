package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/incus-tools/converge/pkg/events"
	"github.com/incus-tools/converge/pkg/incus"
	"github.com/incus-tools/converge/pkg/journal"
	"github.com/incus-tools/converge/pkg/loader"
	"github.com/incus-tools/converge/pkg/log"
	"github.com/incus-tools/converge/pkg/metrics"
	"github.com/incus-tools/converge/pkg/orchestrator"
	"github.com/incus-tools/converge/pkg/resolver"
	"github.com/incus-tools/converge/pkg/rotation"
	"github.com/incus-tools/converge/pkg/types"
)

// Options configures a reconciliation pass.
type Options struct {
	// Atomic stops the pass at the first resource failure instead of
	// letting independent resources continue.
	Atomic bool

	// Concurrency bounds parallel operations within a dependency wave.
	Concurrency int

	// DryRun reports the planned changes without mutating the server.
	// Rotation policies are evaluated but nothing is deleted.
	DryRun bool
}

// Engine runs full reconciliation passes: resolve, diff, apply, rotate.
type Engine struct {
	client  *incus.Client
	journal *journal.Journal
	broker  *events.Broker
	opts    Options
	logger  zerolog.Logger
}

// New creates an engine. journal and broker may be nil.
func New(client *incus.Client, jrnl *journal.Journal, broker *events.Broker, opts Options) *Engine {
	return &Engine{
		client:  client,
		journal: jrnl,
		broker:  broker,
		opts:    opts,
		logger:  log.WithComponent("engine"),
	}
}

// Run executes one pass over the plan. The returned ApplyResult covers
// every descriptor; rotation runs after the apply phase so snapshots
// created in this pass are never rotation victims. A non-nil error means
// the pass could not run at all (validation failure) or rotation failed;
// per-resource failures are reported in the result, not as an error.
func (e *Engine) Run(ctx context.Context, plan *loader.Plan) (*types.ApplyResult, error) {
	passID := uuid.New().String()
	passLogger := log.WithPassID(passID)
	timer := metrics.NewTimer()

	passLogger.Info().
		Int("resources", len(plan.Resources)).
		Int("rotations", len(plan.Rotations)).
		Bool("dry_run", e.opts.DryRun).
		Msg("Starting reconciliation pass")
	e.publish(events.EventPassStarted, passID, "", "")

	apl := newApplier(e.client)
	orch := orchestrator.New(resolver.New(e.client), apl, e.broker, orchestrator.Options{
		Atomic:      e.opts.Atomic,
		Concurrency: e.opts.Concurrency,
		DryRun:      e.opts.DryRun,
	})

	result, err := orch.Apply(ctx, passID, plan.Resources)
	if err != nil {
		e.publish(events.EventPassFinished, passID, "", err.Error())
		return nil, err
	}

	rotateErr := e.rotate(ctx, passID, plan.Rotations, apl)

	metrics.PassesTotal.Inc()
	timer.ObserveDuration(metrics.PassDuration)

	passLogger.Info().
		Int("created", result.Summary.Created).
		Int("updated", result.Summary.Updated).
		Int("deleted", result.Summary.Deleted).
		Int("unchanged", result.Summary.Unchanged).
		Int("failed", result.Summary.Failed).
		Int("skipped", result.Summary.Skipped).
		Msg("Reconciliation pass finished")
	e.publish(events.EventPassFinished, passID, "", "")

	if e.journal != nil && !e.opts.DryRun {
		if err := e.journal.SavePass(result); err != nil {
			passLogger.Error().Err(err).Msg("Failed to journal pass result")
		}
	}

	return result, rotateErr
}

// rotate applies every rotation policy, excluding snapshots the pass just
// created. Policies are independent: one failing does not stop the rest.
func (e *Engine) rotate(ctx context.Context, passID string, policies []types.RotationPolicy, apl *applier) error {
	if len(policies) == 0 {
		return nil
	}
	if e.opts.DryRun {
		e.logger.Info().Int("policies", len(policies)).Msg("Skipping snapshot rotation (dry run)")
		return nil
	}

	rotator := rotation.New(e.client)
	var firstErr error
	for _, policy := range policies {
		deleted, err := rotator.Rotate(ctx, policy, apl.createdFor(policy))
		if err != nil {
			e.logger.Error().Err(err).
				Str("pattern", policy.Pattern).
				Msg("Snapshot rotation failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("snapshot rotation failed: %w", err)
			}
			continue
		}
		metrics.SnapshotsRotatedTotal.Add(float64(len(deleted)))
		for _, name := range deleted {
			e.publish(events.EventSnapshotRotated, passID, name, "")
		}
	}
	return firstErr
}

func (e *Engine) publish(typ events.EventType, passID, resource, msg string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		Type:     typ,
		PassID:   passID,
		Resource: resource,
		Message:  msg,
	})
}
