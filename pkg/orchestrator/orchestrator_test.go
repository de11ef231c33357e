package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incus-tools/converge/pkg/diff"
	"github.com/incus-tools/converge/pkg/log"
	"github.com/incus-tools/converge/pkg/resolver"
	"github.com/incus-tools/converge/pkg/types"
)

// fakeResolver serves canned live state and can fail lookups.
type fakeResolver struct {
	live    map[string]*types.LiveResource
	failing map[string]bool
}

func (f *fakeResolver) Resolve(_ context.Context, desc *types.ResourceDescriptor) (*types.LiveResource, error) {
	id := desc.ID()
	if f.failing[id] {
		return nil, &resolver.ResolutionError{ID: id, Err: fmt.Errorf("connection refused")}
	}
	return f.live[id], nil
}

// fakeApplier records the mutations it was asked for.
type fakeApplier struct {
	mu      sync.Mutex
	calls   []string
	failing map[string]bool
}

func (f *fakeApplier) note(op string, desc *types.ResourceDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := desc.ID()
	if f.failing[id] {
		return fmt.Errorf("%s %s failed", op, id)
	}
	f.calls = append(f.calls, op+" "+id)
	return nil
}

func (f *fakeApplier) Create(_ context.Context, desc *types.ResourceDescriptor) error {
	return f.note("create", desc)
}

func (f *fakeApplier) Update(_ context.Context, desc *types.ResourceDescriptor, _ *types.LiveResource, _ *diff.Delta) error {
	return f.note("update", desc)
}

func (f *fakeApplier) Delete(_ context.Context, desc *types.ResourceDescriptor, _ *types.LiveResource) error {
	return f.note("delete", desc)
}

func newFakes() (*fakeResolver, *fakeApplier) {
	return &fakeResolver{live: map[string]*types.LiveResource{}, failing: map[string]bool{}},
		&fakeApplier{failing: map[string]bool{}}
}

func resultByID(t *testing.T, result *types.ApplyResult, id string) *types.DescriptorResult {
	t.Helper()
	for _, res := range result.Results {
		if res.ID == id {
			return res
		}
	}
	t.Fatalf("no result for %s", id)
	return nil
}

func TestApplyCreatesMissingResource(t *testing.T) {
	res, apl := newFakes()
	orch := New(res, apl, nil, Options{})

	result, err := orch.Apply(context.Background(), "pass-1", []*types.ResourceDescriptor{
		{Kind: types.KindProfile, Name: "web", Ensure: types.EnsurePresent},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"create profile/web"}, apl.calls)
	assert.Equal(t, 1, result.Summary.Created)
}

func TestApplyLeavesMatchingResourceUntouched(t *testing.T) {
	res, apl := newFakes()
	res.live["profile/web"] = &types.LiveResource{
		Kind:   types.KindProfile,
		Name:   "web",
		Config: map[string]string{"limits.cpu": "2"},
	}
	orch := New(res, apl, nil, Options{})

	result, err := orch.Apply(context.Background(), "pass-1", []*types.ResourceDescriptor{
		{Kind: types.KindProfile, Name: "web", Ensure: types.EnsurePresent,
			Config: map[string]string{"limits.cpu": "2"}},
	})

	require.NoError(t, err)
	assert.Empty(t, apl.calls)
	assert.Equal(t, 1, result.Summary.Unchanged)
}

func TestApplyDeletesOnlyExplicitAbsent(t *testing.T) {
	res, apl := newFakes()
	res.live["profile/old"] = &types.LiveResource{Kind: types.KindProfile, Name: "old"}
	orch := New(res, apl, nil, Options{})

	result, err := orch.Apply(context.Background(), "pass-1", []*types.ResourceDescriptor{
		{Kind: types.KindProfile, Name: "old", Ensure: types.EnsureAbsent},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"delete profile/old"}, apl.calls)
	assert.Equal(t, 1, result.Summary.Deleted)
}

func TestApplyAbsentMissingResourceIsNoop(t *testing.T) {
	res, apl := newFakes()
	orch := New(res, apl, nil, Options{})

	result, err := orch.Apply(context.Background(), "pass-1", []*types.ResourceDescriptor{
		{Kind: types.KindProfile, Name: "gone", Ensure: types.EnsureAbsent},
	})

	require.NoError(t, err)
	assert.Empty(t, apl.calls)
	assert.Equal(t, 1, result.Summary.Unchanged)
}

func TestApplyAbsentServerSettingAlreadyUnsetIsNoop(t *testing.T) {
	res, apl := newFakes()
	res.live["server-setting/core.https_address"] = &types.LiveResource{
		Kind:   types.KindServerSetting,
		Config: map[string]string{"core.proxy_http": "http://proxy:3128"},
	}
	orch := New(res, apl, nil, Options{})

	desc := &types.ResourceDescriptor{
		Kind:   types.KindServerSetting,
		Name:   "core.https_address",
		Key:    "core.https_address",
		Ensure: types.EnsureAbsent,
	}

	result, err := orch.Apply(context.Background(), "pass-1", []*types.ResourceDescriptor{desc})
	require.NoError(t, err)
	assert.Empty(t, apl.calls, "unsetting a key the server does not hold must be a no-op")
	assert.Equal(t, 1, result.Summary.Unchanged)
	assert.Equal(t, 0, result.Summary.Deleted)

	// Second pass after a real unset sees the same absent key.
	result, err = orch.Apply(context.Background(), "pass-2", []*types.ResourceDescriptor{desc})
	require.NoError(t, err)
	assert.Empty(t, apl.calls)
	assert.Equal(t, 1, result.Summary.Unchanged)
}

func TestApplyAbsentServerSettingUnsetsHeldKey(t *testing.T) {
	res, apl := newFakes()
	res.live["server-setting/core.https_address"] = &types.LiveResource{
		Kind:   types.KindServerSetting,
		Config: map[string]string{"core.https_address": ":8443"},
	}
	orch := New(res, apl, nil, Options{})

	result, err := orch.Apply(context.Background(), "pass-1", []*types.ResourceDescriptor{
		{Kind: types.KindServerSetting, Name: "core.https_address", Key: "core.https_address",
			Ensure: types.EnsureAbsent},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"delete server-setting/core.https_address"}, apl.calls)
	assert.Equal(t, 1, result.Summary.Deleted)
}

func TestApplyResolutionErrorDoesNotCreate(t *testing.T) {
	res, apl := newFakes()
	res.failing["instance/web"] = true
	orch := New(res, apl, nil, Options{})

	result, err := orch.Apply(context.Background(), "pass-1", []*types.ResourceDescriptor{
		{Kind: types.KindInstance, Name: "web", Ensure: types.EnsurePresent},
	})

	require.NoError(t, err)
	assert.Empty(t, apl.calls, "unknown existence must never lead to a create")
	failed := resultByID(t, result, "instance/web")
	assert.Equal(t, types.StateFailed, failed.State)
	assert.Equal(t, "resolution", failed.ErrorKind)
}

func TestApplyDuplicateIdentityIsFatal(t *testing.T) {
	res, apl := newFakes()
	orch := New(res, apl, nil, Options{})

	_, err := orch.Apply(context.Background(), "pass-1", []*types.ResourceDescriptor{
		{Kind: types.KindProfile, Name: "web"},
		{Kind: types.KindProfile, Name: "web"},
	})

	require.Error(t, err)
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Empty(t, apl.calls)
}

func TestApplyDependencyCycleIsFatal(t *testing.T) {
	res, apl := newFakes()
	orch := New(res, apl, nil, Options{})

	_, err := orch.Apply(context.Background(), "pass-1", []*types.ResourceDescriptor{
		{Kind: types.KindProfile, Name: "a", DependsOn: []string{"profile/b"}},
		{Kind: types.KindProfile, Name: "b", DependsOn: []string{"profile/a"}},
	})

	require.Error(t, err)
	assert.Empty(t, apl.calls)
}

func TestApplyFailureSkipsDependentsOnly(t *testing.T) {
	res, apl := newFakes()
	apl.failing["profile/base"] = true
	orch := New(res, apl, nil, Options{})

	result, err := orch.Apply(context.Background(), "pass-1", []*types.ResourceDescriptor{
		{Kind: types.KindProfile, Name: "base"},
		{Kind: types.KindProfile, Name: "child", DependsOn: []string{"profile/base"}},
		{Kind: types.KindProfile, Name: "other"},
	})

	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, resultByID(t, result, "profile/base").State)
	assert.Equal(t, types.StateSkipping, resultByID(t, result, "profile/child").State)
	assert.Equal(t, types.StateDone, resultByID(t, result, "profile/other").State)
	assert.Contains(t, apl.calls, "create profile/other")
}

func TestApplyTransitiveSkip(t *testing.T) {
	res, apl := newFakes()
	apl.failing["profile/base"] = true
	orch := New(res, apl, nil, Options{})

	result, err := orch.Apply(context.Background(), "pass-1", []*types.ResourceDescriptor{
		{Kind: types.KindProfile, Name: "base"},
		{Kind: types.KindProfile, Name: "mid", DependsOn: []string{"profile/base"}},
		{Kind: types.KindProfile, Name: "leaf", DependsOn: []string{"profile/mid"}},
	})

	require.NoError(t, err)
	assert.Equal(t, types.StateSkipping, resultByID(t, result, "profile/mid").State)
	assert.Equal(t, types.StateSkipping, resultByID(t, result, "profile/leaf").State)
}

func TestApplyAtomicHaltsAfterFailure(t *testing.T) {
	res, apl := newFakes()
	apl.failing["storage-pool/default"] = true
	orch := New(res, apl, nil, Options{Atomic: true})

	result, err := orch.Apply(context.Background(), "pass-1", []*types.ResourceDescriptor{
		{Kind: types.KindStoragePool, Name: "default"},
		{Kind: types.KindProfile, Name: "web"},
	})

	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, resultByID(t, result, "storage-pool/default").State)
	assert.Equal(t, types.StateSkipping, resultByID(t, result, "profile/web").State)
	assert.Empty(t, apl.calls)
}

func TestApplyDanglingDependencyFailsDescriptor(t *testing.T) {
	res, apl := newFakes()
	orch := New(res, apl, nil, Options{})

	result, err := orch.Apply(context.Background(), "pass-1", []*types.ResourceDescriptor{
		{Kind: types.KindProfile, Name: "web", DependsOn: []string{"profile/missing"}},
	})

	require.NoError(t, err)
	failed := resultByID(t, result, "profile/web")
	assert.Equal(t, types.StateFailed, failed.State)
	assert.Equal(t, "validation", failed.ErrorKind)
}

func TestApplyRestoreRequiresExistingSnapshot(t *testing.T) {
	res, apl := newFakes()
	orch := New(res, apl, nil, Options{})

	result, err := orch.Apply(context.Background(), "pass-1", []*types.ResourceDescriptor{
		{Kind: types.KindInstanceSnapshot, Instance: "web", Name: "pre-upgrade", Ensure: types.EnsureRestored},
	})

	require.NoError(t, err)
	failed := resultByID(t, result, "instance-snapshot/web/pre-upgrade")
	assert.Equal(t, types.StateFailed, failed.State)
	assert.Empty(t, apl.calls)
}

func TestApplyDryRunDoesNotMutate(t *testing.T) {
	res, apl := newFakes()
	res.live["profile/stale"] = &types.LiveResource{Kind: types.KindProfile, Name: "stale"}
	orch := New(res, apl, nil, Options{DryRun: true})

	result, err := orch.Apply(context.Background(), "pass-1", []*types.ResourceDescriptor{
		{Kind: types.KindProfile, Name: "web"},
		{Kind: types.KindProfile, Name: "stale", Ensure: types.EnsureAbsent},
	})

	require.NoError(t, err)
	assert.Empty(t, apl.calls)
	assert.True(t, result.DryRun)
	assert.Equal(t, types.ActionCreate, resultByID(t, result, "profile/web").Action)
	assert.Equal(t, types.ActionDelete, resultByID(t, result, "profile/stale").Action)
}

func TestApplyCancelledContextSkipsRemaining(t *testing.T) {
	res, apl := newFakes()
	orch := New(res, apl, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := orch.Apply(ctx, "pass-1", []*types.ResourceDescriptor{
		{Kind: types.KindProfile, Name: "web"},
	})

	require.NoError(t, err)
	assert.Empty(t, apl.calls)
	assert.Equal(t, 1, result.Summary.Skipped)
}

func TestOrderRespectsKindTiers(t *testing.T) {
	descs := []*types.ResourceDescriptor{
		{Kind: types.KindInstance, Name: "web"},
		{Kind: types.KindStoragePool, Name: "default"},
		{Kind: types.KindNetwork, Name: "lan"},
		{Kind: types.KindProfile, Name: "base"},
	}

	ordered := order(descs)

	var ids []string
	for _, d := range ordered {
		ids = append(ids, d.ID())
	}
	assert.Equal(t, []string{"storage-pool/default", "network/lan", "profile/base", "instance/web"}, ids)
}

func TestOrderHonorsSameTierDependencies(t *testing.T) {
	descs := []*types.ResourceDescriptor{
		{Kind: types.KindProfile, Name: "a", DependsOn: []string{"profile/b"}},
		{Kind: types.KindProfile, Name: "b"},
	}

	ordered := order(descs)

	assert.Equal(t, "profile/b", ordered[0].ID())
	assert.Equal(t, "profile/a", ordered[1].ID())
}

func TestWavesSplitByDependencyDepth(t *testing.T) {
	descs := []*types.ResourceDescriptor{
		{Kind: types.KindProfile, Name: "base"},
		{Kind: types.KindProfile, Name: "mid", DependsOn: []string{"profile/base"}},
		{Kind: types.KindProfile, Name: "peer"},
	}
	byID := map[string]*types.ResourceDescriptor{}
	for _, d := range descs {
		byID[d.ID()] = d
	}

	split := waves(descs, byID)

	require.Len(t, split, 2)
	assert.Len(t, split[0], 2)
	assert.Equal(t, "profile/mid", split[1][0].ID())
}

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}
