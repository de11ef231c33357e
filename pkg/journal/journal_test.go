package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incus-tools/converge/pkg/types"
)

func testResult(id string, started time.Time) *types.ApplyResult {
	return &types.ApplyResult{
		PassID:     id,
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
		Results: []*types.DescriptorResult{
			{ID: "profile/web", Kind: types.KindProfile, Action: types.ActionCreate, State: types.StateDone},
		},
		Summary: types.Summary{Total: 1, Created: 1},
	}
}

func TestSaveAndGetPass(t *testing.T) {
	jrnl, err := Open(t.TempDir())
	require.NoError(t, err)
	defer jrnl.Close()

	want := testResult("pass-1", time.Now().UTC().Truncate(time.Second))
	require.NoError(t, jrnl.SavePass(want))

	got, err := jrnl.GetPass("pass-1")
	require.NoError(t, err)
	assert.Equal(t, want.PassID, got.PassID)
	assert.Equal(t, want.Summary, got.Summary)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "profile/web", got.Results[0].ID)
}

func TestGetMissingPassFails(t *testing.T) {
	jrnl, err := Open(t.TempDir())
	require.NoError(t, err)
	defer jrnl.Close()

	_, err = jrnl.GetPass("nope")
	assert.Error(t, err)
}

func TestListPassesOldestFirst(t *testing.T) {
	jrnl, err := Open(t.TempDir())
	require.NoError(t, err)
	defer jrnl.Close()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, jrnl.SavePass(testResult("pass-b", base.Add(time.Hour))))
	require.NoError(t, jrnl.SavePass(testResult("pass-a", base)))

	passes, err := jrnl.ListPasses()
	require.NoError(t, err)
	require.Len(t, passes, 2)
	assert.Equal(t, "pass-a", passes[0].PassID)
	assert.Equal(t, "pass-b", passes[1].PassID)
}

func TestLatestPass(t *testing.T) {
	jrnl, err := Open(t.TempDir())
	require.NoError(t, err)
	defer jrnl.Close()

	latest, err := jrnl.LatestPass()
	require.NoError(t, err)
	assert.Nil(t, latest)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, jrnl.SavePass(testResult("pass-a", base)))
	require.NoError(t, jrnl.SavePass(testResult("pass-b", base.Add(time.Hour))))

	latest, err = jrnl.LatestPass()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "pass-b", latest.PassID)
}
