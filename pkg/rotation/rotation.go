package rotation

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/rs/zerolog"

	"github.com/incus-tools/converge/pkg/incus"
	"github.com/incus-tools/converge/pkg/log"
	"github.com/incus-tools/converge/pkg/types"
)

// Client is the slice of the Incus client rotation consumes.
type Client interface {
	InstanceSnapshots(ctx context.Context, instance string) ([]incus.Snapshot, error)
	InstanceSnapshotDelete(ctx context.Context, instance, name string) error
	VolumeSnapshots(ctx context.Context, pool, volumeType, volume string) ([]incus.Snapshot, error)
	VolumeSnapshotDelete(ctx context.Context, pool, volumeType, volume, name string) error
}

// Rotator trims snapshots matching a pattern down to a retention count.
type Rotator struct {
	client Client
	logger zerolog.Logger
}

// New creates a rotator backed by the given client.
func New(client Client) *Rotator {
	return &Rotator{
		client: client,
		logger: log.WithComponent("rotation"),
	}
}

// Select returns the names of snapshots to delete under the policy: those
// matching pattern, beyond the keep newest. Ties on creation time break by
// name descending so the result is deterministic regardless of API order.
// Names in exclude are never selected.
func Select(snaps []incus.Snapshot, pattern string, keep int, exclude map[string]bool) ([]string, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep must be >= 0, got %d", keep)
	}

	var matched []incus.Snapshot
	for _, s := range snaps {
		ok, err := path.Match(pattern, s.Name)
		if err != nil {
			return nil, fmt.Errorf("invalid snapshot pattern %q: %w", pattern, err)
		}
		if ok && !exclude[s.Name] {
			matched = append(matched, s)
		}
	}

	if len(matched) <= keep {
		return nil, nil
	}

	// Newest first; equal timestamps fall back to name descending.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].Name > matched[j].Name
	})

	victims := matched[keep:]
	names := make([]string, 0, len(victims))
	for _, s := range victims {
		names = append(names, s.Name)
	}
	return names, nil
}

// Rotate applies one rotation policy and returns the deleted snapshot
// names. Snapshots named in exclude (typically ones created earlier in the
// same pass) are never deleted.
func (r *Rotator) Rotate(ctx context.Context, policy types.RotationPolicy, exclude map[string]bool) ([]string, error) {
	var (
		snaps []incus.Snapshot
		err   error
	)
	if policy.Instance != "" {
		snaps, err = r.client.InstanceSnapshots(ctx, policy.Instance)
	} else {
		volumeType := policy.VolumeType
		if volumeType == "" {
			volumeType = "custom"
		}
		snaps, err = r.client.VolumeSnapshots(ctx, policy.Pool, volumeType, policy.Volume)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	victims, err := Select(snaps, policy.Pattern, policy.Keep, exclude)
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, name := range victims {
		if policy.Instance != "" {
			err = r.client.InstanceSnapshotDelete(ctx, policy.Instance, name)
		} else {
			volumeType := policy.VolumeType
			if volumeType == "" {
				volumeType = "custom"
			}
			err = r.client.VolumeSnapshotDelete(ctx, policy.Pool, volumeType, policy.Volume, name)
		}
		if err != nil {
			return deleted, fmt.Errorf("failed to delete snapshot %s: %w", name, err)
		}
		r.logger.Info().Str("snapshot", name).Str("pattern", policy.Pattern).Msg("snapshot rotated out")
		deleted = append(deleted, name)
	}

	return deleted, nil
}
