package incus

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// StoragePool is the API shape of a storage pool.
type StoragePool struct {
	Name        string            `json:"name"`
	Driver      string            `json:"driver"`
	Status      string            `json:"status"`
	Config      map[string]string `json:"config"`
	Description string            `json:"description"`
}

// StorageVolume is the API shape of a storage volume.
type StorageVolume struct {
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Config      map[string]string `json:"config"`
	Description string            `json:"description"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (c *Client) StoragePools(ctx context.Context) ([]StoragePool, error) {
	var out []StoragePool
	if err := c.get(ctx, "/storage-pools?recursion=1", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) StoragePool(ctx context.Context, name string) (*StoragePool, error) {
	var out StoragePool
	if err := c.get(ctx, "/storage-pools/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StoragePoolCreate(ctx context.Context, name, driver string, config map[string]string, description string) error {
	body := map[string]interface{}{
		"name":        name,
		"driver":      driver,
		"config":      config,
		"description": description,
	}
	return c.post(ctx, "/storage-pools", body)
}

func (c *Client) StoragePoolUpdate(ctx context.Context, name string, config map[string]string, description *string) error {
	body := map[string]interface{}{"config": config}
	if description != nil {
		body["description"] = *description
	}
	return c.patch(ctx, "/storage-pools/"+url.PathEscape(name), body)
}

func (c *Client) StoragePoolDelete(ctx context.Context, name string) error {
	return c.delete(ctx, "/storage-pools/"+url.PathEscape(name), nil)
}

func volumePath(pool, volumeType, name string) string {
	return "/storage-pools/" + url.PathEscape(pool) + "/volumes/" + url.PathEscape(volumeType) + "/" + url.PathEscape(name)
}

func (c *Client) StorageVolumes(ctx context.Context, pool string) ([]StorageVolume, error) {
	var out []StorageVolume
	if err := c.get(ctx, "/storage-pools/"+url.PathEscape(pool)+"/volumes?recursion=1", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) StorageVolume(ctx context.Context, pool, volumeType, name string) (*StorageVolume, error) {
	var out StorageVolume
	if err := c.get(ctx, volumePath(pool, volumeType, name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StorageVolumeCreate(ctx context.Context, pool, volumeType, name string, config map[string]string, description string) error {
	body := map[string]interface{}{
		"name":        name,
		"type":        volumeType,
		"config":      config,
		"description": description,
	}
	return c.post(ctx, "/storage-pools/"+url.PathEscape(pool)+"/volumes/"+url.PathEscape(volumeType), body)
}

func (c *Client) StorageVolumeUpdate(ctx context.Context, pool, volumeType, name string, config map[string]string, description *string) error {
	body := map[string]interface{}{"config": config}
	if description != nil {
		body["description"] = *description
	}
	return c.patch(ctx, volumePath(pool, volumeType, name), body)
}

func (c *Client) StorageVolumeDelete(ctx context.Context, pool, volumeType, name string) error {
	return c.delete(ctx, volumePath(pool, volumeType, name), nil)
}

func (c *Client) VolumeSnapshots(ctx context.Context, pool, volumeType, volume string) ([]Snapshot, error) {
	var out []Snapshot
	if err := c.get(ctx, volumePath(pool, volumeType, volume)+"/snapshots?recursion=1", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) VolumeSnapshot(ctx context.Context, pool, volumeType, volume, name string) (*Snapshot, error) {
	var out Snapshot
	if err := c.get(ctx, volumePath(pool, volumeType, volume)+"/snapshots/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) VolumeSnapshotCreate(ctx context.Context, pool, volumeType, volume, name, description string) error {
	body := map[string]interface{}{
		"name":        name,
		"description": description,
	}
	return c.post(ctx, volumePath(pool, volumeType, volume)+"/snapshots", body)
}

func (c *Client) VolumeSnapshotDelete(ctx context.Context, pool, volumeType, volume, name string) error {
	return c.delete(ctx, volumePath(pool, volumeType, volume)+"/snapshots/"+url.PathEscape(name), nil)
}

// VolumeSnapshotRestore rolls a volume back to the named snapshot.
func (c *Client) VolumeSnapshotRestore(ctx context.Context, pool, volumeType, volume, name string) error {
	_, _, err := c.call(ctx, http.MethodPut, volumePath(pool, volumeType, volume), map[string]string{"restore": name})
	return err
}
