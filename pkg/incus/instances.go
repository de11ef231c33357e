package incus

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Instance is the API shape of a container or virtual machine.
type Instance struct {
	Name      string                       `json:"name"`
	Type      string                       `json:"type"`
	Status    string                       `json:"status"`
	Config    map[string]string            `json:"config"`
	Devices   map[string]map[string]string `json:"devices"`
	Profiles  []string                     `json:"profiles"`
	Ephemeral bool                         `json:"ephemeral"`
	CreatedAt time.Time                    `json:"created_at"`
}

// InstanceSource describes where a new instance's root comes from.
type InstanceSource struct {
	Type        string `json:"type"`
	Alias       string `json:"alias,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Server      string `json:"server,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
}

// InstancePut is the mutable subset sent on update.
type InstancePut struct {
	Config   map[string]string            `json:"config,omitempty"`
	Devices  map[string]map[string]string `json:"devices,omitempty"`
	Profiles []string                     `json:"profiles,omitempty"`
	Restore  string                       `json:"restore,omitempty"`
}

// InstancesPost is the create request body.
type InstancesPost struct {
	Name      string                       `json:"name"`
	Type      string                       `json:"type,omitempty"`
	Config    map[string]string            `json:"config,omitempty"`
	Devices   map[string]map[string]string `json:"devices,omitempty"`
	Profiles  []string                     `json:"profiles,omitempty"`
	Ephemeral bool                         `json:"ephemeral,omitempty"`
	Source    *InstanceSource              `json:"source,omitempty"`
}

// Snapshot is the API shape of an instance or volume snapshot.
type Snapshot struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Stateful    bool      `json:"stateful"`
	CreatedAt   time.Time `json:"created_at"`
}

func (c *Client) Instances(ctx context.Context) ([]Instance, error) {
	var out []Instance
	if err := c.get(ctx, "/instances?recursion=1", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Instance(ctx context.Context, name string) (*Instance, error) {
	var out Instance
	if err := c.get(ctx, "/instances/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) InstanceCreate(ctx context.Context, req InstancesPost) error {
	return c.post(ctx, "/instances", req)
}

// InstanceUpdate patches config, devices and profiles. Devices are replaced
// per entry: sending an empty map for a device name removes it.
func (c *Client) InstanceUpdate(ctx context.Context, name string, put InstancePut) error {
	return c.patch(ctx, "/instances/"+url.PathEscape(name), put)
}

func (c *Client) InstanceDelete(ctx context.Context, name string) error {
	return c.delete(ctx, "/instances/"+url.PathEscape(name), nil)
}

// InstanceSetState starts or stops an instance. Action is "start", "stop"
// or "restart".
func (c *Client) InstanceSetState(ctx context.Context, name, action string, force bool) error {
	body := map[string]interface{}{
		"action":  action,
		"force":   force,
		"timeout": 30,
	}
	return c.put(ctx, "/instances/"+url.PathEscape(name)+"/state", body)
}

func (c *Client) InstanceSnapshots(ctx context.Context, instance string) ([]Snapshot, error) {
	var out []Snapshot
	if err := c.get(ctx, "/instances/"+url.PathEscape(instance)+"/snapshots?recursion=1", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) InstanceSnapshot(ctx context.Context, instance, name string) (*Snapshot, error) {
	var out Snapshot
	path := "/instances/" + url.PathEscape(instance) + "/snapshots/" + url.PathEscape(name)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) InstanceSnapshotCreate(ctx context.Context, instance, name string, stateful bool) error {
	body := map[string]interface{}{
		"name":     name,
		"stateful": stateful,
	}
	return c.post(ctx, "/instances/"+url.PathEscape(instance)+"/snapshots", body)
}

func (c *Client) InstanceSnapshotDelete(ctx context.Context, instance, name string) error {
	path := "/instances/" + url.PathEscape(instance) + "/snapshots/" + url.PathEscape(name)
	return c.delete(ctx, path, nil)
}

// InstanceSnapshotRestore rolls the instance back to the named snapshot.
func (c *Client) InstanceSnapshotRestore(ctx context.Context, instance, name string) error {
	_, _, err := c.call(ctx, http.MethodPut, "/instances/"+url.PathEscape(instance), InstancePut{Restore: name})
	return err
}
