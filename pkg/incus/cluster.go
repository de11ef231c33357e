package incus

import (
	"context"
	"net/url"
)

// ClusterInfo describes the server's clustering state.
type ClusterInfo struct {
	ServerName string `json:"server_name"`
	Enabled    bool   `json:"enabled"`
}

// ClusterMember is the API shape of one cluster node.
type ClusterMember struct {
	ServerName string `json:"server_name"`
	URL        string `json:"url"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

func (c *Client) Cluster(ctx context.Context) (*ClusterInfo, error) {
	var out ClusterInfo
	if err := c.get(ctx, "/cluster", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ClusterMembers(ctx context.Context) ([]ClusterMember, error) {
	var out []ClusterMember
	if err := c.get(ctx, "/cluster/members?recursion=1", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ClusterMember(ctx context.Context, name string) (*ClusterMember, error) {
	var out ClusterMember
	if err := c.get(ctx, "/cluster/members/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClusterMemberAdd joins a new member. Blocks until the join operation
// completes.
func (c *Client) ClusterMemberAdd(ctx context.Context, name, address, password string) error {
	body := map[string]string{
		"server_name":    name,
		"server_address": address,
	}
	if password != "" {
		body["cluster_password"] = password
	}
	return c.post(ctx, "/cluster/members", body)
}

func (c *Client) ClusterMemberRemove(ctx context.Context, name string, force bool) error {
	path := "/cluster/members/" + url.PathEscape(name)
	if force {
		path += "?force=1"
	}
	return c.delete(ctx, path, nil)
}
