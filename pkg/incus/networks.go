package incus

import (
	"context"
	"net/url"
)

// Network is the API shape of a managed network.
type Network struct {
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Managed     bool              `json:"managed"`
	Status      string            `json:"status"`
	Config      map[string]string `json:"config"`
	Description string            `json:"description"`
}

// NetworkACL is the API shape of a network access control list.
type NetworkACL struct {
	Name        string              `json:"name"`
	Config      map[string]string   `json:"config"`
	Description string              `json:"description"`
	Egress      []map[string]string `json:"egress"`
	Ingress     []map[string]string `json:"ingress"`
}

// NetworkForward is the API shape of a network address forward.
type NetworkForward struct {
	ListenAddress string              `json:"listen_address"`
	Config        map[string]string   `json:"config"`
	Description   string              `json:"description"`
	Ports         []map[string]string `json:"ports"`
}

// NetworkPeer is the API shape of a network peering.
type NetworkPeer struct {
	Name          string            `json:"name"`
	Config        map[string]string `json:"config"`
	Description   string            `json:"description"`
	TargetNetwork string            `json:"target_network"`
	TargetProject string            `json:"target_project"`
	Status        string            `json:"status"`
}

// NetworkZone is the API shape of a DNS zone.
type NetworkZone struct {
	Name        string            `json:"name"`
	Config      map[string]string `json:"config"`
	Description string            `json:"description"`
}

// NetworkZoneRecord is the API shape of a DNS zone record.
type NetworkZoneRecord struct {
	Name        string              `json:"name"`
	Config      map[string]string   `json:"config"`
	Description string              `json:"description"`
	Entries     []map[string]string `json:"entries"`
}

func (c *Client) Networks(ctx context.Context) ([]Network, error) {
	var out []Network
	if err := c.get(ctx, "/networks?recursion=1", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Network(ctx context.Context, name string) (*Network, error) {
	var out Network
	if err := c.get(ctx, "/networks/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) NetworkCreate(ctx context.Context, name, netType string, config map[string]string, description string) error {
	body := map[string]interface{}{
		"name":        name,
		"type":        netType,
		"config":      config,
		"description": description,
	}
	return c.post(ctx, "/networks", body)
}

func (c *Client) NetworkUpdate(ctx context.Context, name string, config map[string]string, description *string) error {
	body := map[string]interface{}{"config": config}
	if description != nil {
		body["description"] = *description
	}
	return c.patch(ctx, "/networks/"+url.PathEscape(name), body)
}

func (c *Client) NetworkDelete(ctx context.Context, name string) error {
	return c.delete(ctx, "/networks/"+url.PathEscape(name), nil)
}

func (c *Client) NetworkACLs(ctx context.Context) ([]NetworkACL, error) {
	var out []NetworkACL
	if err := c.get(ctx, "/network-acls?recursion=1", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) NetworkACL(ctx context.Context, name string) (*NetworkACL, error) {
	var out NetworkACL
	if err := c.get(ctx, "/network-acls/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) NetworkACLCreate(ctx context.Context, acl NetworkACL) error {
	return c.post(ctx, "/network-acls", acl)
}

func (c *Client) NetworkACLUpdate(ctx context.Context, name string, acl NetworkACL) error {
	return c.put(ctx, "/network-acls/"+url.PathEscape(name), acl)
}

func (c *Client) NetworkACLDelete(ctx context.Context, name string) error {
	return c.delete(ctx, "/network-acls/"+url.PathEscape(name), nil)
}

func forwardPath(network, listenAddress string) string {
	return "/networks/" + url.PathEscape(network) + "/forwards/" + url.PathEscape(listenAddress)
}

func (c *Client) NetworkForwards(ctx context.Context, network string) ([]NetworkForward, error) {
	var out []NetworkForward
	if err := c.get(ctx, "/networks/"+url.PathEscape(network)+"/forwards?recursion=1", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) NetworkForward(ctx context.Context, network, listenAddress string) (*NetworkForward, error) {
	var out NetworkForward
	if err := c.get(ctx, forwardPath(network, listenAddress), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) NetworkForwardCreate(ctx context.Context, network string, fwd NetworkForward) error {
	return c.post(ctx, "/networks/"+url.PathEscape(network)+"/forwards", fwd)
}

func (c *Client) NetworkForwardUpdate(ctx context.Context, network string, fwd NetworkForward) error {
	return c.put(ctx, forwardPath(network, fwd.ListenAddress), fwd)
}

func (c *Client) NetworkForwardDelete(ctx context.Context, network, listenAddress string) error {
	return c.delete(ctx, forwardPath(network, listenAddress), nil)
}

func peerPath(network, peer string) string {
	return "/networks/" + url.PathEscape(network) + "/peers/" + url.PathEscape(peer)
}

func (c *Client) NetworkPeers(ctx context.Context, network string) ([]NetworkPeer, error) {
	var out []NetworkPeer
	if err := c.get(ctx, "/networks/"+url.PathEscape(network)+"/peers?recursion=1", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) NetworkPeer(ctx context.Context, network, name string) (*NetworkPeer, error) {
	var out NetworkPeer
	if err := c.get(ctx, peerPath(network, name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) NetworkPeerCreate(ctx context.Context, network string, peer NetworkPeer) error {
	return c.post(ctx, "/networks/"+url.PathEscape(network)+"/peers", peer)
}

func (c *Client) NetworkPeerUpdate(ctx context.Context, network string, peer NetworkPeer) error {
	return c.put(ctx, peerPath(network, peer.Name), peer)
}

func (c *Client) NetworkPeerDelete(ctx context.Context, network, name string) error {
	return c.delete(ctx, peerPath(network, name), nil)
}

func (c *Client) NetworkZones(ctx context.Context) ([]NetworkZone, error) {
	var out []NetworkZone
	if err := c.get(ctx, "/network-zones?recursion=1", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) NetworkZone(ctx context.Context, name string) (*NetworkZone, error) {
	var out NetworkZone
	if err := c.get(ctx, "/network-zones/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) NetworkZoneCreate(ctx context.Context, zone NetworkZone) error {
	return c.post(ctx, "/network-zones", zone)
}

func (c *Client) NetworkZoneUpdate(ctx context.Context, name string, zone NetworkZone) error {
	return c.put(ctx, "/network-zones/"+url.PathEscape(name), zone)
}

func (c *Client) NetworkZoneDelete(ctx context.Context, name string) error {
	return c.delete(ctx, "/network-zones/"+url.PathEscape(name), nil)
}

func recordPath(zone, record string) string {
	return "/network-zones/" + url.PathEscape(zone) + "/records/" + url.PathEscape(record)
}

func (c *Client) NetworkZoneRecords(ctx context.Context, zone string) ([]NetworkZoneRecord, error) {
	var out []NetworkZoneRecord
	if err := c.get(ctx, "/network-zones/"+url.PathEscape(zone)+"/records?recursion=1", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) NetworkZoneRecord(ctx context.Context, zone, name string) (*NetworkZoneRecord, error) {
	var out NetworkZoneRecord
	if err := c.get(ctx, recordPath(zone, name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) NetworkZoneRecordCreate(ctx context.Context, zone string, record NetworkZoneRecord) error {
	return c.post(ctx, "/network-zones/"+url.PathEscape(zone)+"/records", record)
}

func (c *Client) NetworkZoneRecordUpdate(ctx context.Context, zone string, record NetworkZoneRecord) error {
	return c.put(ctx, recordPath(zone, record.Name), record)
}

func (c *Client) NetworkZoneRecordDelete(ctx context.Context, zone, name string) error {
	return c.delete(ctx, recordPath(zone, name), nil)
}
