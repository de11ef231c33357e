package resolver

import (
	"context"
	"fmt"

	"github.com/incus-tools/converge/pkg/incus"
	"github.com/incus-tools/converge/pkg/types"
)

// ResolutionError means a lookup failed in a way that leaves existence
// unknown: a network or auth failure, never plain absence. It must not be
// conflated with "not found".
type ResolutionError struct {
	ID  string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("could not resolve %s: %v", e.ID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Lookup is the read-only slice of the Incus client the resolver consumes.
type Lookup interface {
	Instance(ctx context.Context, name string) (*incus.Instance, error)
	InstanceSnapshot(ctx context.Context, instance, name string) (*incus.Snapshot, error)
	Image(ctx context.Context, fingerprint string) (*incus.Image, error)
	ImageAliasGet(ctx context.Context, name string) (*incus.ImageAlias, error)
	StoragePool(ctx context.Context, name string) (*incus.StoragePool, error)
	StorageVolume(ctx context.Context, pool, volumeType, name string) (*incus.StorageVolume, error)
	VolumeSnapshot(ctx context.Context, pool, volumeType, volume, name string) (*incus.Snapshot, error)
	Network(ctx context.Context, name string) (*incus.Network, error)
	NetworkACL(ctx context.Context, name string) (*incus.NetworkACL, error)
	NetworkForward(ctx context.Context, network, listenAddress string) (*incus.NetworkForward, error)
	NetworkPeer(ctx context.Context, network, name string) (*incus.NetworkPeer, error)
	NetworkZone(ctx context.Context, name string) (*incus.NetworkZone, error)
	NetworkZoneRecord(ctx context.Context, zone, name string) (*incus.NetworkZoneRecord, error)
	Profile(ctx context.Context, name string) (*incus.Profile, error)
	ClusterMember(ctx context.Context, name string) (*incus.ClusterMember, error)
	ServerGet(ctx context.Context) (*incus.Server, error)
}

// Resolver finds the live resource matching a descriptor, if any.
type Resolver struct {
	lookup Lookup
}

// New creates a resolver backed by the given lookup client.
func New(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve returns the live resource for desc, nil when it does not exist,
// or a ResolutionError when existence could not be determined.
func (r *Resolver) Resolve(ctx context.Context, desc *types.ResourceDescriptor) (*types.LiveResource, error) {
	live, err := r.resolve(ctx, desc)
	if err != nil {
		if incus.IsNotFound(err) {
			return nil, nil
		}
		return nil, &ResolutionError{ID: desc.ID(), Err: err}
	}
	return live, nil
}

func (r *Resolver) resolve(ctx context.Context, desc *types.ResourceDescriptor) (*types.LiveResource, error) {
	switch desc.Kind {
	case types.KindInstance:
		inst, err := r.lookup.Instance(ctx, desc.Name)
		if err != nil {
			return nil, err
		}
		return &types.LiveResource{
			Kind:      desc.Kind,
			Name:      inst.Name,
			Status:    inst.Status,
			Config:    inst.Config,
			Devices:   inst.Devices,
			Profiles:  inst.Profiles,
			CreatedAt: inst.CreatedAt,
		}, nil

	case types.KindInstanceSnapshot:
		snap, err := r.lookup.InstanceSnapshot(ctx, desc.Instance, desc.Name)
		if err != nil {
			return nil, err
		}
		return &types.LiveResource{
			Kind:        desc.Kind,
			Name:        snap.Name,
			Description: snap.Description,
			CreatedAt:   snap.CreatedAt,
		}, nil

	case types.KindImage:
		return r.resolveImage(ctx, desc)

	case types.KindStoragePool:
		pool, err := r.lookup.StoragePool(ctx, desc.Name)
		if err != nil {
			return nil, err
		}
		return &types.LiveResource{
			Kind:        desc.Kind,
			Name:        pool.Name,
			Status:      pool.Status,
			Config:      pool.Config,
			Description: pool.Description,
		}, nil

	case types.KindStorageVolume:
		vol, err := r.lookup.StorageVolume(ctx, desc.Pool, desc.VolumeTypeOrDefault(), desc.Name)
		if err != nil {
			return nil, err
		}
		return &types.LiveResource{
			Kind:        desc.Kind,
			Name:        vol.Name,
			Config:      vol.Config,
			Description: vol.Description,
			CreatedAt:   vol.CreatedAt,
		}, nil

	case types.KindVolumeSnapshot:
		snap, err := r.lookup.VolumeSnapshot(ctx, desc.Pool, desc.VolumeTypeOrDefault(), desc.Volume, desc.Name)
		if err != nil {
			return nil, err
		}
		return &types.LiveResource{
			Kind:        desc.Kind,
			Name:        snap.Name,
			Description: snap.Description,
			CreatedAt:   snap.CreatedAt,
		}, nil

	case types.KindVolumeAttachment:
		return r.resolveAttachment(ctx, desc)

	case types.KindNetwork:
		net, err := r.lookup.Network(ctx, desc.Name)
		if err != nil {
			return nil, err
		}
		return &types.LiveResource{
			Kind:        desc.Kind,
			Name:        net.Name,
			Status:      net.Status,
			Config:      net.Config,
			Description: net.Description,
		}, nil

	case types.KindNetworkACL:
		acl, err := r.lookup.NetworkACL(ctx, desc.Name)
		if err != nil {
			return nil, err
		}
		return &types.LiveResource{
			Kind:        desc.Kind,
			Name:        acl.Name,
			Config:      acl.Config,
			Description: acl.Description,
			Egress:      acl.Egress,
			Ingress:     acl.Ingress,
		}, nil

	case types.KindNetworkForward:
		fwd, err := r.lookup.NetworkForward(ctx, desc.Network, desc.ListenAddress)
		if err != nil {
			return nil, err
		}
		return &types.LiveResource{
			Kind:        desc.Kind,
			Name:        fwd.ListenAddress,
			Config:      fwd.Config,
			Description: fwd.Description,
			Ports:       fwd.Ports,
		}, nil

	case types.KindNetworkPeer:
		peer, err := r.lookup.NetworkPeer(ctx, desc.Network, desc.Name)
		if err != nil {
			return nil, err
		}
		return &types.LiveResource{
			Kind:        desc.Kind,
			Name:        peer.Name,
			Status:      peer.Status,
			Config:      peer.Config,
			Description: peer.Description,
		}, nil

	case types.KindNetworkZone:
		zone, err := r.lookup.NetworkZone(ctx, desc.Name)
		if err != nil {
			return nil, err
		}
		return &types.LiveResource{
			Kind:        desc.Kind,
			Name:        zone.Name,
			Config:      zone.Config,
			Description: zone.Description,
		}, nil

	case types.KindNetworkZoneRecord:
		record, err := r.lookup.NetworkZoneRecord(ctx, desc.Zone, desc.Name)
		if err != nil {
			return nil, err
		}
		return &types.LiveResource{
			Kind:        desc.Kind,
			Name:        record.Name,
			Config:      record.Config,
			Description: record.Description,
			Entries:     record.Entries,
		}, nil

	case types.KindProfile:
		profile, err := r.lookup.Profile(ctx, desc.Name)
		if err != nil {
			return nil, err
		}
		return &types.LiveResource{
			Kind:        desc.Kind,
			Name:        profile.Name,
			Config:      profile.Config,
			Devices:     profile.Devices,
			Description: profile.Description,
		}, nil

	case types.KindClusterMember:
		member, err := r.lookup.ClusterMember(ctx, desc.Name)
		if err != nil {
			return nil, err
		}
		return &types.LiveResource{
			Kind:    desc.Kind,
			Name:    member.ServerName,
			Status:  member.Status,
			Address: member.URL,
		}, nil

	case types.KindServerSetting:
		server, err := r.lookup.ServerGet(ctx)
		if err != nil {
			return nil, err
		}
		return &types.LiveResource{
			Kind:   desc.Kind,
			Name:   desc.Name,
			Config: server.Config,
		}, nil

	default:
		return nil, fmt.Errorf("unknown resource kind %q", desc.Kind)
	}
}

// resolveImage tries identity sources in priority order: fingerprint is
// authoritative, then the descriptor name as alias, then each declared
// alias, then the remote source alias. First hit wins.
func (r *Resolver) resolveImage(ctx context.Context, desc *types.ResourceDescriptor) (*types.LiveResource, error) {
	fingerprint := desc.Fingerprint

	if fingerprint == "" {
		candidates := append([]string{desc.Name}, desc.Aliases...)
		if desc.Source != nil && desc.Source.Alias != "" {
			candidates = append(candidates, desc.Source.Alias)
		}
		for _, name := range candidates {
			alias, err := r.lookup.ImageAliasGet(ctx, name)
			if err != nil {
				if incus.IsNotFound(err) {
					continue
				}
				return nil, err
			}
			fingerprint = alias.Target
			break
		}
		if fingerprint == "" {
			return nil, incus.ErrNotFound
		}
	}

	img, err := r.lookup.Image(ctx, fingerprint)
	if err != nil {
		return nil, err
	}

	aliases := make([]string, 0, len(img.Aliases))
	for _, a := range img.Aliases {
		aliases = append(aliases, a.Name)
	}

	return &types.LiveResource{
		Kind:        desc.Kind,
		Name:        desc.Name,
		Fingerprint: img.Fingerprint,
		Aliases:     aliases,
		Public:      img.Public,
		AutoUpdate:  img.AutoUpdate,
		Properties:  img.Properties,
		CreatedAt:   img.CreatedAt,
	}, nil
}

// resolveAttachment treats the named disk device on the instance as the
// live resource. A device that exists under the expected name but points at
// a different volume is not a match.
func (r *Resolver) resolveAttachment(ctx context.Context, desc *types.ResourceDescriptor) (*types.LiveResource, error) {
	inst, err := r.lookup.Instance(ctx, desc.Instance)
	if err != nil {
		return nil, err
	}

	deviceName := desc.DeviceName
	if deviceName == "" {
		deviceName = desc.Name
	}

	device, ok := inst.Devices[deviceName]
	if !ok {
		return nil, incus.ErrNotFound
	}
	if device["type"] != "disk" || device["pool"] != desc.Pool || device["source"] != desc.Name {
		return nil, incus.ErrNotFound
	}

	return &types.LiveResource{
		Kind:    desc.Kind,
		Name:    deviceName,
		Devices: map[string]map[string]string{deviceName: device},
	}, nil
}
