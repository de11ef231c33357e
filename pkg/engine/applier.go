package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/incus-tools/converge/pkg/diff"
	"github.com/incus-tools/converge/pkg/incus"
	"github.com/incus-tools/converge/pkg/settings"
	"github.com/incus-tools/converge/pkg/types"
)

// applier maps classified descriptor actions onto Incus API calls. It also
// remembers every snapshot it creates during the pass so rotation never
// evicts them.
type applier struct {
	client *incus.Client

	mu      sync.Mutex
	created map[string]map[string]bool // rotation target key -> snapshot names
}

func newApplier(client *incus.Client) *applier {
	return &applier{
		client:  client,
		created: make(map[string]map[string]bool),
	}
}

// createdFor returns the snapshot names created this pass for a rotation
// policy's target.
func (a *applier) createdFor(policy types.RotationPolicy) map[string]bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := a.created[rotationKey(policy)]
	out := make(map[string]bool, len(names))
	for name := range names {
		out[name] = true
	}
	return out
}

func (a *applier) markCreated(key, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.created[key] == nil {
		a.created[key] = make(map[string]bool)
	}
	a.created[key][name] = true
}

func rotationKey(policy types.RotationPolicy) string {
	if policy.Instance != "" {
		return "instance/" + policy.Instance
	}
	volumeType := policy.VolumeType
	if volumeType == "" {
		volumeType = "custom"
	}
	return fmt.Sprintf("volume/%s/%s/%s", policy.Pool, volumeType, policy.Volume)
}

func (a *applier) Create(ctx context.Context, desc *types.ResourceDescriptor) error {
	switch desc.Kind {
	case types.KindStoragePool:
		return a.client.StoragePoolCreate(ctx, desc.Name, desc.Type, desc.Config, desc.Description)

	case types.KindStorageVolume:
		return a.client.StorageVolumeCreate(ctx, desc.Pool, desc.VolumeTypeOrDefault(), desc.Name, desc.Config, desc.Description)

	case types.KindNetwork:
		return a.client.NetworkCreate(ctx, desc.Name, desc.Type, desc.Config, desc.Description)

	case types.KindNetworkACL:
		return a.client.NetworkACLCreate(ctx, incus.NetworkACL{
			Name:        desc.Name,
			Config:      desc.Config,
			Description: desc.Description,
			Egress:      desc.Egress,
			Ingress:     desc.Ingress,
		})

	case types.KindNetworkZone:
		return a.client.NetworkZoneCreate(ctx, incus.NetworkZone{
			Name:        desc.Name,
			Config:      desc.Config,
			Description: desc.Description,
		})

	case types.KindNetworkZoneRecord:
		return a.client.NetworkZoneRecordCreate(ctx, desc.Zone, incus.NetworkZoneRecord{
			Name:        desc.Name,
			Config:      desc.Config,
			Description: desc.Description,
			Entries:     desc.Entries,
		})

	case types.KindNetworkForward:
		return a.client.NetworkForwardCreate(ctx, desc.Network, incus.NetworkForward{
			ListenAddress: desc.ListenAddress,
			Config:        desc.Config,
			Description:   desc.Description,
			Ports:         desc.Ports,
		})

	case types.KindNetworkPeer:
		return a.client.NetworkPeerCreate(ctx, desc.Network, incus.NetworkPeer{
			Name:          desc.Name,
			Config:        desc.Config,
			Description:   desc.Description,
			TargetNetwork: desc.TargetNetwork,
			TargetProject: desc.TargetProject,
		})

	case types.KindProfile:
		return a.client.ProfileCreate(ctx, incus.Profile{
			Name:        desc.Name,
			Config:      desc.Config,
			Devices:     desc.Devices,
			Description: desc.Description,
		})

	case types.KindImage:
		return a.importImage(ctx, desc)

	case types.KindInstance:
		return a.createInstance(ctx, desc)

	case types.KindInstanceSnapshot:
		if err := a.client.InstanceSnapshotCreate(ctx, desc.Instance, desc.Name, desc.Stateful); err != nil {
			return err
		}
		a.markCreated("instance/"+desc.Instance, desc.Name)
		return nil

	case types.KindVolumeSnapshot:
		if err := a.client.VolumeSnapshotCreate(ctx, desc.Pool, desc.VolumeTypeOrDefault(), desc.Volume, desc.Name, desc.Description); err != nil {
			return err
		}
		key := fmt.Sprintf("volume/%s/%s/%s", desc.Pool, desc.VolumeTypeOrDefault(), desc.Volume)
		a.markCreated(key, desc.Name)
		return nil

	case types.KindVolumeAttachment:
		return a.attachVolume(ctx, desc)

	case types.KindServerSetting:
		return a.client.ServerUpdate(ctx, desc.Config)

	case types.KindClusterMember:
		return a.client.ClusterMemberAdd(ctx, desc.Name, desc.Address, desc.Password)

	default:
		return fmt.Errorf("cannot create resource kind %q", desc.Kind)
	}
}

func (a *applier) Update(ctx context.Context, desc *types.ResourceDescriptor, live *types.LiveResource, delta *diff.Delta) error {
	if desc.Ensure == types.EnsureRestored {
		return a.restore(ctx, desc)
	}

	switch desc.Kind {
	case types.KindStoragePool:
		return a.client.StoragePoolUpdate(ctx, desc.Name, patchConfig(desc, delta), descriptionPtr(desc, delta))

	case types.KindStorageVolume:
		return a.client.StorageVolumeUpdate(ctx, desc.Pool, desc.VolumeTypeOrDefault(), desc.Name, patchConfig(desc, delta), descriptionPtr(desc, delta))

	case types.KindNetwork:
		return a.client.NetworkUpdate(ctx, desc.Name, patchConfig(desc, delta), descriptionPtr(desc, delta))

	case types.KindNetworkACL:
		return a.client.NetworkACLUpdate(ctx, desc.Name, incus.NetworkACL{
			Name:        desc.Name,
			Config:      desc.Config,
			Description: desc.Description,
			Egress:      desc.Egress,
			Ingress:     desc.Ingress,
		})

	case types.KindNetworkZone:
		return a.client.NetworkZoneUpdate(ctx, desc.Name, incus.NetworkZone{
			Name:        desc.Name,
			Config:      desc.Config,
			Description: desc.Description,
		})

	case types.KindNetworkZoneRecord:
		return a.client.NetworkZoneRecordUpdate(ctx, desc.Zone, incus.NetworkZoneRecord{
			Name:        desc.Name,
			Config:      desc.Config,
			Description: desc.Description,
			Entries:     desc.Entries,
		})

	case types.KindNetworkForward:
		return a.client.NetworkForwardUpdate(ctx, desc.Network, incus.NetworkForward{
			ListenAddress: desc.ListenAddress,
			Config:        desc.Config,
			Description:   desc.Description,
			Ports:         desc.Ports,
		})

	case types.KindNetworkPeer:
		return a.client.NetworkPeerUpdate(ctx, desc.Network, incus.NetworkPeer{
			Name:          desc.Name,
			Config:        desc.Config,
			Description:   desc.Description,
			TargetNetwork: desc.TargetNetwork,
			TargetProject: desc.TargetProject,
		})

	case types.KindProfile:
		return a.client.ProfileUpdate(ctx, desc.Name, incus.Profile{
			Name:        desc.Name,
			Config:      patchConfig(desc, delta),
			Devices:     desc.Devices,
			Description: desc.Description,
		})

	case types.KindImage:
		return a.updateImage(ctx, desc, live, delta)

	case types.KindInstance:
		return a.updateInstance(ctx, desc, delta)

	case types.KindVolumeAttachment:
		return a.attachVolume(ctx, desc)

	case types.KindServerSetting:
		return a.updateSettings(ctx, desc, live)

	case types.KindClusterMember:
		// Member status is managed by the cluster itself; nothing to
		// reconcile once joined.
		return nil

	default:
		return fmt.Errorf("cannot update resource kind %q", desc.Kind)
	}
}

func (a *applier) Delete(ctx context.Context, desc *types.ResourceDescriptor, live *types.LiveResource) error {
	switch desc.Kind {
	case types.KindStoragePool:
		return a.client.StoragePoolDelete(ctx, desc.Name)

	case types.KindStorageVolume:
		return a.client.StorageVolumeDelete(ctx, desc.Pool, desc.VolumeTypeOrDefault(), desc.Name)

	case types.KindNetwork:
		return a.client.NetworkDelete(ctx, desc.Name)

	case types.KindNetworkACL:
		return a.client.NetworkACLDelete(ctx, desc.Name)

	case types.KindNetworkZone:
		return a.client.NetworkZoneDelete(ctx, desc.Name)

	case types.KindNetworkZoneRecord:
		return a.client.NetworkZoneRecordDelete(ctx, desc.Zone, desc.Name)

	case types.KindNetworkForward:
		return a.client.NetworkForwardDelete(ctx, desc.Network, desc.ListenAddress)

	case types.KindNetworkPeer:
		return a.client.NetworkPeerDelete(ctx, desc.Network, desc.Name)

	case types.KindProfile:
		return a.client.ProfileDelete(ctx, desc.Name)

	case types.KindImage:
		return a.client.ImageDelete(ctx, live.Fingerprint)

	case types.KindInstance:
		if live.Status == "Running" && desc.Force {
			if err := a.client.InstanceSetState(ctx, desc.Name, "stop", true); err != nil {
				return err
			}
		}
		return a.client.InstanceDelete(ctx, desc.Name)

	case types.KindInstanceSnapshot:
		return a.client.InstanceSnapshotDelete(ctx, desc.Instance, desc.Name)

	case types.KindVolumeSnapshot:
		return a.client.VolumeSnapshotDelete(ctx, desc.Pool, desc.VolumeTypeOrDefault(), desc.Volume, desc.Name)

	case types.KindVolumeAttachment:
		return a.detachVolume(ctx, desc)

	case types.KindServerSetting:
		key := desc.Key
		if key == "" {
			key = desc.Name
		}
		return a.client.ServerUnset(ctx, key)

	case types.KindClusterMember:
		return a.client.ClusterMemberRemove(ctx, desc.Name, desc.Force)

	default:
		return fmt.Errorf("cannot delete resource kind %q", desc.Kind)
	}
}

// patchConfig builds the config payload for a PATCH update: every desired
// key plus an empty value for each key the delta removes, which is how the
// API unsets config entries.
func patchConfig(desc *types.ResourceDescriptor, delta *diff.Delta) map[string]string {
	out := make(map[string]string, len(desc.Config)+len(delta.Unset))
	for k, v := range desc.Config {
		out[k] = v
	}
	for _, k := range delta.Unset {
		out[k] = ""
	}
	return out
}

func descriptionPtr(desc *types.ResourceDescriptor, delta *diff.Delta) *string {
	if delta == nil || delta.Fields == nil {
		return nil
	}
	if _, ok := delta.Fields["description"]; !ok {
		return nil
	}
	return &desc.Description
}

func (a *applier) importImage(ctx context.Context, desc *types.ResourceDescriptor) error {
	if desc.Source == nil {
		return fmt.Errorf("image %s has no source to import from", desc.Name)
	}

	public := desc.Public != nil && *desc.Public
	autoUpdate := desc.AutoUpdate != nil && *desc.AutoUpdate
	aliases := diff.AliasSet(desc)

	switch desc.Source.Type {
	case "", "image":
		alias := desc.Source.Alias
		if alias == "" {
			alias = desc.Name
		}
		_, err := a.client.ImageImportRemote(ctx, desc.Source.Server, desc.Source.Protocol, alias, public, autoUpdate, aliases)
		return err

	case "file":
		fingerprint, err := a.client.ImageImportFile(ctx, desc.Source.File, public)
		if err != nil {
			return err
		}
		for _, name := range aliases {
			if err := a.client.ImageAliasCreate(ctx, name, fingerprint); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown image source type %q", desc.Source.Type)
	}
}

// updateImage reconciles the alias set exactly and the mutable image
// fields. The descriptor name is always part of the desired alias set.
func (a *applier) updateImage(ctx context.Context, desc *types.ResourceDescriptor, live *types.LiveResource, delta *diff.Delta) error {
	if delta.Aliases != nil {
		want := make(map[string]bool)
		for _, name := range delta.Aliases.New {
			want[name] = true
		}
		have := make(map[string]bool)
		for _, name := range delta.Aliases.Old {
			have[name] = true
		}

		for _, name := range delta.Aliases.Old {
			if !want[name] {
				if err := a.client.ImageAliasDelete(ctx, name); err != nil {
					return err
				}
			}
		}
		for _, name := range delta.Aliases.New {
			if !have[name] {
				if err := a.client.ImageAliasCreate(ctx, name, live.Fingerprint); err != nil {
					return err
				}
			}
		}
	}

	put := incus.ImagePut{}
	dirty := false
	if _, ok := delta.Fields["public"]; ok {
		put.Public = desc.Public
		dirty = true
	}
	if _, ok := delta.Fields["auto_update"]; ok {
		put.AutoUpdate = desc.AutoUpdate
		dirty = true
	}
	if _, ok := delta.Fields["properties"]; ok {
		put.Properties = desc.Properties
		dirty = true
	}
	if dirty {
		return a.client.ImageUpdate(ctx, live.Fingerprint, put)
	}
	return nil
}

func (a *applier) createInstance(ctx context.Context, desc *types.ResourceDescriptor) error {
	var src *incus.InstanceSource
	if desc.Source != nil {
		src = &incus.InstanceSource{
			Type:        desc.Source.Type,
			Alias:       desc.Source.Alias,
			Server:      desc.Source.Server,
			Protocol:    desc.Source.Protocol,
			Fingerprint: desc.Fingerprint,
		}
		if src.Type == "" {
			src.Type = "image"
		}
	}

	err := a.client.InstanceCreate(ctx, incus.InstancesPost{
		Name:      desc.Name,
		Type:      desc.Type,
		Config:    desc.Config,
		Devices:   desc.Devices,
		Profiles:  desc.Profiles,
		Ephemeral: desc.Ephemeral,
		Source:    src,
	})
	if err != nil {
		return err
	}

	if desc.Ensure == types.EnsureRunning {
		return a.client.InstanceSetState(ctx, desc.Name, "start", false)
	}
	return nil
}

func (a *applier) updateInstance(ctx context.Context, desc *types.ResourceDescriptor, delta *diff.Delta) error {
	put := incus.InstancePut{}
	dirty := false

	if len(delta.Config) > 0 || len(delta.Unset) > 0 {
		put.Config = patchConfig(desc, delta)
		dirty = true
	}
	if len(delta.Devices) > 0 {
		devices := make(map[string]map[string]string, len(delta.Devices))
		for name, change := range delta.Devices {
			devices[name] = change.New
		}
		put.Devices = devices
		dirty = true
	}
	if delta.Profiles != nil {
		put.Profiles = desc.Profiles
		dirty = true
	}
	if dirty {
		if err := a.client.InstanceUpdate(ctx, desc.Name, put); err != nil {
			return err
		}
	}

	if change, ok := delta.Fields["state"]; ok {
		action := "start"
		if change.New == "Stopped" {
			action = "stop"
		}
		return a.client.InstanceSetState(ctx, desc.Name, action, desc.Force)
	}
	return nil
}

func (a *applier) restore(ctx context.Context, desc *types.ResourceDescriptor) error {
	switch desc.Kind {
	case types.KindInstanceSnapshot:
		return a.client.InstanceSnapshotRestore(ctx, desc.Instance, desc.Name)
	case types.KindVolumeSnapshot:
		return a.client.VolumeSnapshotRestore(ctx, desc.Pool, desc.VolumeTypeOrDefault(), desc.Volume, desc.Name)
	default:
		return fmt.Errorf("cannot restore resource kind %q", desc.Kind)
	}
}

// attachVolume declares the volume as a disk device on the instance. Any
// drift in the device replaces it wholesale.
func (a *applier) attachVolume(ctx context.Context, desc *types.ResourceDescriptor) error {
	device := map[string]string{
		"type":   "disk",
		"pool":   desc.Pool,
		"source": desc.Name,
	}
	if desc.Path != "" {
		device["path"] = desc.Path
	}

	return a.client.InstanceUpdate(ctx, desc.Instance, incus.InstancePut{
		Devices: map[string]map[string]string{deviceName(desc): device},
	})
}

// detachVolume removes the disk device by patching it to an empty entry.
func (a *applier) detachVolume(ctx context.Context, desc *types.ResourceDescriptor) error {
	return a.client.InstanceUpdate(ctx, desc.Instance, incus.InstancePut{
		Devices: map[string]map[string]string{deviceName(desc): {}},
	})
}

func deviceName(desc *types.ResourceDescriptor) string {
	if desc.DeviceName != "" {
		return desc.DeviceName
	}
	return desc.Name
}

func (a *applier) updateSettings(ctx context.Context, desc *types.ResourceDescriptor, live *types.LiveResource) error {
	req := settings.Request{
		Mode:    settingsMode(desc),
		Desired: desc.Config,
		Key:     desc.Key,
		Value:   desc.Value,
	}
	delta, err := settings.Merge(req, live.Config)
	if err != nil {
		return err
	}
	if delta.Empty() {
		return nil
	}
	return a.client.ServerReplace(ctx, settings.Apply(delta, live.Config))
}

func settingsMode(desc *types.ResourceDescriptor) types.SettingsMode {
	switch {
	case desc.Managed:
		return types.SettingsExactReplace
	case desc.Key != "":
		return types.SettingsSingleKey
	default:
		return types.SettingsIncremental
	}
}
