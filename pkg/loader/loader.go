package loader

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/incus-tools/converge/pkg/diff"
	"github.com/incus-tools/converge/pkg/types"
)

// Plan is a parsed descriptor set plus its snapshot rotation policies.
type Plan struct {
	Resources []*types.ResourceDescriptor
	Rotations []types.RotationPolicy
}

// planFile mirrors the YAML plan document. Scalar config values may be
// written as bools or numbers; they are normalized to the string form the
// API carries before comparison.
type planFile struct {
	Resources []resourceEntry        `yaml:"resources"`
	Rotations []types.RotationPolicy `yaml:"rotations"`
}

type resourceEntry struct {
	Kind        string                            `yaml:"kind"`
	Name        string                            `yaml:"name"`
	Ensure      string                            `yaml:"ensure"`
	Description string                            `yaml:"description"`
	Config      map[string]interface{}            `yaml:"config"`
	Managed     bool                              `yaml:"managed"`
	Devices     map[string]map[string]interface{} `yaml:"devices"`

	Pool       string `yaml:"pool"`
	Volume     string `yaml:"volume"`
	VolumeType string `yaml:"volumeType"`
	Instance   string `yaml:"instance"`
	Network    string `yaml:"network"`
	Zone       string `yaml:"zone"`

	Fingerprint string            `yaml:"fingerprint"`
	Aliases     []string          `yaml:"aliases"`
	Source      *types.Source     `yaml:"source"`
	Public      *bool             `yaml:"public"`
	AutoUpdate  *bool             `yaml:"autoUpdate"`
	Properties  map[string]string `yaml:"properties"`

	Type      string   `yaml:"type"`
	Profiles  []string `yaml:"profiles"`
	Ephemeral bool     `yaml:"ephemeral"`
	Stateful  bool     `yaml:"stateful"`

	DeviceName string `yaml:"deviceName"`
	Path       string `yaml:"path"`

	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	Force    bool   `yaml:"force"`

	ListenAddress string              `yaml:"listenAddress"`
	TargetNetwork string              `yaml:"targetNetwork"`
	TargetProject string              `yaml:"targetProject"`
	Ports         []map[string]string `yaml:"ports"`
	Entries       []map[string]string `yaml:"entries"`
	Egress        []map[string]string `yaml:"egress"`
	Ingress       []map[string]string `yaml:"ingress"`

	Key   string      `yaml:"key"`
	Value interface{} `yaml:"value"`

	DependsOn []string `yaml:"dependsOn"`
}

var knownKinds = map[types.Kind]bool{
	types.KindStoragePool:       true,
	types.KindStorageVolume:     true,
	types.KindNetwork:           true,
	types.KindNetworkACL:        true,
	types.KindNetworkZone:       true,
	types.KindNetworkZoneRecord: true,
	types.KindNetworkForward:    true,
	types.KindNetworkPeer:       true,
	types.KindProfile:           true,
	types.KindImage:             true,
	types.KindInstance:          true,
	types.KindVolumeSnapshot:    true,
	types.KindInstanceSnapshot:  true,
	types.KindVolumeAttachment:  true,
	types.KindServerSetting:     true,
	types.KindClusterMember:     true,
}

var knownEnsures = map[types.Ensure]bool{
	types.EnsurePresent:  true,
	types.EnsureAbsent:   true,
	types.EnsureRunning:  true,
	types.EnsureStopped:  true,
	types.EnsureRestored: true,
	types.EnsureAttached: true,
	types.EnsureDetached: true,
}

// Load reads and parses a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return Parse(data)
}

// Parse parses plan YAML into descriptors and rotation policies, infers
// implicit dependency edges, and validates the set.
func Parse(data []byte) (*Plan, error) {
	var file planFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}

	plan := &Plan{Rotations: file.Rotations}
	for i := range file.Resources {
		desc, err := buildDescriptor(&file.Resources[i])
		if err != nil {
			return nil, err
		}
		plan.Resources = append(plan.Resources, desc)
	}

	inferDependencies(plan.Resources)

	if err := validatePlan(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func buildDescriptor(e *resourceEntry) (*types.ResourceDescriptor, error) {
	kind := types.Kind(e.Kind)
	if !knownKinds[kind] {
		return nil, &types.ValidationError{ID: e.Kind + "/" + e.Name, Reason: "unknown resource kind"}
	}

	ensure := types.Ensure(e.Ensure)
	if e.Ensure == "" {
		ensure = types.EnsurePresent
		if kind == types.KindVolumeAttachment {
			ensure = types.EnsureAttached
		}
	}
	if !knownEnsures[ensure] {
		return nil, &types.ValidationError{ID: e.Kind + "/" + e.Name, Reason: fmt.Sprintf("unknown ensure %q", e.Ensure)}
	}

	desc := &types.ResourceDescriptor{
		Kind:        kind,
		Name:        e.Name,
		Ensure:      ensure,
		Description: e.Description,
		Config:      normalizeConfig(e.Config),
		Managed:     e.Managed,
		Devices:     normalizeDevices(e.Devices),

		Pool:       e.Pool,
		Volume:     e.Volume,
		VolumeType: e.VolumeType,
		Instance:   e.Instance,
		Network:    e.Network,
		Zone:       e.Zone,

		Fingerprint: e.Fingerprint,
		Aliases:     e.Aliases,
		Source:      e.Source,
		Public:      e.Public,
		AutoUpdate:  e.AutoUpdate,
		Properties:  e.Properties,

		Type:      e.Type,
		Profiles:  e.Profiles,
		Ephemeral: e.Ephemeral,
		Stateful:  e.Stateful,

		DeviceName: e.DeviceName,
		Path:       e.Path,

		Address:  e.Address,
		Password: e.Password,
		Force:    e.Force,

		ListenAddress: e.ListenAddress,
		TargetNetwork: e.TargetNetwork,
		TargetProject: e.TargetProject,
		Ports:         e.Ports,
		Entries:       e.Entries,
		Egress:        e.Egress,
		Ingress:       e.Ingress,

		Key: e.Key,

		DependsOn: e.DependsOn,
	}
	if e.Value != nil {
		desc.Value = diff.Canonical(e.Value)
	}

	if err := validateDescriptor(desc); err != nil {
		return nil, err
	}
	return desc, nil
}

func normalizeConfig(in map[string]interface{}) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = diff.Canonical(v)
	}
	return out
}

func normalizeDevices(in map[string]map[string]interface{}) map[string]map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]map[string]string, len(in))
	for name, dev := range in {
		entry := make(map[string]string, len(dev))
		for k, v := range dev {
			entry[k] = diff.Canonical(v)
		}
		out[name] = entry
	}
	return out
}

// validateDescriptor checks the scope fields the kind's identity needs.
func validateDescriptor(d *types.ResourceDescriptor) error {
	missing := func(field string) error {
		return &types.ValidationError{ID: d.ID(), Reason: field + " is required for kind " + string(d.Kind)}
	}

	if d.Name == "" && d.Kind != types.KindNetworkForward && d.Kind != types.KindServerSetting {
		return &types.ValidationError{ID: string(d.Kind), Reason: "name is required"}
	}

	switch d.Kind {
	case types.KindStorageVolume:
		if d.Pool == "" {
			return missing("pool")
		}
	case types.KindVolumeSnapshot:
		if d.Pool == "" {
			return missing("pool")
		}
		if d.Volume == "" {
			return missing("volume")
		}
	case types.KindInstanceSnapshot:
		if d.Instance == "" {
			return missing("instance")
		}
	case types.KindVolumeAttachment:
		if d.Instance == "" {
			return missing("instance")
		}
		if d.Pool == "" {
			return missing("pool")
		}
	case types.KindNetworkForward:
		if d.Network == "" {
			return missing("network")
		}
		if d.ListenAddress == "" {
			return missing("listenAddress")
		}
	case types.KindNetworkPeer:
		if d.Network == "" {
			return missing("network")
		}
	case types.KindNetworkZoneRecord:
		if d.Zone == "" {
			return missing("zone")
		}
	case types.KindServerSetting:
		if d.Name == "" {
			d.Name = d.Key
		}
		if d.Name == "" {
			return missing("key")
		}
		// Single-key descriptors expose the pair as config so drift
		// detection sees it like any other key.
		if d.Key != "" && d.Config == nil && d.Ensure == types.EnsurePresent {
			d.Config = map[string]string{d.Key: d.Value}
		}
	case types.KindClusterMember:
		if d.Ensure == types.EnsurePresent && d.Address == "" {
			return missing("address")
		}
	}
	return nil
}

// inferDependencies adds the implicit edges the kind hierarchy implies,
// but only when the referenced descriptor is part of the same plan.
func inferDependencies(descs []*types.ResourceDescriptor) {
	present := make(map[string]bool, len(descs))
	for _, d := range descs {
		present[d.ID()] = true
	}

	addDep := func(d *types.ResourceDescriptor, id string) {
		if !present[id] {
			return
		}
		for _, existing := range d.DependsOn {
			if existing == id {
				return
			}
		}
		d.DependsOn = append(d.DependsOn, id)
	}

	for _, d := range descs {
		switch d.Kind {
		case types.KindStorageVolume:
			addDep(d, fmt.Sprintf("%s/%s", types.KindStoragePool, d.Pool))
		case types.KindVolumeSnapshot:
			addDep(d, fmt.Sprintf("%s/%s/%s/%s", types.KindStorageVolume, d.Pool, d.VolumeTypeOrDefault(), d.Volume))
		case types.KindInstanceSnapshot:
			addDep(d, fmt.Sprintf("%s/%s", types.KindInstance, d.Instance))
		case types.KindNetworkForward, types.KindNetworkPeer:
			addDep(d, fmt.Sprintf("%s/%s", types.KindNetwork, d.Network))
		case types.KindNetworkZoneRecord:
			addDep(d, fmt.Sprintf("%s/%s", types.KindNetworkZone, d.Zone))
		case types.KindVolumeAttachment:
			addDep(d, fmt.Sprintf("%s/%s", types.KindInstance, d.Instance))
			addDep(d, fmt.Sprintf("%s/%s/%s/%s", types.KindStorageVolume, d.Pool, d.VolumeTypeOrDefault(), d.Name))
		case types.KindInstance:
			for _, p := range d.Profiles {
				addDep(d, fmt.Sprintf("%s/%s", types.KindProfile, p))
			}
		}
	}
}

// validatePlan rejects duplicate identities and malformed rotation
// policies before the plan reaches the orchestrator.
func validatePlan(plan *Plan) error {
	seen := make(map[string]bool, len(plan.Resources))
	for _, d := range plan.Resources {
		id := d.ID()
		if seen[id] {
			return &types.ValidationError{ID: id, Reason: "duplicate identity in plan"}
		}
		seen[id] = true
	}

	for i, rot := range plan.Rotations {
		if rot.Pattern == "" {
			return &types.ValidationError{ID: fmt.Sprintf("rotation[%d]", i), Reason: "pattern is required"}
		}
		if rot.Keep < 0 {
			return &types.ValidationError{ID: fmt.Sprintf("rotation[%d]", i), Reason: "keep must not be negative"}
		}
		hasInstance := rot.Instance != ""
		hasVolume := rot.Pool != "" && rot.Volume != ""
		if hasInstance == hasVolume {
			return &types.ValidationError{ID: fmt.Sprintf("rotation[%d]", i), Reason: "exactly one of instance or pool+volume must be set"}
		}
	}
	return nil
}
