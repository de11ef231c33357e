package types

import (
	"fmt"
	"time"
)

// Kind identifies a reconcilable Incus resource kind.
type Kind string

const (
	KindStoragePool       Kind = "storage-pool"
	KindStorageVolume     Kind = "storage-volume"
	KindNetwork           Kind = "network"
	KindNetworkACL        Kind = "network-acl"
	KindNetworkZone       Kind = "network-zone"
	KindNetworkZoneRecord Kind = "network-zone-record"
	KindNetworkForward    Kind = "network-forward"
	KindNetworkPeer       Kind = "network-peer"
	KindProfile           Kind = "profile"
	KindImage             Kind = "image"
	KindInstance          Kind = "instance"
	KindVolumeSnapshot    Kind = "volume-snapshot"
	KindInstanceSnapshot  Kind = "instance-snapshot"
	KindVolumeAttachment  Kind = "volume-attachment"
	KindServerSetting     Kind = "server-setting"
	KindClusterMember     Kind = "cluster-member"
)

// Tier returns the static apply order for a kind. Lower tiers are applied
// first: pools before volumes, networks before forwards, instances before
// snapshots and attachments.
func (k Kind) Tier() int {
	switch k {
	case KindServerSetting:
		return 0
	case KindClusterMember:
		return 1
	case KindStoragePool:
		return 2
	case KindStorageVolume:
		return 3
	case KindNetwork:
		return 4
	case KindNetworkACL:
		return 5
	case KindNetworkZone:
		return 6
	case KindNetworkZoneRecord:
		return 7
	case KindNetworkForward, KindNetworkPeer:
		return 8
	case KindProfile:
		return 9
	case KindImage:
		return 10
	case KindInstance:
		return 11
	case KindVolumeSnapshot, KindInstanceSnapshot:
		return 12
	case KindVolumeAttachment:
		return 13
	default:
		return 14
	}
}

// Ensure declares the desired disposition of a resource.
type Ensure string

const (
	EnsurePresent  Ensure = "present"
	EnsureAbsent   Ensure = "absent"
	EnsureRunning  Ensure = "running"
	EnsureStopped  Ensure = "stopped"
	EnsureRestored Ensure = "restored"
	EnsureAttached Ensure = "attached"
	EnsureDetached Ensure = "detached"
)

// SettingsMode selects how server settings are reconciled.
type SettingsMode string

const (
	// SettingsIncremental merges desired keys into live config and never
	// removes a live key absent from desired.
	SettingsIncremental SettingsMode = "incremental"

	// SettingsSingleKey sets or unsets exactly one key.
	SettingsSingleKey SettingsMode = "single-key"

	// SettingsExactReplace makes live config equal desired config exactly,
	// unsetting every live key not in desired.
	SettingsExactReplace SettingsMode = "exact-replace"
)

// Source describes where an image or instance root comes from.
type Source struct {
	Type     string `yaml:"type,omitempty" json:"type,omitempty"`
	Server   string `yaml:"server,omitempty" json:"server,omitempty"`
	Protocol string `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	Alias    string `yaml:"alias,omitempty" json:"alias,omitempty"`
	File     string `yaml:"file,omitempty" json:"file,omitempty"`
}

// ResourceDescriptor is the desired-state declaration for one resource.
// Descriptors are built once by the loader and are immutable for the
// duration of a reconciliation pass.
type ResourceDescriptor struct {
	Kind        Kind
	Name        string
	Ensure      Ensure
	Description string

	// Config keys are compared against live state key-wise; keys absent
	// from desired are left untouched unless Managed is set.
	Config map[string]string

	// Managed switches config comparison to exact-match: live keys not
	// declared here are removed on apply.
	Managed bool

	// Devices are compared as nested maps; any sub-field difference
	// replaces the whole device entry.
	Devices map[string]map[string]string

	// Scope fields for composite identities.
	Pool       string // storage volumes, volume snapshots, attachments
	Volume     string // volume snapshots, attachments
	VolumeType string // defaults to "custom"
	Instance   string // instance snapshots, attachments
	Network    string // network forwards and peers
	Zone       string // network zone records

	// Image identity and import.
	Fingerprint string
	Aliases     []string
	Source      *Source
	Public      *bool
	AutoUpdate  *bool
	Properties  map[string]string

	// Instances, networks, pools: type or driver.
	Type      string
	Profiles  []string
	Ephemeral bool
	Stateful  bool // snapshots: capture runtime state

	// Volume attachments.
	DeviceName string
	Path       string

	// Cluster members.
	Address  string
	Password string
	Force    bool

	// Network forwards, peers, zone records, ACLs.
	ListenAddress string
	TargetNetwork string
	TargetProject string
	Ports         []map[string]string
	Entries       []map[string]string
	Egress        []map[string]string
	Ingress       []map[string]string

	// Server settings (single-key mode).
	Key   string
	Value string

	// DependsOn lists descriptor IDs that must be applied first.
	DependsOn []string
}

// ID returns the unique identity of the descriptor within a pass. Two
// descriptors of the same kind must never share an ID.
func (d *ResourceDescriptor) ID() string {
	switch d.Kind {
	case KindStorageVolume:
		return fmt.Sprintf("%s/%s/%s/%s", d.Kind, d.Pool, d.VolumeTypeOrDefault(), d.Name)
	case KindVolumeSnapshot:
		return fmt.Sprintf("%s/%s/%s/%s", d.Kind, d.Pool, d.Volume, d.Name)
	case KindInstanceSnapshot:
		return fmt.Sprintf("%s/%s/%s", d.Kind, d.Instance, d.Name)
	case KindVolumeAttachment:
		return fmt.Sprintf("%s/%s/%s/%s", d.Kind, d.Instance, d.Pool, d.Name)
	case KindNetworkForward:
		return fmt.Sprintf("%s/%s/%s", d.Kind, d.Network, d.ListenAddress)
	case KindNetworkPeer:
		return fmt.Sprintf("%s/%s/%s", d.Kind, d.Network, d.Name)
	case KindNetworkZoneRecord:
		return fmt.Sprintf("%s/%s/%s", d.Kind, d.Zone, d.Name)
	default:
		return fmt.Sprintf("%s/%s", d.Kind, d.Name)
	}
}

// VolumeTypeOrDefault returns the volume type, defaulting to "custom".
func (d *ResourceDescriptor) VolumeTypeOrDefault() string {
	if d.VolumeType == "" {
		return "custom"
	}
	return d.VolumeType
}

// LiveResource mirrors a descriptor's attribute shape but is sourced from
// the hypervisor API. Instances are transient: fetched fresh per pass.
type LiveResource struct {
	Kind        Kind
	Name        string
	Fingerprint string
	Description string
	Status      string
	Config      map[string]string
	Devices     map[string]map[string]string
	Profiles    []string
	Aliases     []string
	Public      bool
	AutoUpdate  bool
	Properties  map[string]string
	Ports       []map[string]string
	Entries     []map[string]string
	Egress      []map[string]string
	Ingress     []map[string]string
	Address     string
	CreatedAt   time.Time
}

// Change records an old/new pair for a scalar field or config key.
type Change struct {
	Old string
	New string
}

// ListChange records an old/new pair for a list-valued field.
type ListChange struct {
	Old []string
	New []string
}

// DeviceChange records a wholesale device replacement.
type DeviceChange struct {
	Old map[string]string
	New map[string]string
}

// State tracks a descriptor through the apply state machine.
type State string

const (
	StatePending   State = "pending"
	StateResolving State = "resolving"
	StateCreating  State = "creating"
	StateUpdating  State = "updating"
	StateDeleting  State = "deleting"
	StateSkipping  State = "skipping"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Action is the operation the orchestrator took for a descriptor.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionNone   Action = "none"
	ActionSkip   Action = "skip"
)

// DescriptorResult is the per-descriptor outcome of an apply pass.
type DescriptorResult struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Action    Action    `json:"action"`
	State     State     `json:"state"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Summary aggregates a pass.
type Summary struct {
	Total     int `json:"total"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ApplyResult is the full outcome of one reconciliation pass.
type ApplyResult struct {
	PassID     string              `json:"pass_id"`
	DryRun     bool                `json:"dry_run,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Results    []*DescriptorResult `json:"results"`
	Summary    Summary             `json:"summary"`
}

// RotationPolicy trims snapshots matching a glob pattern to the newest
// Keep entries. Exactly one of Instance or Pool+Volume is set.
type RotationPolicy struct {
	Instance   string `yaml:"instance,omitempty" json:"instance,omitempty"`
	Pool       string `yaml:"pool,omitempty" json:"pool,omitempty"`
	Volume     string `yaml:"volume,omitempty" json:"volume,omitempty"`
	VolumeType string `yaml:"volumeType,omitempty" json:"volume_type,omitempty"`
	Pattern    string `yaml:"pattern" json:"pattern"`
	Keep       int    `yaml:"keep" json:"keep"`
}

// ValidationError marks a descriptor set defect detected before any API
// call is made: duplicate identities, dangling dependsOn references,
// dependency cycles.
type ValidationError struct {
	ID     string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.ID == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.ID, e.Reason)
}
