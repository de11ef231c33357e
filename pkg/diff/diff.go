package diff

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/incus-tools/converge/pkg/types"
)

// Delta is the minimal set of fields that differ between a descriptor and
// its live resource. An empty Delta means the resource is already in the
// desired state.
type Delta struct {
	// Config maps changed keys to old/new values. Keys present live but
	// absent from desired are listed in Unset only for managed-mode
	// descriptors; otherwise they are left untouched.
	Config map[string]types.Change
	Unset  []string

	// Devices maps device names to wholesale replacements: any sub-field
	// difference marks the entire entry.
	Devices map[string]types.DeviceChange

	// Aliases is set for images when the live alias set differs from the
	// desired {name} ∪ aliases union. Always exact-replace.
	Aliases *types.ListChange

	// Profiles is set when the instance's profile list differs as a set.
	Profiles *types.ListChange

	// Fields holds scalar changes: description, public, auto_update,
	// state, and rule-list replacements rendered as strings.
	Fields map[string]types.Change
}

// Empty reports whether the delta carries no changes.
func (d *Delta) Empty() bool {
	if d == nil {
		return true
	}
	return len(d.Config) == 0 && len(d.Unset) == 0 && len(d.Devices) == 0 &&
		d.Aliases == nil && d.Profiles == nil && len(d.Fields) == 0
}

// Canonical renders a scalar attribute value in the form the hypervisor API
// transmits it: all config is carried as strings, so true and "true" must
// compare equal.
func Canonical(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		// YAML integers may arrive as float64; render whole values
		// without the fraction.
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Config compares desired against live config key-wise. With managed set,
// live keys absent from desired are returned as unset candidates.
func Config(desired, live map[string]string, managed bool) (map[string]types.Change, []string) {
	changed := map[string]types.Change{}
	for key, want := range desired {
		got, ok := live[key]
		if !ok || got != want {
			changed[key] = types.Change{Old: got, New: want}
		}
	}

	var unset []string
	if managed {
		for key := range live {
			if _, ok := desired[key]; !ok {
				unset = append(unset, key)
			}
		}
		sort.Strings(unset)
	}

	if len(changed) == 0 {
		changed = nil
	}
	return changed, unset
}

// Devices compares device maps. A device whose sub-fields differ in any way
// is marked as a wholesale replacement; the API treats device definitions
// as atomic per name.
func Devices(desired, live map[string]map[string]string) map[string]types.DeviceChange {
	changed := map[string]types.DeviceChange{}
	for name, want := range desired {
		got := live[name]
		if !reflect.DeepEqual(got, want) {
			changed[name] = types.DeviceChange{Old: got, New: want}
		}
	}
	if len(changed) == 0 {
		return nil
	}
	return changed
}

// sameSet reports whether a and b contain the same elements, ignoring
// order and duplicates.
func sameSet(a, b []string) bool {
	as := map[string]bool{}
	for _, v := range a {
		as[v] = true
	}
	bs := map[string]bool{}
	for _, v := range b {
		bs[v] = true
	}
	return reflect.DeepEqual(as, bs)
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// AliasSet returns the full desired alias union for an image descriptor:
// the descriptor name is always the primary alias.
func AliasSet(desc *types.ResourceDescriptor) []string {
	seen := map[string]bool{desc.Name: true}
	out := []string{desc.Name}
	for _, a := range desc.Aliases {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

// Compute returns the delta between a descriptor and its live resource.
// live must not be nil; absent resources are handled by classification, not
// by diffing.
func Compute(desc *types.ResourceDescriptor, live *types.LiveResource) *Delta {
	d := &Delta{Fields: map[string]types.Change{}}

	d.Config, d.Unset = Config(desc.Config, live.Config, desc.Managed)
	d.Devices = Devices(desc.Devices, live.Devices)

	if desc.Description != "" && desc.Description != live.Description {
		d.Fields["description"] = types.Change{Old: live.Description, New: desc.Description}
	}

	switch desc.Kind {
	case types.KindImage:
		want := AliasSet(desc)
		if !sameSet(want, live.Aliases) {
			d.Aliases = &types.ListChange{Old: sortedCopy(live.Aliases), New: sortedCopy(want)}
		}
		if desc.Public != nil && *desc.Public != live.Public {
			d.Fields["public"] = types.Change{
				Old: strconv.FormatBool(live.Public),
				New: strconv.FormatBool(*desc.Public),
			}
		}
		if desc.AutoUpdate != nil && *desc.AutoUpdate != live.AutoUpdate {
			d.Fields["auto_update"] = types.Change{
				Old: strconv.FormatBool(live.AutoUpdate),
				New: strconv.FormatBool(*desc.AutoUpdate),
			}
		}
		if desc.Properties != nil && !reflect.DeepEqual(desc.Properties, live.Properties) {
			d.Fields["properties"] = types.Change{
				Old: fmt.Sprintf("%v", live.Properties),
				New: fmt.Sprintf("%v", desc.Properties),
			}
		}

	case types.KindInstance:
		if desc.Profiles != nil && !sameSet(desc.Profiles, live.Profiles) {
			d.Profiles = &types.ListChange{Old: sortedCopy(live.Profiles), New: sortedCopy(desc.Profiles)}
		}
		switch desc.Ensure {
		case types.EnsureRunning:
			if live.Status != "Running" {
				d.Fields["state"] = types.Change{Old: live.Status, New: "Running"}
			}
		case types.EnsureStopped:
			if live.Status != "Stopped" {
				d.Fields["state"] = types.Change{Old: live.Status, New: "Stopped"}
			}
		}

	case types.KindNetworkACL:
		ruleListDiff(d, "egress", desc.Egress, live.Egress)
		ruleListDiff(d, "ingress", desc.Ingress, live.Ingress)

	case types.KindNetworkForward:
		ruleListDiff(d, "ports", desc.Ports, live.Ports)

	case types.KindNetworkZoneRecord:
		ruleListDiff(d, "entries", desc.Entries, live.Entries)
	}

	if len(d.Fields) == 0 {
		d.Fields = nil
	}
	return d
}

// ruleListDiff compares ordered rule lists (ACL rules, forward ports, zone
// record entries). They are replaced wholesale on any difference.
func ruleListDiff(d *Delta, field string, desired, live []map[string]string) {
	if desired == nil {
		return
	}
	if !reflect.DeepEqual(normalizeRules(desired), normalizeRules(live)) {
		if d.Fields == nil {
			d.Fields = map[string]types.Change{}
		}
		d.Fields[field] = types.Change{
			Old: fmt.Sprintf("%v", live),
			New: fmt.Sprintf("%v", desired),
		}
	}
}

func normalizeRules(rules []map[string]string) []map[string]string {
	if len(rules) == 0 {
		return nil
	}
	return rules
}
