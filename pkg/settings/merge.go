package settings

import (
	"fmt"
	"sort"

	"github.com/incus-tools/converge/pkg/types"
)

// Request describes one settings reconciliation. Exactly one mode applies
// per pass for the global settings resource.
type Request struct {
	Mode types.SettingsMode

	// Desired holds the full key set for incremental and exact-replace
	// modes.
	Desired map[string]string

	// Key/Value drive single-key mode; Unset reverts the key to the
	// server default instead of setting it.
	Key   string
	Value string
	Unset bool
}

// Delta is the computed settings change: keys to set and keys to unset.
// Incremental mode never unsets; exact-replace unsets every live key not in
// desired.
type Delta struct {
	ToSet   map[string]string
	ToUnset []string
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.ToSet) == 0 && len(d.ToUnset) == 0
}

// Merge computes the delta between desired and live server config for the
// requested mode. Keys already holding the desired value are omitted.
func Merge(req Request, live map[string]string) (Delta, error) {
	delta := Delta{ToSet: map[string]string{}}

	switch req.Mode {
	case types.SettingsIncremental:
		for key, want := range req.Desired {
			if live[key] != want {
				delta.ToSet[key] = want
			}
		}

	case types.SettingsSingleKey:
		if req.Key == "" {
			return Delta{}, fmt.Errorf("single-key mode requires a key")
		}
		if req.Unset {
			if _, ok := live[req.Key]; ok {
				delta.ToUnset = []string{req.Key}
			}
		} else if live[req.Key] != req.Value {
			delta.ToSet[req.Key] = req.Value
		}

	case types.SettingsExactReplace:
		for key, want := range req.Desired {
			if got, ok := live[key]; !ok || got != want {
				delta.ToSet[key] = want
			}
		}
		for key := range live {
			if _, ok := req.Desired[key]; !ok {
				delta.ToUnset = append(delta.ToUnset, key)
			}
		}
		sort.Strings(delta.ToUnset)

	default:
		return Delta{}, fmt.Errorf("unknown settings mode %q", req.Mode)
	}

	return delta, nil
}

// Apply projects a delta onto a copy of the live config, yielding the
// config map to PUT. Unset keys are removed entirely; an unset is an
// explicit delete, never an empty-string value.
func Apply(delta Delta, live map[string]string) map[string]string {
	out := make(map[string]string, len(live)+len(delta.ToSet))
	for k, v := range live {
		out[k] = v
	}
	for _, k := range delta.ToUnset {
		delete(out, k)
	}
	for k, v := range delta.ToSet {
		out[k] = v
	}
	return out
}
