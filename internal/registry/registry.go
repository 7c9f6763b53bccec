// Package registry holds the mapping from device alias to its last known
// network address.
//
// The registry is written only by discovery, through Reconcile, and read by
// the poller through Snapshot. Both implementations make Reconcile atomic
// with respect to Snapshot: a reader sees the registry as it was before or
// after a reconciliation, never a mix of the two.
package registry

import (
	"context"
	"sort"
)

// Device is a discovered plug: its stable alias and current address.
type Device struct {
	Alias   string `json:"alias"`
	Address string `json:"address"`
}

// Registry is implemented by Memory and SQLite.
type Registry interface {
	// Snapshot returns an alias-sorted copy of the registry. The caller owns
	// the returned slice.
	Snapshot(ctx context.Context) ([]Device, error)

	// Reconcile replaces the registry contents with discovered: aliases in
	// discovered are inserted or have their address updated, every other
	// alias is removed. The removed devices are returned, alias-sorted.
	// An empty discovered set empties the registry.
	Reconcile(ctx context.Context, discovered []Device) (evicted []Device, err error)
}

// sortDevices orders devices by alias, then address.
func sortDevices(devices []Device) {
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Alias != devices[j].Alias {
			return devices[i].Alias < devices[j].Alias
		}
		return devices[i].Address < devices[j].Address
	})
}

// index builds alias → address from discovered. A later entry for the same
// alias replaces an earlier one.
func index(discovered []Device) map[string]string {
	m := make(map[string]string, len(discovered))
	for _, d := range discovered {
		m[d.Alias] = d.Address
	}
	return m
}
