// Package nut reads a UPS through a Network UPS Tools upsd daemon and
// publishes its load, input voltage and battery runtime next to the plug
// gauges.
package nut

import "github.com/sweeney/plug-metrics/internal/config"

// Variable holds a single NUT variable name/value pair.
// Value is always normalised to a string; callers parse as needed.
type Variable struct {
	Name  string
	Value string
}

// Session is one open upsd connection.
type Session interface {
	Variables(ups string) ([]Variable, error)
	Close() error
}

// Dialer opens a Session to the upsd described by cfg.
type Dialer func(cfg config.NUTConfig) (Session, error)

// VarsToMap converts a []Variable slice into a name→value map.
func VarsToMap(vars []Variable) map[string]string {
	m := make(map[string]string, len(vars))
	for _, v := range vars {
		m[v.Name] = v.Value
	}
	return m
}
