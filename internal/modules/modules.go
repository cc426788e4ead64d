// Package modules contains the built-in reconnaissance modules. Each one
// wraps an external scanner or a remote API behind the recon.Module contract
// and confines its side effects to the request's OutDir.
package modules

import "github.com/kestrelsec/reconforge/internal/recon"

// Builtins returns the factory table for every built-in module. Registration
// order matters only for name collisions, where the last factory wins.
func Builtins() []recon.Factory {
	return []recon.Factory{
		{Name: "subdomains", New: func() (recon.Module, error) { return NewSubdomains(), nil }},
		{Name: "portscan", New: func() (recon.Module, error) { return NewPortscan(), nil }},
		{Name: "fastscan", New: func() (recon.Module, error) { return NewFastscan(), nil }},
		{Name: "httpprobe", New: func() (recon.Module, error) { return NewHTTPProbe(), nil }},
		{Name: "shodan", New: func() (recon.Module, error) { return NewShodan(), nil }},
		{Name: "harvester", New: func() (recon.Module, error) { return NewHarvester(), nil }},
		{Name: "vulnscan", New: func() (recon.Module, error) { return NewVulnscan(), nil }},
	}
}
