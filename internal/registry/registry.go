// Package registry knows which hosts run which services.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// DefaultMode is reported for instances without a Mode tag.
const DefaultMode = "primary?"

// Instance is one host in the fleet.
type Instance struct {
	ID      string
	Name    string
	Service string // empty for hosts that run no service
	Mode    string // e.g. "primary", "canary"
	Version string // pinned version for hosts that deploy themselves, if tagged
	Type    string
	Address string // address used to reach the host over SSH
	State   string
}

func (i Instance) String() string {
	if i.Service == "" {
		return fmt.Sprintf("Non-Service %s on %s [%s]", i.Name, i.Type, i.Address)
	}
	return fmt.Sprintf("%s (%s) %s on %s [%s]", strings.ToUpper(i.Service), i.Mode, i.Name, i.Type, i.Address)
}

// Canary reports whether the instance is tagged as a canary.
func (i Instance) Canary() bool {
	return strings.EqualFold(i.Mode, "canary")
}

// Terminated reports whether the instance is gone or going away.
func (i Instance) Terminated() bool {
	switch i.State {
	case "terminated", "shutting-down":
		return true
	}
	return false
}

// Matches reports whether q is a substring of any identifying field.
func (i Instance) Matches(q string) bool {
	for _, f := range []string{i.Name, i.Service, i.Mode, i.Type, i.Address, i.ID} {
		if f != "" && strings.Contains(f, q) {
			return true
		}
	}
	return false
}

// Registry lists the fleet.
type Registry interface {
	Instances(ctx context.Context) ([]Instance, error)
}

// Targets returns the hosts a deploy of kind goes to. With host set, only
// the instance of that name is returned, whatever its service. Otherwise
// every live, non-canary instance running kind is returned, ordered by name.
func Targets(ctx context.Context, r Registry, kind, host string) ([]Instance, error) {
	all, err := r.Instances(ctx)
	if err != nil {
		return nil, err
	}

	var out []Instance
	for _, inst := range all {
		if inst.Terminated() {
			continue
		}
		if host != "" {
			if inst.Name == host {
				out = append(out, inst)
			}
			continue
		}
		if inst.Service == kind && !inst.Canary() {
			out = append(out, inst)
		}
	}
	if len(out) == 0 {
		if host != "" {
			return nil, fmt.Errorf("no running instance named %s", host)
		}
		return nil, fmt.Errorf("no running %s instances", kind)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Find returns the instances matching q, or all of them when q is empty.
func Find(ctx context.Context, r Registry, q string) ([]Instance, error) {
	all, err := r.Instances(ctx)
	if err != nil {
		return nil, err
	}
	var out []Instance
	for _, inst := range all {
		if q == "" || inst.Matches(q) {
			out = append(out, inst)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Static is a registry backed by a fixed host list.
type Static []Instance

func (s Static) Instances(ctx context.Context) ([]Instance, error) {
	out := make([]Instance, len(s))
	copy(out, s)
	for i := range out {
		if out[i].Mode == "" {
			out[i].Mode = DefaultMode
		}
		if out[i].Address == "" {
			out[i].Address = out[i].Name
		}
		if out[i].State == "" {
			out[i].State = "running"
		}
	}
	return out, nil
}
