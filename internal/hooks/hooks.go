// Package hooks implements the Plugin/Hook Manager (C8): ten lifecycle
// hook points around create/read/update/delete/search, with before*
// hooks composing left-to-right and able to abort, and after* hooks
// fanning out as observers that never fail the operation, per
// spec.md §4.8.
package hooks

import (
	"context"
	"time"

	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/vcon-mcp/internal/vcon"
	"github.com/rakunlabs/vcon-mcp/internal/vconerr"
)

// RequestContext carries the ambient metadata spec.md §4.8 requires be
// available to every hook.
type RequestContext struct {
	UserID    string
	Purpose   string
	IPAddress string
	TenantID  string
	Timestamp time.Time
	Metadata  map[string]any
}

// Plugin is a third-party module registered with the Manager: a name, a
// semver-shaped version, optional lifecycle methods, and any subset of
// the hook function fields below (each is nil-checked when its hook runs,
// so a plugin sets only the hooks it cares about).
type Plugin struct {
	Name    string
	Version string

	Initialize func(ctx context.Context) error
	Shutdown   func(ctx context.Context) error

	BeforeCreate func(ctx context.Context, vc *vcon.VCon, rc RequestContext) (*vcon.VCon, error)
	AfterCreate  func(ctx context.Context, vc *vcon.VCon, rc RequestContext)

	BeforeRead func(ctx context.Context, uuid string, rc RequestContext) error
	AfterRead  func(ctx context.Context, vc *vcon.VCon, rc RequestContext) *vcon.VCon

	BeforeUpdate func(ctx context.Context, uuid string, patch *vcon.VCon, rc RequestContext) (*vcon.VCon, error)
	AfterUpdate  func(ctx context.Context, vc *vcon.VCon, rc RequestContext)

	BeforeDelete func(ctx context.Context, uuid string, rc RequestContext) error
	AfterDelete  func(ctx context.Context, uuid string, rc RequestContext)

	BeforeSearch func(ctx context.Context, criteria map[string]any, rc RequestContext) (map[string]any, error)
	AfterSearch  func(ctx context.Context, results []string, rc RequestContext) []string

	// Tools lists additional MCP tools a plugin contributes. Manager.Tools
	// collects them; internal/mcpserver does not register them with the
	// MCP server.
	Tools []ToolContribution
}

// ToolContribution is one tool a plugin adds to the registry.
type ToolContribution struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     func(ctx context.Context, args map[string]any) (any, error)
}

// Manager runs the registered plugins' hooks in registration order.
type Manager struct {
	plugins []*Plugin
}

func New() *Manager {
	return &Manager{}
}

// Register adds p to the chain and calls its Initialize, if any.
func (m *Manager) Register(ctx context.Context, p *Plugin) error {
	if p.Initialize != nil {
		if err := p.Initialize(ctx); err != nil {
			return vconerr.Hook(p.Name, err)
		}
	}
	m.plugins = append(m.plugins, p)
	return nil
}

// Shutdown calls every registered plugin's Shutdown, continuing past
// individual failures (a shutdown failure is logged, not propagated —
// the process is already tearing down).
func (m *Manager) Shutdown(ctx context.Context) {
	for _, p := range m.plugins {
		if p.Shutdown == nil {
			continue
		}
		if err := p.Shutdown(ctx); err != nil {
			logi.Ctx(ctx).Error("plugin shutdown failed", "plugin", p.Name, "error", err)
		}
	}
}

// Tools returns every tool contributed by a registered plugin, in
// registration order. Nothing in this module calls it at startup.
func (m *Manager) Tools() []ToolContribution {
	var out []ToolContribution
	for _, p := range m.plugins {
		out = append(out, p.Tools...)
	}
	return out
}

// BeforeCreate runs each plugin's BeforeCreate in order, threading the
// (possibly mutated) vCon through the chain; the first error aborts with
// HookError.
func (m *Manager) BeforeCreate(ctx context.Context, vc *vcon.VCon, rc RequestContext) (*vcon.VCon, error) {
	for _, p := range m.plugins {
		if p.BeforeCreate == nil {
			continue
		}
		next, err := p.BeforeCreate(ctx, vc, rc)
		if err != nil {
			return nil, vconerr.Hook(p.Name, err)
		}
		if next != nil {
			vc = next
		}
	}
	return vc, nil
}

// AfterCreate fans out to every plugin's AfterCreate; failures are
// impossible by design (the signature returns nothing) but a panicking
// plugin is still isolated per-plugin via recover, matching "an after*
// hook is logged and does not fail the operation."
func (m *Manager) AfterCreate(ctx context.Context, vc *vcon.VCon, rc RequestContext) {
	for _, p := range m.plugins {
		if p.AfterCreate == nil {
			continue
		}
		m.safeObserve(ctx, p.Name, func() { p.AfterCreate(ctx, vc, rc) })
	}
}

func (m *Manager) BeforeRead(ctx context.Context, uuid string, rc RequestContext) error {
	for _, p := range m.plugins {
		if p.BeforeRead == nil {
			continue
		}
		if err := p.BeforeRead(ctx, uuid, rc); err != nil {
			return vconerr.Hook(p.Name, err)
		}
	}
	return nil
}

func (m *Manager) AfterRead(ctx context.Context, vc *vcon.VCon, rc RequestContext) *vcon.VCon {
	for _, p := range m.plugins {
		if p.AfterRead == nil {
			continue
		}
		m.safeObserve(ctx, p.Name, func() {
			if mutated := p.AfterRead(ctx, vc, rc); mutated != nil {
				vc = mutated
			}
		})
	}
	return vc
}

func (m *Manager) BeforeUpdate(ctx context.Context, uuid string, patch *vcon.VCon, rc RequestContext) (*vcon.VCon, error) {
	for _, p := range m.plugins {
		if p.BeforeUpdate == nil {
			continue
		}
		next, err := p.BeforeUpdate(ctx, uuid, patch, rc)
		if err != nil {
			return nil, vconerr.Hook(p.Name, err)
		}
		if next != nil {
			patch = next
		}
	}
	return patch, nil
}

func (m *Manager) AfterUpdate(ctx context.Context, vc *vcon.VCon, rc RequestContext) {
	for _, p := range m.plugins {
		if p.AfterUpdate == nil {
			continue
		}
		m.safeObserve(ctx, p.Name, func() { p.AfterUpdate(ctx, vc, rc) })
	}
}

func (m *Manager) BeforeDelete(ctx context.Context, uuid string, rc RequestContext) error {
	for _, p := range m.plugins {
		if p.BeforeDelete == nil {
			continue
		}
		if err := p.BeforeDelete(ctx, uuid, rc); err != nil {
			return vconerr.Hook(p.Name, err)
		}
	}
	return nil
}

func (m *Manager) AfterDelete(ctx context.Context, uuid string, rc RequestContext) {
	for _, p := range m.plugins {
		if p.AfterDelete == nil {
			continue
		}
		m.safeObserve(ctx, p.Name, func() { p.AfterDelete(ctx, uuid, rc) })
	}
}

func (m *Manager) BeforeSearch(ctx context.Context, criteria map[string]any, rc RequestContext) (map[string]any, error) {
	for _, p := range m.plugins {
		if p.BeforeSearch == nil {
			continue
		}
		next, err := p.BeforeSearch(ctx, criteria, rc)
		if err != nil {
			return nil, vconerr.Hook(p.Name, err)
		}
		if next != nil {
			criteria = next
		}
	}
	return criteria, nil
}

func (m *Manager) AfterSearch(ctx context.Context, results []string, rc RequestContext) []string {
	for _, p := range m.plugins {
		if p.AfterSearch == nil {
			continue
		}
		m.safeObserve(ctx, p.Name, func() {
			if filtered := p.AfterSearch(ctx, results, rc); filtered != nil {
				results = filtered
			}
		})
	}
	return results
}

// safeObserve runs an after* hook, converting a panic into a logged error
// so one misbehaving plugin cannot take down the calling operation, which
// has already committed by the time after* hooks run.
func (m *Manager) safeObserve(ctx context.Context, plugin string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logi.Ctx(ctx).Error("plugin after-hook panicked", "plugin", plugin, "recovered", r)
		}
	}()
	fn()
}
