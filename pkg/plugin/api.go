package plugin

import (
	"context"

	"github.com/merchkit/courier/pkg/events"
)

// Plugin is the capability every plugin must satisfy. A plugin bundles
// one or more event handlers and may hook its own load/unload lifecycle.
type Plugin interface {
	// Name identifies the plugin
	Name() string
	// Handlers returns the handlers the plugin contributes. Handler
	// names must be unique within the plugin and across the process.
	Handlers() []events.Handler
	// Metadata returns free-form descriptive data (version, category, ...)
	Metadata() map[string]any
	// OnLoad is invoked when the plugin becomes enabled
	OnLoad(ctx context.Context) error
	// OnUnload is invoked when the plugin is disabled or removed
	OnUnload(ctx context.Context) error
}

// Factory constructs a plugin instance
type Factory func() Plugin

// Base supplies default implementations for the optional Plugin members.
// Embed it and implement Name and Handlers.
type Base struct{}

func (Base) Metadata() map[string]any {
	return map[string]any{}
}

func (Base) OnLoad(ctx context.Context) error {
	return nil
}

func (Base) OnUnload(ctx context.Context) error {
	return nil
}
