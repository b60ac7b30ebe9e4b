package manager

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/merchkit/courier/pkg/config"
	"github.com/merchkit/courier/pkg/events"
	"github.com/merchkit/courier/pkg/log"
	"github.com/merchkit/courier/pkg/metrics"
	"github.com/merchkit/courier/pkg/plugin"
	"github.com/rs/zerolog"
)

// LoadedPlugin is the runtime record for one loaded plugin
type LoadedPlugin struct {
	Name       string
	Module     *plugin.Module
	Instance   plugin.Plugin
	Handlers   map[string]events.Handler
	Descriptor plugin.Descriptor
	Enabled    bool
}

// RegisteredHandler ties a globally unique handler name to its owner
type RegisteredHandler struct {
	Name       string
	PluginName string
	Handler    events.Handler
}

// PluginStatus is the externally visible state of one plugin
type PluginStatus struct {
	Enabled  bool
	Handlers []string
	Source   string
	Settings config.PluginSettings
}

// Manager owns the active plugin set and the event routing wiring. It
// reconciles loaded plugins against the filesystem and the configuration,
// and maintains one bus subscription per event type that filters candidate
// handlers through the config routing rules.
type Manager struct {
	bus    *events.Bus
	store  *config.Store
	loader *plugin.Loader
	logger zerolog.Logger

	mu           sync.Mutex
	cfg          *config.Config
	loaded       map[string]*LoadedPlugin
	handlers     map[string]*RegisteredHandler
	handlerOrder []string
	callbacks    map[string]events.Handler
}

// NewManager creates a plugin manager over the given collaborators
func NewManager(bus *events.Bus, store *config.Store, loader *plugin.Loader) *Manager {
	return &Manager{
		bus:       bus,
		store:     store,
		loader:    loader,
		logger:    log.WithComponent("plugin_manager"),
		loaded:    make(map[string]*LoadedPlugin),
		handlers:  make(map[string]*RegisteredHandler),
		callbacks: make(map[string]events.Handler),
	}
}

// Init performs the initial load. It is an alias for Reload.
func (m *Manager) Init(ctx context.Context) (*config.Config, error) {
	return m.Reload(ctx)
}

// Reload refreshes the configuration from disk, rediscovers plugins,
// reconciles the loaded set, and rebuilds the event subscriptions.
// It returns the new effective configuration.
func (m *Manager) Reload(ctx context.Context) (*config.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloadLocked(ctx)
}

func (m *Manager) reloadLocked(ctx context.Context) (*config.Config, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReloadDuration)
		metrics.ReloadsTotal.Inc()
	}()

	cfg, err := m.store.Refresh()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh configuration: %w", err)
	}
	m.cfg = cfg

	m.loader.SetDirectories(cfg.PluginDirectories)
	discovered := m.loader.Discover()

	m.reconcile(ctx, discovered, cfg)
	m.rebuildSubscriptions(cfg)

	metrics.PluginsLoaded.Set(float64(len(m.loaded)))
	metrics.HandlersRegistered.Set(float64(len(m.handlers)))

	m.logger.Info().
		Int("plugins", len(m.loaded)).
		Int("handlers", len(m.handlers)).
		Msg("Plugin reload complete")

	return cfg, nil
}

// reconcile aligns the loaded plugin set with the discovered candidates
func (m *Manager) reconcile(ctx context.Context, discovered map[string]plugin.Descriptor, cfg *config.Config) {
	for name := range m.loaded {
		if _, ok := discovered[name]; !ok {
			m.unloadLocked(ctx, name)
		}
	}

	names := make([]string, 0, len(discovered))
	for name := range discovered {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		m.loadOrRefreshLocked(ctx, name, discovered[name], cfg)
	}
}

func (m *Manager) loadOrRefreshLocked(ctx context.Context, name string, descriptor plugin.Descriptor, cfg *config.Config) {
	enabled := pluginEnabled(name, cfg)
	existing := m.loaded[name]

	if existing != nil && existing.Descriptor == descriptor {
		if existing.Enabled == enabled {
			return
		}
		if enabled {
			if err := existing.Instance.OnLoad(ctx); err != nil {
				m.logger.Error().Err(err).Str("plugin", name).Msg("Plugin on_load hook failed")
			}
		} else {
			if err := existing.Instance.OnUnload(ctx); err != nil {
				m.logger.Error().Err(err).Str("plugin", name).Msg("Plugin on_unload hook failed")
			}
		}
		existing.Enabled = enabled
		return
	}

	if existing != nil {
		m.unloadLocked(ctx, name)
	}

	module, err := m.loader.Load(descriptor)
	if err != nil {
		m.logger.Warn().Err(err).Str("plugin", name).Msg("Plugin load failed, skipping")
		return
	}

	instance, err := module.Instantiate()
	if err != nil {
		m.logger.Warn().Err(err).Str("plugin", name).Msg("Plugin instantiation failed, skipping")
		return
	}

	handlers := m.collectHandlers(name, instance)

	loaded := &LoadedPlugin{
		Name:       name,
		Module:     module,
		Instance:   instance,
		Handlers:   handlers,
		Descriptor: descriptor,
		Enabled:    enabled,
	}
	m.loaded[name] = loaded

	for handlerName, handler := range handlers {
		m.handlers[handlerName] = &RegisteredHandler{
			Name:       handlerName,
			PluginName: name,
			Handler:    handler,
		}
		m.handlerOrder = append(m.handlerOrder, handlerName)
	}

	if enabled {
		if err := instance.OnLoad(ctx); err != nil {
			m.logger.Error().Err(err).Str("plugin", name).Msg("Plugin on_load hook failed")
		}
	}

	m.logger.Info().
		Str("plugin", name).
		Str("source", descriptor.Source()).
		Bool("enabled", enabled).
		Int("handlers", len(handlers)).
		Msg("Plugin loaded")
}

// collectHandlers gathers the plugin's handlers, skipping duplicates
// within the plugin and against the global registry.
func (m *Manager) collectHandlers(pluginName string, instance plugin.Plugin) map[string]events.Handler {
	collected := make(map[string]events.Handler)

	for _, handler := range instance.Handlers() {
		if handler == nil {
			m.logger.Warn().Str("plugin", pluginName).Msg("Plugin returned a nil handler, skipping")
			continue
		}
		name := handler.Name()
		if name == "" {
			m.logger.Warn().Str("plugin", pluginName).Msg("Plugin returned a handler without a name, skipping")
			continue
		}
		if _, dup := collected[name]; dup {
			m.logger.Warn().Str("plugin", pluginName).Str("handler", name).Msg("Duplicate handler name detected, skipping")
			continue
		}
		if _, dup := m.handlers[name]; dup {
			m.logger.Warn().Str("plugin", pluginName).Str("handler", name).Msg("Duplicate handler name detected, skipping")
			continue
		}
		collected[name] = handler
	}

	return collected
}

func (m *Manager) unloadLocked(ctx context.Context, name string) {
	loaded, ok := m.loaded[name]
	if !ok {
		return
	}
	delete(m.loaded, name)

	if err := loaded.Instance.OnUnload(ctx); err != nil {
		m.logger.Error().Err(err).Str("plugin", name).Msg("Plugin on_unload hook failed")
	}

	for handlerName := range loaded.Handlers {
		delete(m.handlers, handlerName)
		for i, ordered := range m.handlerOrder {
			if ordered == handlerName {
				m.handlerOrder = append(m.handlerOrder[:i:i], m.handlerOrder[i+1:]...)
				break
			}
		}
	}

	m.logger.Info().Str("plugin", name).Msg("Plugin unloaded")
}

// rebuildSubscriptions drops every previously registered bus callback and
// subscribes one fresh callback per event type named in the config routes
// or in the platform enumeration.
func (m *Manager) rebuildSubscriptions(cfg *config.Config) {
	for eventType, callback := range m.callbacks {
		m.bus.Unsubscribe(eventType, callback)
	}
	m.callbacks = make(map[string]events.Handler)

	eventTypes := make(map[string]struct{})
	for eventType := range cfg.Routes {
		eventTypes[eventType] = struct{}{}
	}
	for _, known := range events.KnownTypes() {
		eventTypes[string(known)] = struct{}{}
	}

	sorted := make([]string, 0, len(eventTypes))
	for eventType := range eventTypes {
		sorted = append(sorted, eventType)
	}
	sort.Strings(sorted)

	for _, eventType := range sorted {
		callback := &dispatchCallback{manager: m, eventType: eventType}
		if err := m.bus.Subscribe(eventType, callback); err != nil {
			m.logger.Error().Err(err).Str("event_type", eventType).Msg("Failed to subscribe dispatch callback")
			continue
		}
		m.callbacks[eventType] = callback
	}
}

// dispatchCallback is the per-event-type bus subscription owned by the
// manager. It routes the event to the configured handlers.
type dispatchCallback struct {
	manager   *Manager
	eventType string
}

func (c *dispatchCallback) Name() string {
	return "plugin_manager_dispatch:" + c.eventType
}

func (c *dispatchCallback) CanHandle(event *events.Event) bool {
	return event.Type == c.eventType
}

func (c *dispatchCallback) Handle(ctx context.Context, event *events.Event) error {
	c.manager.handleEvent(ctx, event)
	return nil
}

// handleEvent dispatches one event to the resolved handlers concurrently.
// Handler failures are logged and never re-raised: plugin-side business
// processing is best-effort. Programmatic publishers that need aggregate
// failure observe it through the bus composite error on direct Publish
// calls instead.
func (m *Manager) handleEvent(ctx context.Context, event *events.Event) {
	resolved := m.resolveHandlers(event)
	if len(resolved) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, handler := range resolved {
		wg.Add(1)
		go func(handler events.Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().
						Str("handler", handler.Name()).
						Str("event_type", event.Type).
						Str("idempotency_key", event.IdempotencyKey()).
						Interface("panic", r).
						Msg("Handler panicked")
				}
			}()
			if err := handler.Handle(ctx, event); err != nil {
				m.logger.Error().
					Err(err).
					Str("handler", handler.Name()).
					Str("event_type", event.Type).
					Str("idempotency_key", event.IdempotencyKey()).
					Msg("Handler failed")
			}
		}(handler)
	}
	wg.Wait()
}

// resolveHandlers computes the handlers that should see the event: the
// configured route for (event type, state) when one exists, every
// registered handler otherwise, filtered through plugin and handler
// enablement and the handler's own CanHandle predicate.
func (m *Manager) resolveHandlers(event *events.Event) []events.Handler {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.cfg
	if cfg == nil {
		loadedCfg, err := m.store.Load(true)
		if err != nil {
			m.logger.Error().Err(err).Msg("No configuration available for dispatch")
			return nil
		}
		cfg = loadedCfg
		m.cfg = cfg
	}

	stateID := stateIDFromEvent(event)

	candidates := cfg.HandlersForRoute(event.Type, stateID)
	if len(candidates) == 0 {
		candidates = append([]string(nil), m.handlerOrder...)
	}

	resolved := make([]events.Handler, 0, len(candidates))
	for _, name := range candidates {
		registered, ok := m.handlers[name]
		if !ok {
			continue
		}
		owner, ok := m.loaded[registered.PluginName]
		if !ok || !owner.Enabled {
			continue
		}
		if !cfg.IsHandlerEnabled(name) {
			continue
		}
		if !registered.Handler.CanHandle(event) {
			continue
		}
		resolved = append(resolved, registered.Handler)
	}

	return resolved
}

// stateIDFromEvent extracts the routing state from the event payload,
// preferring new_state_id over state_id. Numeric states are stringified.
func stateIDFromEvent(event *events.Event) string {
	for _, key := range []string{"new_state_id", "state_id"} {
		value, ok := event.Data[key]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case string:
			if v != "" {
				return v
			}
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		case float64:
			return strconv.FormatInt(int64(v), 10)
		default:
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

// EnablePlugin marks the plugin enabled in the configuration, persists
// it, and reloads. It returns the new effective configuration.
func (m *Manager) EnablePlugin(ctx context.Context, name string) (*config.Config, error) {
	return m.setPluginEnabled(ctx, name, true)
}

// DisablePlugin marks the plugin disabled in the configuration, persists
// it, and reloads. It returns the new effective configuration.
func (m *Manager) DisablePlugin(ctx context.Context, name string) (*config.Config, error) {
	return m.setPluginEnabled(ctx, name, false)
}

func (m *Manager) setPluginEnabled(ctx context.Context, name string, enabled bool) (*config.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.ensureConfigLocked()
	if err != nil {
		return nil, err
	}

	if cfg.Plugins == nil {
		cfg.Plugins = make(map[string]config.PluginSettings)
	}
	settings := cfg.Plugins[name]
	settings.Enabled = &enabled
	cfg.Plugins[name] = settings

	if err := m.store.Save(cfg); err != nil {
		return nil, fmt.Errorf("failed to persist plugin state: %w", err)
	}

	return m.reloadLocked(ctx)
}

// Status reports the externally visible state of every loaded plugin
func (m *Manager) Status() (map[string]PluginStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.ensureConfigLocked()
	if err != nil {
		return nil, err
	}

	result := make(map[string]PluginStatus, len(m.loaded))
	for name, loaded := range m.loaded {
		handlerNames := make([]string, 0, len(loaded.Handlers))
		for handlerName := range loaded.Handlers {
			handlerNames = append(handlerNames, handlerName)
		}
		sort.Strings(handlerNames)

		result[name] = PluginStatus{
			Enabled:  loaded.Enabled,
			Handlers: handlerNames,
			Source:   loaded.Descriptor.Source(),
			Settings: cfg.Plugins[name],
		}
	}
	return result, nil
}

// LoadedPlugins returns a copy of the map of loaded plugins; the records
// it points to are the manager's own, not copies
func (m *Manager) LoadedPlugins() map[string]*LoadedPlugin {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]*LoadedPlugin, len(m.loaded))
	for name, loaded := range m.loaded {
		out[name] = loaded
	}
	return out
}

func (m *Manager) ensureConfigLocked() (*config.Config, error) {
	if m.cfg != nil {
		return m.cfg, nil
	}
	cfg, err := m.store.Load(true)
	if err != nil {
		return nil, err
	}
	m.cfg = cfg
	return cfg, nil
}

// pluginEnabled resolves the per-plugin enable flag: the configured
// tri-state wins when set, otherwise plugins are enabled by default.
func pluginEnabled(name string, cfg *config.Config) bool {
	if settings, ok := cfg.Plugins[name]; ok && settings.Enabled != nil {
		return *settings.Enabled
	}
	return true
}
