package runtime

import (
	"context"
	"errors"
	"sync"

	"github.com/merchkit/courier/pkg/config"
	"github.com/merchkit/courier/pkg/events"
	"github.com/merchkit/courier/pkg/log"
	"github.com/merchkit/courier/pkg/manager"
	"github.com/merchkit/courier/pkg/marketplace"
)

// Not-initialised errors returned by the getters
var (
	ErrBusNotInitialised               = errors.New("event bus has not been initialised")
	ErrManagerNotInitialised           = errors.New("plugin manager has not been initialised")
	ErrConfigStoreNotInitialised       = errors.New("configuration store has not been initialised")
	ErrMarketplaceClientNotInitialised = errors.New("marketplace client has not been initialised")
)

var (
	mu                sync.RWMutex
	eventBus          *events.Bus
	pluginManager     *manager.Manager
	configStore       *config.Store
	marketplaceClient *marketplace.Client
)

// SetBus installs the process-wide event bus
func SetBus(bus *events.Bus) {
	mu.Lock()
	defer mu.Unlock()
	eventBus = bus
}

// Bus returns the process-wide event bus
func Bus() (*events.Bus, error) {
	mu.RLock()
	defer mu.RUnlock()
	if eventBus == nil {
		return nil, ErrBusNotInitialised
	}
	return eventBus, nil
}

// SetManager installs the process-wide plugin manager
func SetManager(mgr *manager.Manager) {
	mu.Lock()
	defer mu.Unlock()
	pluginManager = mgr
}

// Manager returns the process-wide plugin manager
func Manager() (*manager.Manager, error) {
	mu.RLock()
	defer mu.RUnlock()
	if pluginManager == nil {
		return nil, ErrManagerNotInitialised
	}
	return pluginManager, nil
}

// SetConfigStore installs the process-wide configuration store
func SetConfigStore(store *config.Store) {
	mu.Lock()
	defer mu.Unlock()
	configStore = store
}

// ConfigStore returns the process-wide configuration store
func ConfigStore() (*config.Store, error) {
	mu.RLock()
	defer mu.RUnlock()
	if configStore == nil {
		return nil, ErrConfigStoreNotInitialised
	}
	return configStore, nil
}

// SetMarketplaceClient installs the process-wide marketplace client
func SetMarketplaceClient(client *marketplace.Client) {
	mu.Lock()
	defer mu.Unlock()
	marketplaceClient = client
}

// MarketplaceClient returns the process-wide marketplace client
func MarketplaceClient() (*marketplace.Client, error) {
	mu.RLock()
	defer mu.RUnlock()
	if marketplaceClient == nil {
		return nil, ErrMarketplaceClientNotInitialised
	}
	return marketplaceClient, nil
}

// Reset clears every singleton. Intended for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	eventBus = nil
	pluginManager = nil
	configStore = nil
	marketplaceClient = nil
}

// Emit publishes the event on the current bus from a fresh goroutine.
// It is the fire-and-forget entry point used by emitting services: the
// composite handler error, if any, is logged and discarded.
func Emit(event *events.Event) error {
	bus, err := Bus()
	if err != nil {
		return err
	}

	go func() {
		if err := bus.Publish(context.Background(), event); err != nil {
			logger := log.WithComponent("runtime")
			logger.Error().
				Err(err).
				Str("event_type", event.Type).
				Str("idempotency_key", event.IdempotencyKey()).
				Msg("Event publication failed")
		}
	}()
	return nil
}
