/*
Package manager owns the plugin lifecycle and the routing wiring between
the event bus and plugin handlers.

# Reconciliation

Reload is the central operation. It refreshes the configuration from
disk, points the loader at the configured directories, discovers
candidates, and then aligns the loaded set:

  - plugins no longer discovered are unloaded (on_unload hook, handlers
    dropped from the registry)
  - a discovered plugin whose descriptor and enabled flag are unchanged
    is left untouched: not re-imported, not re-instantiated
  - the same descriptor with a flipped enabled flag gets only the
    matching lifecycle hook and a flag update
  - anything else is unloaded if stale, then loaded, instantiated,
    and its handlers registered (duplicate names are skipped with a
    warning, the first registration wins)

After reconciliation every previous bus callback is unsubscribed and one
fresh callback per event type is registered, covering the union of the
config route keys and the platform event type enumeration.

Reload, Init, EnablePlugin, DisablePlugin, and Status serialize on one
manager-wide lock.

# Dispatch

The per-type callback resolves handlers for each incoming event: the
configured route for the event's state (new_state_id, then state_id)
when one matches, otherwise every registered handler; filtered through
the owning plugin's enabled flag, the config's handler enablement, and
the handler's CanHandle predicate. Survivors run concurrently.

Failures at this level are logged, never re-raised. Domain event
delivery to plugins is best-effort; publishers that need to observe
aggregate failure call Bus.Publish directly and inspect the composite
error.
*/
package manager
