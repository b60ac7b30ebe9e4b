/*
Package config defines the event system configuration model and its
file-backed store.

# Configuration file

A single YAML mapping with exactly these top-level keys (anything else is
rejected at load time):

	plugin_directories:
	  - /etc/courier/plugins
	  - /var/lib/courier/plugins
	enabled_handlers: []
	disabled_handlers:
	  - legacy_stock_sync
	routes:
	  order_status_changed:
	    "2": [as400_validation]
	    "*": [audit]
	plugins:
	  as400_validation:
	    enabled: true
	    endpoint: https://as400.internal/orders
	marketplace:
	  enabled: false
	  base_url: https://marketplace.example.com/api
	  api_key: ""
	  verify_signature: false
	  download_timeout_seconds: 30

Handler lists are allow/deny lists: de-duplicated, order preserved, blank
entries dropped. Route state keys are concrete state identifiers or the
wildcard "*". Per-plugin settings carry an optional enabled tri-state plus
arbitrary free-form keys the plugin itself interprets.

# Resolution helpers

IsHandlerEnabled applies the documented precedence: per-plugin override,
then deny list, then allow list (an empty allow list allows everything).
HandlersForRoute returns concrete-state handlers followed by wildcard
handlers, de-duplicated preserving first occurrence.

# Store

Store is a read-through cache over the file. Load serves deep copies so
callers can never corrupt the cache. Save validates, writes a sibling
temporary file, and renames it into place, so a crash mid-write leaves the
previous file intact. Update deep-merges a partial document (recursive for
nested mappings, replacement for scalars and lists), re-validates, and
persists; on any error neither the file nor the cache moves.

Go has no re-entrant lock, so the store uses one plain mutex with
lock-free internal variants for the compound operations.
*/
package config
