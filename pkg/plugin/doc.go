/*
Package plugin defines the plugin capability contract, on-disk discovery,
and module loading.

# Plugin layout on disk

A plugin is either a directory whose name is the plugin's name containing
a shared object entrypoint (plugin.so, or <dirname>.so as a fallback), or
a standalone <name>.so at the top level of a search directory. Entries
whose name begins with "__" are skipped. The shared object must export a
factory function (GetPlugin, CreatePlugin, or PluginFactory, of type
func() plugin.Plugin) or a plugin variable (Plugin or PLUGIN) satisfying
the Plugin capability.

Plugins compiled into the binary can register themselves with
RegisterBuiltin instead; they take the same discovery, reconciliation,
and lifecycle path as on-disk plugins.

# Module identity

Loaded modules are registered in a process-wide table under the
synthesized identity "events_plugin_<name>", making repeated loads of the
same descriptor idempotent in identity. Go's dynamic loader cannot unload
a shared object; dropping a plugin only removes its handlers and record,
the module table keeps the handle.

# Discovery

Discover walks the configured directories in order. The first candidate
under a given name wins; later duplicates are logged and skipped.
Builtins are merged after on-disk candidates, so a file-system plugin
shadows a builtin of the same name.
*/
package plugin
