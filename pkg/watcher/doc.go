// Package watcher makes the plugin lifecycle hot: it watches the
// configuration file and the plugin directories with fsnotify and
// triggers a debounced plugin manager reload when either changes. The
// configuration is watched through its parent directory so the store's
// atomic rename-into-place is observed.
package watcher
