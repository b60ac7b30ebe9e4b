package plugin

// BuiltinBasePath marks descriptors of plugins registered at compile time
const BuiltinBasePath = "<builtin>"

// Descriptor identifies a discovered plugin candidate. Descriptors are
// immutable and comparable; the manager treats two candidates as the same
// plugin build exactly when all three fields match.
type Descriptor struct {
	Name       string
	BasePath   string
	Entrypoint string
}

// Source returns the location the plugin loads from
func (d Descriptor) Source() string {
	return d.Entrypoint
}

// Builtin reports whether the descriptor names a compile-time plugin
func (d Descriptor) Builtin() bool {
	return d.BasePath == BuiltinBasePath
}
