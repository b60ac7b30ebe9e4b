// Package runtime holds the process-wide access points for the event
// bus, plugin manager, configuration store, and marketplace client, plus
// the Emit entry point used by emitting services. The singletons are a
// pragmatic concession for decorated call sites; long-lived components
// should receive their collaborators explicitly at construction.
package runtime
