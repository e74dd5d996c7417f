// Package engine implements the Mashin engine: the object a single
// pipeline run holds exclusive access to while it executes a host
// script through one phase (Prepare, Read, or Apply).
//
// An Engine is built once per phase via Builder, which requires a
// passphrase, a 32-byte salt, a handle to the state store, the phase
// itself, a progress-reporting collaborator, and (for Apply) the
// executed-resource map produced by Read. The
// builder derives the encryption key once; construction fails if key
// derivation fails.
//
// During a phase the Engine tracks:
//
//   - a registry of providers, populated as the script registers them;
//     registering a name again replaces the earlier registration;
//   - resources_count, which only increases during Prepare and sizes
//     progress indicators in Read and Apply;
//   - the executed-resource map, cleared at the start of Read and then
//     retained unchanged from Read into Apply.
//
// Dropping an Engine invokes every registered provider's drop symbol
// and closes its plugin handle, in arbitrary order.
//
// There is exactly one execution thread per Engine; its internal maps
// are not safe for concurrent use from multiple goroutines, matching
// the single-threaded cooperative scheduling model the rest of Mashin
// assumes.
package engine
