// Package engine implements the core of the Mashin engine: derived key,
// state store handle, provider registry, executed-resource map, and
// phase indicator, driven through the Prepare -> Read -> Apply pipeline.
package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an EngineError for dispatch and user-visible reporting.
type Kind string

const (
	// MalformedUrn means a bad identifier reached the engine from the
	// script.
	MalformedUrn Kind = "malformed_urn"

	// UnknownProvider means a URN references a provider that was never
	// registered in the current phase.
	UnknownProvider Kind = "unknown_provider"

	// PluginLoadFailed means the shared object / WASM module could not
	// be opened.
	PluginLoadFailed Kind = "plugin_load_failed"

	// PluginIncompatible means a required ABI symbol is missing or has
	// the wrong arity.
	PluginIncompatible Kind = "plugin_incompatible"

	// PluginCrashed means the plugin trapped during an ABI call.
	PluginCrashed Kind = "plugin_crashed"

	// StoreUnavailable means the state store could not be reached.
	StoreUnavailable Kind = "store_unavailable"

	// StoreCorrupt means the state store returned an undecodable entry.
	StoreCorrupt Kind = "store_corrupt"

	// DecryptionFailed means authenticated decryption of a stored entry
	// failed (key mismatch, tamper, or truncation).
	DecryptionFailed Kind = "decryption_failed"

	// KeyDerivationFailed means password hashing failed.
	KeyDerivationFailed Kind = "key_derivation_failed"

	// InvalidKey means an environment-variable key was rejected (empty,
	// or containing '=' or NUL).
	InvalidKey Kind = "invalid_key"

	// Cancelled means the user refused the plan between Read and Apply.
	Cancelled Kind = "cancelled"
)

// EngineError is a classified error carrying the offending URN or
// provider name, following the reference implementation's builder idiom.
type EngineError struct {
	Kind     Kind                   `json:"kind"`
	Message  string                 `json:"message"`
	Resource string                 `json:"resource,omitempty"`
	Provider string                 `json:"provider,omitempty"`
	Err      error                  `json:"-"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

func (e *EngineError) Error() string {
	switch {
	case e.Resource != "" && e.Provider != "":
		return fmt.Sprintf("[%s] %s (resource=%s, provider=%s)%s", e.Kind, e.Message, e.Resource, e.Provider, e.unwrapSuffix())
	case e.Resource != "":
		return fmt.Sprintf("[%s] %s (resource=%s)%s", e.Kind, e.Message, e.Resource, e.unwrapSuffix())
	case e.Provider != "":
		return fmt.Sprintf("[%s] %s (provider=%s)%s", e.Kind, e.Message, e.Provider, e.unwrapSuffix())
	default:
		return fmt.Sprintf("[%s] %s%s", e.Kind, e.Message, e.unwrapSuffix())
	}
}

func (e *EngineError) unwrapSuffix() string {
	if e.Err == nil {
		return ""
	}
	return ": " + e.Err.Error()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is, matching on Kind.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an EngineError of the given kind.
func New(kind Kind, message string) *EngineError {
	return &EngineError{Kind: kind, Message: message}
}

// Wrap constructs an EngineError of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Err: err}
}

// WithResource adds the offending URN to an error.
func (e *EngineError) WithResource(urn string) *EngineError {
	e.Resource = urn
	return e
}

// WithProvider adds the offending provider name to an error.
func (e *EngineError) WithProvider(name string) *EngineError {
	e.Provider = name
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Is reports whether err is an EngineError of the given kind.
func Is(err error, kind Kind) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
