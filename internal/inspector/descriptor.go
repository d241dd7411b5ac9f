// Package inspector implements read-only SQLite introspection and bounded
// query execution over host-registered databases, including encrypted
// (SQLCipher-style) ones.
package inspector

import "context"

// EncryptionStatus classifies whether a database can currently be opened.
type EncryptionStatus string

const (
	EncryptionNone     EncryptionStatus = "none"
	EncryptionUnlocked EncryptionStatus = "unlocked"
	EncryptionLocked   EncryptionStatus = "locked"
)

// Descriptor is host-supplied metadata identifying a database and its file
// URL. Bound to exactly one file at registration.
type Descriptor struct {
	ID                   string
	DisplayName          string
	Kind                 string // e.g. "sqlite"
	Path                 string
	IsEncrypted          bool
	IsSensitive          bool
	PreparationStatements []string
}

// KeyProvider asynchronously supplies a database's passphrase or hex
// keyspec. Presence implies the database is treated as unlocked-capable.
type KeyProvider interface {
	GetKey(ctx context.Context) (string, error)
}

// KeyProviderFunc adapts a plain function to KeyProvider.
type KeyProviderFunc func(ctx context.Context) (string, error)

func (f KeyProviderFunc) GetKey(ctx context.Context) (string, error) { return f(ctx) }

// Registry holds registered descriptors and their optional key providers.
// Sensitive descriptors reject all inspection operations.
type Registry struct {
	descriptors map[string]Descriptor
	keyProviders map[string]KeyProvider
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors:  make(map[string]Descriptor),
		keyProviders: make(map[string]KeyProvider),
	}
}

// Register adds or replaces a descriptor.
func (r *Registry) Register(d Descriptor, keyProvider KeyProvider) {
	r.descriptors[d.ID] = d
	if keyProvider != nil {
		r.keyProviders[d.ID] = keyProvider
	} else {
		delete(r.keyProviders, d.ID)
	}
}

// Get returns the descriptor for id and whether it exists.
func (r *Registry) Get(id string) (Descriptor, bool) {
	d, ok := r.descriptors[id]
	return d, ok
}

// KeyProviderFor returns the key provider registered for id, if any.
func (r *Registry) KeyProviderFor(id string) (KeyProvider, bool) {
	kp, ok := r.keyProviders[id]
	return kp, ok
}

// All returns every registered descriptor.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}
