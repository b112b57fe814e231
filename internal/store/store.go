package store

// Store is a minimal key-value store for OAuth credentials.
//
// GetItem reports ok=false when the key does not exist; that is not an error.
// RemoveItem on a missing key is a no-op.
type Store interface {
	GetItem(key string) (value string, ok bool, err error)
	SetItem(key, value string) error
	RemoveItem(key string) error
}
