// Package storage defines the key/value capability the table database is built on.
package storage

import (
	"encoding/json"
	"errors"
)

// ErrKeyNotFound is returned by Get when no value is stored under the key.
var ErrKeyNotFound = errors.New("storage: key not found")

// KeyValueStore persists JSON values under string keys.
type KeyValueStore interface {
	// Get returns the raw JSON stored under key or ErrKeyNotFound.
	Get(key string) (json.RawMessage, error)
	// Set stores value under key, replacing any previous value.
	Set(key string, value json.RawMessage) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error
}

// GetJSON loads the value under key into target.
func GetJSON(store KeyValueStore, key string, target any) error {
	raw, err := store.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

// SetJSON marshals value and stores it under key.
func SetJSON(store KeyValueStore, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.Set(key, raw)
}
