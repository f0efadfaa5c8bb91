package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aegisgate/aegisgate/internal/kv"
)

// ErrIdentityNotFound is returned when an identity record does not exist.
var ErrIdentityNotFound = errors.New("identity not found")

// directoryKey returns the store key for an identity record.
func directoryKey(id string) string {
	return "identity:" + id
}

// Directory stores identity records in the shared store so every service
// instance resolves the same identity claims.
type Directory struct {
	store kv.Store
}

// NewDirectory creates a Directory backed by the given store.
func NewDirectory(store kv.Store) *Directory {
	return &Directory{store: store}
}

// Put writes an identity record. Identity records do not expire.
func (d *Directory) Put(ctx context.Context, id *Identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := d.store.Set(ctx, directoryKey(id.ID), data, kv.NoExpiry); err != nil {
		return fmt.Errorf("store identity: %w", err)
	}
	return nil
}

// Get loads an identity record by ID.
func (d *Directory) Get(ctx context.Context, id string) (*Identity, error) {
	data, err := d.store.Get(ctx, directoryKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	var ident Identity
	if err := json.Unmarshal(data, &ident); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	return &ident, nil
}

// Delete removes an identity record.
func (d *Directory) Delete(ctx context.Context, id string) error {
	return d.store.Delete(ctx, directoryKey(id))
}
