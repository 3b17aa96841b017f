// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

// Package store persists detection items in BadgerDB. Items are stored
// as JSON values keyed by id, with a reverse-timestamp index so a
// forward prefix scan yields the timeline newest first.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/jefvlamings/reolink-feed/internal/models"
)

// ErrItemNotFound is returned when an item id has no stored entry.
var ErrItemNotFound = errors.New("item not found")

// Key prefixes for BadgerDB storage.
const (
	itemKeyPrefix  = "item:"
	indexKeyPrefix = "item_ts:"
)

// ItemStore is a BadgerDB-backed detection item store.
type ItemStore struct {
	db *badger.DB
}

// Open opens (or creates) a store at path. An empty path opens an
// in-memory store, used by tests and demo runs.
func Open(path string) (*ItemStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &ItemStore{db: db}, nil
}

// NewWithDB wraps an existing Badger handle. The caller keeps ownership
// of the handle's lifecycle.
func NewWithDB(db *badger.DB) *ItemStore {
	return &ItemStore{db: db}
}

// Close releases the underlying database.
func (s *ItemStore) Close() error {
	return s.db.Close()
}

// itemKey returns the primary key for an item id.
func itemKey(id string) []byte {
	return []byte(itemKeyPrefix + id)
}

// indexKey returns the recency index key for an item. The start
// timestamp is bit-inverted so lexicographic order is newest first.
// Start timestamps are immutable, so the index key is stable across
// updates of the same item.
func indexKey(item *models.DetectionItem) []byte {
	inv := ^uint64(item.StartTS.UnixNano()) //nolint:gosec // nanos fit int64 until 2262
	return []byte(fmt.Sprintf("%s%016x:%s", indexKeyPrefix, inv, item.ID))
}

// Put inserts or updates an item.
func (s *ItemStore) Put(ctx context.Context, item *models.DetectionItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(itemKey(item.ID), data); err != nil {
			return fmt.Errorf("set item: %w", err)
		}
		if err := txn.Set(indexKey(item), []byte(item.ID)); err != nil {
			return fmt.Errorf("set index: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store item %s: %w", item.ID, err)
	}
	return nil
}

// Get retrieves an item by id.
func (s *ItemStore) Get(ctx context.Context, id string) (*models.DetectionItem, error) {
	var item models.DetectionItem

	err := s.db.View(func(txn *badger.Txn) error {
		entry, err := txn.Get(itemKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrItemNotFound
		}
		if err != nil {
			return fmt.Errorf("get item: %w", err)
		}
		return entry.Value(func(val []byte) error {
			return json.Unmarshal(val, &item)
		})
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Delete removes an item and its index entry. Deleting an absent id is
// a no-op.
func (s *ItemStore) Delete(ctx context.Context, id string) error {
	item, err := s.Get(ctx, id)
	if errors.Is(err, ErrItemNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(itemKey(id)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete item: %w", err)
		}
		if err := txn.Delete(indexKey(item)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete index: %w", err)
		}
		return nil
	})
}

// Filter narrows List results.
type Filter struct {
	// Labels restricts to the given set; empty means all labels.
	Labels []models.Label

	// Since drops items that started before the given time.
	Since time.Time

	// Limit caps the result length; 0 means no cap.
	Limit int
}

func (f Filter) matchLabel(l models.Label) bool {
	if len(f.Labels) == 0 {
		return true
	}
	for _, want := range f.Labels {
		if want == l {
			return true
		}
	}
	return false
}

// List returns items newest first, filtered.
func (s *ItemStore) List(ctx context.Context, filter Filter) ([]models.DetectionItem, error) {
	var items []models.DetectionItem

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(indexKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var id string
			if err := it.Item().Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return err
			}

			entry, err := txn.Get(itemKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue // index entry orphaned by a crashed delete
			}
			if err != nil {
				return fmt.Errorf("get item %s: %w", id, err)
			}

			var item models.DetectionItem
			if err := entry.Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			}); err != nil {
				return fmt.Errorf("unmarshal item %s: %w", id, err)
			}

			if !filter.matchLabel(item.Label) {
				continue
			}
			if !filter.Since.IsZero() && item.StartTS.Before(filter.Since) {
				// Index order is newest first; everything past this
				// point is older still.
				break
			}

			items = append(items, item)
			if filter.Limit > 0 && len(items) >= filter.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// Count returns the number of stored items.
func (s *ItemStore) Count(ctx context.Context) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(itemKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}
