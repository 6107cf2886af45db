package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PutCollectionItem inserts or replaces an entry of a named collection.
func (d *Database) PutCollectionItem(collection, key string, value json.RawMessage) error {
	if collection == "" || key == "" {
		return fmt.Errorf("collection and key cannot be empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now().UnixMilli()
	_, err := d.db.Exec(
		`INSERT INTO collections (collection, key, value, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		collection, key, string(value), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to store %s item: %w", collection, err)
	}
	return nil
}

// GetCollection returns all entries of a named collection, oldest first.
func (d *Database) GetCollection(collection string) ([]CollectionItem, error) {
	rows, err := d.db.Query(
		`SELECT key, value, created_at, updated_at FROM collections
		 WHERE collection = ? ORDER BY created_at ASC`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s items: %w", collection, err)
	}
	defer rows.Close()

	var items []CollectionItem
	for rows.Next() {
		var item CollectionItem
		var value string
		if err := rows.Scan(&item.Key, &value, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s item: %w", collection, err)
		}
		item.Value = json.RawMessage(value)
		items = append(items, item)
	}

	return items, rows.Err()
}

// GetCollectionItem returns a single entry by key.
func (d *Database) GetCollectionItem(collection, key string) (*CollectionItem, error) {
	row := d.db.QueryRow(
		`SELECT key, value, created_at, updated_at FROM collections
		 WHERE collection = ? AND key = ?`,
		collection, key,
	)

	var item CollectionItem
	var value string
	if err := row.Scan(&item.Key, &value, &item.CreatedAt, &item.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%s item not found: %s", collection, key)
		}
		return nil, fmt.Errorf("failed to read %s item: %w", collection, err)
	}
	item.Value = json.RawMessage(value)
	return &item, nil
}

// RemoveCollectionItem deletes an entry; removing an absent key is a no-op.
func (d *Database) RemoveCollectionItem(collection, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.db.Exec(`DELETE FROM collections WHERE collection = ? AND key = ?`, collection, key); err != nil {
		return fmt.Errorf("failed to remove %s item: %w", collection, err)
	}
	return nil
}

// ClearCollection deletes every entry of a named collection.
func (d *Database) ClearCollection(collection string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.db.Exec(`DELETE FROM collections WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("failed to clear %s: %w", collection, err)
	}
	return nil
}

// CollectionNames returns the distinct collection names currently stored.
func (d *Database) CollectionNames() ([]string, error) {
	rows, err := d.db.Query(`SELECT DISTINCT collection FROM collections ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan collection name: %w", err)
		}
		names = append(names, name)
	}

	return names, rows.Err()
}
