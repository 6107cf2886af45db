package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// AppendCapturedRequest inserts a record at the head of the log and evicts
// the oldest entries beyond the cap, all within one transaction.
func (d *Database) AppendCapturedRequest(rec *CapturedRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	headersJSON, err := json.Marshal(rec.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO captured_requests (id, url, method, headers, body_kind, body, resource_type, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.URL, rec.Method, string(headersJSON), string(rec.BodyKind), rec.Body, rec.Type, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert captured request: %w", err)
	}

	_, err = tx.Exec(
		`DELETE FROM captured_requests WHERE position NOT IN (
			SELECT position FROM captured_requests ORDER BY position DESC LIMIT ?
		)`,
		d.captureLimit,
	)
	if err != nil {
		return fmt.Errorf("failed to trim captured requests: %w", err)
	}

	return tx.Commit()
}

// ListCapturedRequests returns all records, newest first.
func (d *Database) ListCapturedRequests() ([]CapturedRequest, error) {
	rows, err := d.db.Query(
		`SELECT id, url, method, headers, body_kind, body, resource_type, timestamp
		 FROM captured_requests ORDER BY position DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list captured requests: %w", err)
	}
	defer rows.Close()

	var records []CapturedRequest
	for rows.Next() {
		rec, err := scanCapturedRequest(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	return records, rows.Err()
}

// GetCapturedRequest returns the record with the given id.
func (d *Database) GetCapturedRequest(id string) (*CapturedRequest, error) {
	row := d.db.QueryRow(
		`SELECT id, url, method, headers, body_kind, body, resource_type, timestamp
		 FROM captured_requests WHERE id = ?`,
		id,
	)

	rec, err := scanCapturedRequest(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("request not found: %s", id)
		}
		return nil, err
	}
	return rec, nil
}

// RemoveCapturedRequest deletes the record with the given id. Removing an
// absent id is a no-op, not an error.
func (d *Database) RemoveCapturedRequest(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.db.Exec(`DELETE FROM captured_requests WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove captured request: %w", err)
	}
	return nil
}

// ClearCapturedRequests empties the log.
func (d *Database) ClearCapturedRequests() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.db.Exec(`DELETE FROM captured_requests`); err != nil {
		return fmt.Errorf("failed to clear captured requests: %w", err)
	}
	return nil
}

// UpdateCapturedRequest shallow-merges the given fields into an existing
// record. ID and timestamp are never touched. Updating an absent id is a
// no-op.
func (d *Database) UpdateCapturedRequest(id string, update RequestUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT id, url, method, headers, body_kind, body, resource_type, timestamp
		 FROM captured_requests WHERE id = ?`,
		id,
	)
	rec, err := scanCapturedRequest(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}

	if update.URL != nil {
		rec.URL = *update.URL
	}
	if update.Method != nil {
		rec.Method = *update.Method
	}
	if update.Headers != nil {
		rec.Headers = *update.Headers
	}
	if update.Body != nil {
		rec.Body = *update.Body
	}
	if update.BodyKind != nil {
		rec.BodyKind = *update.BodyKind
	}

	headersJSON, err := json.Marshal(rec.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	_, err = tx.Exec(
		`UPDATE captured_requests SET url = ?, method = ?, headers = ?, body_kind = ?, body = ? WHERE id = ?`,
		rec.URL, rec.Method, string(headersJSON), string(rec.BodyKind), rec.Body, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update captured request: %w", err)
	}

	return tx.Commit()
}

// CountCapturedRequests returns the current log length.
func (d *Database) CountCapturedRequests() (int, error) {
	row := d.db.QueryRow(`SELECT COUNT(*) FROM captured_requests`)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count captured requests: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCapturedRequest(row rowScanner) (*CapturedRequest, error) {
	var rec CapturedRequest
	var headersJSON, bodyKind string

	err := row.Scan(&rec.ID, &rec.URL, &rec.Method, &headersJSON, &bodyKind, &rec.Body, &rec.Type, &rec.Timestamp)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan captured request: %w", err)
	}

	rec.BodyKind = BodyKind(bodyKind)
	if headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &rec.Headers); err != nil {
			return nil, fmt.Errorf("failed to decode stored headers: %w", err)
		}
	}
	return &rec, nil
}
