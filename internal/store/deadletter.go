package store

import "fmt"

// SaveDeadLetter records a dead letter. Saving the same ID twice keeps the
// latest failure.
func (db *DB) SaveDeadLetter(d *DeadLetter) error {
	_, err := db.Exec(`
		INSERT INTO dead_letters (id, queue, payload, attempts, last_error, enqueued_at, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			failed_at = excluded.failed_at`,
		d.ID, d.Queue, string(d.Payload), d.Attempts, d.LastError, d.EnqueuedAt, d.FailedAt)
	if err != nil {
		return fmt.Errorf("save dead letter %s: %w", d.ID, err)
	}
	return nil
}

// ListDeadLetters returns dead letters oldest first. An empty queue name
// lists every queue.
func (db *DB) ListDeadLetters(queue string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, queue, payload, attempts, last_error, enqueued_at, failed_at
		FROM dead_letters
		WHERE (? = '' OR queue = ?)
		ORDER BY failed_at ASC, id ASC
		LIMIT ?`, queue, queue, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		var payload string
		if err := rows.Scan(&d.ID, &d.Queue, &payload, &d.Attempts, &d.LastError, &d.EnqueuedAt, &d.FailedAt); err != nil {
			return nil, err
		}
		d.Payload = []byte(payload)
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountDeadLetters returns the number of dead letters per queue.
func (db *DB) CountDeadLetters() (map[string]int, error) {
	rows, err := db.Query(`SELECT queue, COUNT(*) FROM dead_letters GROUP BY queue`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var q string
		var n int
		if err := rows.Scan(&q, &n); err != nil {
			return nil, err
		}
		counts[q] = n
	}
	return counts, rows.Err()
}

// DeleteDeadLetter removes a dead letter, typically after it was replayed by
// hand. It reports whether the id existed.
func (db *DB) DeleteDeadLetter(id string) (bool, error) {
	res, err := db.Exec(`DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
