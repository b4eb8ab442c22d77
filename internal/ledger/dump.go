package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Receipt is one delivery observed by a subscriber.
type Receipt struct {
	Subscriber string
	ID         MessageID
	ReceivedAt time.Time
	Outcome    string
}

// Finding is one verification finding for a subscriber.
type Finding struct {
	Subscriber string
	Kind       string
	ID         *MessageID
	Detail     string
}

// Dump writes the snapshot, receipts and findings to a fresh SQLite database
// at path. It is a failure diagnostic; an existing file is replaced.
func Dump(ctx context.Context, path string, snap Snapshot, receipts []Receipt, findings []Finding) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dump directory: %w", err)
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove previous dump: %w", err)
	}

	db, err := sql.Open("sqlite", path+
		"?_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(NORMAL)")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, m := range snap.All() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (publisher, sequence, stream_id, published_at, key_id, next_key_id, signed, payload)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.Publisher, m.Sequence, m.StreamID, m.Timestamp.UTC().Format(time.RFC3339Nano),
			m.KeyID, m.NextKeyID, m.Signed, m.Payload); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID(), err)
		}
	}
	for _, r := range receipts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO receipts (subscriber, publisher, sequence, received_at, outcome)
			 VALUES (?, ?, ?, ?, ?)`,
			r.Subscriber, r.ID.Publisher, r.ID.Sequence, r.ReceivedAt.UTC().Format(time.RFC3339Nano), r.Outcome); err != nil {
			return fmt.Errorf("insert receipt: %w", err)
		}
	}
	for _, f := range findings {
		var msg sql.NullString
		if f.ID != nil {
			msg = sql.NullString{String: f.ID.String(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO findings (subscriber, kind, message, detail) VALUES (?, ?, ?, ?)`,
			f.Subscriber, f.Kind, msg, f.Detail); err != nil {
			return fmt.Errorf("insert finding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dump: %w", err)
	}
	return nil
}
