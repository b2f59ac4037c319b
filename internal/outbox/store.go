package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Codarn/pg-mqtt-pub/internal/slot"
)

// Dead-letter reasons.
const (
	ReasonMaxAttempts   = "max attempts exceeded"
	ReasonCorrupt       = "corrupt"
	ReasonUnknownBroker = "unknown broker"
)

// Entry is one outbox row.
type Entry struct {
	ID          int64
	Message     slot.Message
	Attempts    int
	AvailableAt time.Time
	LastError   string
	CreatedAt   time.Time
}

// DeadLetter is one terminal record.
type DeadLetter struct {
	ID             string    `json:"id"`
	Broker         string    `json:"broker"`
	Topic          string    `json:"topic"`
	Payload        []byte    `json:"payload"`
	QoS            byte      `json:"qos"`
	Retain         bool      `json:"retain"`
	Attempts       int       `json:"attempts"`
	Reason         string    `json:"reason"`
	FirstQueuedAt  time.Time `json:"first_queued_at"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`

	// OutboxID is the source row deleted in the same transaction.
	// Zero when the message came from the ring buffer.
	OutboxID int64 `json:"-"`
}

// Store defines the durable queue operations the delivery engine needs.
// This abstraction allows fault-injecting implementations in tests.
type Store interface {
	// Insert appends e durably. A zero AvailableAt means "ready now".
	Insert(ctx context.Context, e Entry) (int64, error)

	// DrainBatch claims up to max ready rows addressed to one of brokers,
	// ordered by seq. Claimed rows are invisible to later batches.
	DrainBatch(ctx context.Context, max int, brokers []string, now time.Time) ([]Entry, error)

	// Ack deletes a delivered row.
	Ack(ctx context.Context, id int64) error

	// Retry unclaims a row with a new attempt count and due time.
	Retry(ctx context.Context, id int64, attempts int, availableAt time.Time, lastErr string) error

	// Release unclaims a row without counting an attempt.
	Release(ctx context.Context, id int64) error

	// RecoverClaimed unclaims every claimed row and returns how many.
	RecoverClaimed(ctx context.Context) (int64, error)

	Pending(ctx context.Context) (int64, error)
	PendingByBroker(ctx context.Context) (map[string]int64, error)

	// MaxSeq returns the highest queued seq, or zero when empty.
	MaxSeq(ctx context.Context) (uint64, error)

	// DeadLetter records d and, when d.OutboxID is set, deletes the source
	// row in the same transaction.
	DeadLetter(ctx context.Context, d DeadLetter) error

	// ListDeadLetters returns up to limit records, newest first.
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	// PurgeDeadLetters deletes records dead-lettered before cutoff.
	PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQLiteStore implements Store on the outbox and dead_letters tables.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a store over an open, migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Insert appends e durably.
func (s *SQLiteStore) Insert(ctx context.Context, e Entry) (int64, error) {
	now := s.now()
	if e.AvailableAt.IsZero() {
		e.AvailableAt = now
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	payload := e.Message.Payload
	if payload == nil {
		payload = []byte{}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (seq, broker, topic, payload, qos, retain, attempts,
			available_at, claimed, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		int64(e.Message.Seq), e.Message.Broker, e.Message.Topic, payload,
		int(e.Message.QoS), boolInt(e.Message.Retain), e.Attempts,
		toMillis(e.AvailableAt), nullString(e.LastError), toMillis(e.CreatedAt),
	)
	if err != nil {
		return 0, storageErr("inserting", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("reading insert id", err)
	}
	return id, nil
}

// DrainBatch claims up to max ready rows for the given brokers.
func (s *SQLiteStore) DrainBatch(ctx context.Context, max int, brokers []string, now time.Time) ([]Entry, error) {
	if max <= 0 || len(brokers) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("starting drain", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	args := make([]any, 0, len(brokers)+2)
	args = append(args, toMillis(now))
	for _, b := range brokers {
		args = append(args, b)
	}
	args = append(args, max)

	query := `
		SELECT id, seq, broker, topic, payload, qos, retain, attempts,
			available_at, last_error, created_at
		FROM outbox
		WHERE claimed = 0 AND available_at <= ? AND broker IN (` + placeholders(len(brokers)) + `)
		ORDER BY seq, id
		LIMIT ?`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("selecting batch", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]any, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE outbox SET claimed = 1 WHERE id IN (`+placeholders(len(ids))+`)`, ids...,
	); err != nil {
		return nil, storageErr("claiming batch", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("committing drain", err)
	}
	return entries, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                  Entry
			seq                int64
			qos, retain        int
			availableAt, since int64
			lastErr            sql.NullString
		)
		if err := rows.Scan(&e.ID, &seq, &e.Message.Broker, &e.Message.Topic, &e.Message.Payload,
			&qos, &retain, &e.Attempts, &availableAt, &lastErr, &since); err != nil {
			return nil, storageErr("scanning entry", err)
		}
		e.Message.Seq = uint64(seq) //nolint:gosec // seq is never negative
		e.Message.QoS = byte(qos)   //nolint:gosec // CHECK constraint bounds qos
		e.Message.Retain = retain != 0
		e.AvailableAt = fromMillis(availableAt)
		e.CreatedAt = fromMillis(since)
		e.LastError = lastErr.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating entries", err)
	}
	return entries, nil
}

// Ack deletes a delivered row.
func (s *SQLiteStore) Ack(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM outbox WHERE id = ?", id)
	if err != nil {
		return storageErr("acking", err)
	}
	return expectOne(res, id)
}

// Retry unclaims a row for another attempt no earlier than availableAt.
func (s *SQLiteStore) Retry(ctx context.Context, id int64, attempts int, availableAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET claimed = 0, attempts = ?, available_at = ?, last_error = ?
		WHERE id = ?`,
		attempts, toMillis(availableAt), nullString(lastErr), id,
	)
	if err != nil {
		return storageErr("scheduling retry", err)
	}
	return expectOne(res, id)
}

// Release unclaims a row that was never dispatched.
func (s *SQLiteStore) Release(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE outbox SET claimed = 0 WHERE id = ?", id)
	if err != nil {
		return storageErr("releasing", err)
	}
	return expectOne(res, id)
}

// RecoverClaimed unclaims every claimed row.
func (s *SQLiteStore) RecoverClaimed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE outbox SET claimed = 0 WHERE claimed = 1")
	if err != nil {
		return 0, storageErr("recovering claimed rows", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("recovering claimed rows", err)
	}
	return n, nil
}

// Pending returns the exact number of queued rows, claimed or not.
func (s *SQLiteStore) Pending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox").Scan(&n); err != nil {
		return 0, storageErr("counting pending", err)
	}
	return n, nil
}

// PendingByBroker returns queued row counts keyed by broker name.
func (s *SQLiteStore) PendingByBroker(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT broker, COUNT(*) FROM outbox GROUP BY broker")
	if err != nil {
		return nil, storageErr("counting pending by broker", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, storageErr("scanning pending count", err)
		}
		out[name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating pending counts", err)
	}
	return out, nil
}

// MaxSeq returns the highest queued seq.
func (s *SQLiteStore) MaxSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM outbox").Scan(&seq); err != nil {
		return 0, storageErr("reading max seq", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// DeadLetter records d, deleting its outbox row when OutboxID is set.
func (s *SQLiteStore) DeadLetter(ctx context.Context, d DeadLetter) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := s.now()
	if d.DeadLetteredAt.IsZero() {
		d.DeadLetteredAt = now
	}
	if d.FirstQueuedAt.IsZero() {
		d.FirstQueuedAt = d.DeadLetteredAt
	}
	if d.Payload == nil {
		d.Payload = []byte{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("starting dead-letter", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, broker, topic, payload, qos, retain, attempts,
			reason, first_queued_at, dead_lettered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Broker, d.Topic, d.Payload, int(d.QoS), boolInt(d.Retain), d.Attempts,
		d.Reason, toMillis(d.FirstQueuedAt), toMillis(d.DeadLetteredAt),
	); err != nil {
		return storageErr("inserting dead letter", err)
	}

	if d.OutboxID != 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM outbox WHERE id = ?", d.OutboxID); err != nil {
			return storageErr("deleting dead-lettered row", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("committing dead letter", err)
	}
	return nil
}

// ListDeadLetters returns up to limit records, newest first.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		return []DeadLetter{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, broker, topic, payload, qos, retain, attempts, reason,
			first_queued_at, dead_lettered_at
		FROM dead_letters
		ORDER BY dead_lettered_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("listing dead letters", err)
	}
	defer rows.Close()

	out := []DeadLetter{}
	for rows.Next() {
		var (
			d               DeadLetter
			qos, retain     int
			first, lettered int64
		)
		if err := rows.Scan(&d.ID, &d.Broker, &d.Topic, &d.Payload, &qos, &retain,
			&d.Attempts, &d.Reason, &first, &lettered); err != nil {
			return nil, storageErr("scanning dead letter", err)
		}
		d.QoS = byte(qos) //nolint:gosec // stored from a validated message
		d.Retain = retain != 0
		d.FirstQueuedAt = fromMillis(first)
		d.DeadLetteredAt = fromMillis(lettered)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating dead letters", err)
	}
	return out, nil
}

// PurgeDeadLetters deletes records dead-lettered strictly before cutoff.
func (s *SQLiteStore) PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM dead_letters WHERE dead_lettered_at < ?", toMillis(cutoff))
	if err != nil {
		return 0, storageErr("purging dead letters", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("purging dead letters", err)
	}
	return n, nil
}

func expectOne(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("reading rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
