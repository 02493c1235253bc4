package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/g960059/drillgrid/internal/model"
	"github.com/g960059/drillgrid/internal/promotion"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
	// ErrConflict is the store's name for a stale collection revision.
	ErrConflict = model.ErrRevisionConflict
)

// AnyRevision skips the revision check of WriteAll.
const AnyRevision int64 = -1

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// ReadAll returns the task collection in stored order with its revision.
func (s *Store) ReadAll(ctx context.Context) (model.TaskSet, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return model.TaskSet{}, fmt.Errorf("begin read tasks: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var set model.TaskSet
	if err := tx.QueryRowContext(ctx, `SELECT revision FROM task_collection WHERE collection_id = 1`).Scan(&set.Revision); err != nil {
		return model.TaskSet{}, fmt.Errorf("read task revision: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `SELECT body FROM tasks ORDER BY position ASC`)
	if err != nil {
		return model.TaskSet{}, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	set.Tasks = []model.Task{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return model.TaskSet{}, fmt.Errorf("scan task: %w", err)
		}
		var t model.Task
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return model.TaskSet{}, fmt.Errorf("decode task: %w", err)
		}
		set.Tasks = append(set.Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return model.TaskSet{}, fmt.Errorf("iterate tasks: %w", err)
	}
	return set, nil
}

// WriteAll replaces the whole collection when set.Revision matches the
// stored revision (or is AnyRevision) and bumps the revision.
func (s *Store) WriteAll(ctx context.Context, set model.TaskSet) error {
	_, err := s.Replace(ctx, set)
	return err
}

// Replace is WriteAll returning the new revision.
func (s *Store) Replace(ctx context.Context, set model.TaskSet) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin write tasks: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT revision FROM task_collection WHERE collection_id = 1`).Scan(&current); err != nil {
		return 0, fmt.Errorf("read task revision: %w", err)
	}
	if set.Revision != AnyRevision && set.Revision != current {
		return 0, fmt.Errorf("%w: have %d, stored %d", ErrConflict, set.Revision, current)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return 0, fmt.Errorf("clear tasks: %w", err)
	}
	for i, t := range set.Tasks {
		body, err := json.Marshal(t)
		if err != nil {
			return 0, fmt.Errorf("encode task %q: %w", t.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO tasks(position, task_id, flow, status, body)
VALUES (?, ?, ?, ?, ?)
`, i, strings.TrimSpace(t.ID), strings.TrimSpace(t.Flow), string(t.Status), string(body))
		if err != nil {
			if isUniqueErr(err) {
				return 0, fmt.Errorf("%w: task id %q", ErrDuplicate, t.ID)
			}
			return 0, fmt.Errorf("insert task %q: %w", t.ID, err)
		}
	}
	next := current + 1
	if _, err := tx.ExecContext(ctx, `UPDATE task_collection SET revision = ?, updated_at = ? WHERE collection_id = 1`, next, ts(s.now())); err != nil {
		return 0, fmt.Errorf("bump task revision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tasks: %w", err)
	}
	return next, nil
}

func (s *Store) Revision(ctx context.Context) (int64, error) {
	var rev int64
	if err := s.db.QueryRowContext(ctx, `SELECT revision FROM task_collection WHERE collection_id = 1`).Scan(&rev); err != nil {
		return 0, fmt.Errorf("read task revision: %w", err)
	}
	return rev, nil
}

type PromotionRecord struct {
	PromotionID string          `json:"promotion_id"`
	Key         string          `json:"key"`
	Payload     json.RawMessage `json:"payload"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// Submit records a promotion payload; it makes Store a promotion sink.
func (s *Store) Submit(ctx context.Context, payload promotion.Payload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode promotion: %w", err)
	}
	_, err = s.RecordPromotion(ctx, payload.Key, raw)
	return err
}

// RecordPromotion appends a promotion payload to the log and returns its id.
func (s *Store) RecordPromotion(ctx context.Context, key string, payload []byte) (PromotionRecord, error) {
	if !json.Valid(payload) {
		return PromotionRecord{}, fmt.Errorf("promotion payload is not valid json")
	}
	rec := PromotionRecord{
		PromotionID: uuid.NewString(),
		Key:         key,
		Payload:     json.RawMessage(payload),
		ReceivedAt:  s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO promotions(promotion_id, promo_key, payload, received_at)
VALUES (?, ?, ?, ?)
`, rec.PromotionID, rec.Key, string(payload), ts(rec.ReceivedAt))
	if err != nil {
		if isUniqueErr(err) {
			return PromotionRecord{}, ErrDuplicate
		}
		return PromotionRecord{}, fmt.Errorf("insert promotion: %w", err)
	}
	return rec, nil
}

// ListPromotions returns the most recent promotions first. An empty key
// lists every key.
func (s *Store) ListPromotions(ctx context.Context, key string, limit int) ([]PromotionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT promotion_id, promo_key, payload, received_at FROM promotions`
	args := []any{}
	if key != "" {
		query += ` WHERE promo_key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY received_at DESC, promotion_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query promotions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := []PromotionRecord{}
	for rows.Next() {
		var (
			rec        PromotionRecord
			payload    string
			receivedAt string
		)
		if err := rows.Scan(&rec.PromotionID, &rec.Key, &payload, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan promotion: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		if rec.ReceivedAt, err = parseTS(receivedAt); err != nil {
			return nil, fmt.Errorf("parse received_at: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate promotions: %w", err)
	}
	return out, nil
}

func (s *Store) GetPromotion(ctx context.Context, promotionID string) (PromotionRecord, error) {
	var (
		rec        PromotionRecord
		payload    string
		receivedAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT promotion_id, promo_key, payload, received_at FROM promotions WHERE promotion_id = ?
`, promotionID).Scan(&rec.PromotionID, &rec.Key, &payload, &receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PromotionRecord{}, ErrNotFound
	}
	if err != nil {
		return PromotionRecord{}, fmt.Errorf("get promotion: %w", err)
	}
	rec.Payload = json.RawMessage(payload)
	if rec.ReceivedAt, err = parseTS(receivedAt); err != nil {
		return PromotionRecord{}, fmt.Errorf("parse received_at: %w", err)
	}
	return rec, nil
}

// DispatchRecord is one audited command dispatch. Commands are stored as
// given; callers redact them first.
type DispatchRecord struct {
	AuditID      string    `json:"audit_id"`
	Commands     []string  `json:"commands"`
	Result       string    `json:"result"`
	ErrorMessage string    `json:"error_message,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

func (s *Store) RecordDispatch(ctx context.Context, rec DispatchRecord) (DispatchRecord, error) {
	if rec.AuditID == "" {
		rec.AuditID = uuid.NewString()
	}
	if rec.Result != "ok" && rec.Result != "error" {
		return DispatchRecord{}, fmt.Errorf("dispatch result must be ok or error, got %q", rec.Result)
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.now().UTC()
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = rec.StartedAt
	}
	commands, err := json.Marshal(rec.Commands)
	if err != nil {
		return DispatchRecord{}, fmt.Errorf("encode commands: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO dispatch_audit(audit_id, commands, result, error_message, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?)
`, rec.AuditID, string(commands), rec.Result, nullIfEmpty(rec.ErrorMessage), ts(rec.StartedAt), ts(rec.FinishedAt))
	if err != nil {
		if isUniqueErr(err) {
			return DispatchRecord{}, ErrDuplicate
		}
		return DispatchRecord{}, fmt.Errorf("insert dispatch audit: %w", err)
	}
	return rec, nil
}

func (s *Store) ListDispatches(ctx context.Context, limit int) ([]DispatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT audit_id, commands, result, error_message, started_at, finished_at
FROM dispatch_audit
ORDER BY started_at DESC, audit_id ASC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispatch audit: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := []DispatchRecord{}
	for rows.Next() {
		var (
			rec        DispatchRecord
			commands   string
			errMsg     sql.NullString
			startedAt  string
			finishedAt string
		)
		if err := rows.Scan(&rec.AuditID, &commands, &rec.Result, &errMsg, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan dispatch audit: %w", err)
		}
		if err := json.Unmarshal([]byte(commands), &rec.Commands); err != nil {
			return nil, fmt.Errorf("decode commands: %w", err)
		}
		rec.ErrorMessage = errMsg.String
		if rec.StartedAt, err = parseTS(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if rec.FinishedAt, err = parseTS(finishedAt); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatch audit: %w", err)
	}
	return out, nil
}

var countableTables = map[string]struct{}{
	"tasks":          {},
	"promotions":     {},
	"dispatch_audit": {},
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	if _, ok := countableTables[table]; !ok {
		return 0, fmt.Errorf("unsupported table %q", table)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg,
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
