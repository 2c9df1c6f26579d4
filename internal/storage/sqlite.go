package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"crmnotify/internal/model"
	logx "crmnotify/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time

	opCount    atomic.Uint64
	pruneEvery uint64
	maxAudit   int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: time.Now, pruneEvery: 500, maxAudit: cfg.maxDeliveries()}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveNotification(ctx context.Context, n model.Notification, recipient string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO inbox(recipient, id, kind, priority, created_at, read_at, body)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(recipient, id) DO UPDATE SET
		   kind=excluded.kind, priority=excluded.priority, created_at=excluded.created_at,
		   read_at=COALESCE(excluded.read_at, inbox.read_at), body=excluded.body`,
		recipient, n.ID, string(n.Kind), string(n.Priority), n.CreatedAt.UnixMilli(), nullTime(n.ReadAt), string(body),
	)
	return err
}

func (s *sqliteStore) ListNotifications(ctx context.Context, f model.ListFilter) (model.NotificationPage, error) {
	if s == nil || s.db == nil {
		return model.NotificationPage{}, ErrDisabled
	}
	f = f.Normalize()
	where := []string{"recipient = ?"}
	args := []any{f.RecipientID}
	if f.UnreadOnly {
		where = append(where, "read_at IS NULL")
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Days > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, s.now().Add(-time.Duration(f.Days)*24*time.Hour).UnixMilli())
	}
	cond := strings.Join(where, " AND ")

	page := model.NotificationPage{Page: f.Page, Limit: f.Limit, Items: []model.Notification{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inbox WHERE `+cond, args...).Scan(&page.Total); err != nil {
		return page, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT read_at, body FROM inbox WHERE `+cond+` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, (f.Page-1)*f.Limit)...,
	)
	if err != nil {
		return page, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			readAt sql.NullInt64
			body   string
		)
		if err := rows.Scan(&readAt, &body); err != nil {
			return page, err
		}
		var n model.Notification
		if err := json.Unmarshal([]byte(body), &n); err != nil {
			return page, fmt.Errorf("decode inbox row: %w", err)
		}
		n.ReadAt = nil
		if readAt.Valid {
			t := time.UnixMilli(readAt.Int64).UTC()
			n.ReadAt = &t
		}
		page.Items = append(page.Items, n)
	}
	return page, rows.Err()
}

func (s *sqliteStore) MarkRead(ctx context.Context, recipient, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE inbox SET read_at = COALESCE(read_at, ?) WHERE recipient = ? AND id = ?`,
		s.now().UnixMilli(), recipient, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) MarkAllRead(ctx context.Context, recipient string) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE inbox SET read_at = ? WHERE recipient = ? AND read_at IS NULL`,
		s.now().UnixMilli(), recipient,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) DeleteNotification(ctx context.Context, recipient, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM inbox WHERE recipient = ? AND id = ?`, recipient, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ClearAll(ctx context.Context, recipient string) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM inbox WHERE recipient = ?`, recipient)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) Stats(ctx context.Context, recipient string) (model.Stats, error) {
	st := model.Stats{ByKind: map[model.EventKind]int{}, ByPriority: map[model.Priority]int{}}
	if s == nil || s.db == nil {
		return st, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, priority, read_at IS NULL, COUNT(*) FROM inbox WHERE recipient = ? GROUP BY kind, priority, read_at IS NULL`,
		recipient,
	)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind, prio string
			unread     bool
			n          int
		)
		if err := rows.Scan(&kind, &prio, &unread, &n); err != nil {
			return st, err
		}
		st.Total += n
		if unread {
			st.Unread += n
		}
		st.ByKind[model.EventKind(kind)] += n
		st.ByPriority[model.Priority(prio)] += n
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduled WHERE status = ?`, string(model.StatusPending)).Scan(&st.ScheduledPending)
	return st, err
}

func (s *sqliteStore) PutScheduled(ctx context.Context, sn model.ScheduledNotification) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	body, err := json.Marshal(sn)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled(id, status, scheduled_for, body) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, scheduled_for=excluded.scheduled_for, body=excluded.body`,
		sn.ID, string(sn.Status), sn.ScheduledFor.UnixMilli(), string(body),
	)
	return err
}

func (s *sqliteStore) ListScheduled(ctx context.Context, status model.ScheduleStatus) ([]model.ScheduledNotification, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT body FROM scheduled`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY scheduled_for, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ScheduledNotification
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var sn model.ScheduledNotification
		if err := json.Unmarshal([]byte(body), &sn); err != nil {
			return nil, fmt.Errorf("decode scheduled row: %w", err)
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, notification_id, rule_id, action, channel, recipient, status, reason, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), r.NotificationID, nullStr(r.RuleID), r.Action, r.Channel,
		nullStr(r.Recipient), r.Status, nullStr(r.Reason), nullStr(r.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneDeliveries(pctx); perr != nil {
			s.log.Debug("delivery audit prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = s.maxAudit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, notification_id, COALESCE(rule_id,''), action, channel, COALESCE(recipient,''), status,
		        COALESCE(reason,''), COALESCE(err,'')
		 FROM deliveries ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeliveryRecord
	for rows.Next() {
		var (
			r  DeliveryRecord
			at string
		)
		if err := rows.Scan(&at, &r.NotificationID, &r.RuleID, &r.Action, &r.Channel, &r.Recipient, &r.Status, &r.Reason, &r.Error); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneDeliveries(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE seq <= (SELECT MAX(seq) FROM deliveries) - ?`, s.maxAudit)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
