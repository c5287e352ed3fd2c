package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteTime is RFC 3339 UTC with fixed-width fractional seconds so lexical
// order on the TEXT column matches time order (variable-width fractions
// break `created_at <= ?` comparisons). Reads accept RFC3339Nano, which
// covers this layout.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	now func() time.Time
}

func openSQLite(cfg Config) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
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

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) RecordContact(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts(contact_id) VALUES(?) ON CONFLICT(contact_id) DO NOTHING`, id)
	return err
}

func (s *sqliteStore) RemoveContact(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE contact_id = ?`, id)
	return err
}

func (s *sqliteStore) CountContacts(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts`).Scan(&n)
	return n, err
}

func (s *sqliteStore) ContactIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT contact_id FROM contacts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) RecordGroup(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups(chat_id) VALUES(?) ON CONFLICT(chat_id) DO NOTHING`, id)
	return err
}

func (s *sqliteStore) CountGroups(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM groups`).Scan(&n)
	return n, err
}

func (s *sqliteStore) CreateOnboarding(ctx context.Context, id int64, firstName string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO onboarding(contact_id, first_name, stage, created_at)
		 VALUES(?,?,?,?) ON CONFLICT(contact_id) DO NOTHING`,
		id, firstName, "welcome_sent", s.now().UTC().Format(sqliteTime))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (s *sqliteStore) GetOnboarding(ctx context.Context, id int64) (OnboardingRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT contact_id, first_name, stage, created_at,
		        follow_up_1h_sent, follow_up_3h_sent, setup_completed, account_verified
		 FROM onboarding WHERE contact_id = ?`, id)
	return scanOnboarding(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOnboarding(row rowScanner) (OnboardingRecord, error) {
	var (
		rec     OnboardingRecord
		created string
	)
	err := row.Scan(&rec.ContactID, &rec.FirstName, &rec.Stage, &created,
		&rec.FollowUp1hSent, &rec.FollowUp3hSent, &rec.SetupCompleted, &rec.AccountVerified)
	if errors.Is(err, sql.ErrNoRows) {
		return OnboardingRecord{}, ErrNotFound
	}
	if err != nil {
		return OnboardingRecord{}, err
	}
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return OnboardingRecord{}, fmt.Errorf("bad created_at %q: %w", created, err)
	}
	return rec, nil
}

func (s *sqliteStore) setField(ctx context.Context, id int64, field string, value any) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE onboarding SET `+field+` = ? WHERE contact_id = ?`, value, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SetStage(ctx context.Context, id int64, stage string) error {
	return s.setField(ctx, id, "stage", stage)
}

func (s *sqliteStore) MarkFollowUpSent(ctx context.Context, id int64, kind FollowUpKind) error {
	field := "follow_up_1h_sent"
	if kind == FollowUp3h {
		field = "follow_up_3h_sent"
	}
	return s.setField(ctx, id, field, true)
}

func (s *sqliteStore) MarkSetupCompleted(ctx context.Context, id int64, completed bool) error {
	return s.setField(ctx, id, "setup_completed", completed)
}

func (s *sqliteStore) MarkAccountVerified(ctx context.Context, id int64, verified bool) error {
	return s.setField(ctx, id, "account_verified", verified)
}

func (s *sqliteStore) DeleteOnboarding(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM onboarding WHERE contact_id = ?`, id)
	return err
}

func (s *sqliteStore) DueForFollowUp(ctx context.Context, kind FollowUpKind, threshold time.Duration) ([]OnboardingRecord, error) {
	field := "follow_up_1h_sent"
	if kind == FollowUp3h {
		field = "follow_up_3h_sent"
	}
	cutoff := s.now().UTC().Add(-threshold).Format(sqliteTime)
	rows, err := s.db.QueryContext(ctx,
		`SELECT contact_id, first_name, stage, created_at,
		        follow_up_1h_sent, follow_up_3h_sent, setup_completed, account_verified
		 FROM onboarding
		 WHERE created_at <= ? AND `+field+` = 0 AND setup_completed = 0`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var due []OnboardingRecord
	for rows.Next() {
		rec, err := scanOnboarding(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, rec)
	}
	return due, rows.Err()
}

func (s *sqliteStore) RecordPendingJoin(ctx context.Context, p PendingJoin) error {
	if p.RequestedAt.IsZero() {
		p.RequestedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_joins(chat_id, user_id, first_name, requested_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(chat_id, user_id) DO UPDATE SET first_name=excluded.first_name`,
		p.ChatID, p.UserID, p.FirstName, p.RequestedAt.UTC().Format(sqliteTime))
	return err
}

func (s *sqliteStore) DeletePendingJoin(ctx context.Context, chatID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_joins WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	return err
}

func (s *sqliteStore) PendingJoins(ctx context.Context, chatID int64) ([]PendingJoin, error) {
	q := `SELECT chat_id, user_id, first_name, requested_at FROM pending_joins`
	args := []any{}
	if chatID != 0 {
		q += ` WHERE chat_id = ?`
		args = append(args, chatID)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingJoin
	for rows.Next() {
		var (
			p         PendingJoin
			requested string
		)
		if err := rows.Scan(&p.ChatID, &p.UserID, &p.FirstName, &requested); err != nil {
			return nil, err
		}
		if p.RequestedAt, err = time.Parse(time.RFC3339Nano, requested); err != nil {
			return nil, fmt.Errorf("bad requested_at %q: %w", requested, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
