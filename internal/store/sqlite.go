package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/botfleet/botfleet/pkg/models"
)

// SQLiteStore is the durable Store backed by a SQLite file in WAL mode.
// Every bot process and the supervisor open the same file; WAL plus a
// busy timeout gives readers-don't-block-writers behavior without a
// lock service. Double-issue races across processes are accepted and
// resolved by downstream failure classification, not prevented.
type SQLiteStore struct {
	writer    *sql.DB
	reader    *sql.DB
	namespace string
	timeout   time.Duration
}

// OpenSQLite opens (and migrates) the shared database at path. The
// writer connection is limited to a single connection to avoid
// "database is locked" errors; the reader pool allows concurrent reads.
func OpenSQLite(path, namespace string, timeout time.Duration) (*SQLiteStore, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path,
	)
	return openSQLiteDSN(dsn, namespace, timeout)
}

func openSQLiteDSN(dsn, namespace string, timeout time.Duration) (*SQLiteStore, error) {
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("ping writer: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	if err := reader.Ping(); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("ping reader: %w", err)
	}

	if err := runMigrations(writer); err != nil {
		reader.Close()
		writer.Close()
		return nil, err
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SQLiteStore{
		writer:    writer,
		reader:    reader,
		namespace: namespace,
		timeout:   timeout,
	}, nil
}

// Ping checks the backing database.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.reader.PingContext(ctx); err != nil {
		return s.infra("ping", err)
	}
	return nil
}

// Close closes both connections. Returns the first error encountered.
func (s *SQLiteStore) Close() error {
	var firstErr error
	if err := s.reader.Close(); err != nil {
		firstErr = fmt.Errorf("close reader: %w", err)
	}
	if err := s.writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close writer: %w", err)
	}
	return firstErr
}

// ── Credentials ─────────────────────────────────────────────

// AddCredentials inserts new values as Available, skipping duplicates,
// and writes one audit entry per accepted value in the same transaction.
func (s *SQLiteStore) AddCredentials(ctx context.Context, values []string, actor, source string) (int, error) {
	cleaned := cleanValues(values)
	if len(cleaned) == 0 {
		return 0, nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.infra("add credentials", err)
	}
	defer tx.Rollback()

	now := timestamp(time.Now())
	added := 0
	for _, value := range cleaned {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO credentials
			   (namespace, fingerprint, value, status, added_by, source, added_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.namespace, models.Fingerprint(value), value, models.CredentialAvailable, actor, source, now,
		)
		if err != nil {
			return 0, s.infra("add credentials", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, s.infra("add credentials", err)
		}
		if n == 0 {
			continue // duplicate value, silently excluded
		}
		added++

		_, err = tx.ExecContext(ctx,
			`INSERT INTO audit_log (id, namespace, actor, action, fingerprint, source, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), s.namespace, actor, models.AuditActionAdd, models.Fingerprint(value), source, now,
		)
		if err != nil {
			return 0, s.infra("add credentials audit", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, s.infra("add credentials", err)
	}
	return added, nil
}

// ListAvailable returns Available credentials, least recently issued
// first, which drives the pool's round-robin ordering.
func (s *SQLiteStore) ListAvailable(ctx context.Context) ([]models.Credential, error) {
	return s.listCredentials(ctx, `WHERE namespace = ? AND status = ?`, s.namespace, string(models.CredentialAvailable))
}

// ListCredentials returns every credential in the namespace.
func (s *SQLiteStore) ListCredentials(ctx context.Context) ([]models.Credential, error) {
	return s.listCredentials(ctx, `WHERE namespace = ?`, s.namespace)
}

func (s *SQLiteStore) listCredentials(ctx context.Context, where string, args ...any) ([]models.Credential, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `SELECT value, status, failure_count, added_by, added_at, last_issued_at
	          FROM credentials ` + where + ` ORDER BY last_issued_at ASC, added_at ASC`
	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.infra("list credentials", err)
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		var c models.Credential
		var status, addedAt, issuedAt string
		if err := rows.Scan(&c.Value, &status, &c.FailureCount, &c.AddedBy, &addedAt, &issuedAt); err != nil {
			return nil, s.infra("scan credential", err)
		}
		c.Status = models.CredentialStatus(status)
		c.AddedAt = parseTimestamp(addedAt)
		c.LastIssuedAt = parseTimestamp(issuedAt)
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.infra("iterate credentials", err)
	}
	return creds, nil
}

// Mark transitions a credential's status. Retired is terminal: marking
// into Retired succeeds from any status, marking out of Retired fails
// with ErrInvalidTransition. Re-marking the current status is a no-op.
func (s *SQLiteStore) Mark(ctx context.Context, value string, status models.CredentialStatus) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return s.infra("mark credential", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM credentials WHERE namespace = ? AND value = ?`,
		s.namespace, value,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return &ErrNotFound{Entity: "credential", Key: models.Fingerprint(value)}
	}
	if err != nil {
		return s.infra("mark credential", err)
	}

	if models.CredentialStatus(current) == models.CredentialRetired && status != models.CredentialRetired {
		return fmt.Errorf("credential %s is retired: %w", models.Fingerprint(value), ErrInvalidTransition)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE credentials SET status = ? WHERE namespace = ? AND value = ?`,
		string(status), s.namespace, value,
	)
	if err != nil {
		return s.infra("mark credential", err)
	}

	if status == models.CredentialRetired && models.CredentialStatus(current) != models.CredentialRetired {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO audit_log (id, namespace, actor, action, fingerprint, source, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), s.namespace, "system", models.AuditActionRetire,
			models.Fingerprint(value), "pool", timestamp(time.Now()),
		)
		if err != nil {
			return s.infra("mark credential audit", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.infra("mark credential", err)
	}
	return nil
}

// SetFailureCount persists the consecutive-failure counter.
func (s *SQLiteStore) SetFailureCount(ctx context.Context, value string, count int) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.writer.ExecContext(ctx,
		`UPDATE credentials SET failure_count = ? WHERE namespace = ? AND value = ?`,
		count, s.namespace, value,
	)
	if err != nil {
		return s.infra("set failure count", err)
	}
	return nil
}

// TouchIssued records the last hand-out time for LRU ordering.
func (s *SQLiteStore) TouchIssued(ctx context.Context, value string, at time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.writer.ExecContext(ctx,
		`UPDATE credentials SET last_issued_at = ? WHERE namespace = ? AND value = ?`,
		timestamp(at), s.namespace, value,
	)
	if err != nil {
		return s.infra("touch issued", err)
	}
	return nil
}

// ── Audit ───────────────────────────────────────────────────

func (s *SQLiteStore) AppendAudit(ctx context.Context, entry models.AuditEntry) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO audit_log (id, namespace, actor, action, fingerprint, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, s.namespace, entry.Actor, entry.Action, entry.Fingerprint, entry.Source, timestamp(entry.CreatedAt),
	)
	if err != nil {
		return s.infra("append audit", err)
	}
	return nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, actor, action, fingerprint, source, created_at
		 FROM audit_log WHERE namespace = ?
		 ORDER BY created_at DESC, id LIMIT ?`,
		s.namespace, limit,
	)
	if err != nil {
		return nil, s.infra("list audit", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Fingerprint, &e.Source, &createdAt); err != nil {
			return nil, s.infra("scan audit entry", err)
		}
		e.CreatedAt = parseTimestamp(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.infra("iterate audit entries", err)
	}
	return entries, nil
}

// ── Turns ───────────────────────────────────────────────────

// AppendTurn inserts one turn and evicts the oldest turns beyond cap in
// the same transaction, so survivors keep their original order.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn models.Turn, cap int) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return s.infra("append turn", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO turns (namespace, user_id, bot_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.namespace, turn.UserID, turn.BotID, string(turn.Role), turn.Content, timestamp(turn.CreatedAt),
	)
	if err != nil {
		return s.infra("append turn", err)
	}

	if cap > 0 {
		evicted, err := s.turnsBeyondCap(ctx, tx, turn.UserID, turn.BotID, cap)
		if err != nil {
			return err
		}
		if len(evicted) > 0 {
			if err := s.foldIntoSummary(ctx, tx, turn.UserID, turn.BotID, evicted); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM turns
			 WHERE namespace = ? AND user_id = ? AND bot_id = ?
			   AND seq NOT IN (
			     SELECT seq FROM turns
			     WHERE namespace = ? AND user_id = ? AND bot_id = ?
			     ORDER BY seq DESC LIMIT ?
			   )`,
			s.namespace, turn.UserID, turn.BotID,
			s.namespace, turn.UserID, turn.BotID, cap,
		)
		if err != nil {
			return s.infra("evict turns", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.infra("append turn", err)
	}
	return nil
}

// turnsBeyondCap returns the turns about to fall out of the window,
// oldest first.
func (s *SQLiteStore) turnsBeyondCap(ctx context.Context, tx *sql.Tx, userID, botID string, cap int) ([]models.Turn, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT role, content FROM turns
		 WHERE namespace = ? AND user_id = ? AND bot_id = ?
		   AND seq NOT IN (
		     SELECT seq FROM turns
		     WHERE namespace = ? AND user_id = ? AND bot_id = ?
		     ORDER BY seq DESC LIMIT ?
		   )
		 ORDER BY seq ASC`,
		s.namespace, userID, botID,
		s.namespace, userID, botID, cap,
	)
	if err != nil {
		return nil, s.infra("select evicted turns", err)
	}
	defer rows.Close()

	var evicted []models.Turn
	for rows.Next() {
		var t models.Turn
		var role string
		if err := rows.Scan(&role, &t.Content); err != nil {
			return nil, s.infra("scan evicted turn", err)
		}
		t.Role = models.TurnRole(role)
		evicted = append(evicted, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.infra("iterate evicted turns", err)
	}
	return evicted, nil
}

func (s *SQLiteStore) foldIntoSummary(ctx context.Context, tx *sql.Tx, userID, botID string, evicted []models.Turn) error {
	var summary string
	err := tx.QueryRowContext(ctx,
		`SELECT summary FROM summaries WHERE namespace = ? AND user_id = ? AND bot_id = ?`,
		s.namespace, userID, botID,
	).Scan(&summary)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return s.infra("read summary", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO summaries (namespace, user_id, bot_id, summary, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, user_id, bot_id) DO UPDATE SET
		   summary = excluded.summary, updated_at = excluded.updated_at`,
		s.namespace, userID, botID, foldSummary(summary, evicted), timestamp(time.Now()),
	)
	if err != nil {
		return s.infra("fold summary", err)
	}
	return nil
}

func (s *SQLiteStore) RecentTurns(ctx context.Context, userID, botID string, limit int) ([]models.Turn, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	// Newest N rows, then reversed so the caller sees oldest-first.
	rows, err := s.reader.QueryContext(ctx,
		`SELECT user_id, bot_id, role, content, created_at FROM (
		   SELECT seq, user_id, bot_id, role, content, created_at
		   FROM turns
		   WHERE namespace = ? AND user_id = ? AND bot_id = ?
		   ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`,
		s.namespace, userID, botID, limit,
	)
	if err != nil {
		return nil, s.infra("recent turns", err)
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		var t models.Turn
		var role, createdAt string
		if err := rows.Scan(&t.UserID, &t.BotID, &role, &t.Content, &createdAt); err != nil {
			return nil, s.infra("scan turn", err)
		}
		t.Role = models.TurnRole(role)
		t.CreatedAt = parseTimestamp(createdAt)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.infra("iterate turns", err)
	}
	return turns, nil
}

func (s *SQLiteStore) ConversationSummary(ctx context.Context, userID, botID string) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var summary string
	err := s.reader.QueryRowContext(ctx,
		`SELECT summary FROM summaries WHERE namespace = ? AND user_id = ? AND bot_id = ?`,
		s.namespace, userID, botID,
	).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", s.infra("conversation summary", err)
	}
	return summary, nil
}

func (s *SQLiteStore) SetConversationSummary(ctx context.Context, userID, botID, summary string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	cleaned := strings.TrimSpace(summary)
	if cleaned == "" {
		_, err := s.writer.ExecContext(ctx,
			`DELETE FROM summaries WHERE namespace = ? AND user_id = ? AND bot_id = ?`,
			s.namespace, userID, botID,
		)
		if err != nil {
			return s.infra("clear summary", err)
		}
		return nil
	}

	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO summaries (namespace, user_id, bot_id, summary, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, user_id, bot_id) DO UPDATE SET
		   summary = excluded.summary, updated_at = excluded.updated_at`,
		s.namespace, userID, botID, cleaned, timestamp(time.Now()),
	)
	if err != nil {
		return s.infra("set summary", err)
	}
	return nil
}

// ── Runtime ─────────────────────────────────────────────────

func (s *SQLiteStore) ModelOverride(ctx context.Context) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var model string
	err := s.reader.QueryRowContext(ctx,
		`SELECT model FROM runtime WHERE namespace = ?`, s.namespace,
	).Scan(&model)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", s.infra("model override", err)
	}
	return model, nil
}

func (s *SQLiteStore) SetModelOverride(ctx context.Context, model, actor string) error {
	cleaned := strings.TrimSpace(model)
	if cleaned == "" {
		return fmt.Errorf("model must be a non-empty string")
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO runtime (namespace, model, updated_by, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace) DO UPDATE SET model = excluded.model,
		   updated_by = excluded.updated_by, updated_at = excluded.updated_at`,
		s.namespace, cleaned, actor, timestamp(time.Now()),
	)
	if err != nil {
		return s.infra("set model override", err)
	}
	return nil
}

func (s *SQLiteStore) ClearModelOverride(ctx context.Context, actor string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO runtime (namespace, model, updated_by, updated_at)
		 VALUES (?, '', ?, ?)
		 ON CONFLICT (namespace) DO UPDATE SET model = '',
		   updated_by = excluded.updated_by, updated_at = excluded.updated_at`,
		s.namespace, actor, timestamp(time.Now()),
	)
	if err != nil {
		return s.infra("clear model override", err)
	}
	return nil
}

// ── Wipe ────────────────────────────────────────────────────

// Wipe deletes everything under the namespace. Operator tool only.
func (s *SQLiteStore) Wipe(ctx context.Context, confirm bool) error {
	if !confirm {
		return fmt.Errorf("wipe requires explicit confirmation")
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return s.infra("wipe", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"credentials", "audit_log", "turns", "summaries", "runtime"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE namespace = ?`, s.namespace); err != nil {
			return s.infra("wipe "+table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.infra("wipe", err)
	}
	return nil
}

// ── Helpers ─────────────────────────────────────────────────

func (s *SQLiteStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// infra classifies a driver or timeout error as a transient store
// failure so callers can match errors.Is(err, ErrStoreUnavailable).
func (s *SQLiteStore) infra(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func cleanValues(values []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

const timeLayout = "2006-01-02 15:04:05.999999999"

func timestamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)
