package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store against a relational backing. Schema
// is created idempotently at startup; indices cover the hot lookups:
// tokens.agent_id, policies.agent_id, policies.role,
// quota_counters(policy_id, quota_key), credentials(tool, is_active).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the connection and ensures the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			public_key TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			opaque_token TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			revoked BOOLEAN NOT NULL DEFAULT FALSE,
			expired BOOLEAN NOT NULL DEFAULT FALSE,
			issued_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_agent ON tokens(agent_id)`,
		`CREATE TABLE IF NOT EXISTS token_registry (
			token_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			issued_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			is_revoked BOOLEAN NOT NULL DEFAULT FALSE,
			revoked_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS policies (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			spec JSONB NOT NULL,
			spec_hash TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_policies_agent ON policies(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_policies_role ON policies(role)`,
		`CREATE TABLE IF NOT EXISTS quota_counters (
			policy_id TEXT NOT NULL,
			quota_key TEXT NOT NULL,
			current INT NOT NULL DEFAULT 0,
			reset_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (policy_id, quota_key)
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			tool TEXT NOT NULL,
			version TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			encrypted_credential TEXT NOT NULL,
			encrypted_metadata TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			activated_at TIMESTAMPTZ,
			deactivated_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_tool_active ON credentials(tool, is_active)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			action TEXT NOT NULL,
			status_code INT NOT NULL,
			success BOOLEAN NOT NULL,
			duration_ms BIGINT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			policy_decision TEXT NOT NULL DEFAULT '',
			ts TIMESTAMPTZ NOT NULL,
			prev_hash TEXT NOT NULL DEFAULT '',
			hash TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_log(agent_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// --- agents ---

func (s *PostgresStore) CreateAgent(ctx context.Context, a *Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, created_by, role, public_key, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.Name, a.CreatedBy, a.Role, a.PublicKey, a.Status, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_by, role, public_key, status, created_at FROM agents WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.CreatedBy, &a.Role, &a.PublicKey, &a.Status, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_by, role, public_key, status, created_at FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.CreatedBy, &a.Role, &a.PublicKey, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- token records ---

func (s *PostgresStore) SaveTokenRecord(ctx context.Context, rec *TokenRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (id, agent_id, opaque_token, expires_at, revoked, expired, issued_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.ID, rec.AgentID, rec.OpaqueToken, rec.ExpiresAt, rec.Revoked, rec.Expired, rec.IssuedAt)
	return err
}

func (s *PostgresStore) GetTokenRecord(ctx context.Context, id string) (*TokenRecord, error) {
	var rec TokenRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, opaque_token, expires_at, revoked, expired, issued_at FROM tokens WHERE id = $1`, id).
		Scan(&rec.ID, &rec.AgentID, &rec.OpaqueToken, &rec.ExpiresAt, &rec.Revoked, &rec.Expired, &rec.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) ListTokenRecords(ctx context.Context, agentID string) ([]*TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, opaque_token, expires_at, revoked, expired, issued_at
		 FROM tokens WHERE agent_id = $1 ORDER BY issued_at`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TokenRecord
	for rows.Next() {
		var rec TokenRecord
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.OpaqueToken, &rec.ExpiresAt, &rec.Revoked, &rec.Expired, &rec.IssuedAt); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RevokeTokenRecord(ctx context.Context, id string, _ time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tokens SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) ExpireTokenRecords(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET expired = TRUE WHERE expired = FALSE AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- token registry ---

func (s *PostgresStore) SaveRegistryEntry(ctx context.Context, e *TokenRegistryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_registry (token_id, agent_id, payload_hash, issued_at, expires_at, is_revoked, revoked_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.TokenID, e.AgentID, e.PayloadHash, e.IssuedAt, e.ExpiresAt, e.IsRevoked, e.RevokedAt)
	return err
}

func (s *PostgresStore) GetRegistryEntry(ctx context.Context, tokenID string) (*TokenRegistryEntry, error) {
	var e TokenRegistryEntry
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT token_id, agent_id, payload_hash, issued_at, expires_at, is_revoked, revoked_at
		 FROM token_registry WHERE token_id = $1`, tokenID).
		Scan(&e.TokenID, &e.AgentID, &e.PayloadHash, &e.IssuedAt, &e.ExpiresAt, &e.IsRevoked, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		e.RevokedAt = &revokedAt.Time
	}
	return &e, nil
}

func (s *PostgresStore) RevokeRegistryEntry(ctx context.Context, tokenID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE token_registry SET is_revoked = TRUE, revoked_at = $2 WHERE token_id = $1`, tokenID, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- policies ---

func (s *PostgresStore) CreatePolicy(ctx context.Context, rec *PolicyRecord) error {
	if (rec.AgentID == "") == (rec.Role == "") {
		return ErrPolicyBinding
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policies (id, agent_id, role, spec, spec_hash, active, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.ID, rec.AgentID, rec.Role, rec.SpecJSON, rec.SpecHash, rec.Active, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (s *PostgresStore) GetPolicy(ctx context.Context, id string) (*PolicyRecord, error) {
	var rec PolicyRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, role, spec, spec_hash, active, created_at, updated_at FROM policies WHERE id = $1`, id).
		Scan(&rec.ID, &rec.AgentID, &rec.Role, &rec.SpecJSON, &rec.SpecHash, &rec.Active, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) UpdatePolicy(ctx context.Context, rec *PolicyRecord) error {
	if (rec.AgentID == "") == (rec.Role == "") {
		return ErrPolicyBinding
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET spec = $2, spec_hash = $3, active = $4, updated_at = $5 WHERE id = $1`,
		rec.ID, rec.SpecJSON, rec.SpecHash, rec.Active, rec.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) DeletePolicy(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) ListPoliciesFor(ctx context.Context, agentID, role string) ([]*PolicyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, role, spec, spec_hash, active, created_at, updated_at
		 FROM policies
		 WHERE active = TRUE AND ((agent_id <> '' AND agent_id = $1) OR (role <> '' AND role = $2))
		 ORDER BY created_at`, agentID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPolicies(rows)
}

func (s *PostgresStore) ListPolicies(ctx context.Context) ([]*PolicyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, role, spec, spec_hash, active, created_at, updated_at FROM policies ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPolicies(rows)
}

func scanPolicies(rows *sql.Rows) ([]*PolicyRecord, error) {
	var out []*PolicyRecord
	for rows.Next() {
		var rec PolicyRecord
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.Role, &rec.SpecJSON, &rec.SpecHash, &rec.Active, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// --- quota counters (transactional) ---

func (s *PostgresStore) IncrementQuota(ctx context.Context, policyID, quotaKey string, limit int, window time.Duration, now time.Time) (QuotaDecision, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return QuotaDecision{}, err
	}
	defer tx.Rollback()

	var current int
	var resetAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT current, reset_at FROM quota_counters WHERE policy_id = $1 AND quota_key = $2 FOR UPDATE`,
		policyID, quotaKey).Scan(&current, &resetAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current, resetAt = 0, AlignReset(now, window)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quota_counters (policy_id, quota_key, current, reset_at) VALUES ($1,$2,0,$3)`,
			policyID, quotaKey, resetAt); err != nil {
			return QuotaDecision{}, err
		}
	case err != nil:
		return QuotaDecision{}, err
	}

	if !now.Before(resetAt) {
		current, resetAt = 0, AlignReset(now, window)
	}

	if current >= limit {
		return QuotaDecision{Allowed: false, Current: current, Limit: limit, ResetAt: resetAt}, tx.Commit()
	}

	current++
	if _, err := tx.ExecContext(ctx,
		`UPDATE quota_counters SET current = $3, reset_at = $4 WHERE policy_id = $1 AND quota_key = $2`,
		policyID, quotaKey, current, resetAt); err != nil {
		return QuotaDecision{}, err
	}
	return QuotaDecision{Allowed: true, Current: current, Limit: limit, ResetAt: resetAt}, tx.Commit()
}

// --- credentials (activation transactional) ---

func (s *PostgresStore) CreateCredential(ctx context.Context, c *ToolCredential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, tool, version, is_active, encrypted_credential, encrypted_metadata, created_at, activated_at, deactivated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID, c.Tool, c.Version, c.IsActive, c.EncryptedCredential, c.EncryptedMetadata, c.CreatedAt, c.ActivatedAt, c.DeactivatedAt)
	return err
}

func (s *PostgresStore) GetCredential(ctx context.Context, id string) (*ToolCredential, error) {
	return s.credentialWhere(ctx, `id = $1`, id)
}

func (s *PostgresStore) GetActiveCredential(ctx context.Context, tool string) (*ToolCredential, error) {
	return s.credentialWhere(ctx, `tool = $1 AND is_active = TRUE`, tool)
}

func (s *PostgresStore) credentialWhere(ctx context.Context, where string, arg interface{}) (*ToolCredential, error) {
	var c ToolCredential
	var activatedAt, deactivatedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tool, version, is_active, encrypted_credential, encrypted_metadata, created_at, activated_at, deactivated_at
		 FROM credentials WHERE `+where, arg).
		Scan(&c.ID, &c.Tool, &c.Version, &c.IsActive, &c.EncryptedCredential, &c.EncryptedMetadata, &c.CreatedAt, &activatedAt, &deactivatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if activatedAt.Valid {
		c.ActivatedAt = &activatedAt.Time
	}
	if deactivatedAt.Valid {
		c.DeactivatedAt = &deactivatedAt.Time
	}
	return &c, nil
}

func (s *PostgresStore) ListCredentials(ctx context.Context, tool string) ([]*ToolCredential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tool, version, is_active, encrypted_credential, encrypted_metadata, created_at, activated_at, deactivated_at
		 FROM credentials WHERE ($1 = '' OR tool = $1) ORDER BY created_at`, tool)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ToolCredential
	for rows.Next() {
		var c ToolCredential
		var activatedAt, deactivatedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.Tool, &c.Version, &c.IsActive, &c.EncryptedCredential, &c.EncryptedMetadata, &c.CreatedAt, &activatedAt, &deactivatedAt); err != nil {
			return nil, err
		}
		if activatedAt.Valid {
			c.ActivatedAt = &activatedAt.Time
		}
		if deactivatedAt.Valid {
			c.DeactivatedAt = &deactivatedAt.Time
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) ActivateCredential(ctx context.Context, id string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var tool string
	err = tx.QueryRowContext(ctx, `SELECT tool FROM credentials WHERE id = $1 FOR UPDATE`, id).Scan(&tool)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE credentials SET is_active = FALSE, deactivated_at = $2 WHERE tool = $1 AND is_active = TRUE AND id <> $3`,
		tool, at, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE credentials SET is_active = TRUE, activated_at = $2 WHERE id = $1`, id, at); err != nil {
		return err
	}
	return tx.Commit()
}

// --- audit ---

func (s *PostgresStore) AppendAudit(ctx context.Context, e *AuditLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (correlation_id, agent_id, tool, action, status_code, success, duration_ms, error_kind, policy_decision, ts, prev_hash, hash)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.CorrelationID, e.AgentID, e.Tool, e.Action, e.StatusCode, e.Success, e.DurationMs, e.ErrorKind, e.PolicyDecision, e.Timestamp, e.PrevHash, e.Hash)
	return err
}

func (s *PostgresStore) ListAudit(ctx context.Context, agentID string, limit int) ([]*AuditLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT correlation_id, agent_id, tool, action, status_code, success, duration_ms, error_kind, policy_decision, ts, prev_hash, hash
		 FROM (SELECT * FROM audit_log WHERE agent_id = $1 ORDER BY id DESC LIMIT $2) sub ORDER BY id`,
		agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.CorrelationID, &e.AgentID, &e.Tool, &e.Action, &e.StatusCode, &e.Success, &e.DurationMs, &e.ErrorKind, &e.PolicyDecision, &e.Timestamp, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastAuditHash(ctx context.Context, agentID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hash FROM audit_log WHERE agent_id = $1 ORDER BY id DESC LIMIT 1`, agentID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
