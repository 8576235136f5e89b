package wiseauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ciris-run/agent-runtime/internal/apierrors"
)

// waRow is the sqlx scan target for the wa_cert table.
type waRow struct {
	WAID             string         `db:"wa_id"`
	Name             string         `db:"name"`
	Role             string         `db:"role"`
	PubKey           string         `db:"pubkey"`
	PrivKeyEncrypted sql.NullString `db:"privkey_encrypted"`
	ParentWAID       sql.NullString `db:"parent_wa_id"`
	ParentSignature  sql.NullString `db:"parent_signature"`
	Scopes           string         `db:"scopes"`
	AdapterID        sql.NullString `db:"adapter_id"`
	AdapterName      sql.NullString `db:"adapter_name"`
	TokenType        sql.NullString `db:"token_type"`
	Active           bool           `db:"active"`
	CreatedAt        string         `db:"created_at"`
	LastLogin        sql.NullString `db:"last_login"`
}

func (r waRow) toCertificate() Certificate {
	cert := Certificate{
		WAID:            r.WAID,
		Name:            r.Name,
		Role:            Role(r.Role),
		PubKeyB64:       r.PubKey,
		ParentWAID:      r.ParentWAID.String,
		ParentSignature: r.ParentSignature.String,
		AdapterID:       r.AdapterID.String,
		AdapterName:     r.AdapterName.String,
		TokenType:       TokenType(r.TokenType.String),
		Active:          r.Active,
	}
	if r.PrivKeyEncrypted.Valid {
		cert.PrivKeyEncrypted = r.PrivKeyEncrypted.String
	}
	if r.Scopes != "" {
		cert.Scopes = strings.Split(r.Scopes, ",")
	}
	if t, err := time.Parse(time.RFC3339, r.CreatedAt); err == nil {
		cert.CreatedAt = t
	}
	if r.LastLogin.Valid {
		if t, err := time.Parse(time.RFC3339, r.LastLogin.String); err == nil {
			cert.LastLogin = &t
		}
	}
	return cert
}

// Store is the WA certificate table's persistence layer.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an already-migrated sqlx connection.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// WAFilter narrows ListWAs; zero values mean "no constraint".
type WAFilter struct {
	Role        Role
	ActiveOnly  bool
	AdapterID   string
}

// CreateWA inserts a new certificate row.
func (s *Store) CreateWA(ctx context.Context, cert Certificate) error {
	if cert.CreatedAt.IsZero() {
		cert.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wa_cert (wa_id, name, role, pubkey, privkey_encrypted, parent_wa_id,
			parent_signature, scopes, adapter_id, adapter_name, token_type, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cert.WAID, cert.Name, string(cert.Role), cert.PubKeyB64, nullableStr(cert.PrivKeyEncrypted),
		nullableStr(cert.ParentWAID), nullableStr(cert.ParentSignature), strings.Join(cert.Scopes, ","),
		nullableStr(cert.AdapterID), nullableStr(cert.AdapterName), nullableStr(string(cert.TokenType)),
		cert.Active, cert.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("create wa %s: %w", cert.WAID, err)
	}
	return nil
}

// GetWA fetches one certificate by ID.
func (s *Store) GetWA(ctx context.Context, waID string) (Certificate, error) {
	var row waRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM wa_cert WHERE wa_id = ?`, waID)
	if errors.Is(err, sql.ErrNoRows) {
		return Certificate{}, apierrors.NotFound("wa_cert", waID)
	}
	if err != nil {
		return Certificate{}, fmt.Errorf("get wa %s: %w", waID, err)
	}
	return row.toCertificate(), nil
}

// GetWAByName fetches one certificate by its human-readable name.
func (s *Store) GetWAByName(ctx context.Context, name string) (Certificate, bool, error) {
	var row waRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM wa_cert WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return Certificate{}, false, nil
	}
	if err != nil {
		return Certificate{}, false, fmt.Errorf("get wa by name %s: %w", name, err)
	}
	return row.toCertificate(), true, nil
}

// GetOAuthWA fetches the WA bootstrapped for an OAuth-observer
// identity, keyed by "<provider>:<externalID>" stored as the name.
func (s *Store) GetOAuthWA(ctx context.Context, provider, externalID string) (Certificate, bool, error) {
	return s.GetWAByName(ctx, oauthWAName(provider, externalID))
}

func oauthWAName(provider, externalID string) string {
	return fmt.Sprintf("oauth:%s:%s", provider, externalID)
}

// ListWAs returns certificates matching filter, ordered by creation.
func (s *Store) ListWAs(ctx context.Context, filter WAFilter) ([]Certificate, error) {
	query := `SELECT * FROM wa_cert WHERE 1=1`
	var args []interface{}
	if filter.Role != "" {
		query += ` AND role = ?`
		args = append(args, string(filter.Role))
	}
	if filter.ActiveOnly {
		query += ` AND active = 1`
	}
	if filter.AdapterID != "" {
		query += ` AND adapter_id = ?`
		args = append(args, filter.AdapterID)
	}
	query += ` ORDER BY created_at`

	var rows []waRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list was: %w", err)
	}
	out := make([]Certificate, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toCertificate())
	}
	return out, nil
}

// DeactivateWA flips active to false. It does not delete the row:
// certificate history is kept for audit.
func (s *Store) DeactivateWA(ctx context.Context, waID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE wa_cert SET active = 0 WHERE wa_id = ?`, waID)
	if err != nil {
		return fmt.Errorf("deactivate wa %s: %w", waID, err)
	}
	return requireOneRow(res, "wa_cert", waID)
}

// RotateKey replaces a certificate's public/private key material in
// place, keeping its WA ID, role, and scopes.
func (s *Store) RotateKey(ctx context.Context, waID, pubKeyB64, privKeyEncrypted string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wa_cert SET pubkey = ?, privkey_encrypted = ? WHERE wa_id = ?
	`, pubKeyB64, nullableStr(privKeyEncrypted), waID)
	if err != nil {
		return fmt.Errorf("rotate key for %s: %w", waID, err)
	}
	return requireOneRow(res, "wa_cert", waID)
}

// TouchLastLogin stamps last_login with now.
func (s *Store) TouchLastLogin(ctx context.Context, waID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE wa_cert SET last_login = ? WHERE wa_id = ?`,
		now.Format(time.RFC3339), waID)
	return err
}

func requireOneRow(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apierrors.NotFound(resource, id)
	}
	return nil
}

func nullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
