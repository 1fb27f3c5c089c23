package main

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/identity/internal/registry"
)

type PostgresStore struct {
	db  *sql.DB
	dsn string
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresStore{db: d, dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresStore) Init() error {
	// rely on migrations to create tables; just verify connectivity
	if err := p.db.Ping(); err != nil {
		return err
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) CreateUser(ctx context.Context, email, passwordHash string, roles []string) (*User, error) {
	u := &User{ID: uuid.NewString(), Email: strings.ToLower(email), PasswordHash: passwordHash, Roles: roles}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO users(id,email,password_hash,roles,disabled,created_at) VALUES($1,$2,$3,$4,false,now()) RETURNING created_at`,
		u.ID, u.Email, u.PasswordHash, pq.Array(u.Roles)).Scan(&u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return u, nil
}

func (p *PostgresStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	var roles []string
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, pq.Array(&roles), &u.Disabled, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.Roles = roles
	return &u, nil
}

func (p *PostgresStore) UserByEmail(ctx context.Context, email string) (*User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id,email,password_hash,roles,disabled,created_at FROM users WHERE email = $1`,
		strings.ToLower(email))
	return p.scanUser(row)
}

func (p *PostgresStore) UserByID(ctx context.Context, id string) (*User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id,email,password_hash,roles,disabled,created_at FROM users WHERE id = $1`, id)
	return p.scanUser(row)
}

func (p *PostgresStore) DisableUser(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET disabled = true WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("user not found")
	}
	return nil
}

func (p *PostgresStore) ClientByID(ctx context.Context, id string) (*Client, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id,name,secret_hash,grant_types,scopes,access_token_ttl,refresh_token_ttl,created_at FROM clients WHERE id = $1`, id)
	var c Client
	var grantTypes, scopes []string
	var accessTTL, refreshTTL int64
	if err := row.Scan(&c.ID, &c.Name, &c.SecretHash, pq.Array(&grantTypes), pq.Array(&scopes), &accessTTL, &refreshTTL, &c.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	c.GrantTypes = grantTypes
	c.Scopes = scopes
	c.AccessTokenTTL = time.Duration(accessTTL) * time.Second
	c.RefreshTokenTTL = time.Duration(refreshTTL) * time.Second
	return &c, nil
}

func (p *PostgresStore) UpsertClient(ctx context.Context, c *Client) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO clients(id,name,secret_hash,grant_types,scopes,access_token_ttl,refresh_token_ttl,created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,now())
		 ON CONFLICT(id) DO UPDATE SET name=EXCLUDED.name, secret_hash=EXCLUDED.secret_hash,
		 grant_types=EXCLUDED.grant_types, scopes=EXCLUDED.scopes,
		 access_token_ttl=EXCLUDED.access_token_ttl, refresh_token_ttl=EXCLUDED.refresh_token_ttl`,
		c.ID, c.Name, c.SecretHash, pq.Array(c.GrantTypes), pq.Array(c.Scopes),
		int64(c.AccessTokenTTL/time.Second), int64(c.RefreshTokenTTL/time.Second))
	return err
}

func (p *PostgresStore) Register(ctx context.Context, rec registry.Record) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens(id,subject,client_id,scopes,expires_at,consumed,created_at) VALUES($1,$2,$3,$4,$5,false,$6)`,
		rec.ID, rec.Subject, rec.ClientID, pq.Array(rec.Scopes), rec.ExpiresAt, rec.CreatedAt)
	return err
}

func (p *PostgresStore) Lookup(ctx context.Context, id string) (*registry.Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT subject, client_id, scopes, expires_at, consumed, created_at FROM refresh_tokens WHERE id = $1`, id)
	rec := registry.Record{ID: id}
	var scopes []string
	err := row.Scan(&rec.Subject, &rec.ClientID, pq.Array(&scopes), &rec.ExpiresAt, &rec.Consumed, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Scopes = scopes
	return &rec, nil
}

// ConsumeAndRotate relies on row-level locking: the conditional UPDATE
// with RETURNING is the compare-and-swap, so concurrent presentations of
// the same token yield exactly one winner.
func (p *PostgresStore) ConsumeAndRotate(ctx context.Context, id string) (*registry.Record, error) {
	row := p.db.QueryRowContext(ctx,
		`UPDATE refresh_tokens SET consumed = true WHERE id = $1 AND NOT consumed
		 RETURNING subject, client_id, scopes, expires_at, created_at`, id)

	rec := registry.Record{ID: id}
	var scopes []string
	err := row.Scan(&rec.Subject, &rec.ClientID, pq.Array(&scopes), &rec.ExpiresAt, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		// lost the race, or the token never existed
		return p.consumedOrMissing(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	rec.Scopes = scopes
	if !time.Now().Before(rec.ExpiresAt) {
		return &rec, registry.ErrExpired
	}
	return &rec, nil
}

func (p *PostgresStore) consumedOrMissing(ctx context.Context, id string) (*registry.Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT subject, client_id, scopes, expires_at, consumed, created_at FROM refresh_tokens WHERE id = $1`, id)
	rec := registry.Record{ID: id}
	var scopes []string
	err := row.Scan(&rec.Subject, &rec.ClientID, pq.Array(&scopes), &rec.ExpiresAt, &rec.Consumed, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Scopes = scopes
	return &rec, registry.ErrAlreadyConsumed
}

func (p *PostgresStore) Revoke(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) RevokeAll(ctx context.Context, subject string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE subject = $1`, subject)
	return err
}

func (p *PostgresStore) close() error { return p.db.Close() }
func (p *PostgresStore) ping() bool   { return p.db.Ping() == nil }
