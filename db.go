package main

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/example/identity/internal/registry"
)

// ErrDuplicateEmail is returned by CreateUser when the email is taken.
var ErrDuplicateEmail = errors.New("email already registered")

// Store is the persistence boundary: user accounts, registered clients
// and the refresh-token registry. Emails are stored lowercased.
type Store interface {
	Init() error
	// User operations
	CreateUser(ctx context.Context, email, passwordHash string, roles []string) (*User, error)
	UserByEmail(ctx context.Context, email string) (*User, error)
	UserByID(ctx context.Context, id string) (*User, error)
	DisableUser(ctx context.Context, id string) error
	// Client operations
	ClientByID(ctx context.Context, id string) (*Client, error)
	UpsertClient(ctx context.Context, c *Client) error
	// Refresh-token registry
	registry.Registry
}

// MemStore is the in-memory Store for development and tests.
type MemStore struct {
	mu      sync.RWMutex
	byEmail map[string]*User
	byID    map[string]*User
	clients map[string]*Client
	*registry.Memory
}

func NewMemStore() *MemStore {
	return &MemStore{
		byEmail: map[string]*User{},
		byID:    map[string]*User{},
		clients: map[string]*Client{},
		Memory:  registry.NewMemory(),
	}
}

func (m *MemStore) Init() error { return nil }

func (m *MemStore) CreateUser(_ context.Context, email, passwordHash string, roles []string) (*User, error) {
	email = strings.ToLower(email)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[email]; ok {
		return nil, ErrDuplicateEmail
	}
	u := &User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Roles:        roles,
		CreatedAt:    time.Now(),
	}
	m.byEmail[email] = u
	m.byID[u.ID] = u
	return u, nil
}

func (m *MemStore) UserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.byEmail[strings.ToLower(email)]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *MemStore) UserByID(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.byID[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *MemStore) DisableUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return errors.New("user not found")
	}
	u.Disabled = true
	return nil
}

func (m *MemStore) ClientByID(_ context.Context, id string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.clients[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (m *MemStore) UpsertClient(_ context.Context, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.clients[c.ID] = &cp
	return nil
}

// SQLite store
type SQLiteStore struct {
	db   *sql.DB
	path string
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: d, path: path}
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (id TEXT PRIMARY KEY, email TEXT UNIQUE, password_hash TEXT, roles TEXT, disabled INTEGER DEFAULT 0, created_at INTEGER);`,
		`CREATE TABLE IF NOT EXISTS clients (id TEXT PRIMARY KEY, name TEXT, secret_hash TEXT, grant_types TEXT, scopes TEXT, access_token_ttl INTEGER DEFAULT 0, refresh_token_ttl INTEGER DEFAULT 0, created_at INTEGER);`,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (id TEXT PRIMARY KEY, subject TEXT, client_id TEXT, scopes TEXT, expires_at INTEGER, consumed INTEGER DEFAULT 0, created_at INTEGER);`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_subject ON refresh_tokens(subject);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// joinList and splitList store string sets in a single TEXT column.
func joinList(list []string) string { return strings.Join(list, " ") }

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, " ")
}

// isSQLiteUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite3.Error
	return errors.As(err, &se) && se.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
}

func (s *SQLiteStore) CreateUser(ctx context.Context, email, passwordHash string, roles []string) (*User, error) {
	email = strings.ToLower(email)
	u := &User{ID: uuid.NewString(), Email: email, PasswordHash: passwordHash, Roles: roles, CreatedAt: time.Now()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id,email,password_hash,roles,disabled,created_at) VALUES(?,?,?,?,0,?)`,
		u.ID, u.Email, u.PasswordHash, joinList(u.Roles), u.CreatedAt.Unix())
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return u, nil
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	var roles string
	var disabled int
	var created int64
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &roles, &disabled, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.Roles = splitList(roles)
	u.Disabled = disabled != 0
	u.CreatedAt = time.Unix(created, 0)
	return &u, nil
}

func (s *SQLiteStore) UserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,email,password_hash,roles,disabled,created_at FROM users WHERE email = ?`,
		strings.ToLower(email))
	return s.scanUser(row)
}

func (s *SQLiteStore) UserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,email,password_hash,roles,disabled,created_at FROM users WHERE id = ?`, id)
	return s.scanUser(row)
}

func (s *SQLiteStore) DisableUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET disabled = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("user not found")
	}
	return nil
}

func (s *SQLiteStore) ClientByID(ctx context.Context, id string) (*Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,name,secret_hash,grant_types,scopes,access_token_ttl,refresh_token_ttl,created_at FROM clients WHERE id = ?`, id)
	var c Client
	var grantTypes, scopes string
	var accessTTL, refreshTTL, created int64
	if err := row.Scan(&c.ID, &c.Name, &c.SecretHash, &grantTypes, &scopes, &accessTTL, &refreshTTL, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	c.GrantTypes = splitList(grantTypes)
	c.Scopes = splitList(scopes)
	c.AccessTokenTTL = time.Duration(accessTTL) * time.Second
	c.RefreshTokenTTL = time.Duration(refreshTTL) * time.Second
	c.CreatedAt = time.Unix(created, 0)
	return &c, nil
}

func (s *SQLiteStore) UpsertClient(ctx context.Context, c *Client) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients(id,name,secret_hash,grant_types,scopes,access_token_ttl,refresh_token_ttl,created_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, secret_hash=excluded.secret_hash,
		 grant_types=excluded.grant_types, scopes=excluded.scopes,
		 access_token_ttl=excluded.access_token_ttl, refresh_token_ttl=excluded.refresh_token_ttl`,
		c.ID, c.Name, c.SecretHash, joinList(c.GrantTypes), joinList(c.Scopes),
		int64(c.AccessTokenTTL/time.Second), int64(c.RefreshTokenTTL/time.Second), time.Now().Unix())
	return err
}

func (s *SQLiteStore) Register(ctx context.Context, rec registry.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens(id,subject,client_id,scopes,expires_at,consumed,created_at) VALUES(?,?,?,?,?,0,?)`,
		rec.ID, rec.Subject, rec.ClientID, joinList(rec.Scopes), rec.ExpiresAt.Unix(), rec.CreatedAt.Unix())
	return err
}

func (s *SQLiteStore) getRefreshToken(ctx context.Context, id string) (*registry.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,subject,client_id,scopes,expires_at,consumed,created_at FROM refresh_tokens WHERE id = ?`, id)
	var rec registry.Record
	var scopes string
	var consumed int
	var expires, created int64
	if err := row.Scan(&rec.ID, &rec.Subject, &rec.ClientID, &scopes, &expires, &consumed, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, registry.ErrNotFound
		}
		return nil, err
	}
	rec.Scopes = splitList(scopes)
	rec.Consumed = consumed != 0
	rec.ExpiresAt = time.Unix(expires, 0)
	rec.CreatedAt = time.Unix(created, 0)
	return &rec, nil
}

func (s *SQLiteStore) Lookup(ctx context.Context, id string) (*registry.Record, error) {
	return s.getRefreshToken(ctx, id)
}

// ConsumeAndRotate is a single conditional UPDATE so two concurrent
// presentations of the same token cannot both win.
func (s *SQLiteStore) ConsumeAndRotate(ctx context.Context, id string) (*registry.Record, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET consumed = 1 WHERE id = ? AND consumed = 0`, id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	rec, err := s.getRefreshToken(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return rec, registry.ErrAlreadyConsumed
	}
	// return the pre-consumption state
	rec.Consumed = false
	if !time.Now().Before(rec.ExpiresAt) {
		return rec, registry.ErrExpired
	}
	return rec, nil
}

func (s *SQLiteStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) RevokeAll(ctx context.Context, subject string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE subject = ?`, subject)
	return err
}

// lifecycle helpers
func (m *MemStore) close() error { return nil }
func (m *MemStore) ping() bool   { return true }

func (s *SQLiteStore) close() error { return s.db.Close() }
func (s *SQLiteStore) ping() bool   { return s.db.Ping() == nil }
