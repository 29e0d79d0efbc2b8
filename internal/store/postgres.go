package store

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luciancaetano/kephasgate/internal/errors"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint violations.
const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            UUID PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash BYTEA NOT NULL,
	type          TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS requests (
	id            UUID PRIMARY KEY,
	method        TEXT NOT NULL,
	path          TEXT NOT NULL,
	status        INTEGER NOT NULL,
	client_addr   TEXT NOT NULL,
	user_id       UUID NULL,
	request_body  TEXT NOT NULL,
	response_body TEXT NOT NULL,
	duration_us   BIGINT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
`

// Postgres is a store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Postgres", "Open", "parse dsn")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapTransient(err, "Postgres", "Open", "ping")
	}
	return &Postgres{pool: pool}, nil
}

// Migrate creates the tables when they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return errors.WrapFatal(err, "Postgres", "Migrate", "create tables")
	}
	return nil
}

// GetByEmail returns the user with email, or ErrKeyNotFound.
func (p *Postgres) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, type, created_at FROM users WHERE email = $1`,
		strings.ToLower(email))
	return scanUser(row, "GetByEmail")
}

// GetByID returns the user with id, or ErrKeyNotFound.
func (p *Postgres) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, type, created_at FROM users WHERE id = $1`, id)
	return scanUser(row, "GetByID")
}

// Create inserts user.
func (p *Postgres) Create(ctx context.Context, user *User) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, type, created_at) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, strings.ToLower(user.Email), user.PasswordHash, user.Type, user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errors.Wrap(errors.ErrConflict, "Postgres", "Create", "unique email")
		}
		return errors.WrapTransient(err, "Postgres", "Create", "insert user")
	}
	return nil
}

// RecordRequest inserts an audit entry.
func (p *Postgres) RecordRequest(ctx context.Context, e *RequestEntry) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO requests (id, method, path, status, client_addr, user_id, request_body, response_body, duration_us, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Method, e.Path, e.Status, e.ClientAddr, e.UserID,
		e.RequestBody, e.ResponseBody, e.Duration.Microseconds(), e.CreatedAt)
	if err != nil {
		return errors.WrapTransient(err, "Postgres", "RecordRequest", "insert request")
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func scanUser(row pgx.Row, method string) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Type, &u.CreatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(errors.ErrKeyNotFound, "Postgres", method, "lookup")
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", method, "scan user")
	}
	return &u, nil
}
