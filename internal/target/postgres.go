package target

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	queryTimeout = 10 * time.Second
	pingTimeout  = 5 * time.Second

	createTableSQL = `
		CREATE TABLE IF NOT EXISTS public.pgusers (
			id         UUID PRIMARY KEY,
			name       TEXT NOT NULL,
			email      TEXT NOT NULL,
			age        INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`

	insertUserSQL = `
		INSERT INTO public.pgusers (id, name, email, age, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING id, name, email, age, created_at, updated_at`

	selectUserSQL  = "SELECT id, name, email, age, created_at, updated_at FROM public.pgusers WHERE id = $1"
	selectUsersSQL = "SELECT id, name, email, age, created_at, updated_at FROM public.pgusers ORDER BY created_at"
)

// PostgresStore stores users in the public.pgusers table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool to connString and verifies it with a ping.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}

	cfg.MaxConns = 25
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("unable to ping database: %w", err)
	}
	return nil
}

// Migrate creates the users table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	return nil
}

// Stat returns connection pool statistics.
func (s *PostgresStore) Stat() *pgxpool.Stat {
	return s.pool.Stat()
}

func (s *PostgresStore) CreateUser(ctx context.Context, req CreateUserRequest) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := s.pool.QueryRow(ctx, insertUserSQL, uuid.New(), req.Name, req.Email, req.Age)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return User{}, fmt.Errorf("database operation timed out: %w", err)
		}
		return User{}, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return User{}, ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	user, err := scanUser(s.pool.QueryRow(ctx, selectUserSQL, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, selectUsersSQL)
	if err != nil {
		return nil, fmt.Errorf("unable to query users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unable to query users: %w", err)
	}
	return users, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func scanUser(row pgx.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Name, &user.Email, &user.Age, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}
