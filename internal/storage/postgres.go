package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/miam-bot/miam/internal/apperr"
	"github.com/miam-bot/miam/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStore(config DatabaseConfig, logger *zap.Logger) (*PostgresStore, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	store := &PostgresStore{db: db, logger: logger}

	if err := store.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Store("begin tx", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Store("commit tx", err)
	}
	return nil
}

func isPQCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}

const userColumns = `id, first_name, last_name, email, phone, birth_date, address, city, country,
	thread_count, token_count, last_login, created_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var (
		u         models.User
		phone     sql.NullString
		birthDate sql.NullTime
		address   sql.NullString
		city      sql.NullString
		country   sql.NullString
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &phone, &birthDate,
		&address, &city, &country, &u.ThreadCount, &u.TokenCount, &lastLogin, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.Phone = phone.String
	u.Address = address.String
	u.City = city.String
	u.Country = country.String
	if birthDate.Valid {
		bd := birthDate.Time
		u.BirthDate = &bd
	}
	if lastLogin.Valid {
		ll := lastLogin.Time
		u.LastLogin = &ll
	}
	return &u, nil
}

func validateProfile(p models.Profile) error {
	if p.FirstName == "" {
		return apperr.Validation("first_name", "required")
	}
	if p.LastName == "" {
		return apperr.Validation("last_name", "required")
	}
	if p.Email == "" {
		return apperr.Validation("email", "required")
	}
	return nil
}

func (s *PostgresStore) Register(ctx context.Context, profile models.Profile, password string) (*models.User, error) {
	if err := validateProfile(profile); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, apperr.Validation("password", "required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("error hashing password: %w", err)
	}

	query := `
		INSERT INTO users (first_name, last_name, email, password, phone, birth_date, address, city, country)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''))
		RETURNING ` + userColumns

	user, err := scanUser(s.db.QueryRowContext(ctx, query,
		profile.FirstName, profile.LastName, profile.Email, string(hash),
		profile.Phone, profile.BirthDate, profile.Address, profile.City, profile.Country))
	if err != nil {
		if isPQCode(err, pqUniqueViolation) {
			return nil, fmt.Errorf("%w: %s", apperr.ErrDuplicateEmail, profile.Email)
		}
		return nil, apperr.Store("register user", err)
	}

	s.logger.Info("user registered", zap.Int64("user_id", user.ID))
	return user, nil
}

func (s *PostgresStore) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	if email == "" {
		return nil, apperr.Validation("email", "required")
	}

	query := `SELECT ` + userColumns + `, password FROM users WHERE LOWER(email) = LOWER($1)`
	var (
		u         models.User
		phone     sql.NullString
		birthDate sql.NullTime
		address   sql.NullString
		city      sql.NullString
		country   sql.NullString
		lastLogin sql.NullTime
		hash      string
	)
	err := s.db.QueryRowContext(ctx, query, email).Scan(
		&u.ID, &u.FirstName, &u.LastName, &u.Email, &phone, &birthDate,
		&address, &city, &country, &u.ThreadCount, &u.TokenCount, &lastLogin, &u.CreatedAt, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrAuthentication
	}
	if err != nil {
		return nil, apperr.Store("look up user", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, apperr.ErrAuthentication
	}

	var lastLoginNow time.Time
	err = s.db.QueryRowContext(ctx,
		`UPDATE users SET last_login = CURRENT_TIMESTAMP WHERE id = $1 RETURNING last_login`,
		u.ID).Scan(&lastLoginNow)
	if err != nil {
		return nil, apperr.Store("update last login", err)
	}

	u.Phone = phone.String
	u.Address = address.String
	u.City = city.String
	u.Country = country.String
	if birthDate.Valid {
		bd := birthDate.Time
		u.BirthDate = &bd
	}
	u.LastLogin = &lastLoginNow
	return &u, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	user, err := scanUser(s.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user", userID)
	}
	if err != nil {
		return nil, apperr.Store("get profile", err)
	}
	return user, nil
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, userID int64, profile models.Profile) (*models.User, error) {
	if err := validateProfile(profile); err != nil {
		return nil, err
	}

	query := `
		UPDATE users
		SET first_name = $1, last_name = $2, email = $3, phone = NULLIF($4, ''),
		    birth_date = $5, address = NULLIF($6, ''), city = NULLIF($7, ''), country = NULLIF($8, '')
		WHERE id = $9
		RETURNING ` + userColumns

	user, err := scanUser(s.db.QueryRowContext(ctx, query,
		profile.FirstName, profile.LastName, profile.Email, profile.Phone,
		profile.BirthDate, profile.Address, profile.City, profile.Country, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user", userID)
	}
	if err != nil {
		if isPQCode(err, pqUniqueViolation) {
			return nil, fmt.Errorf("%w: %s", apperr.ErrDuplicateEmail, profile.Email)
		}
		return nil, apperr.Store("update profile", err)
	}
	return user, nil
}

func (s *PostgresStore) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	if next == "" {
		return apperr.Validation("password", "required")
	}

	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password FROM users WHERE id = $1`, userID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("user", userID)
	}
	if err != nil {
		return apperr.Store("look up password", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(current)) != nil {
		return apperr.ErrAuthentication
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET password = $1 WHERE id = $2`, string(newHash), userID); err != nil {
		return apperr.Store("change password", err)
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userID int64) error {
	// Threads and checkpoints go with the user via ON DELETE CASCADE.
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return apperr.Store("delete user", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apperr.Store("delete user", err)
	}
	if affected == 0 {
		return apperr.NotFound("user", userID)
	}

	s.logger.Info("user deleted", zap.Int64("user_id", userID))
	return nil
}

func (s *PostgresStore) CreateThread(ctx context.Context, userID int64, name string) (*models.Thread, error) {
	if name == "" {
		name = "Thread " + time.Now().Format("2006-01-02 15:04")
	}

	var thread *models.Thread
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t := &models.Thread{UserID: userID, Name: name}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO threads (user_id, name)
			VALUES ($1, $2)
			RETURNING id, is_active, created_at, updated_at`,
			userID, name).Scan(&t.ID, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			if isPQCode(err, pqForeignKeyViolation) {
				return apperr.NotFound("user", userID)
			}
			return apperr.Store("create thread", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET thread_count = thread_count + 1 WHERE id = $1`, userID); err != nil {
			return apperr.Store("increment thread count", err)
		}

		thread = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("thread created", zap.Int64("thread_id", thread.ID), zap.Int64("user_id", userID))
	return thread, nil
}

func (s *PostgresStore) ListThreads(ctx context.Context, userID int64) ([]*models.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, is_active, created_at, updated_at
		FROM threads
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, apperr.Store("list threads", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		t := &models.Thread{}
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, apperr.Store("scan thread", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("list threads", err)
	}
	return threads, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID int64) (*models.Thread, error) {
	t := &models.Thread{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, is_active, created_at, updated_at
		FROM threads WHERE id = $1`, threadID).
		Scan(&t.ID, &t.UserID, &t.Name, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("thread", threadID)
	}
	if err != nil {
		return nil, apperr.Store("get thread", err)
	}
	return t, nil
}

func (s *PostgresStore) GetThreadDetails(ctx context.Context, threadID int64) (*models.ThreadDetails, error) {
	d := &models.ThreadDetails{}
	err := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.user_id, t.name, t.is_active, t.created_at, t.updated_at,
		       COALESCE(jsonb_array_length(c.messages), 0)
		FROM threads t
		LEFT JOIN checkpoints c ON c.thread_id = t.id
		WHERE t.id = $1`, threadID).
		Scan(&d.ID, &d.UserID, &d.Name, &d.IsActive, &d.CreatedAt, &d.UpdatedAt, &d.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("thread", threadID)
	}
	if err != nil {
		return nil, apperr.Store("get thread details", err)
	}
	return d, nil
}

func (s *PostgresStore) UpdateThread(ctx context.Context, threadID int64, name *string, isActive *bool) (*models.Thread, error) {
	t := &models.Thread{}
	err := s.db.QueryRowContext(ctx, `
		UPDATE threads
		SET name = COALESCE($1::varchar, name),
		    is_active = COALESCE($2::boolean, is_active),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $3
		RETURNING id, user_id, name, is_active, created_at, updated_at`,
		name, isActive, threadID).
		Scan(&t.ID, &t.UserID, &t.Name, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("thread", threadID)
	}
	if err != nil {
		return nil, apperr.Store("update thread", err)
	}
	return t, nil
}

func (s *PostgresStore) DeleteThread(ctx context.Context, threadID int64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var userID int64
		err := tx.QueryRowContext(ctx,
			`SELECT user_id FROM threads WHERE id = $1`, threadID).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("thread", threadID)
		}
		if err != nil {
			return apperr.Store("look up thread", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM checkpoints WHERE thread_id = $1`, threadID); err != nil {
			return apperr.Store("delete checkpoint", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM threads WHERE id = $1`, threadID); err != nil {
			return apperr.Store("delete thread", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET thread_count = thread_count - 1 WHERE id = $1`, userID); err != nil {
			return apperr.Store("decrement thread count", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("thread deleted", zap.Int64("thread_id", threadID))
	return nil
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, threadID int64) (*models.Checkpoint, error) {
	var (
		version   int64
		messages  []byte
		variables []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, messages, variables FROM checkpoints WHERE thread_id = $1`,
		threadID).Scan(&version, &messages, &variables)
	if errors.Is(err, sql.ErrNoRows) {
		// A fresh thread has no checkpoint yet; distinguish that from an
		// unknown thread id.
		if _, err := s.GetThread(ctx, threadID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store("get checkpoint", err)
	}

	cp := &models.Checkpoint{ThreadID: threadID, Version: version}
	if err := json.Unmarshal(messages, &cp.Messages); err != nil {
		return nil, apperr.Store("decode checkpoint messages", err)
	}
	if err := json.Unmarshal(variables, &cp.Variables); err != nil {
		return nil, apperr.Store("decode checkpoint variables", err)
	}
	return cp, nil
}

func (s *PostgresStore) PutCheckpoint(ctx context.Context, cp *models.Checkpoint, tokenDelta int) error {
	if cp == nil || cp.ThreadID == 0 {
		return apperr.Validation("checkpoint", "thread id required")
	}

	// A nil slice would encode as JSON null; the column must stay an array.
	msgs := cp.Messages
	if msgs == nil {
		msgs = []models.Message{}
	}
	messages, err := json.Marshal(msgs)
	if err != nil {
		return apperr.Store("encode checkpoint messages", err)
	}
	variables, err := json.Marshal(cp.Variables)
	if err != nil {
		return apperr.Store("encode checkpoint variables", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var userID int64
		err := tx.QueryRowContext(ctx,
			`SELECT user_id FROM threads WHERE id = $1`, cp.ThreadID).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("thread", cp.ThreadID)
		}
		if err != nil {
			return apperr.Store("look up thread", err)
		}

		if cp.Version == 1 {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO checkpoints (thread_id, version, messages, variables)
				VALUES ($1, $2, $3, $4)`,
				cp.ThreadID, cp.Version, messages, variables)
			if isPQCode(err, pqUniqueViolation) {
				return apperr.ErrConcurrencyConflict
			}
			if err != nil {
				return apperr.Store("insert checkpoint", err)
			}
		} else {
			result, err := tx.ExecContext(ctx, `
				UPDATE checkpoints
				SET version = $1, messages = $2, variables = $3, updated_at = CURRENT_TIMESTAMP
				WHERE thread_id = $4 AND version = $5`,
				cp.Version, messages, variables, cp.ThreadID, cp.Version-1)
			if err != nil {
				return apperr.Store("update checkpoint", err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return apperr.Store("update checkpoint", err)
			}
			if affected == 0 {
				return apperr.ErrConcurrencyConflict
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE threads SET updated_at = CURRENT_TIMESTAMP WHERE id = $1`, cp.ThreadID); err != nil {
			return apperr.Store("touch thread", err)
		}
		if tokenDelta != 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE users SET token_count = token_count + $1 WHERE id = $2`,
				tokenDelta, userID); err != nil {
				return apperr.Store("increment token count", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
