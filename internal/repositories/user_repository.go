package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"nutrioBack/internal/models"
)

type UserRepository struct {
	DB *sql.DB

	once sync.Once
	err  error
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{DB: db}
}

func (r *UserRepository) ensureSchema(ctx context.Context) error {
	r.once.Do(func() {
		ddls := []string{`
CREATE TABLE IF NOT EXISTS users (
    id INT NOT NULL AUTO_INCREMENT,
    email VARCHAR(255) NOT NULL,
    name VARCHAR(255) NOT NULL DEFAULT '',
    password_hash VARCHAR(255) NOT NULL,
    refresh_token VARCHAR(255) NOT NULL DEFAULT '',
    refresh_expires_at TIMESTAMP NULL DEFAULT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NULL DEFAULT NULL ON UPDATE CURRENT_TIMESTAMP,
    PRIMARY KEY (id),
    UNIQUE KEY uniq_email (email),
    KEY idx_refresh_token (refresh_token)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`, `
CREATE TABLE IF NOT EXISTS password_reset_codes (
    user_id INT NOT NULL,
    code VARCHAR(16) NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`, `
CREATE TABLE IF NOT EXISTS device_tokens (
    token VARCHAR(512) NOT NULL,
    user_id INT NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    PRIMARY KEY (token),
    KEY idx_user (user_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`}
		for _, ddl := range ddls {
			if _, r.err = r.DB.ExecContext(ctx, ddl); r.err != nil {
				return
			}
		}
	})
	return r.err
}

func (r *UserRepository) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return models.User{}, err
	}
	user.CreatedAt = time.Now()
	result, err := r.DB.ExecContext(ctx, `
INSERT INTO users (email, name, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		user.Email, user.Name, user.PasswordHash, user.CreatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return models.User{}, models.ErrDuplicateEmail
		}
		return models.User{}, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return models.User{}, err
	}
	user.ID = int(id)
	user.Password = ""
	return user, nil
}

func (r *UserRepository) GetUserByID(ctx context.Context, id int) (models.User, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return models.User{}, err
	}
	var user models.User
	err := r.DB.QueryRowContext(ctx, `
SELECT id, email, name, password_hash, created_at, updated_at FROM users WHERE id = ?`, id).Scan(
		&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, models.ErrUserNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return models.User{}, err
	}
	var user models.User
	err := r.DB.QueryRowContext(ctx, `
SELECT id, email, name, password_hash, created_at, updated_at FROM users WHERE email = ?`, email).Scan(
		&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, models.ErrUserNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *UserRepository) SetSession(ctx context.Context, userID int, session models.Session) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	result, err := r.DB.ExecContext(ctx, `
UPDATE users SET refresh_token = ?, refresh_expires_at = ? WHERE id = ?`,
		session.RefreshToken, session.ExpiresAt, userID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

// SessionByToken resolves a refresh token to its session. Expired tokens
// come back as ErrSessionNotFound.
func (r *UserRepository) SessionByToken(ctx context.Context, refreshToken string) (models.Session, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return models.Session{}, err
	}
	var session models.Session
	err := r.DB.QueryRowContext(ctx, `
SELECT id, refresh_token, refresh_expires_at FROM users WHERE refresh_token = ? AND refresh_token <> ''`,
		refreshToken).Scan(&session.UserID, &session.RefreshToken, &session.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, models.ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	if time.Now().After(session.ExpiresAt) {
		return models.Session{}, models.ErrSessionNotFound
	}
	return session, nil
}

func (r *UserRepository) ClearSession(ctx context.Context, userID int) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `UPDATE users SET refresh_token = '' WHERE id = ?`, userID)
	return err
}

// SaveResetCode replaces whatever code the user had before.
func (r *UserRepository) SaveResetCode(ctx context.Context, userID int, code string, expiresAt time.Time) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO password_reset_codes (user_id, code, expires_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE code = VALUES(code), expires_at = VALUES(expires_at)`,
		userID, code, expiresAt)
	return err
}

// CheckResetCode validates a code without consuming it.
func (r *UserRepository) CheckResetCode(ctx context.Context, userID int, code string) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	var expiresAt time.Time
	err := r.DB.QueryRowContext(ctx,
		`SELECT expires_at FROM password_reset_codes WHERE user_id = ? AND code = ?`,
		userID, code).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrResetCodeInvalid
	}
	if err != nil {
		return err
	}
	if time.Now().After(expiresAt) {
		return models.ErrResetCodeInvalid
	}
	return nil
}

// ConsumeResetCode validates and deletes the code in one step.
func (r *UserRepository) ConsumeResetCode(ctx context.Context, userID int, code string) error {
	if err := r.CheckResetCode(ctx, userID, code); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `DELETE FROM password_reset_codes WHERE user_id = ?`, userID)
	return err
}

func (r *UserRepository) UpdatePassword(ctx context.Context, userID int, passwordHash string) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	result, err := r.DB.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, refresh_token = '' WHERE id = ?`,
		passwordHash, userID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

// SaveDeviceToken reassigns the token if another account registered it
// earlier; a device follows whoever is signed in.
func (r *UserRepository) SaveDeviceToken(ctx context.Context, userID int, token string) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO device_tokens (token, user_id) VALUES (?, ?)
ON DUPLICATE KEY UPDATE user_id = VALUES(user_id)`, token, userID)
	return err
}

func (r *UserRepository) DeviceTokensForUser(ctx context.Context, userID int) ([]string, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT token FROM device_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (r *UserRepository) DeleteDeviceToken(ctx context.Context, token string) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `DELETE FROM device_tokens WHERE token = ?`, token)
	return err
}
