package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"corpportal.org/internal/auth"
)

var _ auth.UserDirectory = (*Store)(nil)

// FindBySubject loads a user and its raw roles by email. It returns nil, nil
// when no user matches.
func (s *Store) FindBySubject(ctx context.Context, email string) (*auth.UserRecord, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, nil
	}

	var (
		rec         auth.UserRecord
		displayName sql.NullString
		department  sql.NullString
		position    sql.NullString
		secret      sql.NullString
		lastLogin   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, email, display_name, department, position, password_hash,
		       active, two_factor_enabled, two_factor_secret, last_login_at
		from users
		where lower(email) = $1
	`, email).Scan(&rec.SubjectID, &rec.Email, &displayName, &department, &position, &rec.PasswordHash,
		&rec.Active, &rec.TwoFactorEnabled, &secret, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.DisplayName = displayName.String
	rec.Department = department.String
	rec.Position = position.String
	rec.TwoFactorSecret = secret.String
	if lastLogin.Valid {
		t := lastLogin.Time
		rec.LastLoginAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `select role from user_roles where user_id = $1 order by role`, rec.SubjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		rec.Roles = append(rec.Roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// InvalidateBackupCode marks an unused code as used. The conditional update
// makes concurrent consumption succeed at most once.
func (s *Store) InvalidateBackupCode(ctx context.Context, subjectID, code string) (bool, error) {
	code = auth.NormalizeBackupCode(code)
	if subjectID == "" || code == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		update user_backup_codes
		set used_at = now()
		where user_id = $1 and code_hash = $2 and used_at is null
	`, subjectID, auth.HashBackupCode(code))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TouchLastLogin stamps last_login_at.
func (s *Store) TouchLastLogin(ctx context.Context, subjectID string) error {
	_, err := s.db.ExecContext(ctx, `update users set last_login_at = now(), updated_at = now() where id = $1`, subjectID)
	return err
}

// NewUser is the input for CreateUser.
type NewUser struct {
	Email        string
	DisplayName  string
	Department   string
	Position     string
	PasswordHash string
	Roles        []string
}

// CreateUser inserts an active user with its roles and returns the id.
// Roles are stored in canonical form.
func (s *Store) CreateUser(ctx context.Context, u NewUser) (string, error) {
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if email == "" || u.PasswordHash == "" {
		return "", fmt.Errorf("%w: email and password hash are required", auth.ErrInvalidInput)
	}
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into users (id, email, display_name, department, position, password_hash, active)
		values ($1, $2, $3, $4, $5, $6, true)
	`, id, email, nullIfEmpty(u.DisplayName), nullIfEmpty(u.Department), nullIfEmpty(u.Position), u.PasswordHash); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return "", ErrConflict
		}
		return "", err
	}
	for _, role := range auth.RoleStrings(auth.NormalizeRoles(u.Roles)) {
		if _, err := tx.ExecContext(ctx, `insert into user_roles (user_id, role) values ($1, $2)`, id, role); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// SetActive enables or disables a user.
func (s *Store) SetActive(ctx context.Context, subjectID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `update users set active = $2, updated_at = now() where id = $1`, subjectID, active)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUnknownUser
	}
	return err
}

// EnableTwoFactor stores a TOTP secret and replaces the subject's backup
// codes with the digests of codes.
func (s *Store) EnableTwoFactor(ctx context.Context, subjectID, secret string, codes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update users set two_factor_enabled = true, two_factor_secret = $2, updated_at = now()
		where id = $1
	`, subjectID, secret)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrUnknownUser
	}
	if _, err := tx.ExecContext(ctx, `delete from user_backup_codes where user_id = $1`, subjectID); err != nil {
		return err
	}
	for _, code := range codes {
		if _, err := tx.ExecContext(ctx, `
			insert into user_backup_codes (user_id, code_hash) values ($1, $2)
		`, subjectID, auth.HashBackupCode(code)); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return ErrUnknownUser
			}
			return err
		}
	}
	return tx.Commit()
}
