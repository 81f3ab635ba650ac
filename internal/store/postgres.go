// Package store adapts Postgres to the auth core's persistence interfaces.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/LABPAAD/site-paad-backend/internal/auth"
	"github.com/LABPAAD/site-paad-backend/internal/authz"
	"github.com/LABPAAD/site-paad-backend/internal/domain"
)

const uniqueViolation = "23505"

const accountColumns = `id, email, full_name, role, status, COALESCE(password_hash, ''),
	COALESCE(two_factor_secret, ''), two_factor_enabled, created_at, updated_at`

type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

func (p *Postgres) FindByIdentifier(ctx context.Context, identifier string) (auth.Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM users
		WHERE email = $1
	`, identifier)
	return scanAccount(row, "query user by email")
}

func (p *Postgres) FindByID(ctx context.Context, id string) (auth.Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM users
		WHERE id = $1
	`, id)
	return scanAccount(row, "query user by id")
}

func (p *Postgres) SetPasswordHash(ctx context.Context, id, hash string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, id, hash, p.now().UTC())
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return requireRow(result, "update password hash")
}

func (p *Postgres) SetTwoFactorState(ctx context.Context, id, secret string, enabled bool) error {
	var secretValue any
	if secret != "" {
		secretValue = secret
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE users
		SET two_factor_secret = $2, two_factor_enabled = $3, updated_at = $4
		WHERE id = $1
	`, id, secretValue, enabled, p.now().UTC())
	if err != nil {
		return fmt.Errorf("update two-factor state: %w", err)
	}
	return requireRow(result, "update two-factor state")
}

func (p *Postgres) SetRole(ctx context.Context, id, role string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users
		SET role = $2, updated_at = $3
		WHERE id = $1
	`, id, role, p.now().UTC())
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	return requireRow(result, "update role")
}

func (p *Postgres) SetStatus(ctx context.Context, id, status string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users
		SET status = $2, updated_at = $3
		WHERE id = $1
	`, id, status, p.now().UTC())
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return requireRow(result, "update status")
}

func (p *Postgres) CreateAccount(ctx context.Context, account auth.Account) error {
	var passwordHash any
	if account.PasswordHash != "" {
		passwordHash = account.PasswordHash
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, email, full_name, role, status, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, account.ID, account.Email, account.FullName, account.Role, account.Status, passwordHash, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.New(domain.KindConflict, "an account with this email already exists")
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// OwnerFacts loads who may edit a resource. Projects are owned by their
// coordinator, publications by their PAAD authors and accounts by
// themselves.
func (p *Postgres) OwnerFacts(ctx context.Context, ref authz.ResourceRef) (authz.OwnershipFact, error) {
	switch ref.Kind {
	case authz.ResourceProject:
		var coordinatorID sql.NullString
		err := p.db.QueryRowContext(ctx, `
			SELECT coordinator_id
			FROM projects
			WHERE id = $1
		`, ref.ID).Scan(&coordinatorID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return authz.OwnershipFact{}, domain.New(domain.KindNotFound, "project not found")
			}
			return authz.OwnershipFact{}, fmt.Errorf("query project owner: %w", err)
		}
		return authz.OwnershipFact{OwnerID: coordinatorID.String}, nil

	case authz.ResourcePublication:
		return p.publicationAuthors(ctx, ref.ID)

	case authz.ResourceAccount:
		var id string
		err := p.db.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1`, ref.ID).Scan(&id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return authz.OwnershipFact{}, domain.New(domain.KindNotFound, "account not found")
			}
			return authz.OwnershipFact{}, fmt.Errorf("query account owner: %w", err)
		}
		return authz.OwnershipFact{OwnerID: id}, nil

	default:
		return authz.OwnershipFact{}, domain.New(domain.KindValidation, fmt.Sprintf("unknown resource kind %q", ref.Kind))
	}
}

func (p *Postgres) publicationAuthors(ctx context.Context, publicationID string) (authz.OwnershipFact, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM publications WHERE id = $1)`, publicationID).Scan(&exists); err != nil {
		return authz.OwnershipFact{}, fmt.Errorf("check publication: %w", err)
	}
	if !exists {
		return authz.OwnershipFact{}, domain.New(domain.KindNotFound, "publication not found")
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id
		FROM publication_authors
		WHERE publication_id = $1
		ORDER BY user_id
	`, publicationID)
	if err != nil {
		return authz.OwnershipFact{}, fmt.Errorf("query publication authors: %w", err)
	}
	defer rows.Close()

	members := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return authz.OwnershipFact{}, fmt.Errorf("scan publication author: %w", err)
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return authz.OwnershipFact{}, fmt.Errorf("iterate publication authors: %w", err)
	}

	return authz.OwnershipFact{MemberIDs: members}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func scanAccount(row *sql.Row, op string) (auth.Account, error) {
	var a auth.Account
	err := row.Scan(&a.ID, &a.Email, &a.FullName, &a.Role, &a.Status, &a.PasswordHash,
		&a.TwoFactorSecret, &a.TwoFactorEnabled, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.Account{}, domain.New(domain.KindNotFound, "account not found")
		}
		return auth.Account{}, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

func requireRow(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return domain.New(domain.KindNotFound, "account not found")
	}
	return nil
}
