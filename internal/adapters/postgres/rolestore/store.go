package rolestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	postgres "github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/postgres"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/domain"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/rolestore"
)

// Store is a Postgres implementation of rolestore.Store.
type Store struct {
	pool   *pgxpool.Pool
	issuer string
}

func NewStore(pool *pgxpool.Pool, jwtIssuer string) *Store {
	return &Store{pool: pool, issuer: jwtIssuer}
}

func (s *Store) CreateProfile(ctx context.Context, p domain.Profile) error {
	if s.pool == nil {
		return errors.New("nil postgres pool")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (
			user_id,
			subject_iss,
			subject_sub,
			email,
			display_name,
			declared_role,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		string(p.UserID),
		s.issuer,
		string(p.Subject),
		p.Email,
		p.DisplayName,
		string(p.DeclaredRole),
		p.CreatedAt.UTC(),
		p.UpdatedAt.UTC(),
	)
	if err != nil {
		if pe, ok := postgres.AsPgError(err); ok && pe.Code == postgres.UniqueViolationCode {
			switch pe.ConstraintName {
			case "profiles_subject_unique":
				return rolestore.ErrSubjectAlreadyBound
			default:
				return rolestore.ErrAlreadyExists
			}
		}
		return mapStoreErr(err)
	}
	return nil
}

func (s *Store) SaveProfile(ctx context.Context, p domain.Profile) error {
	if s.pool == nil {
		return errors.New("nil postgres pool")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE profiles
		SET email = $1, display_name = $2, declared_role = $3, updated_at = $4
		WHERE user_id = $5
	`,
		p.Email, p.DisplayName, string(p.DeclaredRole), p.UpdatedAt.UTC(), string(p.UserID),
	)
	if err != nil {
		return mapStoreErr(err)
	}
	if tag.RowsAffected() == 0 {
		return rolestore.ErrProfileNotFound
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, id domain.UserID) (domain.Profile, error) {
	if s.pool == nil {
		return domain.Profile{}, errors.New("nil postgres pool")
	}
	row := s.pool.QueryRow(ctx, selectProfileSQL+` WHERE user_id = $1`, string(id))
	return scanProfile(row)
}

func (s *Store) GetProfileBySubject(ctx context.Context, subject domain.SubjectID) (domain.Profile, error) {
	if s.pool == nil {
		return domain.Profile{}, errors.New("nil postgres pool")
	}
	row := s.pool.QueryRow(ctx, selectProfileSQL+` WHERE subject_iss = $1 AND subject_sub = $2`,
		s.issuer, string(subject))
	return scanProfile(row)
}

func (s *Store) GetClaim(ctx context.Context, id domain.UserID) (domain.Claim, error) {
	if s.pool == nil {
		return domain.Claim{}, errors.New("nil postgres pool")
	}
	var (
		c      domain.Claim
		userID string
		role   string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, claim_role, updated_at FROM claims WHERE user_id = $1
	`, string(id)).Scan(&userID, &role, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Claim{}, rolestore.ErrClaimNotFound
		}
		return domain.Claim{}, mapStoreErr(err)
	}
	c.UserID = domain.UserID(userID)
	c.Role = domain.Role(role)
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func (s *Store) SetClaim(ctx context.Context, c domain.Claim) error {
	if s.pool == nil {
		return errors.New("nil postgres pool")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO claims (user_id, claim_role, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET claim_role = EXCLUDED.claim_role, updated_at = EXCLUDED.updated_at
	`,
		string(c.UserID), string(c.Role), c.UpdatedAt.UTC(),
	)
	if err != nil {
		return mapStoreErr(err)
	}
	return nil
}

func (s *Store) ListPairs(ctx context.Context) ([]rolestore.Pair, error) {
	if s.pool == nil {
		return nil, errors.New("nil postgres pool")
	}
	rows, err := s.pool.Query(ctx, `
		SELECT p.user_id, p.subject_sub, p.email, p.display_name, p.declared_role,
		       p.created_at, p.updated_at,
		       c.claim_role, c.updated_at
		FROM profiles p
		LEFT JOIN claims c ON c.user_id = p.user_id
		ORDER BY p.user_id ASC
	`)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	out := make([]rolestore.Pair, 0)
	for rows.Next() {
		var (
			pair            rolestore.Pair
			userID, subject string
			declared        string
			claimRole       *string
			claimAt         *time.Time
		)
		err := rows.Scan(
			&userID,
			&subject,
			&pair.Profile.Email,
			&pair.Profile.DisplayName,
			&declared,
			&pair.Profile.CreatedAt,
			&pair.Profile.UpdatedAt,
			&claimRole,
			&claimAt,
		)
		if err != nil {
			return nil, mapStoreErr(err)
		}
		pair.Profile.UserID = domain.UserID(userID)
		pair.Profile.Subject = domain.SubjectID(subject)
		pair.Profile.DeclaredRole = domain.Role(declared)
		pair.Profile.CreatedAt = pair.Profile.CreatedAt.UTC()
		pair.Profile.UpdatedAt = pair.Profile.UpdatedAt.UTC()
		if claimRole != nil && claimAt != nil {
			pair.Claim = domain.Claim{
				UserID:    pair.Profile.UserID,
				Role:      domain.Role(*claimRole),
				UpdatedAt: claimAt.UTC(),
			}
			pair.HasClaim = true
		}
		out = append(out, pair)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreErr(err)
	}
	return out, nil
}

const selectProfileSQL = `
	SELECT user_id, subject_sub, email, display_name, declared_role, created_at, updated_at
	FROM profiles`

func scanProfile(row pgx.Row) (domain.Profile, error) {
	var (
		p               domain.Profile
		userID, subject string
		role            string
	)
	err := row.Scan(&userID, &subject, &p.Email, &p.DisplayName, &role, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Profile{}, rolestore.ErrProfileNotFound
		}
		return domain.Profile{}, mapStoreErr(err)
	}
	p.UserID = domain.UserID(userID)
	p.Subject = domain.SubjectID(subject)
	p.DeclaredRole = domain.Role(role)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if postgres.IsUnavailable(err) {
		return fmt.Errorf("%w: %v", rolestore.ErrUnavailable, err)
	}
	return err
}
