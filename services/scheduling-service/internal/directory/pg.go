package directory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/careloop-health/careslot/libs/db"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/storage"
)

// PgDirectory is the default Directory backed by the local providers table.
type PgDirectory struct {
	pool *db.Pool
}

func NewPgDirectory(pool *db.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

func (d *PgDirectory) FindProvider(ctx context.Context, id uuid.UUID) (Provider, error) {
	var p Provider
	err := d.pool.QueryRow(ctx, `
		SELECT id, role, display_name, email, is_verified, verification_status, is_active
		FROM providers
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Role, &p.DisplayName, &p.Email, &p.IsVerified, &p.VerificationStatus, &p.IsActive)
	if err != nil {
		if storage.IsNotFound(err) {
			return Provider{}, ErrProviderNotFound
		}
		return Provider{}, fmt.Errorf("find provider: %w", err)
	}
	return p, nil
}

// VerifyAPIKey authenticates provider staff calls. Keys are stored
// bcrypt-hashed; the plaintext only travels in the request header.
func (d *PgDirectory) VerifyAPIKey(ctx context.Context, providerID uuid.UUID, key string) error {
	var hash []byte
	err := d.pool.QueryRow(ctx, `
		SELECT api_key_hash FROM providers WHERE id = $1 AND is_active
	`, providerID).Scan(&hash)
	if err != nil {
		if storage.IsNotFound(err) {
			return ErrProviderNotFound
		}
		return fmt.Errorf("load provider api key: %w", err)
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(key)) != nil {
		return ErrBadAPIKey
	}
	return nil
}
