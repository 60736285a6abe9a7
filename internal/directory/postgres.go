package directory

import (
	"context"
	"database/sql"
	"errors"
)

var _ Directory = (*PGDirectory)(nil)

// PGDirectory resolves users and units from the shared Postgres schema.
type PGDirectory struct {
	db *sql.DB
}

func NewPGDirectory(db *sql.DB) *PGDirectory {
	return &PGDirectory{db: db}
}

func (d *PGDirectory) User(ctx context.Context, id string) (User, error) {
	var (
		u      User
		status string
	)
	err := d.db.QueryRowContext(ctx,
		`select id, name, email, status from users where id=$1`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.Active = status == "ACTIVE"
	return u, nil
}

func (d *PGDirectory) Unit(ctx context.Context, id string) (Unit, error) {
	var (
		u      Unit
		status string
	)
	// owner_id is nullable; ownerless units still resolve.
	err := d.db.QueryRowContext(ctx,
		`select id, org_id, unit_name, coalesce(owner_id,''), status from units where id=$1`, id,
	).Scan(&u.ID, &u.OrgID, &u.Name, &u.OwnerID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return Unit{}, ErrNotFound
	}
	if err != nil {
		return Unit{}, err
	}
	u.Active = status == "ACTIVE"
	return u, nil
}
