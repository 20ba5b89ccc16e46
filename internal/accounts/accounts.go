// Package accounts stores the portal accounts tasks book with. Passwords are sealed with
// crypto.Sealer and only opened when a run needs to log in.
package accounts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/venue-autobook/internal/crypto"
	"github.com/example/venue-autobook/internal/db"
	"github.com/example/venue-autobook/internal/internaltypes"
	"github.com/example/venue-autobook/internal/portal"
	"github.com/jackc/pgx/v5"
)

type Account struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Remark    string    `json:"remark"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Repo struct {
	db     *db.DB
	sealer *crypto.Sealer
}

func NewRepo(d *db.DB, sealer *crypto.Sealer) *Repo {
	return &Repo{db: d, sealer: sealer}
}

// Add stores a new account. The first account added becomes the default.
func (r *Repo) Add(ctx context.Context, username, password, remark string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return 0, internaltypes.Invalid("username and password required")
	}
	enc, err := r.sealer.Seal(password)
	if err != nil {
		return 0, fmt.Errorf("seal password: %w", err)
	}
	var id int64
	err = r.db.QueryRow(ctx, `
INSERT INTO accounts(username,password_enc,remark,is_default)
VALUES ($1,$2,$3,NOT EXISTS(SELECT 1 FROM accounts))
RETURNING id`, username, enc, remark).Scan(&id)
	return id, db.WrapNotFound(err)
}

func (r *Repo) List(ctx context.Context) ([]Account, error) {
	rows, err := r.db.Query(ctx, `SELECT id,username,remark,is_default,created_at,updated_at FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Username, &a.Remark, &a.IsDefault, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repo) Get(ctx context.Context, id int64) (Account, error) {
	var a Account
	err := r.db.QueryRow(ctx, `SELECT id,username,remark,is_default,created_at,updated_at FROM accounts WHERE id=$1`, id).
		Scan(&a.ID, &a.Username, &a.Remark, &a.IsDefault, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Account{}, db.WrapNotFound(err)
	}
	return a, nil
}

// Default returns the account marked default, ErrNotFound if none is.
func (r *Repo) Default(ctx context.Context) (Account, error) {
	var a Account
	err := r.db.QueryRow(ctx, `SELECT id,username,remark,is_default,created_at,updated_at FROM accounts WHERE is_default LIMIT 1`).
		Scan(&a.ID, &a.Username, &a.Remark, &a.IsDefault, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Account{}, db.WrapNotFound(err)
	}
	return a, nil
}

// SetDefault makes id the only default account.
func (r *Repo) SetDefault(ctx context.Context, id int64) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE accounts SET is_default=true, updated_at=now() WHERE id=$1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return internaltypes.ErrNotFound
		}
		_, err = tx.Exec(ctx, `UPDATE accounts SET is_default=false, updated_at=now() WHERE id<>$1 AND is_default`, id)
		return err
	})
}

// ResolveAccount opens the stored password for a login.
func (r *Repo) ResolveAccount(ctx context.Context, id int64) (portal.Credentials, error) {
	var username, enc string
	err := r.db.QueryRow(ctx, `SELECT username,password_enc FROM accounts WHERE id=$1`, id).Scan(&username, &enc)
	if err != nil {
		return portal.Credentials{}, db.WrapNotFound(err)
	}
	pw, err := r.sealer.Open(enc)
	if err != nil {
		return portal.Credentials{}, fmt.Errorf("account %d: %w", id, err)
	}
	return portal.Credentials{Username: username, Password: pw}, nil
}
