// Package auth guards the operator API: bcrypt-hashed operator users and a signed,
// encrypted session cookie.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/example/venue-autobook/internal/db"
	"github.com/example/venue-autobook/internal/internaltypes"
	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"
)

const (
	cookieName = "autobook_session"
	sessionTTL = 7 * 24 * time.Hour
)

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// Authenticator checks operator credentials and returns the user id.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (int64, error)
}

// UserRepo stores operator users in Postgres.
type UserRepo struct{ db *db.DB }

func NewUserRepo(d *db.DB) *UserRepo { return &UserRepo{db: d} }

func (r *UserRepo) CreateUser(ctx context.Context, username, password string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(password) < 8 {
		return 0, internaltypes.Invalid("username required and password must be at least 8 characters")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.db.QueryRow(ctx, `INSERT INTO users(username, password_bcrypt) VALUES ($1,$2) RETURNING id`, username, hash).Scan(&id)
	return id, db.WrapNotFound(err)
}

// Authenticate returns ErrUnauthorized for an unknown user or a wrong password alike.
func (r *UserRepo) Authenticate(ctx context.Context, username, password string) (int64, error) {
	var id int64
	var hash string
	err := r.db.QueryRow(ctx, `SELECT id, password_bcrypt FROM users WHERE username=$1`, username).Scan(&id, &hash)
	if db.IsNotFound(err) {
		return 0, internaltypes.ErrUnauthorized
	}
	if err != nil {
		return 0, db.WrapNotFound(err)
	}
	if !CheckPassword(hash, password) {
		return 0, internaltypes.ErrUnauthorized
	}
	return id, nil
}

type session struct {
	UID    int64
	Issued int64
}

// Sessions issues and verifies the session cookie.
type Sessions struct {
	sc *securecookie.SecureCookie
}

func NewSessions(hashKey, blockKey []byte) *Sessions {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(sessionTTL.Seconds()))
	return &Sessions{sc: sc}
}

func (s *Sessions) Issue(w http.ResponseWriter, r *http.Request, userID int64) error {
	encoded, err := s.sc.Encode(cookieName, session{UID: userID, Issued: time.Now().Unix()})
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	return nil
}

func (s *Sessions) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: cookieName, Value: "", Path: "/", HttpOnly: true, MaxAge: -1})
}

func (s *Sessions) UserID(r *http.Request) (int64, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return 0, false
	}
	var sess session
	if err := s.sc.Decode(cookieName, c.Value, &sess); err != nil || sess.UID <= 0 {
		return 0, false
	}
	return sess.UID, true
}

type ctxKey struct{}

// Require rejects requests without a valid session with 401.
func (s *Sessions) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, ok := s.UserID(r)
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, uid)))
	})
}

func UserIDFromContext(ctx context.Context) (int64, bool) {
	uid, ok := ctx.Value(ctxKey{}).(int64)
	return uid, ok
}

// IsUnauthorized reports whether err is a credential rejection.
func IsUnauthorized(err error) bool { return errors.Is(err, internaltypes.ErrUnauthorized) }
