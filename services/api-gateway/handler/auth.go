package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// DefaultTokenTTL is the lifetime of an access token.
const DefaultTokenTTL = 30 * time.Minute

var (
	ErrInvalidCredentials = errors.New("incorrect username or password")
	ErrInvalidToken       = errors.New("could not validate credentials")
)

type subjectKey struct{}

// Subject returns the authenticated username stored by Authenticate.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

// Auth issues and verifies HS256 bearer tokens for a fixed set of users.
type Auth struct {
	secret []byte
	ttl    time.Duration
	users  map[string][]byte
	now    func() time.Time
	logger *slog.Logger
}

// AuthOption configures Auth.
type AuthOption func(*Auth)

func WithTokenTTL(d time.Duration) AuthOption       { return func(a *Auth) { a.ttl = d } }
func WithAuthClock(now func() time.Time) AuthOption { return func(a *Auth) { a.now = now } }
func WithAuthLogger(l *slog.Logger) AuthOption      { return func(a *Auth) { a.logger = l } }

// NewAuth creates Auth. users maps a username to its bcrypt hash.
func NewAuth(secret string, users map[string]string, opts ...AuthOption) *Auth {
	a := &Auth{
		secret: []byte(secret),
		ttl:    DefaultTokenTTL,
		users:  make(map[string][]byte, len(users)),
		now:    time.Now,
		logger: slog.Default(),
	}
	for name, hash := range users {
		a.users[name] = []byte(hash)
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Login checks the password and returns a signed token for username.
func (a *Auth) Login(username, password string) (string, error) {
	hash, ok := a.users[username]
	if !ok {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return a.IssueToken(username)
}

// IssueToken signs an access token for subject.
func (a *Auth) IssueToken(subject string) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses token and returns its subject. The subject must still be a configured user.
func (a *Auth) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if _, ok := a.users[claims.Subject]; !ok {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// TokenResponse is the POST /token response body.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token handles POST /token with form fields username and password.
func (a *Auth) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	username := r.PostForm.Get("username")
	token, err := a.Login(username, r.PostForm.Get("password"))
	if err != nil {
		a.logger.Info("login rejected", slog.String("username", username))
		unauthorized(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(a.ttl.Seconds()),
	})
}

// Authenticate rejects requests without a valid bearer token and stores the
// subject in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			unauthorized(w, "not authenticated")
			return
		}
		subject, err := a.Verify(token)
		if err != nil {
			a.logger.Debug("token rejected", slog.String("error", err.Error()))
			unauthorized(w, ErrInvalidToken.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, subject)))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, msg)
}
