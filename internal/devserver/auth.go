package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/SiamRahamanDhrubo/connectlink"
)

// Claims are the access token claims the dev server issues and accepts.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.StandardClaims
}

// principal is the caller of a request. An empty UserID is the anonymous
// role.
type principal struct {
	UserID string
	Email  string
	Name   string
}

type contextKey string

const principalKey contextKey = "principal"

func principalFrom(ctx context.Context) principal {
	p, _ := ctx.Value(principalKey).(principal)
	return p
}

// IssueToken signs an access token for userID valid for ttl.
func (s *Server) IssueToken(userID, email, name string, ttl time.Duration) (string, error) {
	return SignToken(s.cfg.JWTSecret, userID, email, name, ttl)
}

// SignToken signs an HS256 access token the way a server with secret
// expects it. A non-positive ttl defaults to one day.
func SignToken(secret, userID, email, name string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required")
	}
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := &Claims{
		Email: email,
		Name:  name,
		StandardClaims: jwt.StandardClaims{
			Subject:   userID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
			Issuer:    "connectlink-devserver",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func (s *Server) parseToken(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// authenticate resolves the caller from the apikey header and the bearer
// token. A bearer equal to the anon key is the anonymous role.
func (s *Server) authenticate(r *http.Request, apiKey, bearer string) (principal, error) {
	if s.cfg.AnonKey != "" && apiKey != s.cfg.AnonKey {
		return principal{}, errors.New("invalid api key")
	}
	if bearer == "" || bearer == s.cfg.AnonKey {
		return principal{}, nil
	}
	claims, err := s.parseToken(bearer)
	if err != nil {
		return principal{}, err
	}
	p := principal{UserID: claims.Subject, Email: claims.Email, Name: claims.Name}
	s.writeMu.Lock()
	err = s.db.ensureProfile(r.Context(), p.UserID, p.Email, p.Name)
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Error().Err(err).Str("user", p.UserID).Msg("failed to provision profile")
	}
	return p, nil
}

// authMiddleware attaches the principal to the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		p, err := s.authenticate(r, r.Header.Get("apikey"), bearer)
		if err != nil {
			writeError(w, &connectlink.APIError{Status: http.StatusUnauthorized, Code: "PGRST301", Message: err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

// requireUser rejects the anonymous role.
func requireUser(w http.ResponseWriter, r *http.Request) (principal, bool) {
	p := principalFrom(r.Context())
	if p.UserID == "" {
		writeError(w, &connectlink.APIError{Status: http.StatusUnauthorized, Code: "PGRST301", Message: "authentication required"})
		return p, false
	}
	return p, true
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, connectlink.User{ID: p.UserID, Email: p.Email})
}
