package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cryptoquiz/backend/internal/logger"
	"github.com/cryptoquiz/backend/internal/services"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey string

const (
	userIDKey  contextKey = "userID"
	roleKey    contextKey = "role"
	tokenKey      contextKey = "token"
	expiresKey    contextKey = "expiresAt"
	queryTokenKey contextKey = "queryToken"
)

// Revoker reports whether a token was logged out before it expired.
type Revoker interface {
	IsRevoked(ctx context.Context, token string) bool
}

type Auth struct {
	secret  []byte
	revoker Revoker
}

func NewAuth(secret string, revoker Revoker) *Auth {
	return &Auth{secret: []byte(secret), revoker: revoker}
}

// Middleware accepts a bearer token from the Authorization header.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return a.authenticate(next, false)
}

// WebSocketMiddleware also accepts the token query parameter, since browsers
// cannot set headers on a websocket upgrade.
func (a *Auth) WebSocketMiddleware(next http.Handler) http.Handler {
	return a.authenticate(next, true)
}

func (a *Auth) authenticate(next http.Handler, allowQuery bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := tokenFromRequest(r, allowQuery)
		if err != nil {
			services.SendErrorResponse(w, err.Error(), http.StatusUnauthorized, nil)
			return
		}

		claims, err := a.validateToken(token)
		if err != nil {
			logger.Log.Debug("rejected token", zap.Error(err))
			services.SendErrorResponse(w, "Invalid token", http.StatusUnauthorized, nil)
			return
		}
		if a.revoker != nil && a.revoker.IsRevoked(r.Context(), token) {
			services.SendErrorResponse(w, "Token has been revoked", http.StatusUnauthorized, nil)
			return
		}

		ctx := WithUser(r.Context(), claims.userID, claims.role)
		ctx = context.WithValue(ctx, tokenKey, token)
		ctx = context.WithValue(ctx, expiresKey, claims.expiresAt)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// StripQueryToken moves a token query parameter out of the URL before the
// request logger sees it. WebSocketMiddleware still finds it.
func StripQueryToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		token := q.Get("token")
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		q.Del("token")
		u := *r.URL
		u.RawQuery = q.Encode()

		r = r.WithContext(context.WithValue(r.Context(), queryTokenKey, token))
		r.URL = &u
		r.RequestURI = u.RequestURI()
		next.ServeHTTP(w, r)
	})
}

func tokenFromRequest(r *http.Request, allowQuery bool) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if allowQuery {
			if t, _ := r.Context().Value(queryTokenKey).(string); t != "" {
				return t, nil
			}
			if t := r.URL.Query().Get("token"); t != "" {
				return t, nil
			}
		}
		return "", errors.New("Authorization header required")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("Invalid authorization header format")
	}
	return parts[1], nil
}

type tokenClaims struct {
	userID    string
	role      string
	expiresAt time.Time
}

func (a *Auth) validateToken(tokenString string) (*tokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims")
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return nil, fmt.Errorf("token has no user_id")
	}
	role, _ := claims["role"].(string)
	if role == "" {
		role = services.RoleUser
	}
	out := &tokenClaims{userID: userID, role: role}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.expiresAt = exp.Time
	}
	return out, nil
}

// RequireAdmin rejects callers whose token does not carry the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Role(r.Context()) != services.RoleAdmin {
			services.SendErrorResponse(w, "Admin access required", http.StatusForbidden, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServiceToken guards internal endpoints called by the quiz and tournament
// services. An empty token closes them entirely.
func ServiceToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Service-Token")
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders sets the response headers every API reply carries.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func WithUser(ctx context.Context, userID, role string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, roleKey, role)
}

func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

func Role(ctx context.Context) string {
	v, _ := ctx.Value(roleKey).(string)
	return v
}

// Token returns the raw bearer token and its expiry.
func Token(ctx context.Context) (string, time.Time) {
	t, _ := ctx.Value(tokenKey).(string)
	exp, _ := ctx.Value(expiresKey).(time.Time)
	return t, exp
}
