package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
)

// ServiceAuth issues and validates the HS256 service tokens that protect
// the deliver and postbox endpoints. Callers are other services (the
// outbox processor, tenant backends), not end users, so the token carries
// only a subject and an expiry.
type ServiceAuth struct {
	secret   []byte
	issuer   string
	audience string
}

// NewServiceAuth creates a service token authority for the given shared
// secret. An empty secret disables enforcement, which keeps single-binary
// dev setups working without token plumbing.
func NewServiceAuth(secret string) *ServiceAuth {
	return &ServiceAuth{
		secret:   []byte(secret),
		issuer:   "flowcatalyst",
		audience: "flowcatalyst-core",
	}
}

// Enabled reports whether token enforcement is active
func (a *ServiceAuth) Enabled() bool {
	return len(a.secret) > 0
}

// IssueToken mints a service token for the given subject
func (a *ServiceAuth) IssueToken(subject string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", fmt.Errorf("service auth secret not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{a.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateToken verifies a service token and returns its subject
func (a *ServiceAuth) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return "", fmt.Errorf("unexpected claims type")
	}
	return claims.Subject, nil
}

// Middleware enforces a valid service token on every request. When no
// secret is configured requests pass through unauthenticated.
func (a *ServiceAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			WriteUnauthorized(w, "Missing Authorization header")
			return
		}

		subject, err := a.ValidateToken(token)
		if err != nil {
			slog.Debug("Service token validation failed", "error", err)
			WriteUnauthorized(w, "Invalid or expired token")
			return
		}

		r.Header.Set("X-Service-Subject", subject)
		next.ServeHTTP(w, r)
	})
}

// MetricsMiddleware records request counts and durations per chi route
// pattern, so path parameters don't explode the label set
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}
		metrics.HTTPRequestsTotal.WithLabelValues(
			r.Method, path, strconv.Itoa(ww.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(
			r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// extractBearerToken extracts the token from an Authorization header value
func extractBearerToken(authHeader string) string {
	if authHeader != "" && strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
