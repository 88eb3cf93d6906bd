// Package security implements request authentication: static API keys and
// HS256 JWTs over the same middleware.
package security

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

const jwtIssuer = "llm-orchestrator"

// Config holds authentication configuration.
type Config struct {
	APIKeys     []string      `yaml:"api_keys"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTExpiry   time.Duration `yaml:"jwt_expiry"`
	RequireAuth bool          `yaml:"require_auth"`
}

// AuthInfo describes the authenticated caller.
type AuthInfo struct {
	Subject  string `json:"subject"`
	AuthType string `json:"auth_type"` // "api_key" or "jwt"
}

// Claims are the JWT claims this service issues and accepts.
type Claims struct {
	jwt.RegisteredClaims
}

type ctxKey int

const authInfoKey ctxKey = 0

// Authenticator validates API keys and JWTs and provides the HTTP
// middleware that enforces them.
type Authenticator struct {
	config *Config
	logger *logrus.Logger
}

// NewAuthenticator creates an authenticator. JWT expiry defaults to 24h.
func NewAuthenticator(config *Config, logger *logrus.Logger) *Authenticator {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 24 * time.Hour
	}

	return &Authenticator{
		config: config,
		logger: logger,
	}
}

// Authenticate validates a token as an API key first, then as a JWT.
func (a *Authenticator) Authenticate(token string) (*AuthInfo, error) {
	if info, err := a.ValidateAPIKey(token); err == nil {
		return info, nil
	}

	if claims, err := a.ValidateJWT(token); err == nil {
		return &AuthInfo{Subject: claims.Subject, AuthType: "jwt"}, nil
	}

	return nil, errors.New("invalid authentication token")
}

// ValidateAPIKey checks the token against the configured keys with
// constant-time comparisons.
func (a *Authenticator) ValidateAPIKey(apiKey string) (*AuthInfo, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	for _, validKey := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(validKey)) == 1 {
			return &AuthInfo{
				Subject:  "key_" + maskAPIKey(apiKey),
				AuthType: "api_key",
			}, nil
		}
	}

	return nil, errors.New("invalid API key")
}

// GenerateJWT issues an HS256 token for subject.
func (a *Authenticator) GenerateJWT(subject string) (string, error) {
	if a.config.JWTSecret == "" {
		return "", errors.New("jwt secret is not configured")
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jwtIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.JWTExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.JWTSecret))
}

// ValidateJWT parses and verifies an HS256 token issued by this service.
func (a *Authenticator) ValidateJWT(tokenString string) (*Claims, error) {
	if a.config.JWTSecret == "" {
		return nil, errors.New("jwt secret is not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(a.config.JWTSecret), nil
	}, jwt.WithIssuer(jwtIssuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid JWT token")
	}
	return claims, nil
}

// Middleware enforces authentication on every route except health checks
// and the API documentation.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") || strings.HasPrefix(r.URL.Path, "/docs") {
				next.ServeHTTP(w, r)
				return
			}

			if !a.config.RequireAuth {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				a.writeUnauthorized(w, "Missing authentication token")
				return
			}

			info, err := a.Authenticate(token)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"path":      r.URL.Path,
					"method":    r.Method,
					"remote_ip": clientIP(r),
				}).Warn("Authentication failed")

				a.writeUnauthorized(w, "Invalid authentication token")
				return
			}

			a.logger.WithFields(logrus.Fields{
				"subject":   info.Subject,
				"auth_type": info.AuthType,
				"path":      r.URL.Path,
			}).Debug("Authentication successful")

			next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), info)))
		})
	}
}

// WithAuthInfo attaches the caller identity to ctx.
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey, info)
}

// GetAuthInfo extracts the caller identity from ctx.
func GetAuthInfo(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey).(*AuthInfo)
	return info, ok
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return apiKey
	}

	return ""
}

func maskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "****"
	}
	return apiKey[:4] + "****" + apiKey[len(apiKey)-4:]
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if colonIndex := strings.LastIndex(ip, ":"); colonIndex != -1 {
		ip = ip[:colonIndex]
	}
	return ip
}

func (a *Authenticator) writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)

	response := fmt.Sprintf(`{"error":{"message":%q,"type":"authentication_error","code":401},"timestamp":%d}`, message, time.Now().Unix())
	w.Write([]byte(response))
}
