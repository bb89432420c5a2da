package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Claims are the bearer token claims issued by the identity provider.
type Claims struct {
	jwt.RegisteredClaims
	Email     string   `json:"email"`
	Roles     []string `json:"roles"`
	PatientID string   `json:"patient_id,omitempty"`
	DoctorID  string   `json:"doctor_id,omitempty"`
}

func (c *Claims) Caller() Caller {
	return Caller{
		UserID:    c.Subject,
		Email:     c.Email,
		Roles:     c.Roles,
		PatientID: c.PatientID,
		DoctorID:  c.DoctorID,
	}
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 verification for development and tests.
	SigningKey []byte
	Skipper    func(echo.Context) bool
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var jwks *JWKSCache
	if len(cfg.SigningKey) == 0 && cfg.JWKSURL != "" {
		jwks = NewJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			ctx := c.Request().Context()
			var keyFunc jwt.Keyfunc
			switch {
			case len(cfg.SigningKey) > 0:
				keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
			case jwks != nil:
				keyFunc = jwks.keyFunc(ctx)
			default:
				return echo.NewHTTPError(http.StatusUnauthorized, "token verification not configured")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Email == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no email claim")
			}

			c.SetRequest(c.Request().WithContext(ContextWithCaller(ctx, claims.Caller())))
			return next(c)
		}
	}
}

// DevAuthMiddleware lets development requests without an Authorization header
// through as an admin. The X-Dev-Email, X-Dev-Roles, X-Dev-Patient-ID and
// X-Dev-Doctor-ID headers override the default identity. Requests carrying a
// bearer token are passed to verify.
func DevAuthMiddleware(verify echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		verified := verify(next)
		return func(c echo.Context) error {
			req := c.Request()
			if req.Header.Get("Authorization") != "" {
				return verified(c)
			}

			caller := Caller{
				UserID: "dev-user",
				Email:  "dev@localhost",
				Roles:  []string{RoleAdmin},
			}
			if email := req.Header.Get("X-Dev-Email"); email != "" {
				caller.Email = email
				caller.UserID = email
			}
			if roles := req.Header.Get("X-Dev-Roles"); roles != "" {
				caller.Roles = strings.Split(roles, ",")
			}
			caller.PatientID = req.Header.Get("X-Dev-Patient-ID")
			caller.DoctorID = req.Header.Get("X-Dev-Doctor-ID")

			c.SetRequest(req.WithContext(ContextWithCaller(req.Context(), caller)))
			return next(c)
		}
	}
}
