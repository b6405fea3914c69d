package authz

import (
	"context"
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/apirelay/apirelay/internal/config"
	"github.com/apirelay/apirelay/internal/observability"
	"github.com/apirelay/apirelay/internal/util"
)

// rolesClaim is the custom claim carrying the caller's roles.
const rolesClaim = "roles"

// TokenParser validates HS256 bearer tokens and extracts a principal.
type TokenParser struct {
	key      []byte
	issuer   string
	audience string
	logger   observability.Logger
}

// NewTokenParser creates a token parser from the auth configuration.
func NewTokenParser(cfg config.AuthConfig, logger observability.Logger) (*TokenParser, error) {
	if cfg.Secret == "" {
		return nil, util.NewConfigError("auth.secret", "signing secret is required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &TokenParser{
		key:      []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		logger:   logger,
	}, nil
}

// Parse validates a raw token and returns the principal it asserts.
// Expired, unsigned, or wrongly-signed tokens return ErrUnauthorized.
func (p *TokenParser) Parse(ctx context.Context, raw string) (*Principal, error) {
	options := []jwt.ParseOption{
		jwt.WithContext(ctx),
		jwt.WithKey(jwa.HS256, p.key),
		jwt.WithValidate(true),
	}
	if p.issuer != "" {
		options = append(options, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		options = append(options, jwt.WithAudience(p.audience))
	}

	token, err := jwt.Parse([]byte(raw), options...)
	if err != nil {
		p.logger.Debug("token rejected", observability.Error(err))
		return nil, fmt.Errorf("%w: %v", util.ErrUnauthorized, err)
	}

	return &Principal{
		Subject: token.Subject(),
		Roles:   extractRoles(token),
	}, nil
}

// extractRoles reads the roles claim, accepting either a string list or
// a single string.
func extractRoles(token jwt.Token) []string {
	value, ok := token.Get(rolesClaim)
	if !ok {
		return nil
	}

	switch v := value.(type) {
	case []interface{}:
		roles := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	case []string:
		return v
	case string:
		return []string{v}
	default:
		return nil
	}
}

// ExtractBearer pulls the token out of an Authorization header value.
func ExtractBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
