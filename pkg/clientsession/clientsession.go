// Package clientsession mints and validates the browser-binding cookie: an
// HS256 JWT whose client_id claim keys the per-browser session store. It is
// importable by companion services that need to recognize the same cookie.
package clientsession

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Broker.
type Config struct {
	SigningKey []byte
	Issuer     string
	CookieName string
	TTL        time.Duration
	Secure     bool
	Clock      Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "client_id"

// DefaultCookieName is used when Config.CookieName is empty.
const DefaultCookieName = "scholargate_client"

// DefaultTTL is used when Config.TTL is zero.
const DefaultTTL = 30 * 24 * time.Hour

// Sentinel errors exposed by the broker.
var (
	ErrMissingSigningKey = errors.New("client_session.missing_signing_key")
	ErrMissingIssuer     = errors.New("client_session.missing_issuer")
	ErrMissingToken      = errors.New("client_session.missing_token")
	ErrMissingCookie     = errors.New("client_session.missing_cookie")
	ErrInvalidToken      = errors.New("client_session.invalid_token")
	ErrInvalidIssuer     = errors.New("client_session.invalid_issuer")
	ErrTokenExpired      = errors.New("client_session.expired")
)

// Broker mints and validates browser-binding tokens.
type Broker struct {
	signingKey []byte
	issuer     string
	cookieName string
	ttl        time.Duration
	secure     bool
	clock      Clock
}

// Claims is the browser-binding payload.
type Claims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// New constructs a Broker after validating the supplied configuration.
func New(configuration Config) (*Broker, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("client_session.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("client_session.new: %w", ErrMissingIssuer)
	}
	cookieName := configuration.CookieName
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	ttl := configuration.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Broker{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		cookieName: cookieName,
		ttl:        ttl,
		secure:     configuration.Secure,
		clock:      clock,
	}, nil
}

// CookieName returns the configured cookie name.
func (broker *Broker) CookieName() string {
	return broker.cookieName
}

// Mint signs a binding token for the given client identifier.
func (broker *Broker) Mint(clientID string) (string, error) {
	issuedAt := broker.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    broker.issuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(broker.ttl)),
		},
	})
	signed, signErr := token.SignedString(broker.signingKey)
	if signErr != nil {
		return "", fmt.Errorf("client_session.mint: %w", signErr)
	}
	return signed, nil
}

// ValidateToken validates the provided JWT string and returns the parsed claims.
func (broker *Broker) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("client_session.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return broker.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return broker.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("client_session.validate_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("client_session.validate_token: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("client_session.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("client_session.validate_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != broker.issuer {
		return nil, fmt.Errorf("client_session.validate_token: %w", ErrInvalidIssuer)
	}
	if strings.TrimSpace(claims.ClientID) == "" {
		return nil, fmt.Errorf("client_session.validate_token: %w", ErrInvalidToken)
	}
	return claims, nil
}

// ClientIDFromRequest reads the configured cookie and returns the bound
// client identifier.
func (broker *Broker) ClientIDFromRequest(request *http.Request) (string, error) {
	if request == nil {
		return "", fmt.Errorf("client_session.from_request: %w", ErrMissingToken)
	}
	cookie, cookieErr := request.Cookie(broker.cookieName)
	if cookieErr != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		return "", fmt.Errorf("client_session.from_request: %w", ErrMissingCookie)
	}
	claims, validateErr := broker.ValidateToken(cookie.Value)
	if validateErr != nil {
		return "", validateErr
	}
	return claims.ClientID, nil
}

// GinMiddleware binds every request to a client identifier: a valid cookie
// is honored, anything else gets a freshly minted binding. The identifier is
// injected under the given context key.
func (broker *Broker) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		clientID, fromErr := broker.ClientIDFromRequest(contextGin.Request)
		if fromErr != nil {
			clientID = uuid.NewString()
			minted, mintErr := broker.Mint(clientID)
			if mintErr != nil {
				contextGin.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			contextGin.SetSameSite(http.SameSiteLaxMode)
			contextGin.SetCookie(broker.cookieName, minted, int(broker.ttl/time.Second), "/", "", broker.secure, true)
		}
		contextGin.Set(contextKey, clientID)
		contextGin.Next()
	}
}

// ClientID extracts the bound identifier injected by GinMiddleware.
func ClientID(contextGin *gin.Context, contextKey string) string {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	value, exists := contextGin.Get(contextKey)
	if !exists {
		return ""
	}
	clientID, ok := value.(string)
	if !ok {
		return ""
	}
	return clientID
}
