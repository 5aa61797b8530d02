package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/mprlab/scholargate/internal/principal"
	"google.golang.org/api/idtoken"
)

// FederatedVerifier verifies a federated identity assertion and returns the
// principal it attests to.
type FederatedVerifier interface {
	Verify(ctx context.Context, assertion string) (*principal.Principal, error)
}

// TokenValidator validates a raw Google ID token against an audience.
type TokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// GoogleVerifier validates Google Sign-In ID tokens.
type GoogleVerifier struct {
	validator TokenValidator
	clientID  string
}

// NewGoogleVerifier builds a verifier backed by Google's certificate endpoints.
func NewGoogleVerifier(ctx context.Context, webClientID string) (*GoogleVerifier, error) {
	validator, validatorErr := idtoken.NewValidator(ctx)
	if validatorErr != nil {
		return nil, fmt.Errorf("identity.google.validator_init: %w", validatorErr)
	}
	return NewGoogleVerifierWithValidator(validator, webClientID), nil
}

// NewGoogleVerifierWithValidator wires an explicit validator; used by tests.
func NewGoogleVerifierWithValidator(validator TokenValidator, webClientID string) *GoogleVerifier {
	return &GoogleVerifier{validator: validator, clientID: webClientID}
}

// Verify checks issuer, audience, and verified email before admitting the
// asserted identity.
func (verifier *GoogleVerifier) Verify(ctx context.Context, assertion string) (*principal.Principal, error) {
	if strings.TrimSpace(assertion) == "" {
		return nil, fmt.Errorf("identity.google.empty_assertion: %w", ErrFlowCancelled)
	}
	payload, validateErr := verifier.validator.Validate(ctx, assertion, verifier.clientID)
	if validateErr != nil {
		return nil, fmt.Errorf("identity.google.validate: %w", ErrAssertionInvalid)
	}
	issuerValue, okIssuer := payload.Claims["iss"].(string)
	if !okIssuer || (issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com") {
		return nil, fmt.Errorf("identity.google.issuer: %w", ErrAssertionInvalid)
	}
	googleSub, _ := payload.Claims["sub"].(string)
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	userDisplayName, _ := payload.Claims["name"].(string)
	avatarURL, _ := payload.Claims["picture"].(string)

	if googleSub == "" || userEmail == "" || !emailVerified {
		return nil, fmt.Errorf("identity.google.unverified: %w", ErrAssertionInvalid)
	}

	return &principal.Principal{
		ID:          "google:" + googleSub,
		DisplayName: userDisplayName,
		Email:       userEmail,
		AvatarURL:   avatarURL,
	}, nil
}
