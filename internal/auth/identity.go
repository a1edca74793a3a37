package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"
)

// ErrInvalidIdentity is returned for any ID token that fails verification.
var ErrInvalidIdentity = errors.New("auth: invalid identity token")

// Identity is what a verified external credential tells us about a person.
type Identity struct {
	Subject       string // stable provider user id ("sub")
	Email         string
	GivenName     string
	EmailVerified bool
}

// IdentityVerifier turns an opaque external credential into verified claims.
// The service layer only depends on this interface.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (*Identity, error)
}

// googleIssuers are the two issuer spellings Google signs ID tokens with.
var googleIssuers = map[string]bool{
	"accounts.google.com":         true,
	"https://accounts.google.com": true,
}

// payloadValidator matches (*idtoken.Validator).Validate.
type payloadValidator func(ctx context.Context, token, audience string) (*idtoken.Payload, error)

// GoogleVerifier checks Google ID tokens: RSA signature against Google's
// published keys, expiry and audience (done by idtoken), then the issuer.
type GoogleVerifier struct {
	clientID string
	validate payloadValidator
}

// NewGoogleVerifier builds a verifier that accepts only tokens minted for
// clientID. httpClient fetches Google's signing keys; nil means
// http.DefaultClient.
func NewGoogleVerifier(ctx context.Context, clientID string, httpClient *http.Client) (*GoogleVerifier, error) {
	if clientID == "" {
		return nil, errors.New("auth: google client id is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	v, err := idtoken.NewValidator(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("auth: creating id token validator: %w", err)
	}

	return &GoogleVerifier{clientID: clientID, validate: v.Validate}, nil
}

func (g *GoogleVerifier) Verify(ctx context.Context, credential string) (*Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, fmt.Errorf("%w: empty credential", ErrInvalidIdentity)
	}

	payload, err := g.validate(ctx, credential, g.clientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	return identityFromPayload(payload)
}

func identityFromPayload(p *idtoken.Payload) (*Identity, error) {
	if !googleIssuers[p.Issuer] {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidIdentity, p.Issuer)
	}
	if p.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidIdentity)
	}

	id := &Identity{Subject: p.Subject}
	id.Email, _ = p.Claims["email"].(string)
	id.GivenName, _ = p.Claims["given_name"].(string)

	// email_verified shows up as a bool, or as "true" in some older tokens.
	switch v := p.Claims["email_verified"].(type) {
	case bool:
		id.EmailVerified = v
	case string:
		id.EmailVerified = v == "true"
	}

	if id.Email == "" {
		return nil, fmt.Errorf("%w: token carries no email", ErrInvalidIdentity)
	}
	if id.GivenName == "" {
		// fall back to the mailbox part so signup always has a display name
		id.GivenName, _, _ = strings.Cut(id.Email, "@")
	}
	return id, nil
}
