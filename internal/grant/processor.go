package grant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/identity/internal/credential"
	"github.com/example/identity/internal/registry"
)

// Processor validates grant requests against the client registry, the
// credential store and the refresh-token registry. Each grant type is an
// independent path; semantics are never mixed.
type Processor struct {
	Clients     ClientSource
	Credentials CredentialVerifier
	Registry    registry.Registry

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Process validates a token request and returns the resulting Grant.
func (p *Processor) Process(ctx context.Context, req Request) (*Grant, error) {
	// a grant type the server does not implement is unsupported no matter
	// who asks; client allowances only matter for implemented types
	switch req.GrantType {
	case TypePassword, TypeRefreshToken, TypeClientCredentials:
	default:
		return nil, ErrUnsupportedGrant
	}

	client, err := p.authenticateClient(ctx, req)
	if err != nil {
		return nil, err
	}

	switch req.GrantType {
	case TypePassword:
		return p.password(ctx, client, req)
	case TypeRefreshToken:
		return p.refresh(ctx, client, req)
	default:
		return p.clientCredentials(client, req)
	}
}

func (p *Processor) authenticateClient(ctx context.Context, req Request) (*Client, error) {
	if req.ClientID == "" {
		return nil, ErrInvalidClient
	}
	client, err := p.Clients.ClientByID(ctx, req.ClientID)
	if err != nil {
		return nil, fmt.Errorf("looking up client: %w", err)
	}
	if client == nil {
		return nil, ErrInvalidClient
	}
	if client.SecretHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(req.ClientSecret)); err != nil {
			return nil, ErrInvalidClient
		}
	} else if req.GrantType == TypeClientCredentials {
		// a client with no secret cannot authenticate as itself
		return nil, ErrInvalidClient
	}
	if !contains(client.GrantTypes, req.GrantType) {
		return nil, ErrUnauthorizedClient
	}
	return client, nil
}

func (p *Processor) password(ctx context.Context, client *Client, req Request) (*Grant, error) {
	subject, err := p.Credentials.Verify(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, credential.ErrInvalidCredentials) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	scopes, err := narrow(req.Scope, client.Scopes)
	if err != nil {
		return nil, err
	}
	return p.newGrant(subject, client, scopes), nil
}

func (p *Processor) refresh(ctx context.Context, client *Client, req Request) (*Grant, error) {
	if req.RefreshToken == "" {
		return nil, registry.ErrNotFound
	}
	rec, err := p.Registry.ConsumeAndRotate(ctx, req.RefreshToken)
	if errors.Is(err, registry.ErrAlreadyConsumed) {
		// replay: a consumed token was presented again, so someone holds a
		// stolen copy. Kill the subject's whole chain.
		if rec != nil {
			if rerr := p.Registry.RevokeAll(ctx, rec.Subject); rerr != nil {
				log.Printf("revoking token chain for %s: %v", rec.Subject, rerr)
			}
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if rec.ClientID != client.ID {
		return nil, ErrClientMismatch
	}
	// scope may only narrow on refresh, never widen
	scopes, err := narrow(req.Scope, rec.Scopes)
	if err != nil {
		return nil, err
	}
	return p.newGrant(rec.Subject, client, scopes), nil
}

func (p *Processor) clientCredentials(client *Client, req Request) (*Grant, error) {
	scopes, err := narrow(req.Scope, client.Scopes)
	if err != nil {
		return nil, err
	}
	return p.newGrant("", client, scopes), nil
}

func (p *Processor) newGrant(subject string, client *Client, scopes []string) *Grant {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return &Grant{
		Subject:    subject,
		ClientID:   client.ID,
		Scopes:     scopes,
		IssuedAt:   now(),
		AccessTTL:  client.AccessTTL,
		RefreshTTL: client.RefreshTTL,
	}
}

// narrow intersects the requested scopes with the allowed set. An empty
// request means the full allowed set; any requested scope outside the
// allowed set rejects the whole request.
func narrow(requested, allowed []string) ([]string, error) {
	if len(requested) == 0 {
		out := make([]string, len(allowed))
		copy(out, allowed)
		return out, nil
	}
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if !contains(allowed, s) {
			return nil, ErrInvalidScope
		}
		out = append(out, s)
	}
	return out, nil
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
