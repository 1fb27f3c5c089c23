package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/identity/internal/credential"
	"github.com/example/identity/internal/grant"
	"github.com/example/identity/internal/token"
)

// introspection is the RFC 7662 response body. Inactive tokens carry only
// active=false so callers learn nothing about why.
type introspection struct {
	Active    bool   `json:"active"`
	Subject   string `json:"sub,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// clientAuthorized checks confidential-client credentials taken from the
// form body or HTTP basic auth. Public clients cannot introspect.
func (a *App) clientAuthorized(r *http.Request) bool {
	clientID := r.PostFormValue("client_id")
	clientSecret := r.PostFormValue("client_secret")
	if id, secret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = id, secret
	}
	if clientID == "" || clientSecret == "" {
		return false
	}

	ctx, cancel := a.storeContext(r)
	defer cancel()
	client, err := a.DB.ClientByID(ctx, clientID)
	if err != nil || client == nil || client.SecretHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)) == nil
}

// HandleIntrospect implements OAuth 2.0 token introspection. Callers must
// authenticate as a registered client so the endpoint cannot be used to
// probe tokens anonymously.
// POST /api/auth/introspect
func (a *App) HandleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Could not parse form body")
		return
	}
	if !a.clientAuthorized(r) {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "Client authentication failed")
		return
	}
	tok := r.PostFormValue("token")
	if tok == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	// Access tokens are JWTs; anything that does not validate is checked
	// against the refresh-token registry before giving up.
	if p, err := a.Validator.Validate(tok, nil); err == nil {
		writeJSON(w, http.StatusOK, introspection{
			Active:    true,
			Subject:   p.Subject,
			ClientID:  p.ClientID,
			Scope:     strings.Join(p.Scopes, " "),
			TokenType: "access_token",
			ExpiresAt: p.ExpiresAt.Unix(),
		})
		return
	}

	ctx, cancel := a.storeContext(r)
	defer cancel()
	rec, err := a.Registry.Lookup(ctx, tok)
	if err == nil && !rec.Consumed && time.Now().Before(rec.ExpiresAt) {
		writeJSON(w, http.StatusOK, introspection{
			Active:    true,
			Subject:   rec.Subject,
			ClientID:  rec.ClientID,
			Scope:     strings.Join(rec.Scopes, " "),
			TokenType: "refresh_token",
			ExpiresAt: rec.ExpiresAt.Unix(),
		})
		return
	}

	writeJSON(w, http.StatusOK, introspection{Active: false})
}

func newClientSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

var knownGrantTypes = map[string]bool{
	grant.TypePassword:          true,
	grant.TypeRefreshToken:      true,
	grant.TypeClientCredentials: true,
}

// HandleCreateClient registers a confidential client. The generated secret
// is returned exactly once.
// POST /api/admin/clients
func (a *App) HandleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID         string   `json:"id"`
		Name       string   `json:"name"`
		GrantTypes []string `json:"grant_types"`
		Scopes     []string `json:"scopes"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Client id and name are required")
		return
	}
	for _, gt := range req.GrantTypes {
		if !knownGrantTypes[gt] {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown grant type: "+gt)
			return
		}
	}
	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{grant.TypeClientCredentials}
	}

	secret, err := newClientSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate client secret")
		return
	}
	secretHash, err := credential.HashPassword(secret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to hash client secret")
		return
	}

	ctx, cancel := a.storeContext(r)
	defer cancel()
	if existing, err := a.DB.ClientByID(ctx, req.ID); err != nil {
		a.storeFailure(w, err)
		return
	} else if existing != nil {
		writeError(w, http.StatusConflict, "CLIENT_EXISTS", "Client with this id already exists")
		return
	}

	client := &Client{
		ID:         req.ID,
		Name:       req.Name,
		SecretHash: secretHash,
		GrantTypes: req.GrantTypes,
		Scopes:     req.Scopes,
	}
	if err := a.DB.UpsertClient(ctx, client); err != nil {
		a.storeFailure(w, err)
		return
	}

	writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"client": map[string]interface{}{
			"id":          client.ID,
			"name":        client.Name,
			"grant_types": client.GrantTypes,
			"scopes":      client.Scopes,
		},
		"client_secret": secret, // Only returned on creation
	})
}

// HandleGetClient returns a client's public configuration.
// GET /api/admin/clients/{id}
func (a *App) HandleGetClient(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ctx, cancel := a.storeContext(r)
	defer cancel()
	client, err := a.DB.ClientByID(ctx, id)
	if err != nil {
		a.storeFailure(w, err)
		return
	}
	if client == nil {
		writeError(w, http.StatusNotFound, "CLIENT_NOT_FOUND", "Client not found")
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"id":          client.ID,
		"name":        client.Name,
		"grant_types": client.GrantTypes,
		"scopes":      client.Scopes,
		"created_at":  client.CreatedAt,
	})
}

// HandleRotateKeys activates a fresh signing key. Retired keys keep
// verifying until every token they signed has expired; Evict then drops
// anything retired longer than the access lifetime ago.
// POST /api/admin/keys/rotate
func (a *App) HandleRotateKeys(w http.ResponseWriter, r *http.Request) {
	key, err := a.Keys.Rotate()
	if err != nil {
		if errors.Is(err, token.ErrStaticSecret) {
			writeError(w, http.StatusConflict, "ROTATION_UNAVAILABLE", "Static-secret mode cannot rotate keys")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to rotate signing key")
		return
	}
	ttl := a.Issuer.AccessTTL
	if ttl == 0 {
		ttl = token.DefaultAccessTTL
	}
	evicted := a.Keys.Evict(time.Now().Add(-ttl))

	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"key_id":  key.ID,
		"evicted": evicted,
	})
}

// HandleDisableUser soft-disables an account so it can no longer obtain
// tokens, and revokes its outstanding refresh tokens.
// POST /api/admin/users/{id}/disable
func (a *App) HandleDisableUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ctx, cancel := a.storeContext(r)
	defer cancel()
	user, err := a.DB.UserByID(ctx, id)
	if err != nil {
		a.storeFailure(w, err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
		return
	}
	if err := a.DB.DisableUser(ctx, id); err != nil {
		a.storeFailure(w, err)
		return
	}
	if err := a.Registry.RevokeAll(ctx, id); err != nil {
		a.logStoreError("revoking tokens for disabled user", err)
	}

	writeSuccess(w, http.StatusOK, map[string]bool{"disabled": true})
}
