package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode"

	"github.com/example/identity/internal/credential"
	"github.com/example/identity/internal/grant"
)

type creds struct{ Email, Password string }

// tokenResponse is the OAuth2 token endpoint response per RFC 6749.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

func validRegistration(c creds) (string, bool) {
	if c.Email == "" || c.Password == "" {
		return "Email and password are required", false
	}
	if !strings.Contains(c.Email, "@") {
		return "Email address is not valid", false
	}
	if len(c.Password) < 8 {
		return "Password must be at least 8 characters", false
	}
	hasDigit := false
	for _, r := range c.Password {
		if unicode.IsDigit(r) {
			hasDigit = true
			break
		}
	}
	if !hasDigit {
		return "Password must contain at least one digit", false
	}
	return "", true
}

func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var c creds
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if msg, ok := validRegistration(c); !ok {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", msg)
		return
	}

	hashed, err := credential.HashPassword(c.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to process password")
		return
	}

	ctx, cancel := a.storeContext(r)
	defer cancel()
	user, err := a.DB.CreateUser(ctx, c.Email, hashed, nil)
	if err == ErrDuplicateEmail {
		writeError(w, http.StatusBadRequest, "USER_EXISTS", "User with this email already exists")
		return
	}
	if err != nil {
		a.storeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"id":    user.ID,
		"email": user.Email,
	})
}

// HandleToken is the OAuth2 token endpoint. Grant validation and token
// minting are entirely the engine's business; this handler only parses
// the form and translates errors to the wire.
func (a *App) HandleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Could not parse form body")
		return
	}

	req := grant.Request{
		GrantType:    r.PostFormValue("grant_type"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		Username:     r.PostFormValue("username"),
		Password:     r.PostFormValue("password"),
		RefreshToken: r.PostFormValue("refresh_token"),
	}
	if scope := r.PostFormValue("scope"); scope != "" {
		req.Scope = strings.Fields(scope)
	}
	// confidential clients may also use HTTP basic auth
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID, req.ClientSecret = id, secret
	}
	if req.GrantType == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "grant_type is required")
		return
	}

	ctx, cancel := a.storeContext(r)
	defer cancel()

	g, err := a.Grants.Process(ctx, req)
	if err != nil {
		writeGrantError(w, err)
		return
	}
	pair, err := a.Issuer.Issue(ctx, g)
	if err != nil {
		writeGrantError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		Scope:        strings.Join(pair.Scope, " "),
	})
}

// HandleRevoke invalidates a single refresh token (RFC 7009 shape).
func (a *App) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Could not parse form body")
		return
	}
	tok := r.PostFormValue("token")
	if tok == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	ctx, cancel := a.storeContext(r)
	defer cancel()
	// per RFC 7009 an unknown token is not an error: revocation is idempotent
	if err := a.Registry.Revoke(ctx, tok); err != nil {
		a.logStoreError("revoke", err)
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"revoked": true})
}

// HandleLogout revokes every refresh token of the authenticated subject.
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok || p.Subject == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Bearer token required")
		return
	}
	ctx, cancel := a.storeContext(r)
	defer cancel()
	if err := a.Registry.RevokeAll(ctx, p.Subject); err != nil {
		a.storeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"revoked": true})
}

// HandleMe returns the authenticated user's profile.
func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok || p.Subject == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Bearer token required")
		return
	}

	ctx, cancel := a.storeContext(r)
	defer cancel()
	user, err := a.DB.UserByID(ctx, p.Subject)
	if err != nil {
		a.storeFailure(w, err)
		return
	}
	if user == nil || user.Disabled {
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"id":         user.ID,
		"email":      user.Email,
		"roles":      user.Roles,
		"created_at": user.CreatedAt,
	})
}
