package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/example/identity/internal/credential"
	"github.com/example/identity/internal/grant"
	"github.com/example/identity/internal/token"
)

func newTestApp(t *testing.T) (*App, *mux.Router) {
	t.Helper()

	db := NewMemStore()
	keys, err := token.NewKeyring()
	require.NoError(t, err)
	codec := token.NewCodec(keys)

	app := &App{
		DB:       db,
		Registry: db,
		Keys:     keys,
		Grants: &grant.Processor{
			Clients:     clientSource{db},
			Credentials: &credential.Verifier{Accounts: accountSource{db}},
			Registry:    db,
		},
		Issuer: &token.Issuer{
			Codec:    codec,
			Registry: db,
			Issuer:   "https://localhost:5001/",
			Audience: "identity-api",
		},
		Validator: &token.Validator{
			Codec:    codec,
			Issuer:   "https://localhost:5001/",
			Audience: "identity-api",
		},
		rateLimiter:  NewRateLimiter(10000),
		storeTimeout: 5 * time.Second,
	}
	require.NoError(t, seedDefaultClient(context.Background(), db))
	return app, app.routes()
}

func postJSON(t *testing.T, r *mux.Router, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func postForm(t *testing.T, r *mux.Router, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func obtainTokens(t *testing.T, r *mux.Router, form url.Values) tokenResponse {
	t.Helper()
	w := postForm(t, r, "/api/auth/token", form)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tr tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tr))
	return tr
}

func passwordForm(username, password string) url.Values {
	return url.Values{
		"grant_type":    {"password"},
		"client_id":     {"default-client"},
		"client_secret": {"super-secret-password"},
		"username":      {username},
		"password":      {password},
	}
}

func TestRegisterLoginMe(t *testing.T) {
	_, r := newTestApp(t)

	w := postJSON(t, r, "/api/auth/register", map[string]string{
		"email":    "alice@example.com",
		"password": "hunter2andmore",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	tr := obtainTokens(t, r, passwordForm("alice@example.com", "hunter2andmore"))
	require.Equal(t, "bearer", tr.TokenType)
	require.NotEmpty(t, tr.AccessToken)
	require.NotEmpty(t, tr.RefreshToken)
	require.Equal(t, "profile email", tr.Scope)

	req := httptest.NewRequest("GET", "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+tr.AccessToken)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Email string `json:"email"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.Equal(t, "alice@example.com", body.Data.Email)
}

func TestRegisterValidation(t *testing.T) {
	_, r := newTestApp(t)

	cases := []struct {
		name  string
		email string
		pass  string
	}{
		{"missing email", "", "password1"},
		{"not an email", "bob.example.com", "password1"},
		{"too short", "bob@example.com", "pw1"},
		{"no digit", "bob@example.com", "passwordonly"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := postJSON(t, r, "/api/auth/register", map[string]string{"email": tc.email, "password": tc.pass})
			require.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	_, r := newTestApp(t)

	body := map[string]string{"email": "dup@example.com", "password": "password1"}
	w := postJSON(t, r, "/api/auth/register", body)
	require.Equal(t, http.StatusOK, w.Code)

	w = postJSON(t, r, "/api/auth/register", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var apiErr APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	require.Equal(t, "USER_EXISTS", apiErr.Code)
}

func TestTokenInvalidClientSecret(t *testing.T) {
	_, r := newTestApp(t)

	form := passwordForm("nobody@example.com", "whatever1")
	form.Set("client_secret", "wrong")
	w := postForm(t, r, "/api/auth/token", form)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var oe OAuthError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &oe))
	require.Equal(t, "invalid_client", oe.Code)
}

func TestTokenWrongPassword(t *testing.T) {
	_, r := newTestApp(t)

	w := postJSON(t, r, "/api/auth/register", map[string]string{"email": "carol@example.com", "password": "password1"})
	require.Equal(t, http.StatusOK, w.Code)

	// wrong password and unknown user produce the same response
	for _, user := range []string{"carol@example.com", "ghost@example.com"} {
		w := postForm(t, r, "/api/auth/token", passwordForm(user, "wrongpass1"))
		require.Equal(t, http.StatusBadRequest, w.Code)
		var oe OAuthError
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &oe))
		require.Equal(t, "invalid_grant", oe.Code)
	}
}

func TestTokenUnsupportedGrantType(t *testing.T) {
	_, r := newTestApp(t)

	w := postForm(t, r, "/api/auth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"default-client"},
		"client_secret": {"super-secret-password"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var oe OAuthError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &oe))
	require.Equal(t, "unsupported_grant_type", oe.Code)
}

func refreshForm(refreshToken string) url.Values {
	return url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"default-client"},
		"client_secret": {"super-secret-password"},
		"refresh_token": {refreshToken},
	}
}

func TestRefreshRotation(t *testing.T) {
	_, r := newTestApp(t)

	w := postJSON(t, r, "/api/auth/register", map[string]string{"email": "dave@example.com", "password": "password1"})
	require.Equal(t, http.StatusOK, w.Code)

	first := obtainTokens(t, r, passwordForm("dave@example.com", "password1"))
	second := obtainTokens(t, r, refreshForm(first.RefreshToken))
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// replaying the consumed token revokes the whole chain
	w = postForm(t, r, "/api/auth/token", refreshForm(first.RefreshToken))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = postForm(t, r, "/api/auth/token", refreshForm(second.RefreshToken))
	require.Equal(t, http.StatusBadRequest, w.Code)
	var oe OAuthError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &oe))
	require.Equal(t, "invalid_grant", oe.Code)
}

func TestLogoutRevokesRefreshTokens(t *testing.T) {
	_, r := newTestApp(t)

	w := postJSON(t, r, "/api/auth/register", map[string]string{"email": "erin@example.com", "password": "password1"})
	require.Equal(t, http.StatusOK, w.Code)
	tr := obtainTokens(t, r, passwordForm("erin@example.com", "password1"))

	req := httptest.NewRequest("POST", "/api/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+tr.AccessToken)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	w = postForm(t, r, "/api/auth/token", refreshForm(tr.RefreshToken))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRevokeSingleToken(t *testing.T) {
	_, r := newTestApp(t)

	w := postJSON(t, r, "/api/auth/register", map[string]string{"email": "frank@example.com", "password": "password1"})
	require.Equal(t, http.StatusOK, w.Code)
	tr := obtainTokens(t, r, passwordForm("frank@example.com", "password1"))

	w = postForm(t, r, "/api/auth/revoke", url.Values{"token": {tr.RefreshToken}})
	require.Equal(t, http.StatusOK, w.Code)

	// idempotent: revoking again still succeeds
	w = postForm(t, r, "/api/auth/revoke", url.Values{"token": {tr.RefreshToken}})
	require.Equal(t, http.StatusOK, w.Code)

	w = postForm(t, r, "/api/auth/token", refreshForm(tr.RefreshToken))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExpiredAccessToken(t *testing.T) {
	app, r := newTestApp(t)

	w := postJSON(t, r, "/api/auth/register", map[string]string{"email": "gina@example.com", "password": "password1"})
	require.Equal(t, http.StatusOK, w.Code)

	// issue tokens backdated past the access lifetime
	app.Issuer.Now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tr := obtainTokens(t, r, passwordForm("gina@example.com", "password1"))
	app.Issuer.Now = nil

	req := httptest.NewRequest("GET", "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+tr.AccessToken)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	require.Equal(t, "TOKEN_EXPIRED", apiErr.Code)
}

func TestClientCredentialsGrant(t *testing.T) {
	_, r := newTestApp(t)

	tr := obtainTokens(t, r, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"default-client"},
		"client_secret": {"super-secret-password"},
		"scope":         {"profile"},
	})
	require.NotEmpty(t, tr.AccessToken)
	require.Empty(t, tr.RefreshToken)
	require.Equal(t, "profile", tr.Scope)
}

func TestScopeOverreachRejected(t *testing.T) {
	_, r := newTestApp(t)

	w := postJSON(t, r, "/api/auth/register", map[string]string{"email": "hank@example.com", "password": "password1"})
	require.Equal(t, http.StatusOK, w.Code)

	form := passwordForm("hank@example.com", "password1")
	form.Set("scope", "profile admin")
	w = postForm(t, r, "/api/auth/token", form)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var oe OAuthError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &oe))
	require.Equal(t, "invalid_grant", oe.Code)
}

func introspectForm(tok string) url.Values {
	return url.Values{
		"token":         {tok},
		"client_id":     {"default-client"},
		"client_secret": {"super-secret-password"},
	}
}

func TestIntrospect(t *testing.T) {
	_, r := newTestApp(t)

	w := postJSON(t, r, "/api/auth/register", map[string]string{"email": "iris@example.com", "password": "password1"})
	require.Equal(t, http.StatusOK, w.Code)
	tr := obtainTokens(t, r, passwordForm("iris@example.com", "password1"))

	var info introspection

	w = postForm(t, r, "/api/auth/introspect", introspectForm(tr.AccessToken))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.True(t, info.Active)
	require.Equal(t, "access_token", info.TokenType)

	w = postForm(t, r, "/api/auth/introspect", introspectForm(tr.RefreshToken))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.True(t, info.Active)
	require.Equal(t, "refresh_token", info.TokenType)

	w = postForm(t, r, "/api/auth/introspect", introspectForm("garbage"))
	require.Equal(t, http.StatusOK, w.Code)
	info = introspection{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.False(t, info.Active)
	require.Empty(t, info.Subject)
}

func TestIntrospectRequiresClientAuth(t *testing.T) {
	_, r := newTestApp(t)

	w := postJSON(t, r, "/api/auth/register", map[string]string{"email": "ivan@example.com", "password": "password1"})
	require.Equal(t, http.StatusOK, w.Code)
	tr := obtainTokens(t, r, passwordForm("ivan@example.com", "password1"))

	// no client credentials at all
	w = postForm(t, r, "/api/auth/introspect", url.Values{"token": {tr.AccessToken}})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotContains(t, w.Body.String(), `"active"`)

	var oe OAuthError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &oe))
	require.Equal(t, "invalid_client", oe.Code)

	// wrong secret
	w = postForm(t, r, "/api/auth/introspect", url.Values{
		"token":         {tr.AccessToken},
		"client_id":     {"default-client"},
		"client_secret": {"not-the-secret"},
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotContains(t, w.Body.String(), `"sub"`)
}

func adminToken(t *testing.T, app *App, r *mux.Router) string {
	t.Helper()
	hash, err := credential.HashPassword("ops-secret")
	require.NoError(t, err)
	require.NoError(t, app.DB.UpsertClient(context.Background(), &Client{
		ID:         "ops-client",
		Name:       "Ops",
		SecretHash: hash,
		GrantTypes: []string{grant.TypeClientCredentials},
		Scopes:     []string{"admin"},
	}))
	tr := obtainTokens(t, r, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"ops-client"},
		"client_secret": {"ops-secret"},
	})
	return tr.AccessToken
}

func TestAdminRequiresScope(t *testing.T) {
	app, r := newTestApp(t)

	w := postJSON(t, r, "/api/auth/register", map[string]string{"email": "jon@example.com", "password": "password1"})
	require.Equal(t, http.StatusOK, w.Code)
	tr := obtainTokens(t, r, passwordForm("jon@example.com", "password1"))

	// a user token without the admin scope is rejected
	req := httptest.NewRequest("GET", "/api/admin/clients/default-client", nil)
	req.Header.Set("Authorization", "Bearer "+tr.AccessToken)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest("GET", "/api/admin/clients/default-client", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, app, r))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAdminCreateClient(t *testing.T) {
	app, r := newTestApp(t)
	tok := adminToken(t, app, r)

	body, err := json.Marshal(map[string]interface{}{
		"id":          "new-client",
		"name":        "New Client",
		"grant_types": []string{"client_credentials"},
		"scopes":      []string{"profile"},
	})
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/api/admin/clients", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Data struct {
			ClientSecret string `json:"client_secret"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.ClientSecret)

	// the minted secret works for the token endpoint
	tr := obtainTokens(t, r, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"new-client"},
		"client_secret": {resp.Data.ClientSecret},
	})
	require.NotEmpty(t, tr.AccessToken)
}

func TestAdminDisableUser(t *testing.T) {
	app, r := newTestApp(t)

	w := postJSON(t, r, "/api/auth/register", map[string]string{"email": "kate@example.com", "password": "password1"})
	require.Equal(t, http.StatusOK, w.Code)
	var reg struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reg))

	tr := obtainTokens(t, r, passwordForm("kate@example.com", "password1"))

	req := httptest.NewRequest("POST", "/api/admin/users/"+reg.Data.ID+"/disable", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, app, r))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// disabled users cannot log in, refresh, or read their profile
	w = postForm(t, r, "/api/auth/token", passwordForm("kate@example.com", "password1"))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = postForm(t, r, "/api/auth/token", refreshForm(tr.RefreshToken))
	require.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest("GET", "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+tr.AccessToken)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKeyRotationKeepsOldTokensValid(t *testing.T) {
	app, r := newTestApp(t)

	w := postJSON(t, r, "/api/auth/register", map[string]string{"email": "lena@example.com", "password": "password1"})
	require.Equal(t, http.StatusOK, w.Code)
	before := obtainTokens(t, r, passwordForm("lena@example.com", "password1"))

	req := httptest.NewRequest("POST", "/api/admin/keys/rotate", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, app, r))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// tokens signed by the retired key are still accepted
	req = httptest.NewRequest("GET", "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+before.AccessToken)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// new tokens are signed by the new key and accepted too
	after := obtainTokens(t, r, passwordForm("lena@example.com", "password1"))
	req = httptest.NewRequest("GET", "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+after.AccessToken)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	_, r := newTestApp(t)

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}
