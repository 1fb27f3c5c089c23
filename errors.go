package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/example/identity/internal/grant"
	"github.com/example/identity/internal/registry"
	"github.com/example/identity/internal/token"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// OAuthError is the standard OAuth2 error body per RFC 6749 §5.2.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// writeOAuthError writes an OAuth2 error body
func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(OAuthError{Code: code, Description: description})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// writeGrantError translates engine errors into the OAuth2 wire taxonomy.
// Component-local errors never leak to the client raw; anything
// unrecognized becomes a logged 500 with a generic body.
func writeGrantError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, grant.ErrInvalidClient):
		writeOAuthError(w, http.StatusBadRequest, "invalid_client", "Client authentication failed")
	case errors.Is(err, grant.ErrUnauthorizedClient):
		writeOAuthError(w, http.StatusBadRequest, "unauthorized_client", "Client is not authorized for this grant type")
	case errors.Is(err, grant.ErrUnsupportedGrant):
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "Grant type is not supported")
	case errors.Is(err, grant.ErrInvalidCredentials):
		// enumeration-safe: same body for unknown user and wrong password
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "Invalid resource owner credentials")
	case errors.Is(err, grant.ErrInvalidScope),
		errors.Is(err, grant.ErrClientMismatch),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, registry.ErrAlreadyConsumed),
		errors.Is(err, registry.ErrExpired):
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "Grant is invalid, expired or revoked")
	case errors.Is(err, context.DeadlineExceeded):
		writeOAuthError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "Backing store is unavailable, retry later")
	default:
		log.Printf("token grant failed: %v", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "An unexpected error occurred. Please try again later.")
	}
}

// bearerErrorCode maps validator rejections to stable error codes for 401
// bodies. The reason is safe to expose; the raw error is not always.
func bearerErrorCode(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return "TOKEN_EXPIRED"
	case errors.Is(err, token.ErrWrongIssuer), errors.Is(err, token.ErrWrongAudience):
		return "TOKEN_WRONG_AUDIENCE"
	case errors.Is(err, token.ErrKeyUnknown):
		return "TOKEN_KEY_UNKNOWN"
	default:
		return "TOKEN_INVALID"
	}
}
