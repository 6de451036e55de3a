package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/logger"
)

// codeUnauthorized covers failures of the transport itself, before any flow
// code applies: a missing or unresolvable public or secret key.
const codeUnauthorized = "unauthorized"

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// statusForCode maps a flow error code onto an HTTP status for the
// server-to-server routes. Guard failures are 401, lookup failures 404,
// caller mistakes 400, upstream provider failures 424, and anything
// unclassified 500.
func statusForCode(code auth.Code) int {
	switch code {
	case auth.CodeMissingHMAC, auth.CodeInvalidHMAC:
		return http.StatusUnauthorized
	case auth.CodeUnknownProviderConfig, auth.CodeUnknownProviderTemplate, auth.CodeMissingConnection:
		return http.StatusNotFound
	case auth.CodeInvalidAuthMode, auth.CodeInvalidConnectionConfig, auth.CodeUnknownGrantType,
		auth.CodeInvalidCallbackOAuth2, auth.CodeInvalidCallbackOAuth1, auth.CodeInvalidState:
		return http.StatusBadRequest
	case auth.CodeTokenExternalError, auth.CodeTokenParsingError,
		auth.CodeRefreshTokenExternalError, auth.CodeRefreshTokenParsingError,
		auth.CodeConnectionTestFailed, auth.CodeOAuth2CCError:
		return http.StatusFailedDependency
	case auth.CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// userMessage returns the caller-safe message from an error chain. Errors
// that never went through the auth error type stay opaque so internal
// details don't leak.
func userMessage(err error) string {
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		return authErr.Message
	}
	return "an unexpected error occurred"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}

// writeError renders a flow failure on a server-to-server route as a coded
// JSON body.
func writeError(w http.ResponseWriter, err error) {
	code := auth.CodeOf(err)
	if code == auth.CodeUnknownError {
		logger.Errorw("request failed without a flow code", "error", err)
	}
	writeJSON(w, statusForCode(code), errorResponse{
		Error: errorBody{Code: string(code), Message: userMessage(err)},
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, errorResponse{
		Error: errorBody{Code: codeUnauthorized, Message: "missing or invalid secret key"},
	})
}

// Browser-facing routes always complete 200: the outcome travels over the
// websocket channel, and the page only tells the end user to close the tab.
const browserPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Nango</title></head>
<body>
<p>%s</p>
<p>You can close this window.</p>
</body>
</html>
`

func renderSuccessPage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, browserPage, "Authorization succeeded.")
}

func renderErrorPage(w http.ResponseWriter, code auth.Code, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	detail := html.EscapeString(fmt.Sprintf("Authorization failed: %s (%s)", message, code))
	fmt.Fprintf(w, browserPage, detail)
}
