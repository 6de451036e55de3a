// Package auth defines the authorization domain: auth modes, the credential
// tagged union persisted on connections, the stable error codes surfaced to
// callers, and the HMAC guard for caller-supplied digests.
package auth

import "fmt"

// AuthMode identifies the handshake protocol a provider uses.
type AuthMode string

// Supported auth modes.
const (
	ModeOAuth1    AuthMode = "OAUTH1"
	ModeOAuth2    AuthMode = "OAUTH2"
	ModeOAuth2CC  AuthMode = "OAUTH2_CC"
	ModeApp       AuthMode = "APP"
	ModeCustom    AuthMode = "CUSTOM"
	ModeAppStore  AuthMode = "APP_STORE"
	ModeBasic     AuthMode = "BASIC"
	ModeAPIKey    AuthMode = "API_KEY"
	ModeJWT       AuthMode = "JWT"
	ModeSignature AuthMode = "SIGNATURE"
	ModeTableau   AuthMode = "TABLEAU"
	ModeTwoStep   AuthMode = "TWO_STEP"
	ModeBill      AuthMode = "BILL"
	ModeTBA       AuthMode = "TBA"
)

var allModes = map[AuthMode]struct{}{
	ModeOAuth1:    {},
	ModeOAuth2:    {},
	ModeOAuth2CC:  {},
	ModeApp:       {},
	ModeCustom:    {},
	ModeAppStore:  {},
	ModeBasic:     {},
	ModeAPIKey:    {},
	ModeJWT:       {},
	ModeSignature: {},
	ModeTableau:   {},
	ModeTwoStep:   {},
	ModeBill:      {},
	ModeTBA:       {},
}

// ParseAuthMode validates a raw mode string from provider metadata.
func ParseAuthMode(s string) (AuthMode, error) {
	mode := AuthMode(s)
	if _, ok := allModes[mode]; !ok {
		return "", fmt.Errorf("unknown auth mode %q", s)
	}
	return mode, nil
}

// Valid reports whether the mode is one of the supported constants.
func (m AuthMode) Valid() bool {
	_, ok := allModes[m]
	return ok
}

// RequiresRedirect reports whether the mode drives the user through a
// provider redirect (start returns a redirect and finish consumes a
// callback) as opposed to completing synchronously.
func (m AuthMode) RequiresRedirect() bool {
	switch m {
	case ModeOAuth1, ModeOAuth2, ModeApp, ModeAppStore, ModeCustom:
		return true
	default:
		return false
	}
}

// Refreshable reports whether stored credentials of this mode can go stale
// and be renewed by the refresh coordinator.
func (m AuthMode) Refreshable() bool {
	return m == ModeOAuth2
}
