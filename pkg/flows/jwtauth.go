package flows

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nangohq/nango/pkg/auth"
)

// jwtDriver mints a signed JWT from caller-supplied key material and stores
// it as the bearer token. Two key shapes are accepted: a PEM private key
// (RS256 or ES256 by key type) and the Ghost Admin "id:secret" form (HS256
// with the hex-decoded secret).
type jwtDriver struct {
	e *Engine
}

func (d *jwtDriver) Start(ctx context.Context, req *StartRequest) (*StartResult, error) {
	creds, ok := req.Credentials.(*auth.JWTCredentials)
	if !ok || creds.PrivateKey == "" {
		return nil, auth.NewError(auth.CodeInvalidConnectionConfig, "credentials require private_key")
	}

	token, expiresAt, err := mintJWT(creds, d.e.now())
	if err != nil {
		return nil, err
	}
	creds.Token = token
	creds.ExpiresAt = &expiresAt

	return d.e.completeSynchronous(ctx, req, creds)
}

func (d *jwtDriver) Finish(_ context.Context, _ *FinishRequest) (*Completion, error) {
	return finishUnsupported(auth.ModeJWT)
}

func mintJWT(creds *auth.JWTCredentials, now time.Time) (string, time.Time, error) {
	if !strings.HasPrefix(strings.TrimSpace(creds.PrivateKey), "-----BEGIN") {
		return mintAdminKeyJWT(creds.PrivateKey, now)
	}
	return mintPEMJWT(creds, now)
}

// mintAdminKeyJWT handles the Ghost Admin key form: "id:secret" with a hex
// secret, HS256, five minute lifetime, /admin/ audience.
func mintAdminKeyJWT(key string, now time.Time) (string, time.Time, error) {
	id, secret, ok := strings.Cut(key, ":")
	if !ok || id == "" || secret == "" {
		return "", time.Time{}, auth.NewError(auth.CodeInvalidConnectionConfig, "private_key must be a PEM key or an id:secret admin key")
	}
	secretBytes, err := hex.DecodeString(secret)
	if err != nil {
		return "", time.Time{}, auth.WrapError(auth.CodeInvalidConnectionConfig, "admin key secret is not valid hex", err)
	}

	expiresAt := now.Add(5 * time.Minute).UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
		"aud": "/admin/",
	})
	token.Header["kid"] = id

	signed, err := token.SignedString(secretBytes)
	if err != nil {
		return "", time.Time{}, auth.WrapError(auth.CodeInvalidConnectionConfig, "failed to sign admin key JWT", err)
	}
	return signed, expiresAt, nil
}

// mintPEMJWT signs with RS256 or ES256 depending on the PEM key type, one
// hour lifetime, optional issuer and key id claims.
func mintPEMJWT(creds *auth.JWTCredentials, now time.Time) (string, time.Time, error) {
	var (
		method jwt.SigningMethod
		key    any
	)
	if rsaKey, rsaErr := jwt.ParseRSAPrivateKeyFromPEM([]byte(creds.PrivateKey)); rsaErr == nil {
		method, key = jwt.SigningMethodRS256, rsaKey
	} else if ecKey, ecErr := jwt.ParseECPrivateKeyFromPEM([]byte(creds.PrivateKey)); ecErr == nil {
		method, key = jwt.SigningMethodES256, ecKey
	} else {
		return "", time.Time{}, auth.WrapError(auth.CodeInvalidConnectionConfig, "private_key is not a valid RSA or EC PEM key", rsaErr)
	}

	expiresAt := now.Add(time.Hour).UTC()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
	}
	if creds.IssuerID != "" {
		claims["iss"] = creds.IssuerID
	}
	token := jwt.NewWithClaims(method, claims)
	if creds.PrivateKeyID != "" {
		token.Header["kid"] = creds.PrivateKeyID
	}

	signed, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, auth.WrapError(auth.CodeInvalidConnectionConfig, "failed to sign JWT", err)
	}
	return signed, expiresAt, nil
}
