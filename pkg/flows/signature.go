package flows

import (
	"context"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // WSSE password digests are defined over SHA-1.
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nangohq/nango/pkg/auth"
)

// signatureDriver builds a WSSE username token from a caller-supplied
// username/password pair and stores it for the proxy to send as the
// X-WSSE header.
type signatureDriver struct {
	e *Engine
}

func (d *signatureDriver) Start(ctx context.Context, req *StartRequest) (*StartResult, error) {
	creds, ok := req.Credentials.(*auth.SignatureCredentials)
	if !ok || creds.Username == "" || creds.Password == "" {
		return nil, auth.NewError(auth.CodeInvalidConnectionConfig, "credentials require username and password")
	}

	token, expiresAt, err := mintWSSEToken(creds.Username, creds.Password, d.e.now())
	if err != nil {
		return nil, err
	}
	creds.Token = token
	creds.ExpiresAt = &expiresAt

	return d.e.completeSynchronous(ctx, req, creds)
}

func (d *signatureDriver) Finish(_ context.Context, _ *FinishRequest) (*Completion, error) {
	return finishUnsupported(auth.ModeSignature)
}

// mintWSSEToken builds the UsernameToken header value:
// digest = base64(sha1(nonce + created + password)), the whole header
// base64-encoded for transport, one hour validity.
func mintWSSEToken(username, password string, now time.Time) (string, time.Time, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", time.Time{}, auth.WrapError(auth.CodeUnknownError, "failed to generate nonce", err)
	}
	nonce := hex.EncodeToString(nonceBytes)
	created := now.UTC().Format(time.RFC3339)

	h := sha1.New() //nolint:gosec // G401: WSSE mandates SHA-1
	h.Write([]byte(nonce + created + password))
	digest := base64.StdEncoding.EncodeToString(h.Sum(nil))

	header := fmt.Sprintf(`UsernameToken Username="%s", PasswordDigest="%s", Nonce="%s", Created="%s"`,
		username, digest, nonce, created)
	token := base64.StdEncoding.EncodeToString([]byte(header))

	return token, now.Add(time.Hour).UTC(), nil
}
