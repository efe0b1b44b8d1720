package fanout

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Headers set on signed requests.
const (
	SignatureHeader          = "X-Signature"
	SignatureTimestampHeader = "X-Signature-Timestamp"
)

var errMissingSecret = errors.New("signing secret is empty")

// Sign computes the hex HMAC-SHA256 of
//
//	METHOD \n PATH \n UNIX_SECONDS \n hex(sha256(body))
//
// keyed by secret, where PATH carries the query string when there is one.
// It reads no clock and is deterministic.
func Sign(method, path string, body []byte, timestamp time.Time, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", errMissingSecret
	}

	bodySum := sha256.Sum256(body)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(method))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(path))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(timestamp.Unix(), 10)))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(hex.EncodeToString(bodySum[:])))

	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Signer signs requests to trusted internal services with one shared secret.
type Signer struct {
	secret []byte
}

// NewSigner returns a ConfigurationError when secret is empty, so a missing
// secret is caught at startup rather than per call.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, configError("HMAC_SECRET is required for signed endpoints")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// SignRequest sets the signature headers on req. The signature covers the
// request URI with its query, and body, which must be the exact bytes sent
// as the request body.
func (s *Signer) SignRequest(req *http.Request, body []byte, timestamp time.Time) error {
	sig, err := Sign(req.Method, req.URL.RequestURI(), body, timestamp, s.secret)
	if err != nil {
		return err
	}
	req.Header.Set(SignatureHeader, sig)
	req.Header.Set(SignatureTimestampHeader, strconv.FormatInt(timestamp.Unix(), 10))
	return nil
}
