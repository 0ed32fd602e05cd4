package credentials

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const tokenPrefix = "SharedAccessSignature "

var (
	// ErrMalformedToken is returned by ParseToken for passwords that are no shared access signature
	ErrMalformedToken = errors.New("malformed shared access signature")
	// ErrInvalidSignature is returned by Verify if the signature does not match the key
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrExpired is returned by Verify for tokens past their expiry
	ErrExpired = errors.New("token expired")
)

// ParseToken parses the serialized form produced by Token.String
func ParseToken(s string) (Token, error) {
	if !strings.HasPrefix(s, tokenPrefix) {
		return Token{}, ErrMalformedToken
	}
	values, err := url.ParseQuery(strings.TrimPrefix(s, tokenPrefix))
	if err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	uri, sig, se := values.Get("sr"), values.Get("sig"), values.Get("se")
	if len(uri) == 0 || len(sig) == 0 || len(se) == 0 {
		return Token{}, ErrMalformedToken
	}
	expiry, err := strconv.ParseInt(se, 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("%w: bad expiry %q", ErrMalformedToken, se)
	}
	return Token{
		ResourceURI: uri,
		Signature:   sig,
		PolicyName:  values.Get("skn"),
		Expiry:      time.Unix(expiry, 0),
	}, nil
}

// Verify checks the token signature against the base64 encoded key and its expiry against now.
func (t Token) Verify(key string, now time.Time) error {
	decoded, err := decodeKey(key)
	if err != nil {
		return err
	}
	expected := signature(decoded, t.ResourceURI, t.Expiry)
	if !hmac.Equal([]byte(expected), []byte(t.Signature)) {
		return ErrInvalidSignature
	}
	if !now.Before(t.Expiry) {
		return ErrExpired
	}
	return nil
}
