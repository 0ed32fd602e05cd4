package credentials

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/relabs-tech/dps/iot"
)

const (
	// DefaultTTL is the validity of a freshly signed token
	DefaultTTL = time.Hour
	// DefaultPolicyName is the key name the provisioning service expects for registrations
	DefaultPolicyName = "registration"

	minKeyLength = 16
	maxKeyLength = 64
)

// Token is a shared access signature
type Token struct {
	ResourceURI string
	Signature   string
	PolicyName  string
	Expiry      time.Time
}

// String returns the serialized form which is used as connection password:
//
//	SharedAccessSignature sr=<uri>&sig=<signature>&se=<expiry>&skn=<policy>
func (t Token) String() string {
	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d&skn=%s",
		url.QueryEscape(t.ResourceURI),
		url.QueryEscape(t.Signature),
		t.Expiry.Unix(),
		t.PolicyName)
}

// Signer produces shared access signatures for one device registration from a symmetric key.
type Signer struct {
	idScope        string
	registrationID string
	resourceURI    string
	key            []byte
	policyName     string
	ttl            time.Duration
	now            func() time.Time
}

// Option configures a Signer
type Option func(*Signer)

// WithTTL sets the validity of signed tokens. The default is one hour.
func WithTTL(ttl time.Duration) Option {
	return func(s *Signer) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPolicyName overrides the key name embedded in the token.
func WithPolicyName(name string) Option {
	return func(s *Signer) {
		if len(name) > 0 {
			s.policyName = name
		}
	}
}

// NewSymmetricKeySigner returns a signer for the registration identified by idScope and
// registrationID. The key must be base64 encoded and decode to 16 to 64 bytes, otherwise
// an error wrapping iot.ErrConfiguration is returned.
func NewSymmetricKeySigner(idScope, registrationID, key string, options ...Option) (*Signer, error) {
	if len(idScope) == 0 {
		return nil, fmt.Errorf("%w: id scope is missing", iot.ErrConfiguration)
	}
	if len(registrationID) == 0 {
		return nil, fmt.Errorf("%w: registration id is missing", iot.ErrConfiguration)
	}
	decoded, err := decodeKey(key)
	if err != nil {
		return nil, err
	}

	s := &Signer{
		idScope:        idScope,
		registrationID: registrationID,
		resourceURI:    idScope + "/registrations/" + registrationID,
		key:            decoded,
		policyName:     DefaultPolicyName,
		ttl:            DefaultTTL,
		now:            time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

// IDScope returns the id scope of the provisioning service instance
func (s *Signer) IDScope() string {
	return s.idScope
}

// RegistrationID returns the registration id of the device
func (s *Signer) RegistrationID() string {
	return s.registrationID
}

// Token signs a new token. Every call produces a fresh signature with a new expiry window,
// a previously returned token is never reused.
func (s *Signer) Token() Token {
	expiry := s.now().Add(s.ttl).Truncate(time.Second)
	return Token{
		ResourceURI: s.resourceURI,
		Signature:   s.sign(expiry),
		PolicyName:  s.policyName,
		Expiry:      expiry,
	}
}

// Password returns a freshly signed token in its serialized form
func (s *Signer) Password() string {
	return s.Token().String()
}

func (s *Signer) sign(expiry time.Time) string {
	return signature(s.key, s.resourceURI, expiry)
}

func signature(key []byte, resourceURI string, expiry time.Time) string {
	message := url.QueryEscape(resourceURI) + "\n" + strconv.FormatInt(expiry.Unix(), 10)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// DeriveDeviceKey computes the device key of a group enrollment for registrationID from
// the base64 encoded group key. The result is base64 encoded.
func DeriveDeviceKey(groupKey, registrationID string) (string, error) {
	decoded, err := decodeKey(groupKey)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, decoded)
	mac.Write([]byte(registrationID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func decodeKey(key string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%w: symmetric key is not valid base64: %s", iot.ErrConfiguration, err)
	}
	if len(decoded) < minKeyLength || len(decoded) > maxKeyLength {
		return nil, fmt.Errorf("%w: symmetric key has %d bytes, must be between %d and %d",
			iot.ErrConfiguration, len(decoded), minKeyLength, maxKeyLength)
	}
	return decoded, nil
}
