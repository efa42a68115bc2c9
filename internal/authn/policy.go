package authn

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAllow = "allow"
	DefaultDeny  = "deny"
)

var ErrInvalidPolicy = errors.New("invalid policy")

// Policy is the on-disk authentication policy.
type Policy struct {
	// Default applies to clients that match no rule, "deny" when empty.
	Default string `yaml:"default"`

	// DenyReason is the CONNACK reason for default denials, 135 when zero.
	DenyReason uint8 `yaml:"deny_reason"`

	Users        []UserRule        `yaml:"users"`
	Certificates []CertificateRule `yaml:"certificates"`
}

// UserRule admits a username with a bcrypt hashed password.
type UserRule struct {
	Username     string            `yaml:"username"`
	PasswordHash string            `yaml:"password_hash"`
	Attributes   map[string]string `yaml:"attributes"`

	// ExpiresAfter limits how long the client stays connected, zero is forever.
	ExpiresAfter time.Duration `yaml:"expires_after"`
}

// CertificateRule admits a client certificate by subject common name or by
// SHA-256 fingerprint of its DER encoding. When both are set both must match.
type CertificateRule struct {
	CommonName   string            `yaml:"common_name"`
	Fingerprint  string            `yaml:"fingerprint"`
	Attributes   map[string]string `yaml:"attributes"`
	ExpiresAfter time.Duration     `yaml:"expires_after"`
}

// LoadPolicy reads and validates a YAML policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}

	p, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy %s: %w", path, err)
	}

	return p, nil
}

// ParsePolicy decodes and validates a YAML policy, rejecting unknown fields.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}

	if err := p.normalize(); err != nil {
		return nil, err
	}

	return &p, nil
}

func (p *Policy) normalize() error {
	switch strings.ToLower(p.Default) {
	case "", DefaultDeny:
		p.Default = DefaultDeny
	case DefaultAllow:
		p.Default = DefaultAllow
	default:
		return fmt.Errorf("%w: default must be %q or %q, got %q", ErrInvalidPolicy, DefaultAllow, DefaultDeny, p.Default)
	}

	if p.DenyReason == 0 {
		p.DenyReason = ReasonNotAuthorized
	}

	seen := make(map[string]struct{}, len(p.Users))
	for i, u := range p.Users {
		if u.Username == "" {
			return fmt.Errorf("%w: users[%d] has no username", ErrInvalidPolicy, i)
		}
		if _, ok := seen[u.Username]; ok {
			return fmt.Errorf("%w: duplicate user %q", ErrInvalidPolicy, u.Username)
		}
		seen[u.Username] = struct{}{}

		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return fmt.Errorf("%w: user %q password_hash: %w", ErrInvalidPolicy, u.Username, err)
		}
		if u.ExpiresAfter < 0 {
			return fmt.Errorf("%w: user %q expires_after is negative", ErrInvalidPolicy, u.Username)
		}
	}

	for i := range p.Certificates {
		c := &p.Certificates[i]
		if c.CommonName == "" && c.Fingerprint == "" {
			return fmt.Errorf("%w: certificates[%d] needs common_name or fingerprint", ErrInvalidPolicy, i)
		}
		if c.ExpiresAfter < 0 {
			return fmt.Errorf("%w: certificates[%d] expires_after is negative", ErrInvalidPolicy, i)
		}
		if c.Fingerprint == "" {
			continue
		}

		fp := normalizeFingerprint(c.Fingerprint)
		if raw, err := hex.DecodeString(fp); err != nil || len(raw) != sha256.Size {
			return fmt.Errorf("%w: certificates[%d] fingerprint is not a hex SHA-256 digest", ErrInvalidPolicy, i)
		}
		c.Fingerprint = fp
	}

	return nil
}

func normalizeFingerprint(fp string) string {
	return strings.ToLower(strings.NewReplacer(":", "", " ", "").Replace(fp))
}

// PolicyAuthenticator evaluates clients against a Policy. The policy can be
// swapped at runtime with Update or Watch.
//
// Certificate and user rules are both consulted. A supplied username that is
// known but whose password does not verify is always denied with reason 134.
// Otherwise a client matching at least one rule is allowed with the union of
// the matched attributes, user attributes taking precedence; anything else gets
// the policy default. The earliest expires_after of the matched rules sets the
// credential expiry.
type PolicyAuthenticator struct {
	log    zerolog.Logger
	policy atomic.Pointer[Policy]
	now    func() time.Time
}

func NewPolicyAuthenticator(log zerolog.Logger, p *Policy) *PolicyAuthenticator {
	a := &PolicyAuthenticator{log: log, now: time.Now}
	a.Update(p)
	return a
}

// Update replaces the active policy. A nil policy denies everyone.
func (a *PolicyAuthenticator) Update(p *Policy) {
	if p == nil {
		p = &Policy{Default: DefaultDeny, DenyReason: ReasonNotAuthorized}
	}
	a.policy.Store(p)
}

// Policy returns the active policy.
func (a *PolicyAuthenticator) Policy() *Policy {
	return a.policy.Load()
}

func (a *PolicyAuthenticator) Authenticate(ctx context.Context, req *ConnectRequest) (Decision, error) {
	p := a.policy.Load()

	var (
		attributes = map[string]string{}
		matched    bool
		ttl        time.Duration
	)

	expiresAfter := func(d time.Duration) {
		if d > 0 && (ttl == 0 || d < ttl) {
			ttl = d
		}
	}

	if leaf := req.Leaf(); leaf != nil {
		sum := sha256.Sum256(leaf.Raw)
		fingerprint := hex.EncodeToString(sum[:])

		for _, rule := range p.Certificates {
			if rule.CommonName != "" && rule.CommonName != leaf.Subject.CommonName {
				continue
			}
			if rule.Fingerprint != "" && subtle.ConstantTimeCompare([]byte(rule.Fingerprint), []byte(fingerprint)) != 1 {
				continue
			}

			maps.Copy(attributes, rule.Attributes)
			expiresAfter(rule.ExpiresAfter)
			matched = true

			a.log.Debug().
				Str("common_name", leaf.Subject.CommonName).
				Str("fingerprint", fingerprint).
				Msg("Client certificate matched policy")
			break
		}
	}

	if req.Username != nil {
		if user, ok := p.user(*req.Username); ok {
			if req.Password == nil ||
				bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(*req.Password)) != nil {
				a.log.Warn().Str("username", user.Username).Msg("Incorrect password for user")
				return Deny(ReasonBadUserNameOrPassword), nil
			}

			maps.Copy(attributes, user.Attributes)
			expiresAfter(user.ExpiresAfter)
			matched = true
		} else {
			a.log.Debug().Str("username", *req.Username).Msg("Unknown user")
		}
	}

	if matched && ttl > 0 {
		return AllowUntil(attributes, a.now().Add(ttl).Truncate(time.Second)), nil
	}
	if matched || p.Default == DefaultAllow {
		return Allow(attributes), nil
	}

	return Deny(p.DenyReason), nil
}

func (p *Policy) user(username string) (UserRule, bool) {
	for _, u := range p.Users {
		if u.Username == username {
			return u, true
		}
	}
	return UserRule{}, false
}
