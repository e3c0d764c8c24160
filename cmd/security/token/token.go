package token

import (
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"

	"murmur/cmd/identity/ids"
	v1 "murmur/shared/contracts/feed/v1"
)

// Claims is the identity carried by a verified token.
type Claims struct {
	UserID    string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Issuer    string
}

// Verifier checks tokens presented to the feed service.
type Verifier interface {
	Verify(token string, now time.Time) (Claims, error)
}

// Manager issues and verifies tokens. A Manager built without a secret key only verifies.
type Manager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret    paseto.V4AsymmetricSecretKey
	canIssue  bool
	public    paseto.V4AsymmetricPublicKey
	publicHex string
}

// NewManager builds a Manager from cfg. At least one key must be configured.
func NewManager(cfg Config) (*Manager, error) {
	if strings.TrimSpace(cfg.Issuer) == "" || cfg.TTL <= 0 || cfg.ClockSkew < 0 {
		return nil, ErrConfig
	}
	m := &Manager{issuer: cfg.Issuer, ttl: cfg.TTL, clockSkew: cfg.ClockSkew}

	switch {
	case cfg.SecretKeyHex != "":
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.secret, m.canIssue = secret, true
		m.public = secret.Public()
		if cfg.PublicKeyHex != "" && !strings.EqualFold(cfg.PublicKeyHex, m.public.ExportHex()) {
			return nil, ErrConfig
		}
	case cfg.PublicKeyHex != "":
		public, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PublicKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.public = public
	default:
		return nil, ErrConfig
	}
	m.publicHex = m.public.ExportHex()
	return m, nil
}

// GenerateSecretKeyHex returns a fresh Ed25519 secret key in hex.
func GenerateSecretKeyHex() string {
	return paseto.NewV4AsymmetricSecretKey().ExportHex()
}

// PublicKeyHex returns the verification key.
func (m *Manager) PublicKeyHex() string { return m.publicHex }

// Issue signs a token for userID with a fresh session id.
func (m *Manager) Issue(userID string, now time.Time) (string, Claims, error) {
	if !m.canIssue {
		return "", Claims{}, ErrNoSecretKey
	}
	userID = strings.TrimSpace(userID)
	if !v1.ValidUserID(userID) {
		return "", Claims{}, ErrInvalidToken
	}
	sid, err := ids.NewULID(now)
	if err != nil {
		return "", Claims{}, err
	}

	exp := now.Add(m.ttl)
	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetSubject(userID)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	_ = tok.Set("sid", sid)

	return tok.V4Sign(m.secret, nil), Claims{
		UserID:    userID,
		SessionID: sid,
		IssuedAt:  now,
		ExpiresAt: exp,
		Issuer:    m.issuer,
	}, nil
}

// Verify checks signature, issuer and validity window, tolerating the configured clock skew.
func (m *Manager) Verify(token string, now time.Time) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}

	// A fresh parser per call; rules accumulate on a shared one.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(now.Add(m.clockSkew)))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	sub, err := parsed.GetSubject()
	if err != nil || !v1.ValidUserID(sub) {
		return Claims{}, ErrInvalidToken
	}
	sid, err := parsed.GetString("sid")
	if err != nil || sid == "" {
		return Claims{}, ErrInvalidToken
	}
	iss, _ := parsed.GetIssuer()
	iat, _ := parsed.GetIssuedAt()
	exp, _ := parsed.GetExpiration()

	return Claims{
		UserID:    sub,
		SessionID: sid,
		IssuedAt:  iat,
		ExpiresAt: exp,
		Issuer:    iss,
	}, nil
}
