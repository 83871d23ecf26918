package domain

import (
	"errors"
	"fmt"
	"time"
)

// Identity status values.
const (
	IdentityStatusActive   = "active"
	IdentityStatusDisabled = "disabled"
)

// Auth types accepted on connection admission.
const (
	AuthTypeBasic = "basic"
	AuthTypeToken = "token"
	AuthTypeMTLS  = "mtls"
)

// Hash algorithms for stored credentials.
const (
	HashSHA256 = "sha256"
	HashScrypt = "scrypt"
)

const (
	minSecretHashLen = 32
	minSaltLen       = 8
)

// CertificateBinding binds an identity to one client certificate for mTLS.
type CertificateBinding struct {
	Fingerprint    string    `json:"fingerprint"`
	Subject        string    `json:"subject,omitempty"`
	SubjectAltName string    `json:"subjectAltName,omitempty"`
	SerialNumber   string    `json:"serialNumber,omitempty"`
	ValidFrom      time.Time `json:"validFrom"`
	ValidTo        time.Time `json:"validTo"`
	Status         string    `json:"status,omitempty"`
}

// Revoked reports whether the binding itself is marked revoked.
func (b *CertificateBinding) Revoked() bool {
	return b.Status == "revoked"
}

// CurrentAt reports whether now falls inside the binding validity window.
func (b *CertificateBinding) CurrentAt(now time.Time) bool {
	return !now.Before(b.ValidFrom) && !now.After(b.ValidTo)
}

// IdentityAuth is the credential section of an identity record. Exactly one
// of the three shapes is populated, selected by Type.
type IdentityAuth struct {
	Type string `json:"type"`

	// basic
	Username   string `json:"username,omitempty"`
	SecretHash string `json:"secretHash,omitempty"`

	// token
	TokenHash string `json:"tokenHash,omitempty"`

	// shared by basic and token
	SecretSalt    string `json:"secretSalt,omitempty"`
	HashAlgorithm string `json:"hashAlgorithm,omitempty"`

	// mtls
	Certificates        []CertificateBinding `json:"certificates,omitempty"`
	RevokedFingerprints []string             `json:"revokedFingerprints,omitempty"`

	// AllowedTypes restricts which auth modes this identity may use. Empty
	// means the configured default set applies.
	AllowedTypes []string `json:"allowedTypes,omitempty"`
}

// Identity is the charger identity record stored under chargers:{id}.
type Identity struct {
	ChargePointID    string       `json:"chargePointId"`
	StationID        string       `json:"stationId,omitempty"`
	TenantID         string       `json:"tenantId,omitempty"`
	Status           string       `json:"status"`
	AllowedProtocols []string     `json:"allowedProtocols,omitempty"`
	AllowedIPs       []string     `json:"allowedIps,omitempty"`
	AllowedCIDRs     []string     `json:"allowedCidrs,omitempty"`
	Auth             IdentityAuth `json:"auth"`
}

var (
	ErrIdentityKeyMismatch = errors.New("identity chargePointId does not match its key")
	ErrWeakCredential      = errors.New("stored credential below minimum length")
)

// Validate checks record invariants: the stored id must equal the lookup key,
// hashes and salts must meet minimum lengths, and an mTLS identity must carry
// at least one unrevoked binding whose validity window contains now.
func (id *Identity) Validate(key string, now time.Time) error {
	if id.ChargePointID != key {
		return ErrIdentityKeyMismatch
	}
	switch id.Auth.Type {
	case AuthTypeBasic:
		if len(id.Auth.SecretHash) < minSecretHashLen || len(id.Auth.SecretSalt) < minSaltLen {
			return ErrWeakCredential
		}
	case AuthTypeToken:
		if len(id.Auth.TokenHash) < minSecretHashLen || len(id.Auth.SecretSalt) < minSaltLen {
			return ErrWeakCredential
		}
	case AuthTypeMTLS:
		revoked := make(map[string]bool, len(id.Auth.RevokedFingerprints))
		for _, fp := range id.Auth.RevokedFingerprints {
			revoked[fp] = true
		}
		for i := range id.Auth.Certificates {
			b := &id.Auth.Certificates[i]
			if !b.Revoked() && !revoked[b.Fingerprint] && b.CurrentAt(now) {
				return nil
			}
		}
		return errors.New("mtls identity has no currently valid certificate binding")
	default:
		return fmt.Errorf("unknown auth type %q", id.Auth.Type)
	}
	return nil
}

// AllowsAuthType reports whether the identity permits the given auth mode.
func (id *Identity) AllowsAuthType(t string) bool {
	if len(id.Auth.AllowedTypes) == 0 {
		return true
	}
	for _, a := range id.Auth.AllowedTypes {
		if a == t {
			return true
		}
	}
	return false
}
