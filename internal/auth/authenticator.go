package auth

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/domain"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp"
	"github.com/voltgrid/ocpp-gateway/internal/ports"
	"github.com/voltgrid/ocpp-gateway/internal/ratelimit"
)

// ErrUnauthenticated is returned for every admission failure. The reason is
// logged, never surfaced to the peer.
var ErrUnauthenticated = errors.New("unauthenticated")

const (
	identityKeyPrefix    = "chargers:"
	revokedCertKeyPrefix = "revoked-certs:"
)

// Config controls connection admission.
type Config struct {
	// AllowBasic permits HTTP basic credentials at all.
	AllowBasic bool
	// DefaultAuthTypes are the modes tried when the identity does not
	// restrict them.
	DefaultAuthTypes []string
	// RequireProtocolList rejects identities without an explicit
	// allowedProtocols list.
	RequireProtocolList bool
	// Global IP allow-lists; empty means no global restriction.
	AllowedIPs   []string
	AllowedCIDRs []string
	// TrustProxy resolves the client address from forwarding headers.
	TrustProxy bool
}

// IdentityProvider looks up charger identity records.
type IdentityProvider interface {
	Lookup(ctx context.Context, chargePointID string) (*domain.Identity, error)
}

// KVIdentityProvider reads identity records from the shared KV store under
// chargers:{chargePointId}.
type KVIdentityProvider struct {
	kv ports.KV
}

func NewKVIdentityProvider(kv ports.KV) *KVIdentityProvider {
	return &KVIdentityProvider{kv: kv}
}

func (p *KVIdentityProvider) Lookup(ctx context.Context, chargePointID string) (*domain.Identity, error) {
	raw, err := p.kv.Get(ctx, identityKeyPrefix+chargePointID)
	if err != nil {
		return nil, err
	}
	var id domain.Identity
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		return nil, fmt.Errorf("decode identity record: %w", err)
	}
	return &id, nil
}

// Request carries everything admission needs from the HTTP upgrade.
type Request struct {
	ChargePointID string
	Version       ocpp.Version
	RemoteAddr    string
	Header        http.Header
	TLS           *tls.ConnectionState
}

// Authenticator runs the admission pipeline: identity lookup, protocol and
// IP checks, then credential verification in one of the basic/token/mtls
// modes.
type Authenticator struct {
	provider IdentityProvider
	kv       ports.KV
	cfg      Config
	log      *zap.Logger
	flood    *ratelimit.FloodLogger
	now      func() time.Time
}

func NewAuthenticator(provider IdentityProvider, kv ports.KV, cfg Config, log *zap.Logger, flood *ratelimit.FloodLogger) *Authenticator {
	if len(cfg.DefaultAuthTypes) == 0 {
		cfg.DefaultAuthTypes = []string{domain.AuthTypeBasic, domain.AuthTypeToken, domain.AuthTypeMTLS}
	}
	return &Authenticator{
		provider: provider,
		kv:       kv,
		cfg:      cfg,
		log:      log,
		flood:    flood,
		now:      time.Now,
	}
}

// Authenticate admits or rejects a connection. On success it returns the
// resolved identity for downstream use; every failure maps to
// ErrUnauthenticated with a flood-controlled log line keyed by source IP.
func (a *Authenticator) Authenticate(ctx context.Context, req Request) (*domain.Identity, error) {
	sourceIP := ClientIP(req.RemoteAddr, req.Header, a.cfg.TrustProxy)

	identity, err := a.admit(ctx, req, sourceIP)
	if err != nil {
		a.flood.Warn("unauthorized:"+sourceIP, "Connection rejected",
			zap.String("charge_point_id", req.ChargePointID),
			zap.String("source_ip", sourceIP),
			zap.String("reason", err.Error()),
		)
		return nil, ErrUnauthenticated
	}
	return identity, nil
}

func (a *Authenticator) admit(ctx context.Context, req Request, sourceIP string) (*domain.Identity, error) {
	identity, err := a.provider.Lookup(ctx, req.ChargePointID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, fmt.Errorf("unknown identity %q", req.ChargePointID)
		}
		return nil, fmt.Errorf("identity lookup: %w", err)
	}
	if err := identity.Validate(req.ChargePointID, a.now()); err != nil {
		return nil, fmt.Errorf("invalid identity record: %w", err)
	}
	if identity.Status != domain.IdentityStatusActive {
		return nil, fmt.Errorf("identity status %q", identity.Status)
	}

	if err := a.checkProtocol(identity, req.Version); err != nil {
		return nil, err
	}
	if err := a.checkIP(identity, sourceIP); err != nil {
		return nil, err
	}
	if err := a.verifyCredentials(ctx, identity, req); err != nil {
		return nil, err
	}
	return identity, nil
}

func (a *Authenticator) checkProtocol(identity *domain.Identity, version ocpp.Version) error {
	if len(identity.AllowedProtocols) == 0 {
		if a.cfg.RequireProtocolList {
			return errors.New("identity has no allowedProtocols and the deployment requires one")
		}
		return nil
	}
	for _, p := range identity.AllowedProtocols {
		if ocpp.ParseVersion(p) == version {
			return nil
		}
	}
	return fmt.Errorf("protocol %s not in allowedProtocols", version)
}

func (a *Authenticator) checkIP(identity *domain.Identity, sourceIP string) error {
	addr, err := NormalizeIP(sourceIP)
	if err != nil {
		return fmt.Errorf("unparseable source address: %w", err)
	}
	if len(a.cfg.AllowedIPs) > 0 || len(a.cfg.AllowedCIDRs) > 0 {
		if !ipAllowed(addr, a.cfg.AllowedIPs, a.cfg.AllowedCIDRs) {
			return fmt.Errorf("source %s outside global allow-list", addr)
		}
	}
	if len(identity.AllowedIPs) > 0 || len(identity.AllowedCIDRs) > 0 {
		if !ipAllowed(addr, identity.AllowedIPs, identity.AllowedCIDRs) {
			return fmt.Errorf("source %s outside identity allow-list", addr)
		}
	}
	return nil
}

func (a *Authenticator) verifyCredentials(ctx context.Context, identity *domain.Identity, req Request) error {
	mode, err := a.selectMode(identity, req)
	if err != nil {
		return err
	}
	if !identity.AllowsAuthType(mode) {
		return fmt.Errorf("auth mode %s not allowed for identity", mode)
	}

	switch mode {
	case domain.AuthTypeBasic:
		return a.verifyBasic(identity, req)
	case domain.AuthTypeToken:
		return a.verifyToken(identity, req)
	case domain.AuthTypeMTLS:
		return a.verifyMTLS(ctx, identity, req)
	default:
		return fmt.Errorf("unknown auth mode %q", mode)
	}
}

// selectMode picks the auth mode from what the request actually presents,
// constrained to the configured defaults.
func (a *Authenticator) selectMode(identity *domain.Identity, req Request) (string, error) {
	enabled := func(mode string) bool {
		for _, m := range a.cfg.DefaultAuthTypes {
			if m == mode {
				return true
			}
		}
		return false
	}

	authz := req.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(authz, "Basic ") && enabled(domain.AuthTypeBasic):
		return domain.AuthTypeBasic, nil
	case strings.HasPrefix(authz, "Bearer ") && enabled(domain.AuthTypeToken):
		return domain.AuthTypeToken, nil
	case req.Header.Get("X-Api-Key") != "" && enabled(domain.AuthTypeToken):
		return domain.AuthTypeToken, nil
	case req.TLS != nil && len(req.TLS.PeerCertificates) > 0 && enabled(domain.AuthTypeMTLS):
		return domain.AuthTypeMTLS, nil
	}
	return "", errors.New("no acceptable credentials presented")
}

func (a *Authenticator) verifyBasic(identity *domain.Identity, req Request) error {
	if !a.cfg.AllowBasic {
		return errors.New("basic auth disabled by configuration")
	}
	authz := req.Header.Get("Authorization")
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authz, "Basic "))
	if err != nil {
		return fmt.Errorf("malformed basic credentials: %w", err)
	}
	username, password, found := strings.Cut(string(raw), ":")
	if !found {
		return errors.New("malformed basic credentials")
	}

	nameOK := subtle.ConstantTimeCompare([]byte(username), []byte(identity.Auth.Username)) == 1 ||
		subtle.ConstantTimeCompare([]byte(username), []byte(identity.ChargePointID)) == 1
	if !nameOK {
		return errors.New("basic username mismatch")
	}
	if !verifySecret(identity.Auth.HashAlgorithm, identity.Auth.SecretSalt, password, identity.Auth.SecretHash) {
		return errors.New("basic password mismatch")
	}
	return nil
}

func (a *Authenticator) verifyToken(identity *domain.Identity, req Request) error {
	token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	if token == req.Header.Get("Authorization") {
		token = ""
	}
	if token == "" {
		token = req.Header.Get("X-Api-Key")
	}
	if token == "" {
		return errors.New("no token presented")
	}
	if !verifySecret(identity.Auth.HashAlgorithm, identity.Auth.SecretSalt, token, identity.Auth.TokenHash) {
		return errors.New("token mismatch")
	}
	return nil
}

func (a *Authenticator) verifyMTLS(ctx context.Context, identity *domain.Identity, req Request) error {
	if req.TLS == nil || len(req.TLS.PeerCertificates) == 0 {
		return errors.New("no peer certificate")
	}
	cert := req.TLS.PeerCertificates[0]
	now := a.now()

	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return errors.New("peer certificate outside validity window")
	}

	fingerprint := CertFingerprint(cert)
	if revoked, err := a.fingerprintRevoked(ctx, identity, fingerprint); err != nil {
		// Fail closed when revocation state cannot be read.
		return fmt.Errorf("revocation check: %w", err)
	} else if revoked {
		return fmt.Errorf("certificate %s revoked", fingerprint)
	}

	subject := cert.Subject.CommonName
	serial := strings.ToUpper(cert.SerialNumber.Text(16))
	sans := cert.DNSNames

	for i := range identity.Auth.Certificates {
		b := &identity.Auth.Certificates[i]
		if b.Revoked() || !b.CurrentAt(now) {
			continue
		}
		if matchesBinding(b, fingerprint, subject, serial, sans) {
			return nil
		}
	}
	return errors.New("no certificate binding matched")
}

func (a *Authenticator) fingerprintRevoked(ctx context.Context, identity *domain.Identity, fingerprint string) (bool, error) {
	for _, fp := range identity.Auth.RevokedFingerprints {
		if NormalizeFingerprint(fp) == fingerprint {
			return true, nil
		}
	}
	if a.kv == nil {
		return false, nil
	}
	_, err := a.kv.Get(ctx, revokedCertKeyPrefix+fingerprint)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ports.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func matchesBinding(b *domain.CertificateBinding, fingerprint, subject, serial string, sans []string) bool {
	if b.Fingerprint != "" && NormalizeFingerprint(b.Fingerprint) == fingerprint {
		return true
	}
	if b.Subject != "" && b.Subject == subject {
		return true
	}
	if b.SerialNumber != "" && strings.EqualFold(b.SerialNumber, serial) {
		return true
	}
	if b.SubjectAltName != "" {
		for _, san := range sans {
			if san == b.SubjectAltName {
				return true
			}
		}
	}
	return false
}

// CertFingerprint returns the normalized SHA-1 fingerprint of a certificate.
func CertFingerprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// NormalizeFingerprint strips colons and upper-cases a fingerprint so stored
// and computed forms compare equal.
func NormalizeFingerprint(fp string) string {
	return strings.ToUpper(strings.ReplaceAll(fp, ":", ""))
}
