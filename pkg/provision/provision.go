// Package provision resolves the signing material a sideload needs: a
// development certificate with its private key, and a team provisioning
// profile covering the target device, certificate and entitlements. Both are
// cached in the artifact store and only regenerated when invalid, so
// repeated runs leave the developer portal untouched.
package provision

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io/fs"
	"time"

	"github.com/apex/log"
	pkgerrors "github.com/pkg/errors"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/nab138/isideload/pkg/devportal"
	"github.com/nab138/isideload/pkg/store"
)

// ErrCertificateQuota is returned when the team cannot issue another
// development certificate and the policy declines to make room.
var ErrCertificateQuota = errors.New("development certificate limit reached; revoke an existing certificate from another machine or choose a policy that revokes automatically")

// Identity is a resolved signing identity.
type Identity struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
	MachineName string
}

// P12 exports the identity as a PKCS#12 container for external signers.
func (i *Identity) P12(password string) ([]byte, error) {
	return pkcs12.Modern.Encode(i.PrivateKey, i.Certificate, nil, password)
}

// CertificatePolicy decides what happens when the certificate quota is hit.
type CertificatePolicy interface {
	// ResolveQuota either frees capacity and returns nil, permitting one
	// retry, or returns the error to surface.
	ResolveQuota(ctx context.Context, ds *devportal.DeveloperSession, teamID string, certs []devportal.Certificate) error
}

// FailOnQuota surfaces ErrCertificateQuota and touches nothing. Revoking a
// certificate kills every app that was installed with it, so this is the
// default.
type FailOnQuota struct{}

func (FailOnQuota) ResolveQuota(context.Context, *devportal.DeveloperSession, string, []devportal.Certificate) error {
	return ErrCertificateQuota
}

// RevokeOnQuota revokes the team's existing development certificates to
// make room. Opt-in only.
type RevokeOnQuota struct{}

func (RevokeOnQuota) ResolveQuota(ctx context.Context, ds *devportal.DeveloperSession, teamID string, certs []devportal.Certificate) error {
	for _, cert := range certs {
		if cert.SerialNumber == "" {
			continue
		}
		log.WithField("serial", cert.SerialNumber).Warn("revoking development certificate")
		if err := ds.RevokeDevelopmentCert(ctx, teamID, cert.SerialNumber); err != nil {
			return err
		}
	}
	return nil
}

// Resolver resolves identities and profiles against one portal session.
type Resolver struct {
	ds          *devportal.DeveloperSession
	store       *store.Store
	machineName string
	accountKey  string
	policy      CertificatePolicy
}

// Option adjusts a Resolver.
type Option func(*Resolver)

// WithPolicy overrides the quota policy.
func WithPolicy(p CertificatePolicy) Option {
	return func(r *Resolver) { r.policy = p }
}

// NewResolver returns a resolver. machineName tags the certificates this
// installation issues; accountKey is the store key for the private key,
// typically store.AppleIDHash of the Apple ID.
func NewResolver(ds *devportal.DeveloperSession, st *store.Store, machineName, accountKey string, opts ...Option) *Resolver {
	r := &Resolver{
		ds:          ds,
		store:       st,
		machineName: machineName,
		accountKey:  accountKey,
		policy:      FailOnQuota{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureIdentity returns a signing identity for the team, reusing the
// cached certificate when the portal still lists it and only submitting a
// CSR when nothing usable exists.
func (r *Resolver) EnsureIdentity(ctx context.Context, teamID string) (*Identity, error) {
	key, err := r.ensureKey()
	if err != nil {
		return nil, err
	}

	certs, err := r.ds.ListDevelopmentCerts(ctx, teamID)
	if err != nil {
		return nil, err
	}

	if cert := r.matchCertificate(certs, key); cert != nil {
		log.WithField("serial", cert.SerialNumber.String()).Debug("reusing development certificate")
		return &Identity{Certificate: cert, PrivateKey: key, MachineName: r.machineName}, nil
	}

	cert, err := r.issueCertificate(ctx, teamID, key, certs)
	if err != nil {
		return nil, err
	}
	if err := r.store.SaveCertificate(teamID, r.machineName, cert.Raw); err != nil {
		return nil, err
	}
	return &Identity{Certificate: cert, PrivateKey: key, MachineName: r.machineName}, nil
}

// ensureKey loads the account's RSA key, generating and persisting one on
// first use. One key serves every team and certificate of the account.
func (r *Resolver) ensureKey() (*rsa.PrivateKey, error) {
	key, err := r.store.PrivateKey(r.accountKey)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	log.Debug("generating signing key")
	key, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	if err := r.store.SavePrivateKey(r.accountKey, key); err != nil {
		return nil, err
	}
	return key, nil
}

// matchCertificate finds a portal-listed certificate for this machine whose
// public key matches ours and which is not about to expire.
func (r *Resolver) matchCertificate(certs []devportal.Certificate, key *rsa.PrivateKey) *x509.Certificate {
	for _, c := range certs {
		if c.MachineName != r.machineName || len(c.CertContent) == 0 {
			continue
		}
		cert, err := x509.ParseCertificate(c.CertContent)
		if err != nil {
			continue
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok || !pub.Equal(&key.PublicKey) {
			continue
		}
		if time.Now().Add(30 * 24 * time.Hour).After(cert.NotAfter) {
			continue
		}
		return cert
	}
	return nil
}

// issueCertificate submits a CSR and returns the issued certificate. On a
// quota rejection the policy gets one chance to make room before the
// submission is retried.
func (r *Resolver) issueCertificate(ctx context.Context, teamID string, key *rsa.PrivateKey, existing []devportal.Certificate) (*x509.Certificate, error) {
	csr, err := buildCSR(key, r.machineName)
	if err != nil {
		return nil, err
	}

	log.WithField("machine", r.machineName).Info("requesting development certificate")
	_, err = r.ds.SubmitDevelopmentCSR(ctx, teamID, csr, r.machineName)
	if devportal.IsKind(err, devportal.KindQuotaExceeded) {
		if perr := r.policy.ResolveQuota(ctx, r.ds, teamID, existing); perr != nil {
			return nil, perr
		}
		_, err = r.ds.SubmitDevelopmentCSR(ctx, teamID, csr, r.machineName)
	}
	if err != nil {
		return nil, err
	}

	certs, err := r.ds.ListDevelopmentCerts(ctx, teamID)
	if err != nil {
		return nil, err
	}
	for _, c := range certs {
		if c.MachineName != r.machineName || len(c.CertContent) == 0 {
			continue
		}
		cert, err := x509.ParseCertificate(c.CertContent)
		if err != nil {
			continue
		}
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok && pub.Equal(&key.PublicKey) {
			return cert, nil
		}
	}
	return nil, pkgerrors.New("submitted CSR but the issued certificate never appeared")
}

func buildCSR(key *rsa.PrivateKey, machineName string) (string, error) {
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   machineName,
			Organization: []string{"isideload"},
			Country:      []string{"US"},
		},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}, key)
	if err != nil {
		return "", pkgerrors.Wrap(err, "failed to create certificate request")
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})), nil
}

// EnsureProfile returns a provisioning profile covering the device, the
// identity and the requested entitlements. The cached profile is reused
// when it still covers everything; otherwise a fresh team profile is
// downloaded and the cache replaced. Profiles are never patched in place.
func (r *Resolver) EnsureProfile(ctx context.Context, teamID string, appID *devportal.AppID, identity *Identity, udid string, requested map[string]any) (*ProvisioningProfile, error) {
	if raw, err := r.store.Profile(teamID, r.machineName); err == nil {
		if profile, err := ParseProfile(raw); err == nil && r.profileValid(profile, appID, identity, udid, requested) {
			log.WithField("uuid", profile.UUID).Debug("reusing provisioning profile")
			return profile, nil
		}
	}

	log.WithField("appId", appID.Identifier).Info("fetching provisioning profile")
	issued, err := r.ds.DownloadTeamProvisioningProfile(ctx, teamID, appID)
	if err != nil {
		return nil, err
	}
	profile, err := ParseProfile(issued.EncodedProfile)
	if err != nil {
		return nil, err
	}
	if !r.profileValid(profile, appID, identity, udid, requested) {
		return nil, pkgerrors.New("issued profile does not cover the device and signing certificate")
	}
	if err := r.store.SaveProfile(teamID, r.machineName, profile.Raw); err != nil {
		return nil, err
	}
	return profile, nil
}

func (r *Resolver) profileValid(p *ProvisioningProfile, appID *devportal.AppID, identity *Identity, udid string, requested map[string]any) bool {
	if p.Expired() {
		return false
	}
	if !p.CoversDevice(udid) {
		return false
	}
	if !p.CoversCertificate(identity.Certificate) {
		return false
	}
	if !p.CoversEntitlements(requested) {
		return false
	}
	// The team profile is issued per app ID; a cached profile for another
	// identifier never matches.
	if appIDent, ok := p.Entitlements["application-identifier"].(string); ok {
		want := teamID(p) + "." + appID.Identifier
		if appIDent != want && appIDent != teamID(p)+".*" {
			return false
		}
	}
	return true
}

func teamID(p *ProvisioningProfile) string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	return ""
}
