package provision

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"time"

	"howett.net/plist"
	"github.com/fullsailor/pkcs7"
	"github.com/pkg/errors"
)

// ProvisioningProfile is the decoded payload of a .mobileprovision file.
// The raw bytes stay alongside it so the exact portal-issued artifact can be
// embedded into the app.
type ProvisioningProfile struct {
	Raw []byte `plist:"-"`

	Name                  string         `plist:"Name"`
	UUID                  string         `plist:"UUID"`
	AppIDName             string         `plist:"AppIDName"`
	TeamIdentifier        []string       `plist:"TeamIdentifier"`
	CreationDate          time.Time      `plist:"CreationDate"`
	ExpirationDate        time.Time      `plist:"ExpirationDate"`
	ProvisionedDevices    []string       `plist:"ProvisionedDevices"`
	DeveloperCertificates [][]byte       `plist:"DeveloperCertificates"`
	Entitlements          map[string]any `plist:"Entitlements"`
}

// ParseProfile decodes a CMS-wrapped provisioning profile.
func ParseProfile(raw []byte) (*ProvisioningProfile, error) {
	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse provisioning profile CMS envelope")
	}
	var profile ProvisioningProfile
	if _, err := plist.Unmarshal(p7.Content, &profile); err != nil {
		return nil, errors.Wrap(err, "failed to parse provisioning profile payload")
	}
	profile.Raw = raw
	return &profile, nil
}

// Fingerprint is the SHA-256 of the raw profile, used to skip rewriting an
// identical embedded.mobileprovision.
func (p *ProvisioningProfile) Fingerprint() string {
	sum := sha256.Sum256(p.Raw)
	return hex.EncodeToString(sum[:])
}

// Expired reports whether the profile has lapsed (with a day of slack so a
// profile does not die mid-install).
func (p *ProvisioningProfile) Expired() bool {
	return time.Now().Add(24 * time.Hour).After(p.ExpirationDate)
}

// CoversDevice reports whether udid is in the provisioned device set.
func (p *ProvisioningProfile) CoversDevice(udid string) bool {
	for _, d := range p.ProvisionedDevices {
		if d == udid {
			return true
		}
	}
	return false
}

// CoversCertificate reports whether the signing certificate is one of the
// profile's developer certificates.
func (p *ProvisioningProfile) CoversCertificate(cert *x509.Certificate) bool {
	for _, der := range p.DeveloperCertificates {
		if bytes.Equal(der, cert.Raw) {
			return true
		}
	}
	return false
}

// CoversEntitlements reports whether every requested capability key appears
// in the profile's entitlement snapshot. Values are not compared; the
// profile is authoritative for what the key grants.
func (p *ProvisioningProfile) CoversEntitlements(requested map[string]any) bool {
	for key := range requested {
		if _, ok := p.Entitlements[key]; !ok {
			return false
		}
	}
	return true
}
