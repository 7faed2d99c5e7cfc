// Package sideload orchestrates the full install pipeline: inspect the app
// bundle, register the device and app IDs, resolve a signing identity and
// provisioning profile, sign every executable and hand the bundle to a
// device provider. Signing and device transport are injected capabilities,
// so the core never touches Mach-O internals or USB.
package sideload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apex/log"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/nab138/isideload/pkg/bundle"
	"github.com/nab138/isideload/pkg/devportal"
	"github.com/nab138/isideload/pkg/provision"
	"github.com/nab138/isideload/pkg/store"
)

const entAppGroups = "com.apple.security.application-groups"

// Device is an attached device a provider can install to.
type Device struct {
	UDID string
	Name string
}

// DeviceProvider is the transport capability the orchestrator installs
// through. pkg/idevice implements it over usbmuxd; tests use fakes.
type DeviceProvider interface {
	ListDevices(ctx context.Context) ([]Device, error)
	InstallBundle(ctx context.Context, udid, bundlePath string) error
}

// Signer produces a signed replacement for one executable. Implementations
// return a SigningError for problems with the binary or the identity.
type Signer interface {
	Sign(ctx context.Context, executable []byte, identity *provision.Identity, entitlements map[string]any) ([]byte, error)
}

// SessionRenewer produces a fresh portal session after the current one is
// rejected. Renewal yields a new session value; the old one is discarded.
type SessionRenewer interface {
	Renew(ctx context.Context) (*devportal.DeveloperSession, error)
}

// Config carries the orchestrator's options.
type Config struct {
	// MachineName tags the certificates and profiles this installation
	// creates.
	MachineName string
	// StoreDir is where certificates, keys and profiles are cached.
	StoreDir string
	// AccountKey is the store key for the signing key, typically
	// store.AppleIDHash of the Apple ID.
	AccountKey string
	// UDID selects the target device. Empty means the first device the
	// provider lists.
	UDID string

	Signer  Signer
	Renewer SessionRenewer
	// QuotaPolicy decides what happens at the certificate limit. Nil keeps
	// the default, which fails rather than revoke.
	QuotaPolicy provision.CertificatePolicy
}

const portalAttempts = 3

type run struct {
	provider DeviceProvider
	ds       *devportal.DeveloperSession
	cfg      Config
	st       *store.Store
	resolver *provision.Resolver
	renewed  bool
}

// target is one bundle needing its own app ID, profile and signature: the
// app itself and each of its extensions.
type target struct {
	b       *bundle.Bundle
	ents    map[string]any
	appID   *devportal.AppID
	profile *provision.ProvisioningProfile
}

// SideloadApp signs the bundle at bundlePath for the session's team and
// installs it on the target device. The bundle directory is modified in
// place: identifiers are rewritten into the team's namespace, profiles
// embedded and executables replaced with signed ones. Portal state created
// along the way is left in place on failure; it is reused on the next run.
func SideloadApp(ctx context.Context, provider DeviceProvider, ds *devportal.DeveloperSession, bundlePath string, cfg Config) error {
	if cfg.Signer == nil {
		return pkgerrors.New("no signer configured")
	}
	if cfg.StoreDir == "" {
		return pkgerrors.New("no store directory configured")
	}
	if cfg.MachineName == "" {
		cfg.MachineName = "isideload"
	}

	r := &run{provider: provider, ds: ds, cfg: cfg, st: store.New(cfg.StoreDir)}
	r.resolver = r.newResolver()

	app, err := bundle.Load(bundlePath)
	if err != nil {
		return err
	}

	var team *devportal.Team
	if err := r.portal(ctx, "listTeams", func(ctx context.Context) error {
		team, err = r.ds.Team(ctx)
		return err
	}); err != nil {
		return err
	}
	log.WithFields(log.Fields{"team": team.TeamID, "app": app.ID()}).Info("sideloading")

	device, err := r.resolveDevice(ctx, team.TeamID)
	if err != nil {
		return err
	}

	targets, err := r.rewriteIdentifiers(app, team.TeamID)
	if err != nil {
		return err
	}
	if err := r.registerAppIDs(ctx, team.TeamID, targets); err != nil {
		return err
	}

	var identity *provision.Identity
	if err := r.portal(ctx, "ensureIdentity", func(ctx context.Context) error {
		identity, err = r.resolver.EnsureIdentity(ctx, team.TeamID)
		return err
	}); err != nil {
		return err
	}

	for _, t := range targets {
		t := t
		if err := r.portal(ctx, "ensureProfile", func(ctx context.Context) error {
			profile, err := r.resolver.EnsureProfile(ctx, team.TeamID, t.appID, identity, device.UDID, requestedCapabilities(t.ents))
			if err != nil {
				return err
			}
			t.profile = profile
			return nil
		}); err != nil {
			return err
		}
		if err := writeEmbeddedProfile(t.b, t.profile); err != nil {
			return err
		}
	}

	if err := r.signAll(ctx, app, targets, identity); err != nil {
		return err
	}

	log.WithField("udid", device.UDID).Info("installing")
	if err := r.provider.InstallBundle(ctx, device.UDID, app.Path); err != nil {
		var ierr *InstallError
		if errors.As(err, &ierr) {
			return err
		}
		return &InstallError{UDID: device.UDID, Err: err}
	}
	return nil
}

func (r *run) newResolver() *provision.Resolver {
	var opts []provision.Option
	if r.cfg.QuotaPolicy != nil {
		opts = append(opts, provision.WithPolicy(r.cfg.QuotaPolicy))
	}
	return provision.NewResolver(r.ds, r.st, r.cfg.MachineName, r.cfg.AccountKey, opts...)
}

// portal runs fn with the retry discipline for portal calls: transient
// failures back off and retry, a rejected session gets one renewal, and
// everything else surfaces immediately.
func (r *run) portal(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if devportal.IsKind(err, devportal.KindUnauthorized) && r.cfg.Renewer != nil && !r.renewed {
			r.renewed = true
			log.WithField("op", op).Warn("portal session expired, renewing")
			ds, rerr := r.cfg.Renewer.Renew(ctx)
			if rerr != nil {
				return rerr
			}
			r.ds = ds
			r.resolver = r.newResolver()
			continue
		}
		if !devportal.IsKind(err, devportal.KindTransient) || attempt == portalAttempts {
			return err
		}
		log.WithError(err).WithField("op", op).Warn("retrying portal call")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
}

func (r *run) resolveDevice(ctx context.Context, teamID string) (*Device, error) {
	device := Device{UDID: r.cfg.UDID}
	if device.UDID == "" {
		devices, err := r.provider.ListDevices(ctx)
		if err != nil {
			return nil, err
		}
		if len(devices) == 0 {
			return nil, pkgerrors.New("no device connected")
		}
		device = devices[0]
	}
	if device.Name == "" {
		device.Name = "iOS Device"
	}
	if err := r.portal(ctx, "ensureDevice", func(ctx context.Context) error {
		_, err := r.ds.EnsureDevice(ctx, teamID, device.Name, device.UDID)
		return err
	}); err != nil {
		return nil, err
	}
	return &device, nil
}

// rewriteIdentifiers moves the bundle into the team's namespace. The main
// identifier gets the team ID appended and every extension keeps its suffix
// relative to the main bundle. Rewriting an already rewritten bundle is a
// no-op, so re-runs converge.
func (r *run) rewriteIdentifiers(app *bundle.Bundle, teamID string) ([]*target, error) {
	oldID := app.ID()
	newID := oldID
	if !strings.HasSuffix(oldID, "."+teamID) {
		newID = oldID + "." + teamID
	}

	targets := make([]*target, 0, 1+len(app.Extensions))
	for _, b := range append([]*bundle.Bundle{app}, app.Extensions...) {
		id := newID + strings.TrimPrefix(b.ID(), oldID)
		if b.ID() != id {
			log.WithFields(log.Fields{"from": b.ID(), "to": id}).Debug("rewriting bundle identifier")
			b.SetID(id)
			if err := b.SaveInfo(); err != nil {
				return nil, err
			}
		}
		ents, err := b.Entitlements()
		if err != nil {
			return nil, err
		}
		targets = append(targets, &target{b: b, ents: ents})
	}
	return targets, nil
}

func (r *run) registerAppIDs(ctx context.Context, teamID string, targets []*target) error {
	for _, t := range targets {
		t := t
		features := map[string]any{}
		groups := groupEntitlements(t.ents)
		if len(groups) > 0 {
			features[devportal.FeatureAppGroups] = true
		}
		if err := r.portal(ctx, "ensureAppId", func(ctx context.Context) error {
			appID, err := r.ds.EnsureAppID(ctx, teamID, t.b.Name(), t.b.ID(), features)
			if err != nil {
				return err
			}
			t.appID = appID
			return nil
		}); err != nil {
			return err
		}
		for _, groupID := range groups {
			groupID := groupID
			if !strings.HasSuffix(groupID, "."+teamID) {
				groupID += "." + teamID
			}
			if err := r.portal(ctx, "ensureAppGroup", func(ctx context.Context) error {
				group, err := r.ds.EnsureApplicationGroup(ctx, teamID, t.b.Name(), groupID)
				if err != nil {
					return err
				}
				return r.ds.AssignApplicationGroup(ctx, teamID, group, t.appID)
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// requestedCapabilities narrows the binary's entitlements down to the
// capability keys the profile must grant. Everything else in the binary is
// either implied by a development profile or not grantable on one.
func requestedCapabilities(ents map[string]any) map[string]any {
	requested := map[string]any{}
	if v, ok := ents[entAppGroups]; ok {
		requested[entAppGroups] = v
	}
	return requested
}

func groupEntitlements(ents map[string]any) []string {
	var groups []string
	switch v := ents[entAppGroups].(type) {
	case []string:
		groups = v
	case []any:
		for _, g := range v {
			if s, ok := g.(string); ok {
				groups = append(groups, s)
			}
		}
	}
	return groups
}

func writeEmbeddedProfile(b *bundle.Bundle, p *provision.ProvisioningProfile) error {
	path := filepath.Join(b.Path, "embedded.mobileprovision")
	if raw, err := os.ReadFile(path); err == nil {
		if existing, err := provision.ParseProfile(raw); err == nil && existing.Fingerprint() == p.Fingerprint() {
			return nil
		}
	}
	return os.WriteFile(path, p.Raw, 0o644)
}

// signAll signs every Mach-O in the bundle. Extensions are independent and
// signed in parallel; within each bundle the nested files are signed before
// its executable, and the main executable goes last so its seal covers
// everything beneath it.
func (r *run) signAll(ctx context.Context, app *bundle.Bundle, targets []*target, identity *provision.Identity) error {
	byPath := make(map[string]*target, len(targets))
	for _, t := range targets {
		byPath[t.b.Path] = t
	}

	signed := map[string]bool{}
	g, gctx := errgroup.WithContext(ctx)
	for _, ext := range app.Extensions {
		t := byPath[ext.Path]
		files, err := ext.MachOFiles()
		if err != nil {
			return err
		}
		for _, f := range files {
			signed[f] = true
		}
		g.Go(func() error {
			return r.signFiles(gctx, files, identity, t.profile.Entitlements)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	files, err := app.MachOFiles()
	if err != nil {
		return err
	}
	remaining := files[:0]
	for _, f := range files {
		if !signed[f] {
			remaining = append(remaining, f)
		}
	}
	return r.signFiles(ctx, remaining, identity, byPath[app.Path].profile.Entitlements)
}

func (r *run) signFiles(ctx context.Context, files []string, identity *provision.Identity, exeEnts map[string]any) error {
	for i, path := range files {
		// Only the bundle executable itself carries entitlements; nested
		// dylibs and framework binaries are sealed without any.
		var ents map[string]any
		if i == len(files)-1 {
			ents = exeEnts
		}
		if err := r.signFile(ctx, path, identity, ents); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) signFile(ctx context.Context, path string, identity *provision.Identity, ents map[string]any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	log.WithField("path", path).Debug("signing")
	out, err := r.cfg.Signer.Sign(ctx, data, identity, ents)
	if err != nil {
		var serr *SigningError
		if errors.As(err, &serr) {
			return err
		}
		return &SigningError{Path: path, Err: err}
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	tmp := path + ".signed"
	if err := os.WriteFile(tmp, out, info.Mode()); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
