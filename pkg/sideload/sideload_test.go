package sideload

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"howett.net/plist"
	"github.com/fullsailor/pkcs7"

	"github.com/nab138/isideload/pkg/account"
	"github.com/nab138/isideload/pkg/anisette"
	"github.com/nab138/isideload/pkg/bundle"
	"github.com/nab138/isideload/pkg/devportal"
	"github.com/nab138/isideload/pkg/provision"
	"github.com/nab138/isideload/pkg/store"
)

const (
	testTeamID  = "TEAM123456"
	testUDID    = "0000-AAAA"
	testMachine = "test-machine"
)

type staticAnisette struct{}

func (staticAnisette) Fetch(ctx context.Context) (*anisette.Data, error) {
	return &anisette.Data{MachineID: "m", OneTimePassword: "o", ClientInfo: "<c>", FetchedAt: time.Now()}, nil
}

// writeMachO writes a minimal arm64 Mach-O header followed by a marker the
// fake signer reads back to identify the file.
func writeMachO(t *testing.T, path, marker string) {
	t.Helper()
	var hdr [32]byte
	binary.LittleEndian.PutUint32(hdr[0:], 0xFEEDFACF)
	binary.LittleEndian.PutUint32(hdr[4:], 0x0100000C)
	binary.LittleEndian.PutUint32(hdr[12:], 2)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, append(hdr[:], marker...), 0o755); err != nil {
		t.Fatal(err)
	}
}

func writeInfoPlist(t *testing.T, dir string, info map[string]any) {
	t.Helper()
	raw, err := plist.Marshal(info, plist.XMLFormat)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Info.plist"), raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

func simpleApp(t *testing.T) string {
	t.Helper()
	app := filepath.Join(t.TempDir(), "App.app")
	writeInfoPlist(t, app, map[string]any{
		"CFBundleIdentifier": "com.example.app",
		"CFBundleExecutable": "App",
		"CFBundleName":       "Example",
	})
	writeMachO(t, filepath.Join(app, "App"), "App")
	return app
}

func appWithExtension(t *testing.T) string {
	t.Helper()
	app := simpleApp(t)
	writeMachO(t, filepath.Join(app, "Frameworks", "libshared.dylib"), "libshared")
	ext := filepath.Join(app, "PlugIns", "Widget.appex")
	writeInfoPlist(t, ext, map[string]any{
		"CFBundleIdentifier": "com.example.app.widget",
		"CFBundleExecutable": "Widget",
		"CFBundleName":       "Widget",
	})
	writeMachO(t, filepath.Join(ext, "Frameworks", "libwidget.dylib"), "libwidget")
	writeMachO(t, filepath.Join(ext, "Widget"), "Widget")
	return app
}

type portalDevice struct {
	name string
	udid string
}

type portalAppID struct {
	id         string
	identifier string
	name       string
	features   map[string]any
}

type portalGroup struct {
	name       string
	identifier string
	groupID    string
}

// portal is a stateful developer-services double. It issues certificates
// from submitted CSRs and builds provisioning profiles from its current
// device, certificate and app ID state.
type portal struct {
	t     *testing.T
	caKey *rsa.PrivateKey
	ca    *x509.Certificate

	mu      sync.Mutex
	devices []portalDevice
	appIDs  []portalAppID
	groups  []portalGroup
	certs   []*x509.Certificate

	addDevices  int
	addAppIDs   int
	updates     int
	addGroups   int
	assigns     int
	csrSubmits  int
	downloads   int
	listFailmax int // fail this many listTeams calls with 503
	unauth      bool
}

func newPortal(t *testing.T) *portal {
	t.Helper()
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Portal CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}
	ca, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return &portal{t: t, caKey: caKey, ca: ca}
}

// mutations counts every state-changing portal call.
func (p *portal) mutations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addDevices + p.addAppIDs + p.updates + p.addGroups + p.assigns + p.csrSubmits
}

func (p *portal) decode(r *http.Request) map[string]any {
	raw, _ := io.ReadAll(r.Body)
	var req map[string]any
	if err := plist.NewDecoder(bytes.NewReader(raw)).Decode(&req); err != nil {
		p.t.Errorf("bad request plist: %v", err)
	}
	return req
}

func (p *portal) reply(w http.ResponseWriter, body map[string]any) {
	if _, ok := body["resultCode"]; !ok {
		body["resultCode"] = 0
	}
	buf := new(bytes.Buffer)
	if err := plist.NewEncoderForFormat(buf, plist.XMLFormat).Encode(body); err != nil {
		p.t.Errorf("encode reply: %v", err)
	}
	w.Write(buf.Bytes())
}

func (p *portal) appIDPlist(a portalAppID) map[string]any {
	return map[string]any{
		"appIdId":    a.id,
		"identifier": a.identifier,
		"name":       a.name,
		"features":   a.features,
	}
}

func (p *portal) buildProfile(a portalAppID) []byte {
	ents := map[string]any{
		"application-identifier": testTeamID + "." + a.identifier,
		"get-task-allow":         true,
	}
	if enabled, ok := a.features[devportal.FeatureAppGroups].(bool); ok && enabled {
		var ids []string
		for _, g := range p.groups {
			ids = append(ids, g.groupID)
		}
		ents["com.apple.security.application-groups"] = ids
	}
	var udids []string
	for _, d := range p.devices {
		udids = append(udids, d.udid)
	}
	var devCerts [][]byte
	for _, c := range p.certs {
		devCerts = append(devCerts, c.Raw)
	}
	payload := map[string]any{
		"Name":                  "iOS Team Provisioning Profile: " + a.identifier,
		"UUID":                  fmt.Sprintf("00000000-0000-0000-0000-%012d", p.downloads),
		"TeamIdentifier":        []string{testTeamID},
		"CreationDate":          time.Now(),
		"ExpirationDate":        time.Now().Add(7 * 24 * time.Hour),
		"ProvisionedDevices":    udids,
		"DeveloperCertificates": devCerts,
		"Entitlements":          ents,
	}
	raw, err := plist.Marshal(payload, plist.XMLFormat)
	if err != nil {
		p.t.Fatal(err)
	}
	sd, err := pkcs7.NewSignedData(raw)
	if err != nil {
		p.t.Fatal(err)
	}
	if err := sd.AddSigner(p.ca, p.caKey, pkcs7.SignerInfoConfig{}); err != nil {
		p.t.Fatal(err)
	}
	signed, err := sd.Finish()
	if err != nil {
		p.t.Fatal(err)
	}
	return signed
}

func (p *portal) start(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/listTeams.action", func(w http.ResponseWriter, r *http.Request) {
		p.decode(r)
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.unauth {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if p.listFailmax > 0 {
			p.listFailmax--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		p.reply(w, map[string]any{"teams": []map[string]any{{
			"teamId": testTeamID, "name": "User Team", "type": "Individual", "status": "active",
		}}})
	})
	mux.HandleFunc("/ios/listDevices.action", func(w http.ResponseWriter, r *http.Request) {
		p.decode(r)
		p.mu.Lock()
		defer p.mu.Unlock()
		devices := make([]map[string]any, 0, len(p.devices))
		for i, d := range p.devices {
			devices = append(devices, map[string]any{
				"deviceId": fmt.Sprintf("D%d", i), "name": d.name, "deviceNumber": d.udid, "status": "c",
			})
		}
		p.reply(w, map[string]any{"devices": devices})
	})
	mux.HandleFunc("/ios/addDevice.action", func(w http.ResponseWriter, r *http.Request) {
		req := p.decode(r)
		p.mu.Lock()
		defer p.mu.Unlock()
		p.addDevices++
		d := portalDevice{name: req["name"].(string), udid: req["deviceNumber"].(string)}
		p.devices = append(p.devices, d)
		p.reply(w, map[string]any{"device": map[string]any{
			"deviceId": "D0", "name": d.name, "deviceNumber": d.udid, "status": "c",
		}})
	})
	mux.HandleFunc("/ios/listAppIds.action", func(w http.ResponseWriter, r *http.Request) {
		p.decode(r)
		p.mu.Lock()
		defer p.mu.Unlock()
		appIDs := make([]map[string]any, 0, len(p.appIDs))
		for _, a := range p.appIDs {
			appIDs = append(appIDs, p.appIDPlist(a))
		}
		p.reply(w, map[string]any{"appIds": appIDs})
	})
	mux.HandleFunc("/ios/addAppId.action", func(w http.ResponseWriter, r *http.Request) {
		req := p.decode(r)
		p.mu.Lock()
		defer p.mu.Unlock()
		p.addAppIDs++
		a := portalAppID{
			id:         fmt.Sprintf("A%d", len(p.appIDs)),
			identifier: req["identifier"].(string),
			name:       req["name"].(string),
			features:   map[string]any{},
		}
		p.appIDs = append(p.appIDs, a)
		p.reply(w, map[string]any{"appId": p.appIDPlist(a)})
	})
	mux.HandleFunc("/ios/updateAppId.action", func(w http.ResponseWriter, r *http.Request) {
		req := p.decode(r)
		p.mu.Lock()
		defer p.mu.Unlock()
		p.updates++
		id := req["appIdId"].(string)
		for i := range p.appIDs {
			if p.appIDs[i].id != id {
				continue
			}
			for k, v := range req {
				if k == "teamId" || k == "appIdId" {
					continue
				}
				p.appIDs[i].features[k] = v
			}
			p.reply(w, map[string]any{"appId": p.appIDPlist(p.appIDs[i])})
			return
		}
		p.reply(w, map[string]any{"resultCode": 9100, "userString": "no such app ID"})
	})
	mux.HandleFunc("/ios/listApplicationGroups.action", func(w http.ResponseWriter, r *http.Request) {
		p.decode(r)
		p.mu.Lock()
		defer p.mu.Unlock()
		groups := make([]map[string]any, 0, len(p.groups))
		for _, g := range p.groups {
			groups = append(groups, map[string]any{
				"name": g.name, "identifier": g.identifier, "applicationGroup": g.groupID,
			})
		}
		p.reply(w, map[string]any{"applicationGroupList": groups})
	})
	mux.HandleFunc("/ios/addApplicationGroup.action", func(w http.ResponseWriter, r *http.Request) {
		req := p.decode(r)
		p.mu.Lock()
		defer p.mu.Unlock()
		p.addGroups++
		g := portalGroup{
			name:       req["name"].(string),
			identifier: req["identifier"].(string),
			groupID:    fmt.Sprintf("G%d", len(p.groups)),
		}
		p.groups = append(p.groups, g)
		p.reply(w, map[string]any{"applicationGroup": map[string]any{
			"name": g.name, "identifier": g.identifier, "applicationGroup": g.groupID,
		}})
	})
	mux.HandleFunc("/ios/assignApplicationGroupToAppId.action", func(w http.ResponseWriter, r *http.Request) {
		p.decode(r)
		p.mu.Lock()
		defer p.mu.Unlock()
		p.assigns++
		p.reply(w, map[string]any{})
	})
	mux.HandleFunc("/ios/listAllDevelopmentCerts.action", func(w http.ResponseWriter, r *http.Request) {
		p.decode(r)
		p.mu.Lock()
		defer p.mu.Unlock()
		certs := make([]map[string]any, 0, len(p.certs))
		for i, c := range p.certs {
			certs = append(certs, map[string]any{
				"name":         "Apple Development",
				"machineName":  testMachine,
				"serialNumber": fmt.Sprintf("S%d", i),
				"certContent":  c.Raw,
			})
		}
		p.reply(w, map[string]any{"certificates": certs})
	})
	mux.HandleFunc("/ios/submitDevelopmentCSR.action", func(w http.ResponseWriter, r *http.Request) {
		req := p.decode(r)
		p.mu.Lock()
		defer p.mu.Unlock()
		p.csrSubmits++
		block, _ := pem.Decode([]byte(req["csrContent"].(string)))
		if block == nil {
			p.t.Error("csrContent is not PEM")
			p.reply(w, map[string]any{"resultCode": 9100, "userString": "bad CSR"})
			return
		}
		csr, err := x509.ParseCertificateRequest(block.Bytes)
		if err != nil {
			p.t.Fatal(err)
		}
		serial, _ := rand.Int(rand.Reader, big.NewInt(1<<60))
		tmpl := &x509.Certificate{
			SerialNumber: serial,
			Subject:      pkix.Name{CommonName: "Apple Development: " + req["machineName"].(string)},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, p.ca, csr.PublicKey, p.caKey)
		if err != nil {
			p.t.Fatal(err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			p.t.Fatal(err)
		}
		p.certs = append(p.certs, cert)
		p.reply(w, map[string]any{"certRequest": map[string]any{"certRequestId": "R1"}})
	})
	mux.HandleFunc("/ios/downloadTeamProvisioningProfile.action", func(w http.ResponseWriter, r *http.Request) {
		req := p.decode(r)
		p.mu.Lock()
		defer p.mu.Unlock()
		p.downloads++
		id := req["appIdId"].(string)
		for _, a := range p.appIDs {
			if a.id == id {
				p.reply(w, map[string]any{"provisioningProfile": map[string]any{
					"encodedProfile":        p.buildProfile(a),
					"provisioningProfileId": "P1",
				}})
				return
			}
		}
		p.reply(w, map[string]any{"resultCode": 9100, "userString": "no such app ID"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (p *portal) session(t *testing.T) *devportal.DeveloperSession {
	srv := p.start(t)
	return devportal.NewSession(&account.Session{ADSID: "adsid", XcodeToken: "token"},
		staticAnisette{}, devportal.WithBaseURL(srv.URL))
}

type fakeSigner struct {
	mu     sync.Mutex
	order  []string
	entsBy map[string]map[string]any
	err    error
}

func newFakeSigner() *fakeSigner {
	return &fakeSigner{entsBy: map[string]map[string]any{}}
}

func (s *fakeSigner) Sign(ctx context.Context, executable []byte, identity *provision.Identity, ents map[string]any) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(executable) < 32 {
		return nil, &SigningError{Kind: SigningUnsupportedBinary, Err: errors.New("truncated")}
	}
	marker := string(executable[32:])
	s.mu.Lock()
	s.order = append(s.order, marker)
	s.entsBy[marker] = ents
	s.mu.Unlock()
	return executable, nil
}

func (s *fakeSigner) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *fakeSigner) index(marker string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.order {
		if m == marker {
			return i
		}
	}
	return -1
}

type fakeProvider struct {
	mu       sync.Mutex
	devices  []Device
	installs []string
	err      error
}

func (p *fakeProvider) ListDevices(ctx context.Context) ([]Device, error) {
	return p.devices, nil
}

func (p *fakeProvider) InstallBundle(ctx context.Context, udid, bundlePath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.installs = append(p.installs, udid+":"+bundlePath)
	return nil
}

func testConfig(t *testing.T, signer Signer) Config {
	return Config{
		MachineName: testMachine,
		StoreDir:    t.TempDir(),
		AccountKey:  store.AppleIDHash("user@example.com"),
		UDID:        testUDID,
		Signer:      signer,
	}
}

func TestSideloadEndToEnd(t *testing.T) {
	p := newPortal(t)
	ds := p.session(t)
	signer := newFakeSigner()
	provider := &fakeProvider{}
	cfg := testConfig(t, signer)
	app := simpleApp(t)

	if err := SideloadApp(context.Background(), provider, ds, app, cfg); err != nil {
		t.Fatal(err)
	}

	if p.addDevices != 1 || p.addAppIDs != 1 || p.csrSubmits != 1 || p.downloads != 1 {
		t.Errorf("unexpected portal calls: devices=%d appIds=%d csrs=%d downloads=%d",
			p.addDevices, p.addAppIDs, p.csrSubmits, p.downloads)
	}
	if signer.calls() != 1 {
		t.Errorf("expected 1 sign call, got %d", signer.calls())
	}
	if len(provider.installs) != 1 {
		t.Fatalf("expected 1 install, got %d", len(provider.installs))
	}

	b, err := bundle.Load(app)
	if err != nil {
		t.Fatal(err)
	}
	if want := "com.example.app." + testTeamID; b.ID() != want {
		t.Errorf("identifier not rewritten: %q", b.ID())
	}
	if _, err := os.Stat(filepath.Join(app, "embedded.mobileprovision")); err != nil {
		t.Error("no embedded profile")
	}

	st := store.New(cfg.StoreDir)
	if _, err := st.Certificate(testTeamID, testMachine); err != nil {
		t.Errorf("certificate not cached: %v", err)
	}
	if _, err := st.Profile(testTeamID, testMachine); err != nil {
		t.Errorf("profile not cached: %v", err)
	}

	// Re-run with the populated store and portal: converged state means no
	// further portal mutations, only listing and a fresh install.
	before := p.mutations()
	downloads := p.downloads
	if err := SideloadApp(context.Background(), provider, ds, app, cfg); err != nil {
		t.Fatal(err)
	}
	if p.mutations() != before {
		t.Errorf("re-run mutated the portal: %d -> %d", before, p.mutations())
	}
	if p.downloads != downloads {
		t.Errorf("re-run refetched the profile: %d -> %d", downloads, p.downloads)
	}
	if len(provider.installs) != 2 {
		t.Errorf("expected 2 installs, got %d", len(provider.installs))
	}
}

func TestSideloadExtensionOrdering(t *testing.T) {
	p := newPortal(t)
	ds := p.session(t)
	signer := newFakeSigner()
	provider := &fakeProvider{}
	cfg := testConfig(t, signer)
	app := appWithExtension(t)

	if err := SideloadApp(context.Background(), provider, ds, app, cfg); err != nil {
		t.Fatal(err)
	}

	if p.addAppIDs != 2 {
		t.Errorf("expected app IDs for app and extension, got %d", p.addAppIDs)
	}
	if signer.calls() != 4 {
		t.Fatalf("expected 4 sign calls, got %d: %v", signer.calls(), signer.order)
	}
	// The app executable is sealed last; within the extension, its dylib
	// comes before its executable.
	if signer.order[len(signer.order)-1] != "App" {
		t.Errorf("main executable not signed last: %v", signer.order)
	}
	if signer.index("libwidget") > signer.index("Widget") {
		t.Errorf("extension dylib signed after its executable: %v", signer.order)
	}
	// Only executables carry entitlements.
	if ents := signer.entsBy["App"]; ents["application-identifier"] == nil {
		t.Error("main executable signed without entitlements")
	}
	if ents := signer.entsBy["libshared"]; len(ents) != 0 {
		t.Errorf("dylib signed with entitlements: %v", ents)
	}

	ext, err := bundle.Load(filepath.Join(app, "PlugIns", "Widget.appex"))
	if err != nil {
		t.Fatal(err)
	}
	if want := "com.example.app." + testTeamID + ".widget"; ext.ID() != want {
		t.Errorf("extension identifier %q, want %q", ext.ID(), want)
	}
}

func TestRegisterAppIDsGroups(t *testing.T) {
	p := newPortal(t)
	r := &run{ds: p.session(t), cfg: Config{MachineName: testMachine}}

	targets := []*target{{
		b: &bundle.Bundle{
			Path: t.TempDir(),
			Info: map[string]any{
				"CFBundleIdentifier": "com.example.app." + testTeamID,
				"CFBundleName":       "Example",
			},
		},
		ents: map[string]any{
			entAppGroups: []any{"group.com.example"},
		},
	}}
	if err := r.registerAppIDs(context.Background(), testTeamID, targets); err != nil {
		t.Fatal(err)
	}

	if p.addGroups != 1 || p.assigns != 1 {
		t.Fatalf("expected one group registration and assignment, got %d/%d", p.addGroups, p.assigns)
	}
	if got := p.groups[0].identifier; got != "group.com.example."+testTeamID {
		t.Errorf("group not moved into the team namespace: %q", got)
	}
	if enabled, _ := p.appIDs[0].features[devportal.FeatureAppGroups].(bool); !enabled {
		t.Error("app groups capability not enabled on the app ID")
	}

	// A second pass changes nothing.
	before := p.mutations()
	if err := r.registerAppIDs(context.Background(), testTeamID, targets); err != nil {
		t.Fatal(err)
	}
	if extra := p.mutations() - before; extra != 1 {
		// Assignment is re-sent; it is idempotent on the portal side.
		t.Errorf("expected only the assignment repeat, got %d extra mutations", extra)
	}
}

func TestPortalRetryTransient(t *testing.T) {
	p := newPortal(t)
	p.listFailmax = 2
	r := &run{ds: p.session(t)}

	err := r.portal(context.Background(), "listTeams", func(ctx context.Context) error {
		_, err := r.ds.Team(ctx)
		return err
	})
	if err != nil {
		t.Fatalf("retries did not recover: %v", err)
	}

	// More failures than attempts surfaces the transient error.
	p.mu.Lock()
	p.listFailmax = portalAttempts
	p.mu.Unlock()
	err = r.portal(context.Background(), "listTeams", func(ctx context.Context) error {
		_, err := r.ds.Team(ctx)
		return err
	})
	if !devportal.IsKind(err, devportal.KindTransient) {
		t.Fatalf("expected a transient error, got %v", err)
	}
}

type renewerFunc func(ctx context.Context) (*devportal.DeveloperSession, error)

func (f renewerFunc) Renew(ctx context.Context) (*devportal.DeveloperSession, error) { return f(ctx) }

func TestPortalRenewsUnauthorizedOnce(t *testing.T) {
	bad := newPortal(t)
	bad.unauth = true
	good := newPortal(t)
	goodDS := good.session(t)

	renewals := 0
	r := &run{
		ds: bad.session(t),
		cfg: Config{Renewer: renewerFunc(func(ctx context.Context) (*devportal.DeveloperSession, error) {
			renewals++
			return goodDS, nil
		})},
		st: store.New(t.TempDir()),
	}

	err := r.portal(context.Background(), "listTeams", func(ctx context.Context) error {
		_, err := r.ds.Team(ctx)
		return err
	})
	if err != nil {
		t.Fatalf("renewal did not recover: %v", err)
	}
	if renewals != 1 {
		t.Errorf("expected 1 renewal, got %d", renewals)
	}

	// A second rejection surfaces without another renewal.
	r.ds = bad.session(t)
	err = r.portal(context.Background(), "listTeams", func(ctx context.Context) error {
		_, err := r.ds.Team(ctx)
		return err
	})
	if !devportal.IsKind(err, devportal.KindUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if renewals != 1 {
		t.Errorf("renewed again: %d", renewals)
	}
}

func TestSideloadSignerFailure(t *testing.T) {
	p := newPortal(t)
	ds := p.session(t)
	signer := newFakeSigner()
	signer.err = &SigningError{Kind: SigningIdentityMismatch, Err: errors.New("key mismatch")}
	provider := &fakeProvider{}
	cfg := testConfig(t, signer)

	err := SideloadApp(context.Background(), provider, ds, simpleApp(t), cfg)
	var serr *SigningError
	if !errors.As(err, &serr) {
		t.Fatalf("expected a SigningError, got %v", err)
	}
	if serr.Kind != SigningIdentityMismatch {
		t.Errorf("wrong kind %d", serr.Kind)
	}
	if len(provider.installs) != 0 {
		t.Error("installed a bundle that failed signing")
	}
}

func TestSideloadInstallFailureWrapped(t *testing.T) {
	p := newPortal(t)
	ds := p.session(t)
	provider := &fakeProvider{err: errors.New("device went away")}
	cfg := testConfig(t, newFakeSigner())

	err := SideloadApp(context.Background(), provider, ds, simpleApp(t), cfg)
	var ierr *InstallError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected an InstallError, got %v", err)
	}
	if ierr.UDID != testUDID {
		t.Errorf("wrong device %q", ierr.UDID)
	}
}

func TestSideloadRequiresSigner(t *testing.T) {
	p := newPortal(t)
	ds := p.session(t)
	cfg := testConfig(t, nil)

	if err := SideloadApp(context.Background(), &fakeProvider{}, ds, simpleApp(t), cfg); err == nil {
		t.Fatal("accepted a config without a signer")
	}
}
