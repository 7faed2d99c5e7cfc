// Package account implements login against Apple's GrandSlam authentication
// service: an SRP password exchange carried over XML plists, optional
// two-factor verification, and issuance of per-service app tokens. The
// durable result is a Session that the developer portal consumes.
package account

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/apex/log"
	"howett.net/plist"
	"github.com/pkg/errors"

	"github.com/nab138/isideload/internal/srp"
	"github.com/nab138/isideload/pkg/anisette"
)

// DefaultEndpoint is Apple's production authentication service.
const DefaultEndpoint = "https://gsa.apple.com"

// XcodeService is the app token the developer portal authenticates with.
const XcodeService = "com.apple.gs.xcode.auth"

// CredentialsProvider supplies the Apple ID and password. Login calls it at
// most once per call.
type CredentialsProvider interface {
	Credentials() (username, password string, err error)
}

// CredentialsFunc adapts a function to CredentialsProvider.
type CredentialsFunc func() (string, string, error)

func (f CredentialsFunc) Credentials() (string, string, error) { return f() }

// TwoFactorProvider supplies a one-time verification code when the service
// demands one.
type TwoFactorProvider interface {
	VerificationCode() (string, error)
}

// TwoFactorFunc adapts a function to TwoFactorProvider.
type TwoFactorFunc func() (string, error)

func (f TwoFactorFunc) VerificationCode() (string, error) { return f() }

type state int

const (
	stateIdle state = iota
	statePasswordVerified
	stateCodeRequested
	stateEstablished
)

type twoFactorMode int

const (
	modeTrustedDevice twoFactorMode = iota
	modeSMS
)

// Account drives the login state machine. One Account serves one login
// attempt chain; it is not safe for concurrent use.
type Account struct {
	hc       *http.Client
	anisette anisette.Provider
	endpoint string

	state    state
	tfaMode  twoFactorMode
	username string
	password string
	spd      map[string]any
}

// Option adjusts an Account.
type Option func(*Account)

// WithEndpoint overrides the authentication service base URL.
func WithEndpoint(url string) Option {
	return func(a *Account) { a.endpoint = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *Account) { a.hc = hc }
}

// New returns an Account using the given anisette supplier.
func New(ani anisette.Provider, opts ...Option) *Account {
	a := &Account{
		hc:       &http.Client{Timeout: 60 * time.Second},
		anisette: ani,
		endpoint: DefaultEndpoint,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Login performs the full authentication sequence and returns an established
// Session. Credentials are requested exactly once. When two-factor
// verification is required the code provider is invoked; a wrong code
// surfaces ErrInvalidTwoFactorCode and leaves the machine at the code-entry
// step, so calling Login again retries only the code, not the password.
func (a *Account) Login(ctx context.Context, creds CredentialsProvider, tfa TwoFactorProvider) (*Session, error) {
	if a.state == stateIdle {
		username, password, err := creds.Credentials()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get credentials")
		}
		a.username, a.password = username, password

		if err := a.passwordRound(ctx); err != nil {
			return nil, err
		}
	}

	for a.state != stateEstablished {
		if err := ctx.Err(); err != nil {
			a.reset()
			return nil, err
		}
		switch a.state {
		case statePasswordVerified:
			// The service asked for secondary auth; request a code.
			if err := a.requestCode(ctx); err != nil {
				return nil, err
			}
			a.state = stateCodeRequested
		case stateCodeRequested:
			code, err := tfa.VerificationCode()
			if err != nil {
				return nil, errors.Wrap(err, "failed to get verification code")
			}
			if err := a.submitCode(ctx, code); err != nil {
				// A wrong code keeps the machine here so the caller can
				// decide whether to ask again.
				return nil, err
			}
			// The service requires the password round to be replayed after
			// a successful verification.
			if err := a.passwordRound(ctx); err != nil {
				return nil, err
			}
		}
	}

	return a.buildSession(ctx)
}

// reset discards all intermediate state. A cancelled or failed login never
// leaks a partial session.
func (a *Account) reset() {
	a.state = stateIdle
	a.username, a.password = "", ""
	a.spd = nil
}

// passwordRound runs the two-request SRP exchange ("init" then "complete")
// and decrypts the resulting account blob. On success the machine is either
// Established or PasswordVerified pending two-factor auth.
func (a *Account) passwordRound(ctx context.Context) error {
	client, err := srp.NewClient()
	if err != nil {
		return err
	}

	ani, err := a.anisette.Fetch(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to fetch anisette data")
	}

	initResp, err := a.postGSA(ctx, map[string]any{
		"A2k": client.PublicKey(),
		"cpd": ani.CPD(),
		"o":   "init",
		"ps":  []string{string(srp.S2K), string(srp.S2KFO)},
		"u":   a.username,
	})
	if err != nil {
		a.reset()
		return err
	}

	salt := plistData(initResp["s"])
	serverPub := plistData(initResp["B"])
	iters := plistInt(initResp["i"])
	cookie, _ := initResp["c"].(string)
	proto, _ := initResp["sp"].(string)
	if proto == "" {
		proto = string(srp.S2K)
	}
	if salt == nil || serverPub == nil || iters == 0 {
		a.reset()
		return fmt.Errorf("malformed challenge from authentication service")
	}

	passwordKey, err := srp.DerivePasswordKey(srp.Protocol(proto), a.password, salt, int(iters))
	if err != nil {
		a.reset()
		return err
	}
	m1, err := client.ProcessChallenge(a.username, passwordKey, salt, serverPub)
	if err != nil {
		a.reset()
		return err
	}

	// Fresh identity headers for the second round; the one-time password in
	// the first set may already be spent.
	ani, err = a.anisette.Fetch(ctx)
	if err != nil {
		a.reset()
		return errors.Wrap(err, "failed to fetch anisette data")
	}

	completeResp, err := a.postGSA(ctx, map[string]any{
		"M1":  m1,
		"c":   cookie,
		"cpd": ani.CPD(),
		"o":   "complete",
		"u":   a.username,
	})
	if err != nil {
		a.reset()
		return err
	}

	if !client.VerifyServerEvidence(plistData(completeResp["M2"])) {
		a.reset()
		return fmt.Errorf("authentication service failed to prove knowledge of the password")
	}

	spdRaw, err := decryptSPD(client.SessionKey(), plistData(completeResp["spd"]))
	if err != nil {
		a.reset()
		return err
	}
	var spd map[string]any
	if err := plist.NewDecoder(bytes.NewReader(spdRaw)).Decode(&spd); err != nil {
		a.reset()
		return errors.Wrap(err, "failed to parse account data")
	}
	a.spd = spd

	if status, ok := completeResp["Status"].(map[string]any); ok {
		if au, ok := status["au"].(string); ok {
			switch au {
			case "trustedDeviceSecondaryAuth":
				log.Info("two-factor authentication required (trusted device)")
				a.tfaMode = modeTrustedDevice
				a.state = statePasswordVerified
				return nil
			case "secondaryAuth":
				log.Info("two-factor authentication required (SMS)")
				a.tfaMode = modeSMS
				a.state = statePasswordVerified
				return nil
			default:
				a.reset()
				return fmt.Errorf("authentication requires an unsupported step: %s", au)
			}
		}
	}

	a.state = stateEstablished
	return nil
}

// buildSession assembles the durable session from the decrypted account
// blob and fetches the Xcode service token.
func (a *Account) buildSession(ctx context.Context) (*Session, error) {
	adsid, _ := a.spd["adsid"].(string)
	idms, _ := a.spd["GsIdmsToken"].(string)
	sk := plistData(a.spd["sk"])
	cookie := plistData(a.spd["c"])
	if adsid == "" || idms == "" || sk == nil || cookie == nil {
		return nil, fmt.Errorf("account data is missing required fields")
	}

	s := &Session{
		ADSID:      adsid,
		IdmsToken:  idms,
		SessionKey: sk,
		Cookie:     cookie,
	}
	if fn, ok := a.spd["fn"].(string); ok {
		s.FirstName = fn
	}
	if ln, ok := a.spd["ln"].(string); ok {
		s.LastName = ln
	}

	token, err := a.AppToken(ctx, s, XcodeService)
	if err != nil {
		return nil, err
	}
	s.XcodeToken = token

	log.WithField("adsid", adsid).Info("login successful")
	a.password = ""
	return s, nil
}

// AppToken requests a service-specific token for the given app identifier.
func (a *Account) AppToken(ctx context.Context, s *Session, app string) (string, error) {
	ani, err := a.anisette.Fetch(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to fetch anisette data")
	}

	resp, err := a.postGSA(ctx, map[string]any{
		"app":      []string{app},
		"c":        s.Cookie,
		"cpd":      ani.CPD(),
		"o":        "apptokens",
		"t":        s.IdmsToken,
		"u":        s.ADSID,
		"checksum": tokenChecksum(s.SessionKey, s.ADSID, app),
	})
	if err != nil {
		return "", err
	}

	plain, err := decryptToken(s.SessionKey, plistData(resp["et"]))
	if err != nil {
		return "", err
	}

	var decoded struct {
		Tokens map[string]struct {
			Token string `plist:"token"`
		} `plist:"t"`
	}
	if err := plist.NewDecoder(bytes.NewReader(plain)).Decode(&decoded); err != nil {
		return "", errors.Wrap(err, "failed to parse token response")
	}
	entry, ok := decoded.Tokens[app]
	if !ok || entry.Token == "" {
		return "", fmt.Errorf("no token issued for %s", app)
	}
	return entry.Token, nil
}
