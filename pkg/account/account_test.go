package account

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"howett.net/plist"

	"github.com/nab138/isideload/internal/srp"
	"github.com/nab138/isideload/pkg/anisette"
)

const (
	testUsername = "user@example.com"
	testPassword = "hunter22"
	testADSID    = "000123-45-67890a-bcde-f01234567890"
	testIters    = 1000
)

type staticAnisette struct{}

func (staticAnisette) Fetch(ctx context.Context) (*anisette.Data, error) {
	return &anisette.Data{
		MachineID:       "mid",
		OneTimePassword: "otp",
		DeviceID:        "dev",
		ClientInfo:      "<test-client>",
		FetchedAt:       time.Now(),
	}, nil
}

// gsaServer is an in-process counterpart speaking the GrandSlam wire
// format, backed by a real SRP verifier.
type gsaServer struct {
	t *testing.T

	mu         sync.Mutex
	srv        *srp.Server
	salt       []byte
	clientPub  []byte
	requireTFA bool
	verified   bool
	sentCode   string

	initCalls     int
	completeCalls int
	tokenCalls    int
}

func (g *gsaServer) spd() []byte {
	spd := map[string]any{
		"adsid":       testADSID,
		"GsIdmsToken": "idms-token-value",
		"sk":          bytes.Repeat([]byte{0x42}, 32),
		"c":           []byte("server-cookie"),
		"fn":          "Test",
		"ln":          "User",
	}
	buf := new(bytes.Buffer)
	if err := plist.NewEncoderForFormat(buf, plist.XMLFormat).Encode(spd); err != nil {
		g.t.Fatal(err)
	}
	return buf.Bytes()
}

func pkcs7Pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func encryptSPD(key []byte, plain []byte) []byte {
	k := deriveSessionKey(key, "extra data key:")
	iv := deriveSessionKey(key, "extra data iv:")[:aes.BlockSize]
	block, _ := aes.NewCipher(k)
	padded := pkcs7Pad(plain)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func encryptToken(sk, plain []byte) []byte {
	block, _ := aes.NewCipher(sk)
	gcm, _ := cipher.NewGCMWithNonceSize(block, 16)
	nonce := bytes.Repeat([]byte{0x01}, 16)
	sealed := gcm.Seal(nil, nonce, plain, []byte("XYZ"))
	out := append([]byte("XYZ"), nonce...)
	return append(out, sealed...)
}

func plistResponse(w http.ResponseWriter, response map[string]any) {
	buf := new(bytes.Buffer)
	plist.NewEncoderForFormat(buf, plist.XMLFormat).Encode(map[string]any{"Response": response})
	w.Header().Set("Content-Type", "text/x-xml-plist")
	w.Write(buf.Bytes())
}

func okStatus() map[string]any {
	return map[string]any{"ec": 0, "em": ""}
}

func (g *gsaServer) handleGSA(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var envelope struct {
		Request map[string]any `plist:"Request"`
	}
	if err := plist.NewDecoder(bytes.NewReader(body)).Decode(&envelope); err != nil {
		g.t.Errorf("bad request plist: %v", err)
		return
	}
	req := envelope.Request

	g.mu.Lock()
	defer g.mu.Unlock()

	switch req["o"] {
	case "init":
		g.initCalls++
		if req["u"] != testUsername {
			plistResponse(w, map[string]any{"Status": map[string]any{"ec": -20101, "em": "bad user"}})
			return
		}
		g.salt = []byte("0123456789abcdef")
		pk, err := srp.DerivePasswordKey(srp.S2K, testPassword, g.salt, testIters)
		if err != nil {
			g.t.Fatal(err)
		}
		g.srv, err = srp.NewServer(testUsername, pk, g.salt)
		if err != nil {
			g.t.Fatal(err)
		}
		// The client only sends A during init; the real service keys later
		// rounds on the session cookie.
		g.clientPub, _ = req["A2k"].([]byte)
		plistResponse(w, map[string]any{
			"Status": okStatus(),
			"s":      g.salt,
			"B":      g.srv.PublicKey(),
			"i":      testIters,
			"sp":     "s2k",
			"c":      "init-cookie",
		})
	case "complete":
		g.completeCalls++
		m1, _ := req["M1"].([]byte)
		if !g.srv.VerifyClientEvidence(testUsername, g.salt, g.clientPub, m1) {
			plistResponse(w, map[string]any{"Status": map[string]any{"ec": -22406, "em": "wrong password"}})
			return
		}
		resp := map[string]any{
			"Status": okStatus(),
			"M2":     g.srv.Evidence(g.clientPub),
			"spd":    encryptSPD(g.srv.SessionKey(), g.spd()),
		}
		if g.requireTFA && !g.verified {
			resp["Status"] = map[string]any{"ec": 0, "em": "", "au": "trustedDeviceSecondaryAuth"}
		}
		plistResponse(w, resp)
	case "apptokens":
		g.tokenCalls++
		sk := bytes.Repeat([]byte{0x42}, 32)
		app := req["app"].([]any)[0].(string)
		wantSum := tokenChecksum(sk, testADSID, app)
		if gotSum, _ := req["checksum"].([]byte); !hmac.Equal(wantSum, gotSum) {
			plistResponse(w, map[string]any{"Status": map[string]any{"ec": -22406, "em": "bad checksum"}})
			return
		}
		tokenPlist := map[string]any{
			"t": map[string]any{
				app: map[string]any{"token": "token-for-" + app},
			},
		}
		buf := new(bytes.Buffer)
		plist.NewEncoderForFormat(buf, plist.XMLFormat).Encode(tokenPlist)
		plistResponse(w, map[string]any{
			"Status": okStatus(),
			"et":     encryptToken(sk, buf.Bytes()),
		})
	default:
		g.t.Errorf("unexpected operation %v", req["o"])
	}
}

func (g *gsaServer) start(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /grandslam/GsService2", g.handleGSA)
	mux.HandleFunc("GET /auth/verify/trusteddevice", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Apple-Identity-Token") == "" {
			http.Error(w, "missing identity token", http.StatusUnauthorized)
			return
		}
		g.mu.Lock()
		g.sentCode = "123456"
		g.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /grandslam/GsService2/validate", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		code := r.Header.Get("security-code")
		if code != g.sentCode {
			buf := new(bytes.Buffer)
			plist.NewEncoderForFormat(buf, plist.XMLFormat).Encode(map[string]any{"ec": -21669, "em": "wrong code"})
			w.Write(buf.Bytes())
			return
		}
		g.verified = true
		buf := new(bytes.Buffer)
		plist.NewEncoderForFormat(buf, plist.XMLFormat).Encode(map[string]any{"ec": 0, "em": ""})
		w.Write(buf.Bytes())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestAccount(g *gsaServer, url string) *Account {
	return New(staticAnisette{}, WithEndpoint(url))
}

func TestLogin(t *testing.T) {
	gsa := &gsaServer{t: t}
	srv := gsa.start(t)

	var credCalls int
	acct := newTestAccount(gsa, srv.URL)
	session, err := acct.Login(context.Background(),
		CredentialsFunc(func() (string, string, error) {
			credCalls++
			return testUsername, testPassword, nil
		}),
		TwoFactorFunc(func() (string, error) {
			t.Fatal("two-factor provider invoked without a challenge")
			return "", nil
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	if credCalls != 1 {
		t.Errorf("credentials requested %d times, want 1", credCalls)
	}
	if session.ADSID != testADSID {
		t.Errorf("wrong adsid %q", session.ADSID)
	}
	if session.XcodeToken != "token-for-"+XcodeService {
		t.Errorf("wrong xcode token %q", session.XcodeToken)
	}
	if session.FirstName != "Test" || session.LastName != "User" {
		t.Errorf("wrong name %q %q", session.FirstName, session.LastName)
	}
	if session.IdentityToken() == "" {
		t.Error("empty identity token")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	gsa := &gsaServer{t: t}
	srv := gsa.start(t)

	acct := newTestAccount(gsa, srv.URL)
	_, err := acct.Login(context.Background(),
		CredentialsFunc(func() (string, string, error) {
			return testUsername, "not-the-password", nil
		}),
		TwoFactorFunc(func() (string, error) { return "", nil }),
	)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Code != -22406 {
		t.Errorf("expected AuthError with code -22406, got %v", err)
	}
}

func TestLoginTwoFactor(t *testing.T) {
	gsa := &gsaServer{t: t, requireTFA: true}
	srv := gsa.start(t)

	acct := newTestAccount(gsa, srv.URL)
	session, err := acct.Login(context.Background(),
		CredentialsFunc(func() (string, string, error) {
			return testUsername, testPassword, nil
		}),
		TwoFactorFunc(func() (string, error) { return "123456", nil }),
	)
	if err != nil {
		t.Fatal(err)
	}
	if session.ADSID != testADSID {
		t.Errorf("wrong adsid %q", session.ADSID)
	}
	// The password round runs once before and once after verification.
	if gsa.completeCalls != 2 {
		t.Errorf("expected 2 complete rounds, got %d", gsa.completeCalls)
	}
}

func TestLoginWrongCodeThenRetry(t *testing.T) {
	gsa := &gsaServer{t: t, requireTFA: true}
	srv := gsa.start(t)

	var credCalls int
	acct := newTestAccount(gsa, srv.URL)
	creds := CredentialsFunc(func() (string, string, error) {
		credCalls++
		return testUsername, testPassword, nil
	})

	_, err := acct.Login(context.Background(), creds,
		TwoFactorFunc(func() (string, error) { return "000000", nil }))
	if !errors.Is(err, ErrInvalidTwoFactorCode) {
		t.Fatalf("expected ErrInvalidTwoFactorCode, got %v", err)
	}

	// Retrying resumes at code entry: no second credential request, no
	// extra password round before the code is accepted.
	session, err := acct.Login(context.Background(), creds,
		TwoFactorFunc(func() (string, error) { return "123456", nil }))
	if err != nil {
		t.Fatal(err)
	}
	if session == nil || credCalls != 1 {
		t.Errorf("expected resume without new credentials, credCalls=%d", credCalls)
	}
}

func TestLoginCancelled(t *testing.T) {
	gsa := &gsaServer{t: t}
	srv := gsa.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	acct := newTestAccount(gsa, srv.URL)
	_, err := acct.Login(ctx,
		CredentialsFunc(func() (string, string, error) {
			return testUsername, testPassword, nil
		}),
		TwoFactorFunc(func() (string, error) { return "", nil }),
	)
	if err == nil {
		t.Fatal("expected an error from a cancelled context")
	}
	if acct.state != stateIdle {
		t.Error("cancelled login must discard intermediate state")
	}
}
