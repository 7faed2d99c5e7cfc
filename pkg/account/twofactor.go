package account

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/apex/log"
	"howett.net/plist"
	"github.com/pkg/errors"
)

// smsPhoneID selects which trusted phone number receives the code. The
// first registered number is id 1.
const smsPhoneID = 1

type phoneNumber struct {
	ID int `json:"id"`
}

type verifyRequest struct {
	PhoneNumber  phoneNumber `json:"phoneNumber"`
	Mode         string      `json:"mode"`
	SecurityCode *struct {
		Code string `json:"code"`
	} `json:"securityCode,omitempty"`
}

// requestCode asks the service to deliver a verification code, either by
// push to trusted devices or by SMS.
func (a *Account) requestCode(ctx context.Context) error {
	switch a.tfaMode {
	case modeTrustedDevice:
		resp, err := a.doTwoFactor(ctx, http.MethodGet, "/auth/verify/trusteddevice", nil, false)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("failed to request verification code: %s", resp.Status)
		}
		log.Info("verification code sent to your trusted devices")
		return nil
	case modeSMS:
		body, _ := json.Marshal(verifyRequest{
			PhoneNumber: phoneNumber{ID: smsPhoneID},
			Mode:        "sms",
		})
		resp, err := a.doTwoFactor(ctx, http.MethodPut, "/auth/verify/phone/", body, true)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("failed to request SMS verification code: %s", resp.Status)
		}
		log.Info("verification code sent by SMS")
		return nil
	}
	return fmt.Errorf("unknown two-factor mode")
}

// submitCode submits the user's verification code. A wrong code returns
// ErrInvalidTwoFactorCode without disturbing the state machine.
func (a *Account) submitCode(ctx context.Context, code string) error {
	switch a.tfaMode {
	case modeTrustedDevice:
		resp, err := a.doTwoFactor(ctx, http.MethodGet, gsaPath+"/validate", nil, false, func(req *http.Request) {
			req.Header.Set("security-code", code)
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		var status map[string]any
		if err := plist.NewDecoder(bytes.NewReader(raw)).Decode(&status); err != nil {
			return errors.Wrap(err, "failed to parse verification response")
		}
		return checkStatus(status)
	case modeSMS:
		req := verifyRequest{
			PhoneNumber: phoneNumber{ID: smsPhoneID},
			Mode:        "sms",
		}
		req.SecurityCode = &struct {
			Code string `json:"code"`
		}{Code: code}
		body, _ := json.Marshal(req)
		resp, err := a.doTwoFactor(ctx, http.MethodPost, "/auth/verify/phone/securitycode", body, true)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return gsaError(-21669, "incorrect SMS verification code")
		}
		return nil
	}
	return fmt.Errorf("unknown two-factor mode")
}

// doTwoFactor issues one request with the secondary-auth header set: the
// identity token from the password round, a fresh anisette snapshot, and
// Xcode's user agent.
func (a *Account) doTwoFactor(ctx context.Context, method, path string, body []byte, sms bool, mutate ...func(*http.Request)) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.endpoint+path, reader)
	if err != nil {
		return nil, err
	}

	ani, err := a.anisette.Fetch(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch anisette data")
	}
	for k, v := range ani.Headers() {
		req.Header.Set(k, v)
	}

	adsid, _ := a.spd["adsid"].(string)
	idms, _ := a.spd["GsIdmsToken"].(string)
	req.Header.Set("X-Apple-Identity-Token",
		base64.StdEncoding.EncodeToString([]byte(adsid+":"+idms)))
	req.Header.Set("User-Agent", "Xcode")
	req.Header.Set("Accept-Language", "en-us")
	if sms {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
	} else {
		req.Header.Set("Content-Type", "text/x-xml-plist")
		req.Header.Set("Accept", "text/x-xml-plist")
	}
	for _, m := range mutate {
		m(req)
	}

	resp, err := a.hc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "two-factor request failed")
	}
	return resp, nil
}
