// Package devportal is a client for Apple's developer-services endpoints:
// teams, devices, app IDs, application groups, development certificates and
// provisioning profiles. Requests ride the QH65B2 plist protocol and are
// authorized by an Xcode service token from pkg/account.
package devportal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"
	"howett.net/plist"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nab138/isideload/pkg/account"
	"github.com/nab138/isideload/pkg/anisette"
)

const (
	// DefaultBaseURL is the production developer-services endpoint.
	DefaultBaseURL = "https://developerservices2.apple.com/services/QH65B2"

	clientID        = "XABBG36SBA"
	protocolVersion = "QH65B2"
	portalUserAgent = "Xcode"
)

// platform selects the URL segment for device-family scoped operations.
type platform string

const (
	platformAny platform = ""
	platformIOS platform = "ios/"
)

// DeveloperSession issues authorized developer-services requests. Safe for
// concurrent use.
type DeveloperSession struct {
	hc       *http.Client
	anisette anisette.Provider
	session  *account.Session
	baseURL  string
}

// Option adjusts a DeveloperSession.
type Option func(*DeveloperSession)

// WithBaseURL overrides the developer-services endpoint.
func WithBaseURL(url string) Option {
	return func(ds *DeveloperSession) { ds.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(ds *DeveloperSession) { ds.hc = hc }
}

// NewSession returns a portal client for an established account session.
func NewSession(s *account.Session, ani anisette.Provider, opts ...Option) *DeveloperSession {
	ds := &DeveloperSession{
		hc:       &http.Client{Timeout: 60 * time.Second},
		anisette: ani,
		session:  s,
		baseURL:  DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(ds)
	}
	return ds
}

func (ds *DeveloperSession) opURL(p platform, op string) string {
	return fmt.Sprintf("%s/%s%s.action?clientId=%s", ds.baseURL, p, op, clientID)
}

// sendRequest performs one portal operation. The body is merged into the
// protocol envelope; the response is checked for a non-zero resultCode and
// then, if out is non-nil, decoded into it.
func (ds *DeveloperSession) sendRequest(ctx context.Context, p platform, op string, body map[string]any, out any) error {
	request := map[string]any{
		"clientId":        clientID,
		"protocolVersion": protocolVersion,
		"requestId":       strings.ToUpper(uuid.New().String()),
		"userLocale":      []string{"en_US"},
	}
	for k, v := range body {
		request[k] = v
	}

	buf := new(bytes.Buffer)
	if err := plist.NewEncoderForFormat(buf, plist.XMLFormat).Encode(request); err != nil {
		return errors.Wrap(err, "failed to encode portal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ds.opURL(p, op), buf)
	if err != nil {
		return err
	}

	ani, err := ds.anisette.Fetch(ctx)
	if err != nil {
		return &PortalError{Kind: KindTransient, Message: fmt.Sprintf("failed to fetch anisette data: %v", err)}
	}
	for k, v := range ani.Headers() {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "text/x-xml-plist")
	req.Header.Set("Accept", "text/x-xml-plist")
	req.Header.Set("Accept-Language", "en-us")
	req.Header.Set("User-Agent", portalUserAgent)
	req.Header.Set("X-Apple-I-Identity-Id", ds.session.ADSID)
	req.Header.Set("X-Apple-GS-Token", ds.session.XcodeToken)

	log.WithField("operation", op).Debug("calling developer portal")

	resp, err := ds.hc.Do(req)
	if err != nil {
		return &PortalError{Kind: KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &PortalError{Kind: KindTransient, Message: err.Error()}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &PortalError{Kind: KindUnauthorized, Message: resp.Status}
	case resp.StatusCode == http.StatusNotFound:
		return &PortalError{Kind: KindNotFound, Message: resp.Status}
	case resp.StatusCode >= 500:
		return &PortalError{Kind: KindTransient, Message: resp.Status}
	case resp.StatusCode != http.StatusOK:
		return &PortalError{Kind: KindOther, Message: resp.Status}
	}

	var probe struct {
		ResultCode   int64  `plist:"resultCode"`
		UserString   string `plist:"userString"`
		ResultString string `plist:"resultString"`
	}
	if err := plist.NewDecoder(bytes.NewReader(raw)).Decode(&probe); err != nil {
		return errors.Wrapf(err, "failed to parse %s response", op)
	}
	if probe.ResultCode != 0 {
		msg := probe.UserString
		if msg == "" {
			msg = probe.ResultString
		}
		return portalError(probe.ResultCode, msg)
	}

	if out != nil {
		if err := plist.NewDecoder(bytes.NewReader(raw)).Decode(out); err != nil {
			return errors.Wrapf(err, "failed to parse %s response", op)
		}
	}
	return nil
}
