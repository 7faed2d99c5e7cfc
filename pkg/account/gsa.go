package account

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/apex/log"
	"howett.net/plist"
	"github.com/pkg/errors"
)

const (
	gsaPath      = "/grandslam/GsService2"
	gsaUserAgent = "akd/1.0 CFNetwork/978.0.7 Darwin/18.7.0"
)

// postGSA sends one request body through the GrandSlam plist envelope and
// returns the inner Response dictionary with its status already checked.
func (a *Account) postGSA(ctx context.Context, request map[string]any) (map[string]any, error) {
	envelope := map[string]any{
		"Header":  map[string]any{"Version": "1.0.1"},
		"Request": request,
	}

	buf := new(bytes.Buffer)
	if err := plist.NewEncoderForFormat(buf, plist.XMLFormat).Encode(envelope); err != nil {
		return nil, errors.Wrap(err, "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+gsaPath, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/x-xml-plist")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", gsaUserAgent)

	ani, err := a.anisette.Fetch(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch anisette data")
	}
	req.Header.Set("X-MMe-Client-Info", ani.ClientInfo)

	log.WithField("operation", request["o"]).Debug("calling authentication service")

	resp, err := a.hc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to call authentication service")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authentication service returned %s", resp.Status)
	}

	var outer map[string]any
	if err := plist.NewDecoder(bytes.NewReader(body)).Decode(&outer); err != nil {
		return nil, errors.Wrap(err, "failed to parse response")
	}
	response, ok := outer["Response"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("response is missing its Response dictionary")
	}
	if err := checkStatus(response); err != nil {
		return nil, err
	}
	return response, nil
}

// checkStatus inspects a GrandSlam status dictionary, which may wrap its
// fields in a nested Status entry.
func checkStatus(dict map[string]any) error {
	status := dict
	if nested, ok := dict["Status"].(map[string]any); ok {
		status = nested
	}
	ec := plistInt(status["ec"])
	if ec == 0 {
		return nil
	}
	em, _ := status["em"].(string)
	return gsaError(ec, em)
}

// plistInt normalizes the integer types the plist decoder can produce.
func plistInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func plistData(v any) []byte {
	switch d := v.(type) {
	case []byte:
		return d
	case string:
		return []byte(d)
	}
	return nil
}
