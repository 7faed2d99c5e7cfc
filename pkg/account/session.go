package account

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/99designs/keyring"
	"github.com/apex/log"

	"github.com/nab138/isideload/pkg/store"
)

// Session is the durable outcome of a successful login. It holds everything
// needed to talk to Apple's developer services without the password: the
// account identifier, the IDMS token, the token-decryption key and cookie,
// and the Xcode service token. Values are immutable; renewal produces a new
// Session.
type Session struct {
	ADSID      string `json:"adsid"`
	IdmsToken  string `json:"idms_token"`
	SessionKey []byte `json:"session_key"`
	Cookie     []byte `json:"cookie"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`

	// XcodeToken is the app token for com.apple.gs.xcode.auth, consumed by
	// the developer portal as X-Apple-GS-Token.
	XcodeToken string `json:"xcode_token"`
}

// IdentityToken returns the X-Apple-Identity-Token header value.
func (s *Session) IdentityToken() string {
	return base64.StdEncoding.EncodeToString([]byte(s.ADSID + ":" + s.IdmsToken))
}

func sessionKeyFor(appleID string) string {
	return "session." + store.AppleIDHash(appleID)
}

// SaveSession persists a session snapshot to the credential vault. The vault
// key is derived from the Apple ID hash; the address itself is never stored.
func SaveSession(vault keyring.Keyring, appleID string, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := vault.Set(keyring.Item{
		Key:  sessionKeyFor(appleID),
		Data: data,
	}); err != nil {
		return fmt.Errorf("failed to save session to vault: %v", err)
	}
	return nil
}

// RemoveSession deletes the persisted session, if any.
func RemoveSession(vault keyring.Keyring, appleID string) error {
	err := vault.Remove(sessionKeyFor(appleID))
	if err == keyring.ErrKeyNotFound {
		return nil
	}
	return err
}

// RestoreSession loads a previously saved session and checks it is still
// accepted by the service via the supplied validate callback (typically a
// cheap developer-portal "list teams" call). A missing or rejected snapshot
// returns keyring.ErrKeyNotFound so callers fall back to a fresh login.
func RestoreSession(ctx context.Context, vault keyring.Keyring, appleID string, validate func(context.Context, *Session) error) (*Session, error) {
	item, err := vault.Get(sessionKeyFor(appleID))
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(item.Data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse saved session: %v", err)
	}
	if validate != nil {
		if err := validate(ctx, &s); err != nil {
			log.WithError(err).Debug("saved session rejected, discarding")
			_ = RemoveSession(vault, appleID)
			return nil, keyring.ErrKeyNotFound
		}
	}
	return &s, nil
}
