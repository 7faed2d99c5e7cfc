package devportal

import (
	"context"
	"time"

	"github.com/apex/log"
)

// AppID is a registered application identifier.
type AppID struct {
	AppIDID        string         `plist:"appIdId"`
	Identifier     string         `plist:"identifier"`
	Name           string         `plist:"name"`
	Features       map[string]any `plist:"features"`
	ExpirationDate time.Time      `plist:"expirationDate"`
}

// Feature keys accepted by updateAppId.
const (
	FeatureAppGroups = "APG3427HIY" // application groups capability
)

// ListAppIDs returns the team's registered app IDs.
func (ds *DeveloperSession) ListAppIDs(ctx context.Context, teamID string) ([]AppID, error) {
	var resp struct {
		AppIDs []AppID `plist:"appIds"`
	}
	if err := ds.sendRequest(ctx, platformIOS, "listAppIds", map[string]any{
		"teamId": teamID,
	}, &resp); err != nil {
		return nil, err
	}
	return resp.AppIDs, nil
}

// AddAppID registers a new app ID.
func (ds *DeveloperSession) AddAppID(ctx context.Context, teamID, name, identifier string) (*AppID, error) {
	var resp struct {
		AppID AppID `plist:"appId"`
	}
	if err := ds.sendRequest(ctx, platformIOS, "addAppId", map[string]any{
		"teamId":     teamID,
		"identifier": identifier,
		"name":       name,
	}, &resp); err != nil {
		return nil, err
	}
	return &resp.AppID, nil
}

// UpdateAppID enables the given features on an existing app ID.
func (ds *DeveloperSession) UpdateAppID(ctx context.Context, teamID string, appID *AppID, features map[string]any) (*AppID, error) {
	body := map[string]any{
		"teamId":  teamID,
		"appIdId": appID.AppIDID,
	}
	for k, v := range features {
		body[k] = v
	}
	var resp struct {
		AppID AppID `plist:"appId"`
	}
	if err := ds.sendRequest(ctx, platformIOS, "updateAppId", body, &resp); err != nil {
		return nil, err
	}
	return &resp.AppID, nil
}

// DeleteAppID removes an app ID registration.
func (ds *DeveloperSession) DeleteAppID(ctx context.Context, teamID string, appID *AppID) error {
	return ds.sendRequest(ctx, platformIOS, "deleteAppId", map[string]any{
		"teamId":  teamID,
		"appIdId": appID.AppIDID,
	}, nil)
}

// EnsureAppID resolves an app ID for the identifier, registering it when
// missing and enabling any requested features it lacks. Capabilities are
// only ever added; features already on the registration are kept.
func (ds *DeveloperSession) EnsureAppID(ctx context.Context, teamID, name, identifier string, features map[string]any) (*AppID, error) {
	appIDs, err := ds.ListAppIDs(ctx, teamID)
	if err != nil {
		return nil, err
	}

	var appID *AppID
	for i := range appIDs {
		if appIDs[i].Identifier == identifier {
			appID = &appIDs[i]
			break
		}
	}
	if appID == nil {
		log.WithField("identifier", identifier).Info("registering app ID")
		appID, err = ds.AddAppID(ctx, teamID, name, identifier)
		if err != nil {
			return nil, err
		}
	}

	missing := make(map[string]any)
	for k, v := range features {
		if enabled, ok := appID.Features[k].(bool); !ok || !enabled {
			missing[k] = v
		}
	}
	if len(missing) == 0 {
		return appID, nil
	}
	log.WithField("identifier", identifier).Info("enabling app ID features")
	return ds.UpdateAppID(ctx, teamID, appID, missing)
}
