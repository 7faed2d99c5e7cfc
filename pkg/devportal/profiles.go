package devportal

import (
	"context"
	"time"
)

// Profile is an issued provisioning profile. EncodedProfile is the raw
// CMS-wrapped mobileprovision payload.
type Profile struct {
	EncodedProfile        []byte    `plist:"encodedProfile"`
	Filename              string    `plist:"filename"`
	ProvisioningProfileID string    `plist:"provisioningProfileId"`
	Name                  string    `plist:"name"`
	Status                string    `plist:"status"`
	UUID                  string    `plist:"UUID"`
	ExpirationDate        time.Time `plist:"dateExpire"`
	AppIDID               string    `plist:"appIdId"`
	IsFreeProfile         bool      `plist:"isFreeProvisioningProfile"`
}

// ListProvisioningProfiles returns the team's provisioning profiles. The
// listing carries metadata only; DownloadTeamProvisioningProfile fetches
// the signed payload.
func (ds *DeveloperSession) ListProvisioningProfiles(ctx context.Context, teamID string) ([]Profile, error) {
	var resp struct {
		Profiles []Profile `plist:"provisioningProfiles"`
	}
	if err := ds.sendRequest(ctx, platformIOS, "listProvisioningProfiles", map[string]any{
		"teamId": teamID,
	}, &resp); err != nil {
		return nil, err
	}
	return resp.Profiles, nil
}

// DownloadTeamProvisioningProfile issues (or reissues) the team profile for
// an app ID. The portal regenerates the profile to cover the team's current
// device and certificate sets, so this is also the refresh operation.
func (ds *DeveloperSession) DownloadTeamProvisioningProfile(ctx context.Context, teamID string, appID *AppID) (*Profile, error) {
	var resp struct {
		Profile Profile `plist:"provisioningProfile"`
	}
	if err := ds.sendRequest(ctx, platformIOS, "downloadTeamProvisioningProfile", map[string]any{
		"teamId":  teamID,
		"appIdId": appID.AppIDID,
	}, &resp); err != nil {
		return nil, err
	}
	return &resp.Profile, nil
}
