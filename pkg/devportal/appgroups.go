package devportal

import (
	"context"

	"github.com/apex/log"
)

// ApplicationGroup is a registered app group.
type ApplicationGroup struct {
	Name       string `plist:"name"`
	Identifier string `plist:"identifier"`
	GroupID    string `plist:"applicationGroup"`
}

// ListApplicationGroups returns the team's app groups.
func (ds *DeveloperSession) ListApplicationGroups(ctx context.Context, teamID string) ([]ApplicationGroup, error) {
	var resp struct {
		Groups []ApplicationGroup `plist:"applicationGroupList"`
	}
	if err := ds.sendRequest(ctx, platformIOS, "listApplicationGroups", map[string]any{
		"teamId": teamID,
	}, &resp); err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

// AddApplicationGroup registers a new app group.
func (ds *DeveloperSession) AddApplicationGroup(ctx context.Context, teamID, name, identifier string) (*ApplicationGroup, error) {
	var resp struct {
		Group ApplicationGroup `plist:"applicationGroup"`
	}
	if err := ds.sendRequest(ctx, platformIOS, "addApplicationGroup", map[string]any{
		"teamId":     teamID,
		"name":       name,
		"identifier": identifier,
	}, &resp); err != nil {
		return nil, err
	}
	return &resp.Group, nil
}

// AssignApplicationGroup attaches an app group to an app ID.
func (ds *DeveloperSession) AssignApplicationGroup(ctx context.Context, teamID string, group *ApplicationGroup, appID *AppID) error {
	return ds.sendRequest(ctx, platformIOS, "assignApplicationGroupToAppId", map[string]any{
		"teamId":            teamID,
		"applicationGroups": group.GroupID,
		"appIdId":           appID.AppIDID,
	}, nil)
}

// EnsureApplicationGroup resolves an app group by identifier, registering it
// when missing.
func (ds *DeveloperSession) EnsureApplicationGroup(ctx context.Context, teamID, name, identifier string) (*ApplicationGroup, error) {
	groups, err := ds.ListApplicationGroups(ctx, teamID)
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if groups[i].Identifier == identifier {
			return &groups[i], nil
		}
	}
	log.WithField("identifier", identifier).Info("registering app group")
	return ds.AddApplicationGroup(ctx, teamID, name, identifier)
}
