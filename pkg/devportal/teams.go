package devportal

import (
	"context"
	"fmt"

	"github.com/apex/log"
)

// Team is one developer team the account belongs to.
type Team struct {
	Name   string `plist:"name"`
	TeamID string `plist:"teamId"`
	Type   string `plist:"type"`
	Status string `plist:"status"`
}

// ListTeams returns the account's developer teams.
func (ds *DeveloperSession) ListTeams(ctx context.Context) ([]Team, error) {
	var resp struct {
		Teams []Team `plist:"teams"`
	}
	if err := ds.sendRequest(ctx, platformAny, "listTeams", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Teams, nil
}

// Team returns the account's developer team. Free accounts have exactly
// one; when the account belongs to several, the first one listed is used.
func (ds *DeveloperSession) Team(ctx context.Context) (*Team, error) {
	teams, err := ds.ListTeams(ctx)
	if err != nil {
		return nil, err
	}
	if len(teams) == 0 {
		return nil, fmt.Errorf("account belongs to no developer teams")
	}
	if len(teams) > 1 {
		log.WithField("team", teams[0].TeamID).Warnf("account has %d teams, using the first", len(teams))
	}
	return &teams[0], nil
}
