package devportal

import (
	"context"
	"strings"

	"github.com/apex/log"
)

// Device is a registered development device.
type Device struct {
	Name         string `plist:"name"`
	DeviceID     string `plist:"deviceId"`
	DeviceNumber string `plist:"deviceNumber"`
	Status       string `plist:"status"`
}

// ListDevices returns the team's registered iOS devices.
func (ds *DeveloperSession) ListDevices(ctx context.Context, teamID string) ([]Device, error) {
	var resp struct {
		Devices []Device `plist:"devices"`
	}
	if err := ds.sendRequest(ctx, platformIOS, "listDevices", map[string]any{
		"teamId": teamID,
	}, &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// AddDevice registers a device by UDID.
func (ds *DeveloperSession) AddDevice(ctx context.Context, teamID, name, udid string) (*Device, error) {
	var resp struct {
		Device Device `plist:"device"`
	}
	if err := ds.sendRequest(ctx, platformIOS, "addDevice", map[string]any{
		"teamId":       teamID,
		"name":         name,
		"deviceNumber": udid,
	}, &resp); err != nil {
		return nil, err
	}
	return &resp.Device, nil
}

// EnsureDevice registers the device unless its UDID is already on the team.
// Registering the same UDID twice is a portal error, so always resolve
// through the listing first.
func (ds *DeveloperSession) EnsureDevice(ctx context.Context, teamID, name, udid string) (*Device, error) {
	devices, err := ds.ListDevices(ctx, teamID)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if strings.EqualFold(devices[i].DeviceNumber, udid) {
			return &devices[i], nil
		}
	}
	log.WithField("udid", udid).Info("registering device")
	return ds.AddDevice(ctx, teamID, name, udid)
}
