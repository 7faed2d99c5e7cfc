package idevice

import (
	"context"
	"path"
	"path/filepath"

	"github.com/apex/log"
	pkgerrors "github.com/pkg/errors"

	"github.com/nab138/isideload/pkg/sideload"
)

const (
	installProxyService = "com.apple.mobile.installation_proxy"
	stagingDir          = "PublicStaging"
)

// Provider installs bundles on USB-connected devices through usbmuxd. The
// zero value uses the default usbmuxd socket.
type Provider struct {
	// Socket overrides the usbmuxd socket path.
	Socket string
	// Progress, when set, receives install progress updates.
	Progress func(status string, percent int)
}

var _ sideload.DeviceProvider = (*Provider)(nil)

// ListDevices returns the USB-connected devices, with their lockdown
// device names where a pairing exists.
func (p *Provider) ListDevices(ctx context.Context) ([]sideload.Device, error) {
	mux, err := dialMux(ctx, p.Socket)
	if err != nil {
		return nil, err
	}
	defer mux.Close()

	attached, err := mux.listDevices()
	if err != nil {
		return nil, err
	}

	var devices []sideload.Device
	for _, d := range attached {
		if d.ConnectionType != "" && d.ConnectionType != "USB" {
			continue
		}
		dev := sideload.Device{UDID: d.udid()}
		if name, err := deviceName(ctx, p.Socket, dev.UDID); err == nil {
			dev.Name = name
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// InstallBundle uploads the app directory to the device's staging area over
// AFC and asks the installation proxy to install it.
func (p *Provider) InstallBundle(ctx context.Context, udid, bundlePath string) error {
	afc, err := newAFCClient(ctx, p.Socket, udid)
	if err != nil {
		return &sideload.InstallError{UDID: udid, Kind: sideload.InstallDeviceUnreachable, Err: err}
	}
	defer afc.Close()

	target := path.Join(stagingDir, filepath.Base(bundlePath))
	log.WithField("target", target).Debug("uploading bundle")
	if err := afc.makeDir(stagingDir); err != nil && !pkgerrors.Is(err, afcStatusErrors[16]) {
		return &sideload.InstallError{UDID: udid, Kind: sideload.InstallDeviceUnreachable, Err: err}
	}
	// drop leftovers from an interrupted upload
	afc.removeAll(target)
	if err := afc.uploadDir(ctx, target, bundlePath); err != nil {
		return &sideload.InstallError{UDID: udid, Kind: sideload.InstallDeviceUnreachable, Err: err}
	}

	proxy, err := connectService(ctx, p.Socket, udid, installProxyService)
	if err != nil {
		return &sideload.InstallError{UDID: udid, Kind: sideload.InstallDeviceUnreachable, Err: err}
	}
	defer proxy.Close()

	if err := proxy.send(map[string]any{
		"Command":     "Install",
		"PackagePath": target,
		"ClientOptions": map[string]any{
			"PackageType": "Developer",
		},
	}); err != nil {
		return &sideload.InstallError{UDID: udid, Kind: sideload.InstallDeviceUnreachable, Err: err}
	}

	if err := p.watchInstall(ctx, proxy); err != nil {
		var ierr *sideload.InstallError
		if pkgerrors.As(err, &ierr) {
			ierr.UDID = udid
			return err
		}
		return &sideload.InstallError{UDID: udid, Kind: sideload.InstallDeviceUnreachable, Err: err}
	}
	return nil
}

// watchInstall consumes progress events until the proxy reports completion
// or an error.
func (p *Provider) watchInstall(ctx context.Context, proxy *serviceConn) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var ev struct {
			Status           string `plist:"Status"`
			PercentComplete  int    `plist:"PercentComplete"`
			Error            string `plist:"Error"`
			ErrorDescription string `plist:"ErrorDescription"`
		}
		if err := proxy.recv(&ev); err != nil {
			return err
		}
		if ev.Error != "" {
			msg := ev.Error
			if ev.ErrorDescription != "" {
				msg += ": " + ev.ErrorDescription
			}
			return &sideload.InstallError{Kind: sideload.InstallRejected, Err: pkgerrors.New(msg)}
		}
		if ev.Status == "" {
			continue
		}
		if p.Progress != nil {
			p.Progress(ev.Status, ev.PercentComplete)
		}
		log.WithFields(log.Fields{"status": ev.Status, "percent": ev.PercentComplete}).Debug("install progress")
		if ev.Status == "Complete" {
			return nil
		}
	}
}
