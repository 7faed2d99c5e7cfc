package idevice

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"

	"howett.net/plist"
	pkgerrors "github.com/pkg/errors"
)

const lockdownPort = 62078

// serviceConn is a plist-over-TCP connection to a device service, tunneled
// through usbmuxd. Messages are XML plists with a big-endian length prefix.
// Lockdown may upgrade the connection to session SSL using the pair record.
type serviceConn struct {
	conn net.Conn
	tls  *tls.Conn
	pair *PairRecord
	udid string
}

// dialService opens a tunnel to the given port on the device. The mux
// connection is consumed by the tunnel.
func dialService(ctx context.Context, socket, udid string, port int) (*serviceConn, error) {
	mux, err := dialMux(ctx, socket)
	if err != nil {
		return nil, err
	}

	pair, err := mux.readPairRecord(udid)
	if err != nil {
		mux.Close()
		return nil, err
	}

	devices, err := mux.listDevices()
	if err != nil {
		mux.Close()
		return nil, err
	}
	deviceID := -1
	for _, d := range devices {
		if d.udid() == udid {
			deviceID = d.DeviceID
			break
		}
	}
	if deviceID < 0 {
		mux.Close()
		return nil, pkgerrors.Errorf("device %s is not connected", udid)
	}

	if err := mux.connect(deviceID, port); err != nil {
		mux.Close()
		return nil, err
	}
	return &serviceConn{conn: mux, pair: pair, udid: udid}, nil
}

func (s *serviceConn) enableSSL() error {
	cert, err := tls.X509KeyPair(s.pair.HostCertificate, s.pair.HostPrivateKey)
	if err != nil {
		return err
	}
	s.tls = tls.Client(s.conn, &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, // lockdown uses the pairing, not a CA chain
	})
	return s.tls.Handshake()
}

func (s *serviceConn) transport() net.Conn {
	if s.tls != nil {
		return s.tls
	}
	return s.conn
}

func (s *serviceConn) request(req, resp any) error {
	if err := s.send(req); err != nil {
		return err
	}
	return s.recv(resp)
}

func (s *serviceConn) send(req any) error {
	data, err := plist.Marshal(req, plist.XMLFormat)
	if err != nil {
		return err
	}
	if err := binary.Write(s.transport(), binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err = s.transport().Write(data)
	return err
}

func (s *serviceConn) recv(resp any) error {
	var size uint32
	if err := binary.Read(s.transport(), binary.BigEndian, &size); err != nil {
		return err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(s.transport(), data); err != nil {
		return err
	}
	_, err := plist.Unmarshal(data, resp)
	return err
}

func (s *serviceConn) Close() error {
	return s.transport().Close()
}

// startLockdown opens the lockdown service and starts an authenticated
// session, upgrading to SSL when the device asks for it.
func startLockdown(ctx context.Context, socket, udid string) (*serviceConn, error) {
	s, err := dialService(ctx, socket, udid, lockdownPort)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Request          string
		Error            string
		EnableSessionSSL bool
		SessionID        string
	}
	if err := s.request(map[string]any{
		"Label":           bundleID,
		"ProtocolVersion": "2",
		"Request":         "StartSession",
		"HostID":          s.pair.HostID,
		"SystemBUID":      s.pair.SystemBUID,
	}, &resp); err != nil {
		s.Close()
		return nil, err
	}
	if resp.Error != "" {
		s.Close()
		return nil, pkgerrors.Errorf("lockdown refused the session: %s", resp.Error)
	}
	if resp.EnableSessionSSL {
		if err := s.enableSSL(); err != nil {
			s.Close()
			return nil, pkgerrors.Wrap(err, "failed to enable session SSL")
		}
	}
	return s, nil
}

// deviceName asks lockdown for the user-visible device name.
func deviceName(ctx context.Context, socket, udid string) (string, error) {
	ld, err := startLockdown(ctx, socket, udid)
	if err != nil {
		return "", err
	}
	defer ld.Close()

	var resp struct {
		Value string
		Error string
	}
	if err := ld.request(map[string]any{
		"Label":   bundleID,
		"Request": "GetValue",
		"Key":     "DeviceName",
	}, &resp); err != nil {
		return "", err
	}
	return resp.Value, nil
}

// connectService asks lockdown to start a service and opens a fresh tunnel
// to the port it hands back.
func connectService(ctx context.Context, socket, udid, name string) (*serviceConn, error) {
	ld, err := startLockdown(ctx, socket, udid)
	if err != nil {
		return nil, err
	}
	defer ld.Close()

	var resp struct {
		Request          string
		Error            string
		Service          string
		Port             int
		EnableServiceSSL bool
	}
	if err := ld.request(map[string]any{
		"Label":   bundleID,
		"Request": "StartService",
		"Service": name,
	}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, pkgerrors.Errorf("failed to start %s: %s", name, resp.Error)
	}

	svc, err := dialService(ctx, socket, udid, resp.Port)
	if err != nil {
		return nil, err
	}
	if resp.EnableServiceSSL {
		if err := svc.enableSSL(); err != nil {
			svc.Close()
			return nil, pkgerrors.Wrapf(err, "failed to enable SSL for %s", name)
		}
	}
	return svc, nil
}
