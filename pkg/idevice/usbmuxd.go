// Package idevice talks to a USB-connected iOS device through usbmuxd: it
// lists attached devices, opens lockdown service connections with session
// SSL from the pair record, uploads files over AFC and drives the
// installation proxy. It is the concrete device provider behind
// sideload.DeviceProvider.
package idevice

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"syscall"

	"howett.net/plist"
	pkgerrors "github.com/pkg/errors"
)

const (
	progName      = "isideload"
	bundleID      = "com.nab138.isideload"
	clientVersion = "isideload-usbmux-1.0.0"

	// DefaultSocket is where usbmuxd listens on macOS and Linux.
	DefaultSocket = "/var/run/usbmuxd"
)

type muxHeader struct {
	Length      uint32
	Version     uint32
	MessageType uint32
	Tag         uint32
}

var muxHeaderSize = uint32(binary.Size(muxHeader{}))

// muxConn is one connection to the usbmuxd daemon. After a successful
// Connect request the connection becomes a raw tunnel to the device port
// and must not carry further mux messages.
type muxConn struct {
	net.Conn
	tag uint32
}

func dialMux(ctx context.Context, socket string) (*muxConn, error) {
	if socket == "" {
		socket = DefaultSocket
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to connect to usbmuxd")
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return &muxConn{Conn: conn}, nil
}

type muxResult int

const (
	muxResultOK muxResult = iota
	muxResultBadCommand
	muxResultBadDevice
	muxResultConnectionRefused
)

// DeviceAttachment describes one device usbmuxd knows about.
type DeviceAttachment struct {
	ConnectionType  string
	DeviceID        int
	SerialNumber    string
	UDID            string
	USBSerialNumber string
}

func (d DeviceAttachment) udid() string {
	if d.UDID != "" {
		return d.UDID
	}
	return d.SerialNumber
}

// PairRecord is the host pairing usbmuxd stores per device. The host
// certificate and key establish session SSL with lockdown.
type PairRecord struct {
	DeviceCertificate []byte
	EscrowBag         []byte
	HostCertificate   []byte
	HostID            string
	HostPrivateKey    []byte
	RootCertificate   []byte
	SystemBUID        string
}

func (c *muxConn) listDevices() ([]DeviceAttachment, error) {
	var resp struct {
		DeviceList []struct {
			DeviceID   int
			Properties DeviceAttachment
		}
	}
	if err := c.request(map[string]any{
		"MessageType":         "ListDevices",
		"ProgName":            progName,
		"ClientVersionString": clientVersion,
	}, &resp); err != nil {
		return nil, err
	}
	devices := make([]DeviceAttachment, 0, len(resp.DeviceList))
	for _, d := range resp.DeviceList {
		d.Properties.DeviceID = d.DeviceID
		devices = append(devices, d.Properties)
	}
	return devices, nil
}

func (c *muxConn) readPairRecord(udid string) (*PairRecord, error) {
	var resp struct {
		PairRecordData []byte
	}
	if err := c.request(map[string]any{
		"MessageType":         "ReadPairRecord",
		"BundleID":            bundleID,
		"ProgName":            progName,
		"ClientVersionString": clientVersion,
		"PairRecordID":        udid,
		"kLibUSBMuxVersion":   uint32(3),
	}, &resp); err != nil {
		return nil, err
	}
	if len(resp.PairRecordData) == 0 {
		return nil, pkgerrors.Errorf("no pair record for %s; trust this computer on the device first", udid)
	}
	var record PairRecord
	if _, err := plist.Unmarshal(resp.PairRecordData, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// connect turns the mux connection into a tunnel to the given device port.
func (c *muxConn) connect(deviceID, port int) error {
	var resp struct {
		Number muxResult
	}
	if err := c.request(map[string]any{
		"MessageType":         "Connect",
		"BundleID":            bundleID,
		"ProgName":            progName,
		"ClientVersionString": clientVersion,
		"kLibUSBMuxVersion":   uint32(3),
		"DeviceID":            uint32(deviceID),
		"PortNumber":          htons(uint16(port)),
	}, &resp); err != nil {
		return err
	}
	if resp.Number == muxResultConnectionRefused {
		return syscall.ECONNREFUSED
	}
	if resp.Number != muxResultOK {
		return pkgerrors.Errorf("usbmuxd connect failed with result %d", resp.Number)
	}
	return nil
}

func (c *muxConn) request(req, resp any) error {
	if err := c.send(req); err != nil {
		return err
	}
	return c.recv(resp)
}

func (c *muxConn) send(msg any) error {
	data, err := plist.Marshal(msg, plist.XMLFormat)
	if err != nil {
		return err
	}
	hdr := muxHeader{
		Length:      uint32(len(data)) + muxHeaderSize,
		Version:     1,
		MessageType: 8, // plist payload
		Tag:         atomic.AddUint32(&c.tag, 1),
	}
	if err := binary.Write(c, binary.LittleEndian, hdr); err != nil {
		return err
	}
	_, err = c.Write(data)
	return err
}

func (c *muxConn) recv(msg any) error {
	var hdr muxHeader
	if err := binary.Read(c, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	data := make([]byte, hdr.Length-muxHeaderSize)
	if _, err := io.ReadFull(c, data); err != nil {
		return err
	}
	_, err := plist.Unmarshal(data, msg)
	return err
}

// usbmuxd wants the TCP port in network byte order.
func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
