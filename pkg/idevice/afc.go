package idevice

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"

	pkgerrors "github.com/pkg/errors"
)

const (
	afcServiceName = "com.apple.afc"
	afcMagic       = "CFA6LPAA"
	afcHeaderSize  = 40

	afcOpStatus       = 0x01
	afcOpData         = 0x02
	afcOpMakeDir      = 0x09
	afcOpRemoveAll    = 0x22
	afcOpFileRefOpen  = 0x0d
	afcOpFileRefWrite = 0x10
	afcOpFileRefClose = 0x14

	// open mode: O_WRONLY | O_CREAT | O_TRUNC
	afcOpenWronly = uint64(0x03)

	// one FileRefWrite per chunk keeps packets under the daemon's limits
	afcWriteChunk = 1 << 20
)

var afcStatusErrors = map[uint64]error{
	1:  errors.New("unknown error"),
	2:  errors.New("invalid operation header"),
	3:  errors.New("no resources"),
	4:  errors.New("read error"),
	5:  errors.New("write error"),
	7:  errors.New("invalid argument"),
	8:  errors.New("object not found"),
	9:  errors.New("object is a directory"),
	10: errors.New("permission denied"),
	11: errors.New("service not connected"),
	13: errors.New("too much data"),
	14: io.EOF,
	16: errors.New("object exists"),
	17: errors.New("object busy"),
	18: errors.New("no space left"),
	20: errors.New("io error"),
}

type afcHeader struct {
	Magic        [8]byte
	EntireLength uint64
	ThisLength   uint64
	PacketNum    uint64
	Operation    uint64
}

// afcClient uploads files into the device's media container. Only the
// operations the install pipeline needs are implemented.
type afcClient struct {
	mu        sync.Mutex
	s         *serviceConn
	packetNum uint64
}

func newAFCClient(ctx context.Context, socket, udid string) (*afcClient, error) {
	s, err := connectService(ctx, socket, udid, afcServiceName)
	if err != nil {
		return nil, err
	}
	return &afcClient{s: s}, nil
}

func (c *afcClient) Close() error {
	return c.s.Close()
}

func encodeAFCArgs(args ...any) []byte {
	var out []byte
	for _, arg := range args {
		switch v := arg.(type) {
		case uint64:
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], v)
			out = append(out, b[:]...)
		case string:
			out = append(out, v...)
			out = append(out, 0)
		default:
			panic("unsupported afc argument type")
		}
	}
	return out
}

func (c *afcClient) request(operation uint64, payload []byte, args ...any) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	argData := encodeAFCArgs(args...)
	hdr := afcHeader{
		EntireLength: afcHeaderSize + uint64(len(argData)) + uint64(len(payload)),
		ThisLength:   afcHeaderSize + uint64(len(argData)),
		PacketNum:    atomic.AddUint64(&c.packetNum, 1),
		Operation:    operation,
	}
	copy(hdr.Magic[:], afcMagic)
	if err := binary.Write(c.s.transport(), binary.LittleEndian, hdr); err != nil {
		return nil, err
	}
	if _, err := c.s.transport().Write(argData); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if _, err := c.s.transport().Write(payload); err != nil {
			return nil, err
		}
	}

	var respHdr afcHeader
	if err := binary.Read(c.s.transport(), binary.LittleEndian, &respHdr); err != nil {
		return nil, err
	}
	data := make([]byte, respHdr.EntireLength-afcHeaderSize)
	if _, err := io.ReadFull(c.s.transport(), data); err != nil {
		return nil, err
	}
	if respHdr.Operation == afcOpStatus && len(data) >= 8 {
		code := binary.LittleEndian.Uint64(data)
		if code != 0 {
			if err, ok := afcStatusErrors[code]; ok {
				return nil, err
			}
			return nil, pkgerrors.Errorf("afc error %d", code)
		}
	}
	return data, nil
}

func (c *afcClient) makeDir(dir string) error {
	_, err := c.request(afcOpMakeDir, nil, dir)
	return err
}

// removeAll deletes p and anything under it.
func (c *afcClient) removeAll(p string) error {
	_, err := c.request(afcOpRemoveAll, nil, p)
	return err
}

func (c *afcClient) writeFile(devicePath string, r io.Reader) error {
	data, err := c.request(afcOpFileRefOpen, nil, afcOpenWronly, devicePath)
	if err != nil {
		return err
	}
	if len(data) < 8 {
		return pkgerrors.New("short file open response")
	}
	ref := binary.LittleEndian.Uint64(data)
	defer c.request(afcOpFileRefClose, nil, ref)

	buf := make([]byte, afcWriteChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := c.request(afcOpFileRefWrite, buf[:n], ref); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// uploadDir mirrors the local directory tree onto the device under dst.
// Directories that already exist are fine; files are replaced.
func (c *afcClient) uploadDir(ctx context.Context, dst, src string) error {
	return filepath.Walk(src, func(local string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, local)
		if err != nil {
			return err
		}
		remote := path.Join(dst, filepath.ToSlash(rel))
		if info.IsDir() {
			if err := c.makeDir(remote); err != nil && !errors.Is(err, afcStatusErrors[16]) {
				return err
			}
			return nil
		}
		f, err := os.Open(local)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := c.writeFile(remote, f); err != nil {
			return pkgerrors.Wrapf(err, "failed to upload %s", rel)
		}
		return nil
	})
}
