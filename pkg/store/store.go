// Package store persists the reusable sideloading artifacts between runs:
// signing certificates and keys, provisioning profiles, and the last
// anisette snapshot. Everything lives in a directory tree keyed by team and
// machine name; session material goes to the keyring vault instead.
package store

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/nab138/isideload/pkg/anisette"
)

const (
	certFile     = "cert.der"
	keyFile      = "key.der"
	profileFile  = "profile.mobileprovision"
	anisetteFile = "anisette.json"
)

// Store is a filesystem artifact store. All operations are safe for
// concurrent use; operations on different keys never block each other.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a store rooted at dir. The directory is created lazily on
// first write.
func New(dir string) *Store {
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}
}

// Dir returns the store root.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) machineDir(teamID, machineName string) string {
	return filepath.Join(s.dir, teamID, machineName)
}

// AppleIDHash returns the directory key for per-account artifacts. The raw
// Apple ID never appears on disk.
func AppleIDHash(appleID string) string {
	sum := sha256.Sum256([]byte(appleID))
	return hex.EncodeToString(sum[:8])
}

// Certificate returns the cached certificate DER for the given team and
// machine name, or fs.ErrNotExist if none was saved.
func (s *Store) Certificate(teamID, machineName string) ([]byte, error) {
	l := s.keyLock(teamID + "/" + machineName)
	l.Lock()
	defer l.Unlock()
	return os.ReadFile(filepath.Join(s.machineDir(teamID, machineName), certFile))
}

// SaveCertificate caches the certificate DER for the given team and machine
// name, replacing any previous one.
func (s *Store) SaveCertificate(teamID, machineName string, der []byte) error {
	l := s.keyLock(teamID + "/" + machineName)
	l.Lock()
	defer l.Unlock()
	return s.writeFile(filepath.Join(s.machineDir(teamID, machineName), certFile), der)
}

// PrivateKey returns the cached RSA key for the given Apple ID hash.
func (s *Store) PrivateKey(appleIDHash string) (*rsa.PrivateKey, error) {
	l := s.keyLock(appleIDHash)
	l.Lock()
	defer l.Unlock()
	der, err := os.ReadFile(filepath.Join(s.dir, appleIDHash, keyFile))
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse cached private key")
	}
	return key, nil
}

// SavePrivateKey caches the RSA key for the given Apple ID hash.
func (s *Store) SavePrivateKey(appleIDHash string, key *rsa.PrivateKey) error {
	l := s.keyLock(appleIDHash)
	l.Lock()
	defer l.Unlock()
	return s.writeFile(filepath.Join(s.dir, appleIDHash, keyFile), x509.MarshalPKCS1PrivateKey(key))
}

// Profile returns the cached provisioning profile bytes.
func (s *Store) Profile(teamID, machineName string) ([]byte, error) {
	l := s.keyLock(teamID + "/" + machineName)
	l.Lock()
	defer l.Unlock()
	return os.ReadFile(filepath.Join(s.machineDir(teamID, machineName), profileFile))
}

// SaveProfile caches the provisioning profile bytes.
func (s *Store) SaveProfile(teamID, machineName string, data []byte) error {
	l := s.keyLock(teamID + "/" + machineName)
	l.Lock()
	defer l.Unlock()
	return s.writeFile(filepath.Join(s.machineDir(teamID, machineName), profileFile), data)
}

// Anisette returns the cached anisette snapshot for the machine name.
func (s *Store) Anisette(machineName string) (*anisette.Data, error) {
	l := s.keyLock("anisette/" + machineName)
	l.Lock()
	defer l.Unlock()
	raw, err := os.ReadFile(filepath.Join(s.dir, "anisette", machineName, anisetteFile))
	if err != nil {
		return nil, err
	}
	var data anisette.Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Wrap(err, "failed to parse cached anisette data")
	}
	return &data, nil
}

// SaveAnisette caches the anisette snapshot for the machine name.
func (s *Store) SaveAnisette(machineName string, data *anisette.Data) error {
	l := s.keyLock("anisette/" + machineName)
	l.Lock()
	defer l.Unlock()
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.writeFile(filepath.Join(s.dir, "anisette", machineName, anisetteFile), raw)
}

// writeFile writes atomically via a temp file in the target directory so a
// crash never leaves a half-written artifact behind.
func (s *Store) writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create store directory: %v", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	log.WithField("path", path).Debug("saved artifact")
	return nil
}
