// Package bundle inspects iOS app bundles on disk: the Info.plist, nested
// app extensions and frameworks, the Mach-O executables that need signing,
// and the entitlements the app was built with.
package bundle

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-macho"
	"howett.net/plist"
	"github.com/pkg/errors"
)

// Bundle is one .app or .appex directory. Info holds the parsed Info.plist;
// mutations are written back with SaveInfo in the original plist format.
type Bundle struct {
	Path string
	Info map[string]any

	// Extensions are the nested PlugIns/*.appex bundles.
	Extensions []*Bundle

	format int
}

// Load parses the bundle at path, recursing into PlugIns.
func Load(path string) (*Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not an app bundle directory", path)
	}

	raw, err := os.ReadFile(filepath.Join(path, "Info.plist"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read Info.plist in %s", path)
	}

	b := &Bundle{Path: path}
	if b.format, err = plist.Unmarshal(raw, &b.Info); err != nil {
		return nil, errors.Wrapf(err, "failed to parse Info.plist in %s", path)
	}
	if b.ID() == "" {
		return nil, fmt.Errorf("bundle %s has no CFBundleIdentifier", path)
	}

	plugins, err := os.ReadDir(filepath.Join(path, "PlugIns"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, entry := range plugins {
		if !entry.IsDir() || !strings.HasSuffix(entry.Name(), ".appex") {
			continue
		}
		ext, err := Load(filepath.Join(path, "PlugIns", entry.Name()))
		if err != nil {
			return nil, err
		}
		b.Extensions = append(b.Extensions, ext)
	}
	sort.Slice(b.Extensions, func(i, j int) bool {
		return b.Extensions[i].Path < b.Extensions[j].Path
	})

	log.WithFields(log.Fields{
		"id":         b.ID(),
		"extensions": len(b.Extensions),
	}).Debug("loaded app bundle")

	return b, nil
}

// ID returns the CFBundleIdentifier.
func (b *Bundle) ID() string {
	id, _ := b.Info["CFBundleIdentifier"].(string)
	return id
}

// SetID rewrites the CFBundleIdentifier in memory. SaveInfo persists it.
func (b *Bundle) SetID(id string) {
	b.Info["CFBundleIdentifier"] = id
}

// Name returns the bundle display name, falling back through the usual
// Info.plist keys.
func (b *Bundle) Name() string {
	for _, key := range []string{"CFBundleDisplayName", "CFBundleName", "CFBundleExecutable"} {
		if name, _ := b.Info[key].(string); name != "" {
			return name
		}
	}
	return filepath.Base(b.Path)
}

// ExecutablePath returns the path of the bundle's main executable.
func (b *Bundle) ExecutablePath() (string, error) {
	name, _ := b.Info["CFBundleExecutable"].(string)
	if name == "" {
		return "", fmt.Errorf("bundle %s has no CFBundleExecutable", b.Path)
	}
	path := filepath.Join(b.Path, name)
	if _, err := os.Stat(path); err != nil {
		return "", errors.Wrapf(err, "executable missing in %s", b.Path)
	}
	return path, nil
}

// SaveInfo writes the Info.plist back to disk in its original format.
func (b *Bundle) SaveInfo() error {
	raw, err := plist.Marshal(b.Info, b.format)
	if err != nil {
		return errors.Wrapf(err, "failed to encode Info.plist for %s", b.Path)
	}
	return os.WriteFile(filepath.Join(b.Path, "Info.plist"), raw, 0o644)
}

// MachOFiles returns every Mach-O that needs signing, innermost first:
// framework dylibs and executables, extension executables, then the main
// executable last so the outer seal always covers freshly signed content.
func (b *Bundle) MachOFiles() ([]string, error) {
	var files []string

	frameworks := filepath.Join(b.Path, "Frameworks")
	entries, err := os.ReadDir(frameworks)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, entry := range entries {
		path := filepath.Join(frameworks, entry.Name())
		switch {
		case strings.HasSuffix(entry.Name(), ".dylib"):
			files = append(files, path)
		case entry.IsDir() && strings.HasSuffix(entry.Name(), ".framework"):
			exe := filepath.Join(path, strings.TrimSuffix(entry.Name(), ".framework"))
			if isMachO(exe) {
				files = append(files, exe)
			}
		}
	}
	sort.Strings(files)

	for _, ext := range b.Extensions {
		nested, err := ext.MachOFiles()
		if err != nil {
			return nil, err
		}
		files = append(files, nested...)
	}

	main, err := b.ExecutablePath()
	if err != nil {
		return nil, err
	}
	if !isMachO(main) {
		return nil, fmt.Errorf("%s is not a Mach-O executable", main)
	}
	return append(files, main), nil
}

// Entitlements returns the entitlements embedded in the main executable's
// code signature, or an empty map for unsigned binaries.
func (b *Bundle) Entitlements() (map[string]any, error) {
	exe, err := b.ExecutablePath()
	if err != nil {
		return nil, err
	}

	m, err := macho.Open(exe)
	if err != nil {
		fat, ferr := macho.OpenFat(exe)
		if ferr != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", exe)
		}
		defer fat.Close()
		m = fat.Arches[0].File
	} else {
		defer m.Close()
	}

	cs := m.CodeSignature()
	if cs == nil || len(cs.Entitlements) == 0 {
		return map[string]any{}, nil
	}

	var ents map[string]any
	if err := plist.NewDecoder(bytes.NewReader([]byte(cs.Entitlements))).Decode(&ents); err != nil {
		return nil, errors.Wrapf(err, "failed to parse entitlements in %s", exe)
	}
	return ents, nil
}

func isMachO(path string) bool {
	if m, err := macho.Open(path); err == nil {
		m.Close()
		return true
	}
	if f, err := macho.OpenFat(path); err == nil {
		f.Close()
		return true
	}
	return false
}
