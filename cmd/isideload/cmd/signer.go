package cmd

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"howett.net/plist"
	pkgerrors "github.com/pkg/errors"

	"github.com/nab138/isideload/pkg/provision"
)

// signerPassword protects the throwaway PKCS#12 handed to the signing tool.
// The container only ever exists inside a private temp directory.
const signerPassword = "isideload"

// execSigner shells out to an external code signing tool. The executable,
// identity and entitlements are staged in a temp directory and the tool is
// expected to rewrite the binary in place.
type execSigner struct {
	command string
}

func newExecSigner(command string) *execSigner {
	return &execSigner{command: command}
}

func (s *execSigner) Sign(ctx context.Context, executable []byte, identity *provision.Identity, entitlements map[string]any) ([]byte, error) {
	if s.command == "" {
		return nil, pkgerrors.New("no signing tool configured; pass one with --signer")
	}

	dir, err := os.MkdirTemp("", "isideload-sign")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	binPath := filepath.Join(dir, "binary")
	if err := os.WriteFile(binPath, executable, 0o755); err != nil {
		return nil, err
	}

	p12, err := identity.P12(signerPassword)
	if err != nil {
		return nil, err
	}
	p12Path := filepath.Join(dir, "identity.p12")
	if err := os.WriteFile(p12Path, p12, 0o600); err != nil {
		return nil, err
	}

	entsPath := filepath.Join(dir, "entitlements.plist")
	if entitlements == nil {
		entitlements = map[string]any{}
	}
	ents, err := plist.Marshal(entitlements, plist.XMLFormat)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(entsPath, ents, 0o644); err != nil {
		return nil, err
	}

	tool := exec.CommandContext(ctx, s.command, binPath, p12Path, entsPath)
	tool.Env = append(os.Environ(), "ISIDELOAD_P12_PASSWORD="+signerPassword)
	if out, err := tool.CombinedOutput(); err != nil {
		return nil, pkgerrors.Wrapf(err, "signing tool failed: %s", string(out))
	}
	return os.ReadFile(binPath)
}
