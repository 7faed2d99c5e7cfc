package sideload

import "fmt"

// SigningErrorKind classifies signing failures.
type SigningErrorKind int

const (
	SigningOther SigningErrorKind = iota
	// SigningUnsupportedBinary means the file is not something the signer
	// can process.
	SigningUnsupportedBinary
	// SigningIdentityMismatch means the certificate and private key do not
	// belong together.
	SigningIdentityMismatch
)

// SigningError is a failure to sign one executable.
type SigningError struct {
	Path string
	Kind SigningErrorKind
	Err  error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("failed to sign %s: %v", e.Path, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// InstallErrorKind classifies install failures.
type InstallErrorKind int

const (
	InstallOther InstallErrorKind = iota
	// InstallDeviceUnreachable means the device dropped off or never
	// answered.
	InstallDeviceUnreachable
	// InstallRejected means the device refused the bundle, typically a
	// profile or signature problem.
	InstallRejected
)

// InstallError is a failure to install the signed bundle on a device.
type InstallError struct {
	UDID string
	Kind InstallErrorKind
	Err  error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("failed to install on %s: %v", e.UDID, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }
