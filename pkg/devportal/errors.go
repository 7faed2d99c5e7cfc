package devportal

import (
	"errors"
	"fmt"
)

// Kind classifies portal failures so callers can pick a recovery strategy
// without string matching.
type Kind int

const (
	// KindOther is any service-reported failure without special handling.
	KindOther Kind = iota
	// KindUnauthorized means the session token was rejected or expired.
	KindUnauthorized
	// KindQuotaExceeded means the team hit a resource limit.
	KindQuotaExceeded
	// KindNotFound means the resource does not exist.
	KindNotFound
	// KindTransient means the request may succeed if retried.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindQuotaExceeded:
		return "quota exceeded"
	case KindNotFound:
		return "not found"
	case KindTransient:
		return "transient"
	}
	return "error"
}

// PortalError is a failed developer-services call. ResultCode and Message
// carry the service's own diagnostics verbatim.
type PortalError struct {
	Kind       Kind
	ResultCode int64
	Message    string
}

func (e *PortalError) Error() string {
	if e.ResultCode != 0 {
		return fmt.Sprintf("developer portal: %s: %s (resultCode %d)", e.Kind, e.Message, e.ResultCode)
	}
	return fmt.Sprintf("developer portal: %s: %s", e.Kind, e.Message)
}

// IsKind reports whether err is a PortalError of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *PortalError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind == kind
}

// Service result codes with dedicated handling.
const (
	codeSessionExpired = 1100
	codeAppIDQuota     = 35
	codeCertQuota      = 7460
)

func portalError(resultCode int64, message string) *PortalError {
	kind := KindOther
	switch resultCode {
	case codeSessionExpired:
		kind = KindUnauthorized
	case codeAppIDQuota, codeCertQuota:
		kind = KindQuotaExceeded
	}
	return &PortalError{Kind: kind, ResultCode: resultCode, Message: message}
}
