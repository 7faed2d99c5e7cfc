package devportal

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Certificate is a development signing certificate registration. CertContent
// is only populated by some portal responses; absent content means the
// certificate must be matched by machine name or serial instead.
type Certificate struct {
	Name           string    `plist:"name"`
	CertificateID  string    `plist:"certificateId"`
	SerialNumber   string    `plist:"serialNumber"`
	MachineID      string    `plist:"machineId"`
	MachineName    string    `plist:"machineName"`
	CertContent    []byte    `plist:"certContent"`
	Status         string    `plist:"status"`
	ExpirationDate time.Time `plist:"expirationDate"`
}

// ListDevelopmentCerts returns the team's development certificates.
func (ds *DeveloperSession) ListDevelopmentCerts(ctx context.Context, teamID string) ([]Certificate, error) {
	var resp struct {
		Certificates []Certificate `plist:"certificates"`
	}
	if err := ds.sendRequest(ctx, platformIOS, "listAllDevelopmentCerts", map[string]any{
		"teamId": teamID,
	}, &resp); err != nil {
		return nil, err
	}
	return resp.Certificates, nil
}

// SubmitDevelopmentCSR submits a PEM certificate request and returns the
// request id. The issued certificate appears in ListDevelopmentCerts once
// processed, which in practice is immediate.
func (ds *DeveloperSession) SubmitDevelopmentCSR(ctx context.Context, teamID, csrPEM, machineName string) (string, error) {
	var resp struct {
		CertRequest struct {
			CertRequestID string `plist:"certRequestId"`
		} `plist:"certRequest"`
	}
	if err := ds.sendRequest(ctx, platformIOS, "submitDevelopmentCSR", map[string]any{
		"teamId":      teamID,
		"csrContent":  csrPEM,
		"machineName": machineName,
		"machineId":   strings.ToUpper(uuid.New().String()),
	}, &resp); err != nil {
		return "", err
	}
	return resp.CertRequest.CertRequestID, nil
}

// RevokeDevelopmentCert revokes a certificate by serial number.
func (ds *DeveloperSession) RevokeDevelopmentCert(ctx context.Context, teamID, serialNumber string) error {
	return ds.sendRequest(ctx, platformIOS, "revokeDevelopmentCert", map[string]any{
		"teamId":       teamID,
		"serialNumber": serialNumber,
	}, nil)
}
