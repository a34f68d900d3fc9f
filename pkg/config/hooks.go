package config

import (
	"context"
	"math/big"

	"github.com/remiblancher/cmp-ra/pkg/cmp"
)

// InventoryDecision is the result of checking a CRMF certificate request.
type InventoryDecision struct {
	Granted bool
	// UpdatedTemplate, if set, is the DER CertTemplate to forward instead
	// of the requested one.
	UpdatedTemplate []byte
}

// CertRequest describes an ir, cr or kur request entry for the inventory.
type CertRequest struct {
	TransactionID []byte
	// RequesterDN is the subject of the protecting certificate, or the
	// header sender for MAC protection.
	RequesterDN string
	// Template is the DER CertTemplate.
	Template           []byte
	RequestedSubjectDN string
	// Message is the DER PKIMessage as received.
	Message []byte
}

// P10Request describes a p10cr request for the inventory.
type P10Request struct {
	TransactionID      []byte
	RequesterDN        string
	CSR                []byte
	RequestedSubjectDN string
	Message            []byte
}

// RevocationRequest describes an rr entry for the inventory.
type RevocationRequest struct {
	TransactionID []byte
	RequesterDN   string
	IssuerDN      string
	SerialNumber  *big.Int
	Message       []byte
}

// Inventory is an external policy store consulted before requests are
// forwarded and after certificates are issued.
type Inventory interface {
	CheckAndModifyCertRequest(ctx context.Context, req CertRequest) InventoryDecision
	CheckP10CertRequest(ctx context.Context, req P10Request) bool
	CheckRevocationRequest(ctx context.Context, req RevocationRequest) bool
	// LearnEnrollmentResult records an issued certificate. Returning false
	// rejects the enrollment.
	LearnEnrollmentResult(ctx context.Context, transactionID, cert []byte, serial, subjectDN, issuerDN string) bool
}

// GrantAll is an Inventory that grants every request unmodified.
type GrantAll struct{}

func (GrantAll) CheckAndModifyCertRequest(context.Context, CertRequest) InventoryDecision {
	return InventoryDecision{Granted: true}
}

func (GrantAll) CheckP10CertRequest(context.Context, P10Request) bool { return true }

func (GrantAll) CheckRevocationRequest(context.Context, RevocationRequest) bool { return true }

func (GrantAll) LearnEnrollmentResult(context.Context, []byte, []byte, string, string, string) bool {
	return true
}

// SupportMessageHandler answers one genm info type locally.
type SupportMessageHandler interface {
	HandleSupportMessage(ctx context.Context, req cmp.InfoTypeAndValue) (cmp.InfoTypeAndValue, error)
}

// SupportMessageFunc adapts a function to SupportMessageHandler.
type SupportMessageFunc func(ctx context.Context, req cmp.InfoTypeAndValue) (cmp.InfoTypeAndValue, error)

func (f SupportMessageFunc) HandleSupportMessage(ctx context.Context, req cmp.InfoTypeAndValue) (cmp.InfoTypeAndValue, error) {
	return f(ctx, req)
}
