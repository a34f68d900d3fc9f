package config

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/net/publicsuffix"

	"github.com/remiblancher/cmp-ra/pkg/cmp"
)

var oidExtSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

// DomainInventory grants certificate requests whose DNS names all fall
// under one of AllowedDomains. An empty AllowedDomains allows any domain.
// With DenyPublicSuffix, names that are themselves public suffixes
// (such as "co.uk" or "*.com") are refused. Revocations are always granted.
type DomainInventory struct {
	AllowedDomains   []string
	DenyPublicSuffix bool
}

var logger = zap.L().With(zap.String("package", "config"))

func (d *DomainInventory) CheckAndModifyCertRequest(_ context.Context, req CertRequest) InventoryDecision {
	names, err := templateDNSNames(req.Template)
	if err != nil {
		logger.Debug("inventory: unreadable template", zap.Error(err))
		return InventoryDecision{}
	}
	return InventoryDecision{Granted: d.checkNames(names)}
}

func (d *DomainInventory) CheckP10CertRequest(_ context.Context, req P10Request) bool {
	csr, err := x509.ParseCertificateRequest(req.CSR)
	if err != nil {
		logger.Debug("inventory: unreadable CSR", zap.Error(err))
		return false
	}
	return d.checkNames(csr.DNSNames)
}

func (d *DomainInventory) CheckRevocationRequest(context.Context, RevocationRequest) bool {
	return true
}

func (d *DomainInventory) LearnEnrollmentResult(context.Context, []byte, []byte, string, string, string) bool {
	return true
}

func (d *DomainInventory) checkNames(names []string) bool {
	for _, n := range names {
		if err := d.CheckDomain(n); err != nil {
			logger.Info("inventory: name refused", zap.String("name", n), zap.Error(err))
			return false
		}
	}
	return true
}

// CheckDomain validates a single DNS name.
func (d *DomainInventory) CheckDomain(name string) error {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	base := strings.TrimPrefix(name, "*.")
	if base == "" {
		return fmt.Errorf("empty DNS name")
	}

	if d.DenyPublicSuffix {
		if suffix, icann := publicsuffix.PublicSuffix(base); icann && suffix == base {
			return fmt.Errorf("%q is a public suffix", name)
		}
	}
	if len(d.AllowedDomains) == 0 {
		return nil
	}
	for _, allowed := range d.AllowedDomains {
		allowed = strings.TrimSuffix(strings.ToLower(allowed), ".")
		if base == allowed || strings.HasSuffix(base, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("%q is not under an allowed domain", name)
}

// templateDNSNames returns the dNSName entries of the subjectAltName
// extension requested in a DER CertTemplate.
func templateDNSNames(der []byte) ([]string, error) {
	tmpl, err := cmp.ParseCertTemplate(der)
	if err != nil {
		return nil, err
	}
	exts, err := tmpl.Extensions()
	if err != nil {
		return nil, err
	}
	for _, ext := range exts {
		if ext.Id.Equal(oidExtSubjectAltName) {
			return parseDNSNames(ext.Value)
		}
	}
	return nil, nil
}

func parseDNSNames(der []byte) ([]string, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("invalid subjectAltName")
	}
	var names []string
	for !seq.Empty() {
		var value cryptobyte.String
		var tag cbasn1.Tag
		if !seq.ReadAnyASN1(&value, &tag) {
			return nil, fmt.Errorf("invalid GeneralName in subjectAltName")
		}
		if tag == cbasn1.Tag(2).ContextSpecific() {
			names = append(names, string(value))
		}
	}
	return names, nil
}
