package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	pkicrypto "github.com/remiblancher/cmp-ra/internal/crypto"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
)

// staticYAML is the YAML representation of a Static configuration.
type staticYAML struct {
	DefaultProfile    string                 `yaml:"default_profile"`
	RetryAfter        int                    `yaml:"retry_after"`
	TransactionExpiry string                 `yaml:"transaction_expiry"` // Duration string like "1h"
	RedactErrors      bool                   `yaml:"redact_errors"`
	HSM               *pkicrypto.HSMConfig   `yaml:"hsm,omitempty"`
	Downstream        *policyYAML            `yaml:"downstream,omitempty"`
	Upstream          *policyYAML            `yaml:"upstream,omitempty"`
	Profiles          map[string]profileYAML `yaml:"profiles,omitempty"`
	Inventory         *inventoryYAML         `yaml:"inventory,omitempty"`
	Support           supportYAML            `yaml:"support"`
}

// policyYAML uses pointers so that profile and body overrides only replace
// the fields they set.
type policyYAML struct {
	ReprotectMode               *ReprotectMode   `yaml:"reprotect_mode,omitempty"`
	MaxTimeDeviation            *string          `yaml:"max_time_deviation,omitempty"`
	SuppressRedundantExtraCerts *bool            `yaml:"suppress_redundant_extra_certs,omitempty"`
	CacheExtraCerts             *bool            `yaml:"cache_extra_certs,omitempty"`
	Trust                       *trustYAML       `yaml:"trust,omitempty"`
	Credentials                 *credentialsYAML `yaml:"credentials,omitempty"`
	Nested                      *nestedYAML      `yaml:"nested,omitempty"`
}

type trustYAML struct {
	Anchors       []string          `yaml:"anchors,omitempty"`
	Intermediates []string          `yaml:"intermediates,omitempty"`
	SharedSecrets map[string]string `yaml:"shared_secrets,omitempty"`
	KeyUsage      []string          `yaml:"key_usage,omitempty"`
}

type credentialsYAML struct {
	// Cert is a PEM file whose first certificate protects and whose
	// remaining certificates are sent as the chain.
	Cert          string      `yaml:"cert,omitempty"`
	Key           string      `yaml:"key,omitempty"`
	PassphraseEnv string      `yaml:"passphrase_env,omitempty"`
	PKCS11        *pkcs11YAML `yaml:"pkcs11,omitempty"`
	MAC           *macYAML    `yaml:"mac,omitempty"`
}

type pkcs11YAML struct {
	KeyLabel string `yaml:"key_label,omitempty"`
	KeyID    string `yaml:"key_id,omitempty"`
}

type macYAML struct {
	Secret     string `yaml:"secret,omitempty"`
	SecretEnv  string `yaml:"secret_env,omitempty"`
	KID        string `yaml:"kid,omitempty"`
	Algorithm  string `yaml:"algorithm,omitempty"`
	Iterations int    `yaml:"iterations,omitempty"`
}

type nestedYAML struct {
	Trust       *trustYAML       `yaml:"trust,omitempty"`
	Credentials *credentialsYAML `yaml:"credentials,omitempty"`
	Recipients  []string         `yaml:"recipients,omitempty"`
}

type bodyYAML struct {
	Downstream *policyYAML `yaml:"downstream,omitempty"`
	Upstream   *policyYAML `yaml:"upstream,omitempty"`
}

type profileYAML struct {
	Downstream           *policyYAML         `yaml:"downstream,omitempty"`
	Upstream             *policyYAML         `yaml:"upstream,omitempty"`
	Bodies               map[string]bodyYAML `yaml:"bodies,omitempty"`
	EnrollmentTrust      *trustYAML          `yaml:"enrollment_trust,omitempty"`
	CKG                  *ckgYAML            `yaml:"ckg,omitempty"`
	ForceRAVerify        bool                `yaml:"force_ra_verify"`
	RAVerifiedAcceptable bool                `yaml:"ra_verified_acceptable"`
	RetryAfter           int                 `yaml:"retry_after"`
	Inventory            *inventoryYAML      `yaml:"inventory,omitempty"`
}

type ckgYAML struct {
	Algorithm   string           `yaml:"algorithm"`
	Credentials *credentialsYAML `yaml:"credentials,omitempty"`
}

type inventoryYAML struct {
	AllowedDomains   []string `yaml:"allowed_domains,omitempty"`
	DenyPublicSuffix bool     `yaml:"deny_public_suffix"`
}

type supportYAML struct {
	CACerts         []string          `yaml:"ca_certs,omitempty"`
	CertReqTemplate string            `yaml:"cert_req_template,omitempty"`
	RootCAUpdate    *rootCAUpdateYAML `yaml:"root_ca_update,omitempty"`
}

type rootCAUpdateYAML struct {
	NewWithNew string `yaml:"new_with_new"`
	NewWithOld string `yaml:"new_with_old,omitempty"`
	OldWithNew string `yaml:"old_with_new,omitempty"`
}

// LoadFile loads a configuration from a YAML file. Relative paths inside
// the file are resolved against its directory.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	s, err := load(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// LoadBytes loads a configuration from YAML data. Relative paths are
// resolved against the working directory.
func LoadBytes(data []byte) (*Static, error) {
	return load(data, ".")
}

func load(data []byte, baseDir string) (*Static, error) {
	var sy staticYAML
	if err := yaml.Unmarshal(data, &sy); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	l := &loader{baseDir: baseDir, hsm: sy.HSM}
	if sy.HSM != nil {
		if err := sy.HSM.Validate(); err != nil {
			return nil, fmt.Errorf("invalid hsm: %w", err)
		}
	}

	s := &Static{
		DefaultProfile:    sy.DefaultProfile,
		RetryAfterSeconds: sy.RetryAfter,
		RedactErrors:      sy.RedactErrors,
		Profiles:          make(map[string]*Profile),
		Support:           make(map[string]SupportMessageHandler),
	}
	if sy.RetryAfter < 0 {
		return nil, fmt.Errorf("retry_after must not be negative")
	}
	if sy.TransactionExpiry != "" {
		d, err := time.ParseDuration(sy.TransactionExpiry)
		if err != nil {
			return nil, fmt.Errorf("invalid transaction_expiry: %w", err)
		}
		s.TransactionExpiry = d
	}
	if sy.Inventory != nil {
		s.DefaultInventory = sy.Inventory.build()
	}

	var err error
	if s.Downstream, err = l.policy(sy.Downstream); err != nil {
		return nil, fmt.Errorf("downstream: %w", err)
	}
	if s.Upstream, err = l.policy(sy.Upstream); err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}

	for name, py := range sy.Profiles {
		p, err := l.profile(py, sy.Downstream, sy.Upstream)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		s.Profiles[name] = p
	}

	if err := l.support(sy.Support, s.Support); err != nil {
		return nil, fmt.Errorf("support: %w", err)
	}
	return s, nil
}

func (iy *inventoryYAML) build() Inventory {
	return &DomainInventory{AllowedDomains: iy.AllowedDomains, DenyPublicSuffix: iy.DenyPublicSuffix}
}

func (l *loader) profile(py profileYAML, down, up *policyYAML) (*Profile, error) {
	p := &Profile{
		ForceRAVerify:        py.ForceRAVerify,
		RAVerifiedAcceptable: py.RAVerifiedAcceptable,
		RetryAfter:           py.RetryAfter,
		Bodies:               make(map[cmp.BodyType]BodyPolicies),
	}
	pdown := mergePolicy(down, py.Downstream)
	pup := mergePolicy(up, py.Upstream)

	var err error
	if py.Downstream != nil {
		if p.Downstream, err = l.policy(pdown); err != nil {
			return nil, fmt.Errorf("downstream: %w", err)
		}
	}
	if py.Upstream != nil {
		if p.Upstream, err = l.policy(pup); err != nil {
			return nil, fmt.Errorf("upstream: %w", err)
		}
	}

	for name, by := range py.Bodies {
		bt, err := cmp.ParseBodyType(name)
		if err != nil {
			return nil, fmt.Errorf("bodies: %w", err)
		}
		var bp BodyPolicies
		if by.Downstream != nil {
			if bp.Downstream, err = l.policy(mergePolicy(pdown, by.Downstream)); err != nil {
				return nil, fmt.Errorf("bodies.%s.downstream: %w", name, err)
			}
		}
		if by.Upstream != nil {
			if bp.Upstream, err = l.policy(mergePolicy(pup, by.Upstream)); err != nil {
				return nil, fmt.Errorf("bodies.%s.upstream: %w", name, err)
			}
		}
		p.Bodies[bt] = bp
	}

	if py.EnrollmentTrust != nil {
		if p.EnrollmentTrust, err = l.trust(py.EnrollmentTrust); err != nil {
			return nil, fmt.Errorf("enrollment_trust: %w", err)
		}
	}
	if py.CKG != nil {
		alg, err := pkicrypto.ParseAlgorithm(py.CKG.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("ckg: %w", err)
		}
		if !alg.IsSignature() {
			return nil, fmt.Errorf("ckg: %s keys cannot be generated for enrollment", alg)
		}
		ckg := &CKGContext{Algorithm: alg}
		if py.CKG.Credentials == nil {
			return nil, fmt.Errorf("ckg: credentials are required to sign key packages")
		}
		creds, err := l.signatureCredentials(py.CKG.Credentials)
		if err != nil {
			return nil, fmt.Errorf("ckg: %w", err)
		}
		ckg.SigningCredentials = creds
		p.CKG = ckg
	}
	if py.Inventory != nil {
		p.Inventory = py.Inventory.build()
	}
	return p, nil
}

// mergePolicy overlays the fields set in child onto parent.
func mergePolicy(parent, child *policyYAML) *policyYAML {
	if parent == nil {
		return child
	}
	if child == nil {
		return parent
	}
	m := *parent
	if child.ReprotectMode != nil {
		m.ReprotectMode = child.ReprotectMode
	}
	if child.MaxTimeDeviation != nil {
		m.MaxTimeDeviation = child.MaxTimeDeviation
	}
	if child.SuppressRedundantExtraCerts != nil {
		m.SuppressRedundantExtraCerts = child.SuppressRedundantExtraCerts
	}
	if child.CacheExtraCerts != nil {
		m.CacheExtraCerts = child.CacheExtraCerts
	}
	if child.Trust != nil {
		m.Trust = child.Trust
	}
	if child.Credentials != nil {
		m.Credentials = child.Credentials
	}
	if child.Nested != nil {
		m.Nested = child.Nested
	}
	return &m
}

func (l *loader) policy(py *policyYAML) (*MessagePolicy, error) {
	if py == nil {
		return nil, nil
	}
	p := DefaultMessagePolicy()
	if py.ReprotectMode != nil {
		p.ReprotectMode = *py.ReprotectMode
	}
	if py.MaxTimeDeviation != nil {
		d, err := time.ParseDuration(*py.MaxTimeDeviation)
		if err != nil {
			return nil, fmt.Errorf("invalid max_time_deviation: %w", err)
		}
		p.MaxTimeDeviation = d
	}
	if py.SuppressRedundantExtraCerts != nil {
		p.SuppressRedundantExtraCerts = *py.SuppressRedundantExtraCerts
	}
	if py.CacheExtraCerts != nil {
		p.CacheExtraCerts = *py.CacheExtraCerts
	}

	var err error
	if py.Trust != nil {
		if p.InputVerification, err = l.trust(py.Trust); err != nil {
			return nil, fmt.Errorf("trust: %w", err)
		}
	}
	if py.Credentials != nil {
		if p.OutputCredentials, err = l.credentials(py.Credentials); err != nil {
			return nil, fmt.Errorf("credentials: %w", err)
		}
	}
	if p.ReprotectMode == Reprotect && p.OutputCredentials == nil {
		return nil, fmt.Errorf("reprotect_mode reprotect requires credentials")
	}
	if py.Nested != nil {
		ep := &NestedEndpoint{}
		if py.Nested.Trust != nil {
			if ep.InputVerification, err = l.trust(py.Nested.Trust); err != nil {
				return nil, fmt.Errorf("nested.trust: %w", err)
			}
		}
		if py.Nested.Credentials != nil {
			if ep.OutputCredentials, err = l.credentials(py.Nested.Credentials); err != nil {
				return nil, fmt.Errorf("nested.credentials: %w", err)
			}
		}
		if len(py.Nested.Recipients) > 0 {
			ep.IncomingRecipientValid = RecipientsByName(py.Nested.Recipients...)
		}
		p.NestedEndpoint = ep
	}
	return p, nil
}
