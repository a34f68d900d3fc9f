package crypto

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HSMConfig locates the PKCS#11 token that holds RA keys. Keys on the token
// are selected per credential by label or CKA_ID.
//
//	hsm:
//	  module: /usr/lib/softhsm/libsofthsm2.so
//	  token: ra
//	  pin_env: CMPRA_HSM_PIN
type HSMConfig struct {
	Module      string `yaml:"module"`
	Token       string `yaml:"token,omitempty"`
	TokenSerial string `yaml:"token_serial,omitempty"`
	Slot        *uint  `yaml:"slot,omitempty"`
	// PinEnv names the environment variable holding the user PIN. PINs
	// are never read from the configuration file itself.
	PinEnv string `yaml:"pin_env"`
}

// ParseHSMConfig parses and validates a standalone hsm section.
func ParseHSMConfig(data []byte) (*HSMConfig, error) {
	var cfg HSMConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse hsm config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *HSMConfig) Validate() error {
	switch {
	case c.Module == "":
		return fmt.Errorf("hsm.module is required")
	case c.Token == "" && c.TokenSerial == "" && c.Slot == nil:
		return fmt.Errorf("hsm needs token, token_serial or slot")
	case c.PinEnv == "":
		return fmt.Errorf("hsm.pin_env is required")
	}
	return nil
}

// Open returns the signer configuration for one key on the token, reading
// the PIN from the environment.
func (c *HSMConfig) Open(keyLabel, keyID string) (*PKCS11Config, error) {
	if keyLabel == "" && keyID == "" {
		return nil, fmt.Errorf("pkcs11 key needs key_label or key_id")
	}
	pin := os.Getenv(c.PinEnv)
	if pin == "" {
		return nil, fmt.Errorf("hsm PIN variable %s is not set", c.PinEnv)
	}
	return &PKCS11Config{
		ModulePath:  c.Module,
		TokenLabel:  c.Token,
		TokenSerial: c.TokenSerial,
		SlotID:      c.Slot,
		PIN:         pin,
		KeyLabel:    keyLabel,
		KeyID:       keyID,
	}, nil
}
