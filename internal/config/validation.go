package config

import (
	"errors"
	"fmt"
	"time"
)

// minJoinTTL is the shortest allowed join request lifetime. A node has to
// benchmark itself and sign the nonce inside this window.
const minJoinTTL = 60 * time.Second

// finalize validates the loaded configuration and normalizes derived fields.
func (c *Config) finalize() error {
	if c.Server.Address == "" {
		return errors.New("config: server address required")
	}

	if !c.Server.LocalMode {
		if c.Payment.FacilitatorURL == "" {
			return errors.New("config: facilitator URL required outside local mode")
		}
		if c.Payment.EVMPayTo == "" && c.Payment.SolanaPayTo == "" {
			return errors.New("config: at least one payout address (evm_pay_to or solana_pay_to) required outside local mode")
		}
		if c.Node.Zone == "" {
			return errors.New("config: node zone required outside local mode")
		}
		if c.DNS.APIURL == "" {
			return errors.New("config: dns api_url required outside local mode")
		}
	}

	if c.Proxy.CacheMaxEntries <= 0 {
		c.Proxy.CacheMaxEntries = 10000
	}
	if c.Proxy.MaxRedirects < 0 {
		c.Proxy.MaxRedirects = 0
	}

	if c.Node.JoinTTL.Duration < minJoinTTL {
		c.Node.JoinTTL = Duration{Duration: minJoinTTL}
	}
	if c.Node.AdmissionMax < c.Node.AdmissionBase {
		return fmt.Errorf("config: admission_max (%v) below admission_base (%v)",
			c.Node.AdmissionMax, c.Node.AdmissionBase)
	}

	if c.Session.TokenTTL.Duration <= 0 {
		c.Session.TokenTTL = Duration{Duration: 60 * time.Second}
	}

	if c.Store.Path == "" {
		return errors.New("config: store path required")
	}

	return nil
}
