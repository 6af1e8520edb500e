package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is an optional YAML overlay applied on top of the environment, used
// when a fleet of deployments shares a checked-in configuration file. Only
// set fields override; zero values leave the environment value in place.
type Profile struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	Database struct {
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
	} `yaml:"database"`

	Oracle struct {
		AuthTTL   string `yaml:"auth_ttl"`
		ClockSkew string `yaml:"clock_skew"`
		Optional  *bool  `yaml:"optional"`
	} `yaml:"oracle"`

	Chain struct {
		RPCURL      string `yaml:"rpc_url"`
		ReconMaxAge string `yaml:"recon_max_age"`
	} `yaml:"chain"`

	Worker struct {
		PollInterval string `yaml:"poll_interval"`
		LockTTL      string `yaml:"lock_ttl"`
	} `yaml:"worker"`

	RateLimit struct {
		RPM   int `yaml:"rpm"`
		Burst int `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// LoadProfile parses a profile file and applies it over cfg.
func LoadProfile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load profile %q: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse profile %q: %w", path, err)
	}
	return p.apply(cfg)
}

func (p *Profile) apply(cfg *Config) error {
	setStr(&cfg.Port, p.Port)
	setStr(&cfg.LogLevel, p.LogLevel)
	setStr(&cfg.DatabaseDriver, p.Database.Driver)
	setStr(&cfg.DatabaseURL, p.Database.URL)
	setStr(&cfg.ChainRPCURL, p.Chain.RPCURL)

	if err := setDur(&cfg.OracleAuthTTL, p.Oracle.AuthTTL); err != nil {
		return err
	}
	if err := setDur(&cfg.OracleClockSkew, p.Oracle.ClockSkew); err != nil {
		return err
	}
	if p.Oracle.Optional != nil {
		cfg.OracleAuthOptional = *p.Oracle.Optional
	}
	if err := setDur(&cfg.ReconMaxAge, p.Chain.ReconMaxAge); err != nil {
		return err
	}
	if err := setDur(&cfg.WorkerPollInterval, p.Worker.PollInterval); err != nil {
		return err
	}
	if err := setDur(&cfg.WorkerLockTTL, p.Worker.LockTTL); err != nil {
		return err
	}
	if p.RateLimit.RPM > 0 {
		cfg.RateLimitRPM = p.RateLimit.RPM
	}
	if p.RateLimit.Burst > 0 {
		cfg.RateLimitBurst = p.RateLimit.Burst
	}
	return nil
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDur(dst *time.Duration, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", v, err)
	}
	*dst = d
	return nil
}
