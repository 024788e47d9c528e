// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config handles loading and validating the server configuration,
// and publishing immutable snapshots of it to the rest of the system.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

const (
	DefaultRegion          = "de-muc-01"
	DefaultHTTPPort        = 9000
	DefaultMultipartExpiry = 24 * time.Hour
	DefaultSweepInterval   = time.Hour
	DefaultReadHeaderLimit = 30 * time.Second
	DefaultIdleBodyLimit   = 60 * time.Second
)

// Configuration is the validated, immutable configuration snapshot consumed
// by the request pipeline. Copies handed out by the Wrapper must not be
// mutated.
type Configuration struct {
	Storage      StorageConfiguration `json:"storage"`
	Region       RegionConfiguration  `json:"region"`
	Server       ServerConfiguration  `json:"server"`
	Credentials  []Credential         `json:"credentials"`
	DefaultACLs  ACLConfiguration     `json:"default_acls"`
	DefaultCORS  CORSConfiguration    `json:"default_cors"`
	Multipart    MultipartConfig      `json:"multipart"`
	ConfigReload ReloadConfiguration  `json:"config_reload"`
}

type StorageConfiguration struct {
	// Location is the storage root. Buckets are directories directly
	// below it.
	Location string `json:"location"`
}

type RegionConfiguration struct {
	Default string `json:"default"`
}

type ServerConfiguration struct {
	HTTP HTTPConfiguration `json:"http"`
}

type HTTPConfiguration struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	Port    int    `json:"port"`

	// Timeouts, in seconds. Zero means the default.
	ReadHeaderTimeoutS int `json:"read_header_timeout_seconds"`
	IdleTimeoutS       int `json:"idle_timeout_seconds"`
}

// A Credential is an access key with its secret and an ordered list of
// permission rules. First matching rule wins, default deny.
type Credential struct {
	AccessKey   string       `json:"access_key"`
	SecretKey   string       `json:"secret_key"`
	Permissions []Permission `json:"permissions"`
}

// A Permission pairs a glob-like action pattern ("PutObject", "Create*",
// "*") with a resource pattern ("*", "bucket", "bucket/*",
// "bucket/prefix*").
type Permission struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
}

type ACLConfiguration struct {
	Public     bool     `json:"public"`
	AllowedIPs []string `json:"allowed_ips"`
}

type CORSConfiguration struct {
	AllowedOrigins []string `json:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods"`
}

type MultipartConfig struct {
	ExpirySeconds        int `json:"expiry_seconds"`
	SweepIntervalSeconds int `json:"sweep_interval_seconds"`
}

type ReloadConfiguration struct {
	SIGHUP   bool `json:"sighup"`
	FSEvents bool `json:"fsevents"`
}

// Expiry returns the multipart upload expiry as a duration.
func (m MultipartConfig) Expiry() time.Duration {
	if m.ExpirySeconds <= 0 {
		return DefaultMultipartExpiry
	}
	return time.Duration(m.ExpirySeconds) * time.Second
}

// SweepInterval returns the interval between expiry sweeps.
func (m MultipartConfig) SweepInterval() time.Duration {
	if m.SweepIntervalSeconds <= 0 {
		return DefaultSweepInterval
	}
	return time.Duration(m.SweepIntervalSeconds) * time.Second
}

func (h HTTPConfiguration) ReadHeaderTimeout() time.Duration {
	if h.ReadHeaderTimeoutS <= 0 {
		return DefaultReadHeaderLimit
	}
	return time.Duration(h.ReadHeaderTimeoutS) * time.Second
}

func (h HTTPConfiguration) IdleTimeout() time.Duration {
	if h.IdleTimeoutS <= 0 {
		return DefaultIdleBodyLimit
	}
	return time.Duration(h.IdleTimeoutS) * time.Second
}

// FindCredential returns the credential for the given access key, or nil.
func (c Configuration) FindCredential(accessKey string) *Credential {
	for i := range c.Credentials {
		if c.Credentials[i].AccessKey == accessKey {
			return &c.Credentials[i]
		}
	}
	return nil
}

// Copy returns a deep copy of the configuration.
func (c Configuration) Copy() Configuration {
	cp := c
	cp.Credentials = make([]Credential, len(c.Credentials))
	for i, cred := range c.Credentials {
		cp.Credentials[i] = cred
		cp.Credentials[i].Permissions = append([]Permission(nil), cred.Permissions...)
	}
	cp.DefaultACLs.AllowedIPs = append([]string(nil), c.DefaultACLs.AllowedIPs...)
	cp.DefaultCORS.AllowedOrigins = append([]string(nil), c.DefaultCORS.AllowedOrigins...)
	cp.DefaultCORS.AllowedMethods = append([]string(nil), c.DefaultCORS.AllowedMethods...)
	return cp
}

// prepare fills in defaults after parsing.
func (c *Configuration) prepare() {
	if c.Region.Default == "" {
		c.Region.Default = DefaultRegion
	}
	if c.Server.HTTP.Port == 0 {
		c.Server.HTTP.Port = DefaultHTTPPort
	}
}

// Validate checks required fields and value ranges.
func (c Configuration) Validate() error {
	if c.Storage.Location == "" {
		return fmt.Errorf("storage.location must not be empty")
	}
	if c.Region.Default == "" {
		return fmt.Errorf("region.default must not be empty")
	}
	if c.Server.HTTP.Port < 0 || c.Server.HTTP.Port > 65535 {
		return fmt.Errorf("server.http.port out of range: %d", c.Server.HTTP.Port)
	}
	if len(c.Credentials) == 0 {
		return fmt.Errorf("at least one credential must be defined")
	}
	for _, cred := range c.Credentials {
		if cred.AccessKey == "" || cred.SecretKey == "" {
			return fmt.Errorf("credential access_key and secret_key must not be empty")
		}
	}
	if c.Multipart.ExpirySeconds < 0 {
		return fmt.Errorf("multipart.expiry_seconds must not be negative")
	}
	for _, cidr := range c.DefaultACLs.AllowedIPs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			if net.ParseIP(cidr) == nil {
				return fmt.Errorf("default_acls.allowed_ips: invalid entry %q", cidr)
			}
		}
	}
	return nil
}

// Parse parses a YAML configuration, applies defaults and validates it.
func Parse(bs []byte) (Configuration, error) {
	var cfg Configuration
	if err := yaml.UnmarshalStrict(bs, &cfg); err != nil {
		return Configuration{}, fmt.Errorf("parsing configuration: %w", err)
	}
	cfg.prepare()
	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// Load reads, parses and validates the configuration file at path and
// returns a wrapper around it.
func Load(path string) (*Wrapper, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(bs)
	if err != nil {
		return nil, err
	}
	return Wrap(path, cfg), nil
}
