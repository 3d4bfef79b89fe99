// Package conf implements the process-wide configuration surface: a
// YAML file unmarshalled once at startup into a package-level GConf,
// read-only thereafter.
package conf

import (
	"io/ioutil"

	"gopkg.in/yaml.v2"

	"github.com/covenant-jmap/jmapcore/utils/log"
)

// Config holds everything the jmapd binary needs to start serving:
// where to listen, where the sqlite file lives, and the dispatcher's
// batch-handling knobs.
type Config struct {
	// ListenAddr is the HTTP address the transport adapter binds, e.g.
	// ":8080".
	ListenAddr string `yaml:"ListenAddr"`

	// DSN is the sqlite connection string storage.Open opens.
	DSN string `yaml:"DSN"`

	// IsSystem runs every request with the system-escalation
	// permissions (used for admin/seed tooling; a real
	// deployment would instead vary this per authenticated caller,
	// which is out of scope for now).
	IsSystem bool `yaml:"IsSystem"`

	// SynthesizeClientIDs, when true, assigns calls arriving without a
	// clientId one instead of rejecting the request.
	SynthesizeClientIDs bool `yaml:"SynthesizeClientIDs"`

	// ReadTimeoutSeconds / WriteTimeoutSeconds bound the HTTP server's
	// per-connection deadlines, enforced by the transport, not the core
	// dispatcher.
	ReadTimeoutSeconds  int `yaml:"ReadTimeoutSeconds"`
	WriteTimeoutSeconds int `yaml:"WriteTimeoutSeconds"`
}

// GConf is the global config pointer, set once by Load at startup and
// read-only thereafter.
var GConf *Config

// Default returns a Config with sane defaults for local development:
// an in-memory database and a short-lived HTTP server on :8080.
func Default() *Config {
	return &Config{
		ListenAddr:          ":8080",
		DSN:                 "file::memory:?cache=shared",
		ReadTimeoutSeconds:  30,
		WriteTimeoutSeconds: 30,
	}
}

// Load reads and unmarshals the YAML config file at path into GConf.
func Load(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("conf: read config file failed")
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		log.WithError(err).Error("conf: unmarshal config file failed")
		return nil, err
	}
	GConf = cfg
	return cfg, nil
}
