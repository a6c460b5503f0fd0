package config

import (
	"errors"
	"io"

	"github.com/pelletier/go-toml/v2"
)

var _defaultConfig = &SqlBusConfig{
	Bus: BusConfig{
		Endpoint:    "sqlbus://localhost/default",
		ThreadCount: 2,
		Retries:     5,
	},
	Storage: StorageConfig{
		Sources:  []string{"host=localhost user=admin password=admin dbname=sqlbus port=5432 sslmode=disable"},
		Replicas: []string{},
	},
	Admin: AdminConfig{
		Listen: ":9401",
	},
}

func WriteDefault(w io.Writer) error {
	data, err := toml.Marshal(_defaultConfig)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

type SqlBusConfig struct {
	Bus     BusConfig     `toml:"bus"`
	Storage StorageConfig `toml:"storage"`
	Admin   AdminConfig   `toml:"admin"`
}

type BusConfig struct {
	// Endpoint is this node's own address, e.g. sqlbus://host/orders.
	// The queue name is the last path segment.
	Endpoint    string `toml:"endpoint"`
	ThreadCount int    `toml:"thread_count"`
	Retries     int    `toml:"retries"`
	// LeaseSeconds overrides the 2 minute default message lease.
	LeaseSeconds int `toml:"lease_seconds"`
	// Owners maps message type names to their owning endpoint, used by
	// send-only nodes.
	Owners map[string]string `toml:"owners"`
	// Aliases rewrites endpoint URIs before routing.
	Aliases map[string]string `toml:"aliases"`
}

type StorageConfig struct {
	Sources  []string `toml:"sources"`
	Replicas []string `toml:"replicas"`
}

type AdminConfig struct {
	Disable bool   `toml:"disable"`
	Listen  string `toml:"listen"`
}

func (c *SqlBusConfig) Validate() error {
	if c.Bus.Endpoint == "" {
		return errors.New("bus endpoint is empty")
	}
	if len(c.Storage.Sources) == 0 {
		return errors.New("at least one storage source is required")
	}
	if c.Bus.ThreadCount < 0 || c.Bus.Retries < 0 || c.Bus.LeaseSeconds < 0 {
		return errors.New("bus worker settings must not be negative")
	}
	return nil
}

func (c *SqlBusConfig) MergeDefault() *SqlBusConfig {
	if c.Bus.Endpoint == "" {
		c.Bus.Endpoint = _defaultConfig.Bus.Endpoint
	}
	if c.Bus.ThreadCount == 0 {
		c.Bus.ThreadCount = _defaultConfig.Bus.ThreadCount
	}
	if c.Bus.Retries == 0 {
		c.Bus.Retries = _defaultConfig.Bus.Retries
	}
	if len(c.Storage.Sources) == 0 {
		c.Storage.Sources = _defaultConfig.Storage.Sources
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = _defaultConfig.Admin.Listen
	}
	return c
}
