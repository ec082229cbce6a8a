package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the configuration file format.
// Values given on the command line take precedence.
type Config struct {
	Version         string   `yaml:"version"`
	Origin          string   `yaml:"origin"`
	Addr            string   `yaml:"addr"`
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	DB              string   `yaml:"db"`
	Manifest        []string `yaml:"manifest"`
	Fallback        string   `yaml:"fallback"`
	DeferActivation bool     `yaml:"deferActivation"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// originURL returns the origin to cache for.
// An explicit origin URL wins over an address, which is always reached over https.
func (c Config) originURL() (*url.URL, error) {
	switch {
	case c.Origin != "":
		return url.Parse(c.Origin)
	case c.Addr != "":
		return url.Parse("https://" + c.Addr)
	default:
		return nil, fmt.Errorf("Please specify origin")
	}
}

// dbFilename maps the special `memory` name to a shared in-memory sqlite db.
func (c Config) dbFilename() string {
	if c.DB == "memory" {
		return "file::memory:?cache=shared"
	}
	return c.DB
}

// splitList parses a comma separated flag value.
func splitList(s string) []string {
	var list []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
