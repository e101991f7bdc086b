package main

import (
	"fmt"
	"os"

	"github.com/guseggert/sandboxtransport/transport"
	"gopkg.in/yaml.v3"
)

// config is the YAML config file of sandboxctl. Durations are written like "30s".
//
//	mode: duplex
//	retry: true
//	tls_dir: /etc/sandbox/certs
//	base_url: http://127.0.0.1:8080
//	request_timeout: 60s
//	headers:
//	  X-Sandbox-Id: sbx-1
type config struct {
	Mode  string `yaml:"mode"`
	Retry bool   `yaml:"retry"`
	// TLSDir holds certs written by sandbox-agent gen-certs.
	TLSDir string `yaml:"tls_dir"`

	transport.Config `yaml:",inline"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}
