// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the offload engine's HCL configuration file
// (spec.md §6.4): tunnel port declarations and engine tunables.
package config

import (
	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/grimmhw/vtpoffload/internal/errors"
)

// TunnelPort declares one tunnel vport the engine should track a TnlAux
// for, and the physical/virtual port number the datapath assigns it.
type TunnelPort struct {
	Name string `hcl:"name,label"`
	Port uint32 `hcl:"port"`
	Type string `hcl:"type,optional"` // "vxlan", "geneve"; defaults to "vxlan"
}

// Engine is the root HCL block for the offload engine's own tunables.
type Engine struct {
	ProbeRetries int          `hcl:"probe_retries,optional"`
	MetricsAddr  string       `hcl:"metrics_addr,optional"`
	AdminAddr    string       `hcl:"admin_addr,optional"`
	TunnelPorts  []TunnelPort `hcl:"tunnel_port,block"`
}

// Config is the top-level decoded file: a single "offload" block.
type Config struct {
	Engine Engine `hcl:"offload,block"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{Engine: Engine{ProbeRetries: 0, MetricsAddr: ":9108", AdminAddr: ":9109"}}
}

// Load decodes path into a Config. Optional fields the file omits stay at
// their zero value, except MetricsAddr and AdminAddr, which fall back to
// the same addresses Default uses.
func Load(path string) (Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.KindValidation, "failed to decode offload config")
	}
	if cfg.Engine.MetricsAddr == "" {
		cfg.Engine.MetricsAddr = ":9108"
	}
	if cfg.Engine.AdminAddr == "" {
		cfg.Engine.AdminAddr = ":9109"
	}
	return cfg, nil
}
