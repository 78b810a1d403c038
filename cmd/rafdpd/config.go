package main

import (
	"fmt"
	"runtime"

	"github.com/BurntSushi/toml"
)

// rafdpConfig is the on-disk daemon configuration, loaded via
// BurntSushi/toml the way cmd/geth loads gethConfig.
type rafdpConfig struct {
	TransportPort int      `toml:"TransportPort"`
	ControlPort   int      `toml:"ControlPort"`
	TrackerURLs   []string `toml:"TrackerURLs"`
	LogLevel      string   `toml:"LogLevel"`
}

func defaultConfig() rafdpConfig {
	return rafdpConfig{
		TransportPort: 0,
		ControlPort:   9191,
		LogLevel:      "info",
	}
}

// loadConfig reads and merges a TOML file into cfg, leaving cfg
// untouched (aside from fields the file sets) if path is empty.
func loadConfig(path string, cfg *rafdpConfig) error {
	if path == "" {
		return nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return nil
}

// checkPlatformPrerequisite logs (but does not attempt to fix) the
// default-max-UDP-datagram-size prerequisite described in spec.md §6 for
// BSD-derived kernels. Unlike the original implementation, it never
// shells out to escalate privileges on the operator's behalf — it only
// reports what it found.
func checkPlatformPrerequisite(log interface {
	Warnf(string, ...interface{})
}) {
	if runtime.GOOS != "darwin" {
		return
	}
	out, err := sysctlMaxDatagram()
	if err != nil {
		log.Warnf("could not read net.inet.udp.maxdgram: %v", err)
		return
	}
	if out < 65535 {
		log.Warnf("net.inet.udp.maxdgram is %d, below 65535; raise it with "+
			"'sudo sysctl -w net.inet.udp.maxdgram=65535' before running under load", out)
	}
}
