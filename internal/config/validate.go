package config

import "fmt"

// Validate checks the invariants splinterd refuses to start without,
// grounded on config/validate.go's flat field-by-field error style.
func Validate(c *Config) error {
	if c.NetworkEndpoint == "" {
		return fmt.Errorf("config: network_endpoint must not be empty")
	}
	if c.DatabaseBackend != "postgres" && c.DatabaseBackend != "sqlite" {
		return fmt.Errorf("config: database_backend must be \"postgres\" or \"sqlite\", got %q", c.DatabaseBackend)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("config: database_dsn must not be empty")
	}
	if c.HeartbeatSecs <= 0 {
		return fmt.Errorf("config: heartbeat_secs must be positive")
	}
	if c.AdminTimeoutSecs <= 0 {
		return fmt.Errorf("config: admin_timeout_secs must be positive")
	}
	if c.StateDir == "" {
		return fmt.Errorf("config: state_dir must not be empty")
	}
	for i, reg := range c.Registries {
		if reg.Path == "" && reg.URL == "" {
			return fmt.Errorf("config: registries[%d] must set Path or URL", i)
		}
		if reg.Path != "" && reg.URL != "" {
			return fmt.Errorf("config: registries[%d] must not set both Path and URL", i)
		}
	}
	return nil
}
