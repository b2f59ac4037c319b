// Package config handles loading and validating mqttpub configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with MQTTPUB_* environment variables
//   - Validation of every section, reporting all problems at once
//   - Default value handling, including a "default" broker on localhost:1883
//
// Security Considerations:
//   - Broker passwords and the InfluxDB token should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(config.Path())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, b := range cfg.ActiveBrokers() {
//	    registry.Add(b)
//	}
package config
