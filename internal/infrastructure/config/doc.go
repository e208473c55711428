// Package config handles loading and validating Stagehand configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// The same Config type serves both binaries; Validate covers the shared
// sections, while ValidateAgent and ValidateRelay cover the sections each
// role needs. An agent config never has to describe the relay API, and a
// relay config never has to name a device.
//
// Security Considerations:
//   - Sensitive values (passwords, tokens) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/agent.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.ValidateAgent(); err != nil {
//	    log.Fatal(err)
//	}
package config
