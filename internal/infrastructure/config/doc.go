// Package config loads and validates the gateway service configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with BLULOK_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Gateway API keys and broker credentials should come from the
//     gateway configuration store or environment, not the YAML file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Service.Name)
package config
