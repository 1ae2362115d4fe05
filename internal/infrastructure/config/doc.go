// Package config loads and validates Homelink Core configuration.
//
// Configuration is layered: hardcoded defaults, then the YAML file, then
// HOMELINK_* environment variables. Validate reports every problem in one
// error so an operator can fix a broken file in a single pass.
//
// Secrets (MQTT password, InfluxDB token, JWT secret) should come from the
// environment rather than the file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Tenant.Default)
package config
