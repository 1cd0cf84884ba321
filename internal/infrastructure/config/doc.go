// Package config handles loading and validating device server configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (DEVSERVER_*)
//   - Validation of required fields and process-wide policies
//   - Default value handling
//
// Load does not validate: the command line supplies the instance name and
// the no-registry device list after the file is read, so callers fold flags
// into the Config and then call Validate.
//
// Usage:
//
//	cfg, err := config.Load("configs/devserver.yaml")
//	if err != nil {
//	    return err
//	}
//	cfg.Server.Instance = flag.Arg(0)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//
// The registry location (DEVSERVER_REGISTRY_PATH) is read once here and is
// consumed only by the registry client.
package config
