// Package config loads the gateway configuration file.
//
// The file is YAML. ${VAR} and ${VAR:-default} are replaced from the
// environment before parsing and "$$" produces a literal dollar sign.
// Unknown keys are rejected, defaults are applied, and every problem is
// reported at once as ValidationErrors.
//
//	cfg, err := config.Load("gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// A Watcher reloads the file on change and hands the previous and new
// revision to a callback; ApplyChanges reconciles a running gateway:
//
//	w, err := config.NewWatcher(path, func(prev, cur *config.GatewayConfig) {
//	    _ = config.ApplyChanges(gw, prev, cur, logger)
//	})
package config
