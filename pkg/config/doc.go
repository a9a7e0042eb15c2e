// Package config loads the engine configuration and desired-state documents.
//
// # Engine configuration
//
// The engine configuration is a YAML document with the sections database,
// reconcile, providers, policy, notifications and telemetry. Load applies
// defaults, expands ${NAME} references in provider credentials and webhook
// settings, and validates the result with validator struct tags:
//
//	cfg, err := config.Load("sitebind.yaml")
//	if err != nil {
//	    return err
//	}
//	opts := cfg.Reconcile.Options()
//
// # Desired states
//
// Desired states are read from YAML, JSON or CUE. A YAML file holds a single
// desired state, a list of them, or a mapping with a "bindings" list; several
// YAML documents may share a file. A CUE source holds either a top-level
// "bindings" field (a list, or a struct keyed by domain) or a single state:
//
//	bindings: "shop.example.com": {
//	    aliases: ["shop.example.com", "www.shop.example.com"]
//	    certificate_domains: aliases
//	    distribution: id: "E2QWRUHAPOMQZL"
//	}
//
// Every state is normalized, then checked against the embedded CUE schema
// (schemas/desired_state.cue), the validator struct tags of
// engine.DesiredState and its structural rules. Errors carry file and line
// positions as ValidationErrors.
package config
