// Package policy admits desired states with Open Policy Agent (OPA) Rego
// policies.
//
// Every policy is a Rego module defining a "deny" set. Members are either
// strings or objects with "message" and optionally "severity" and
// "remediation". The input document is:
//
//	{
//	    "desired": { ...the normalized desired state... },
//	    "operation": "admit",
//	    "now": "2026-01-02T15:04:05Z"
//	}
//
// Violations with severity "error" or "critical" deny admission. The
// Engine implements engine.PolicyEvaluator, so a denied binding ends up
// BLOCKED with code POLICY_DENIED; lower severities are only logged.
//
// # Built-in Policies
//
//  1. caa-issuer-allowlist - the CAA issuer must be an approved authority
//  2. minimum-tls - the edge must not accept protocols older than TLS 1.2
//  3. alias-coverage - every alias must be covered by the certificate
//  4. routing-ttl - warns on routing TTLs above one hour
//  5. required-labels - warns when the owner label is missing
//
// # Custom Policies
//
// Custom policies are loaded from .rego and .json files:
//
//	# Production bindings must create their own distribution.
//	# severity: error
//	package custom.production
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.desired.labels.env == "production"
//	    not input.desired.distribution.create
//	    msg := "production bindings need a dedicated distribution"
//	}
//
// A .rego file is named after its file. Leading comments become the
// description and a "severity:" comment sets the default severity. A .json
// file holds one policy object, or a bundle whose "policies" list carries
// several. Policy names must be unique across all loaded paths.
//
// Engine.Watch reloads custom policies when their files change; builtin
// policies and policies disabled with DisablePolicy are kept across reloads.
package policy
