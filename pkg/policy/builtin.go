package policy

// Builtin policy names.
const (
	PolicyCAAIssuer      = "caa-issuer-allowlist"
	PolicyMinimumTLS     = "minimum-tls"
	PolicyAliasCoverage  = "alias-coverage"
	PolicyRoutingTTL     = "routing-ttl"
	PolicyRequiredLabels = "required-labels"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		caaIssuerPolicy(),
		minimumTLSPolicy(),
		aliasCoveragePolicy(),
		routingTTLPolicy(),
		requiredLabelsPolicy(),
	}
}

func builtin(name, description string, severity Severity, tags []string, rego string) Policy {
	return Policy{
		Name:        name,
		Description: description,
		Severity:    severity,
		Enabled:     true,
		Builtin:     true,
		Tags:        tags,
		Rego:        rego,
	}
}

// caaIssuerPolicy restricts the CAA issuer to known public authorities.
func caaIssuerPolicy() Policy {
	return builtin(PolicyCAAIssuer,
		"Restricts the CAA issuer to approved certificate authorities",
		SeverityError,
		[]string{"certificate", "dns"},
		`package sitebind.policies.caa

import rego.v1

allowed_issuers := {
	"amazon.com",
	"amazontrust.com",
	"awstrust.com",
	"amazonaws.com",
	"digicert.com",
	"globalsign.com",
	"sectigo.com",
	"trustasia.com",
	"letsencrypt.org",
	"pki.goog",
}

deny contains violation if {
	issuer := input.desired.caa.issuer
	not issuer in allowed_issuers
	violation := {
		"message": sprintf("CAA issuer %s is not an approved certificate authority", [issuer]),
		"severity": "error",
		"remediation": "use an approved issuer or disable the caa-issuer-allowlist policy",
	}
}
`)
}

// minimumTLSPolicy rejects deprecated viewer protocol versions.
func minimumTLSPolicy() Policy {
	return builtin(PolicyMinimumTLS,
		"Rejects edge security policies older than TLS 1.2",
		SeverityError,
		[]string{"edge", "security"},
		`package sitebind.policies.tls

import rego.v1

weak_versions := {"SSLv3", "TLSv1", "TLSv1_2016", "TLSv1.1_2016"}

deny contains violation if {
	version := input.desired.min_tls_version
	version in weak_versions
	violation := {
		"message": sprintf("minimum TLS version %s is below TLSv1.2", [version]),
		"severity": "error",
		"remediation": "set min_tls_version to TLSv1.2_2021 or newer",
	}
}
`)
}

// aliasCoveragePolicy requires the certificate to cover every alias, either
// exactly or through a single-label wildcard.
func aliasCoveragePolicy() Policy {
	return builtin(PolicyAliasCoverage,
		"Requires every alias to be covered by the certificate domains",
		SeverityError,
		[]string{"certificate", "edge"},
		`package sitebind.policies.coverage

import rego.v1

covered(host) if {
	some name in input.desired.certificate_domains
	name == host
}

covered(host) if {
	some pattern in input.desired.certificate_domains
	startswith(pattern, "*.")
	suffix := substring(pattern, 1, -1)
	endswith(host, suffix)
	label := trim_suffix(host, suffix)
	label != ""
	not contains(label, ".")
}

deny contains violation if {
	some alias in input.desired.aliases
	not covered(alias)
	violation := {
		"message": sprintf("alias %s is not covered by the certificate domains", [alias]),
		"severity": "error",
		"remediation": sprintf("add %s or a matching wildcard to certificate_domains", [alias]),
	}
}
`)
}

// routingTTLPolicy warns about cutover records that are slow to roll back.
func routingTTLPolicy() Policy {
	return builtin(PolicyRoutingTTL,
		"Warns when routing records are cached for more than an hour",
		SeverityWarning,
		[]string{"dns"},
		`package sitebind.policies.ttl

import rego.v1

deny contains violation if {
	ttl := input.desired.routing_ttl
	ttl > 3600
	violation := {
		"message": sprintf("routing TTL %d exceeds one hour and slows down rollbacks", [ttl]),
		"severity": "warning",
	}
}
`)
}

// requiredLabelsPolicy asks for an owner label on every binding.
func requiredLabelsPolicy() Policy {
	return builtin(PolicyRequiredLabels,
		"Ensures bindings carry an owner label",
		SeverityWarning,
		[]string{"labels", "governance"},
		`package sitebind.policies.labels

import rego.v1

required_labels := {"owner"}

deny contains violation if {
	some label in required_labels
	not input.desired.labels[label]
	violation := {
		"message": sprintf("binding %s is missing required label %s", [input.desired.domain, label]),
		"severity": "warning",
		"remediation": sprintf("add a %s label", [label]),
	}
}
`)
}
