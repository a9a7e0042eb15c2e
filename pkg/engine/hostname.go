package engine

import (
	"strconv"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// NormalizeHost lower-cases a hostname and strips surrounding space and the trailing dot.
func NormalizeHost(h string) string {
	h = strings.TrimSpace(strings.ToLower(h))
	return strings.TrimSuffix(h, ".")
}

// ApexOf returns the registrable domain of a hostname: its public suffix
// plus one label, so dev.example.co.uk yields example.co.uk. A host that is
// itself a public suffix, or has no suffix at all, is returned unchanged.
func ApexOf(host string) string {
	host = NormalizeHost(host)
	apex, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return apex
}

// IsPublicSuffix reports whether host is a suffix under which anyone can
// register names, such as com or co.uk.
func IsPublicSuffix(host string) bool {
	host = NormalizeHost(host)
	suffix, _ := publicsuffix.PublicSuffix(host)
	return suffix == host
}

// IsWithin reports whether host equals zone or is a subdomain of it.
func IsWithin(host, zone string) bool {
	host, zone = NormalizeHost(host), NormalizeHost(zone)
	return host == zone || strings.HasSuffix(host, "."+zone)
}

// Ancestors returns host and each parent up to and including zone, closest first.
// Hosts outside the zone yield only themselves.
func Ancestors(host, zone string) []string {
	host, zone = NormalizeHost(host), NormalizeHost(zone)
	if !IsWithin(host, zone) {
		return []string{host}
	}
	out := []string{host}
	for host != zone {
		i := strings.IndexByte(host, '.')
		if i < 0 {
			break
		}
		host = host[i+1:]
		out = append(out, host)
	}
	return out
}

// RelativeName returns host relative to zone, "@" for the apex.
func RelativeName(host, zone string) string {
	host, zone = NormalizeHost(host), NormalizeHost(zone)
	if host == zone {
		return "@"
	}
	return strings.TrimSuffix(host, "."+zone)
}

// SubdomainPrefix returns host relative to zone, "" for the apex.
func SubdomainPrefix(host, zone string) string {
	if rel := RelativeName(host, zone); rel != "@" {
		return rel
	}
	return ""
}

// JoinHost joins a relative name and a zone. "@" and "" denote the apex.
func JoinHost(rel, zone string) string {
	rel, zone = NormalizeHost(rel), NormalizeHost(zone)
	if rel == "" || rel == "@" {
		return zone
	}
	if IsWithin(rel, zone) {
		return rel
	}
	return rel + "." + zone
}

// FirstLabel returns the left-most label of a hostname.
func FirstLabel(host string) string {
	host = NormalizeHost(host)
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}

// RoutingRecordType returns the record type of the cutover record for host.
// The apex cannot carry a CNAME, so it uses an ALIAS record.
func RoutingRecordType(host, zone string) string {
	if NormalizeHost(host) == NormalizeHost(zone) {
		return "ALIAS"
	}
	return "CNAME"
}

// CAARecord is a parsed CAA record value.
type CAARecord struct {
	Flags int
	Tag   string
	Value string
}

// ParseCAA parses a CAA value in presentation format, e.g. `0 issue "amazon.com"`.
func ParseCAA(value string) (CAARecord, bool) {
	fields := strings.Fields(value)
	if len(fields) < 3 {
		return CAARecord{}, false
	}
	flags, err := strconv.Atoi(fields[0])
	if err != nil {
		return CAARecord{}, false
	}
	v := strings.Trim(strings.Join(fields[2:], " "), `"`)
	return CAARecord{Flags: flags, Tag: strings.ToLower(fields[1]), Value: strings.TrimSpace(v)}, true
}

// FormatCAA renders an issue record for issuer.
func FormatCAA(flags int, issuer string) string {
	return strconv.Itoa(flags) + ` issue "` + NormalizeHost(issuer) + `"`
}

// AuthorizesIssuer reports whether a CAA record set lets issuer issue
// non-wildcard certificates.
func AuthorizesIssuer(records []DNSRecord, issuer string) bool {
	issuer = NormalizeHost(issuer)
	for _, r := range records {
		caa, ok := ParseCAA(r.Value)
		if !ok || caa.Tag != "issue" {
			continue
		}
		domain := caa.Value
		if i := strings.IndexByte(domain, ';'); i >= 0 {
			domain = domain[:i]
		}
		if NormalizeHost(domain) == issuer {
			return true
		}
	}
	return false
}

// RecordValueEqual compares record data the way resolvers would.
func RecordValueEqual(recordType, a, b string) bool {
	switch strings.ToUpper(recordType) {
	case "CNAME", "ALIAS", "NS", "MX":
		return NormalizeHost(a) == NormalizeHost(b)
	case "TXT":
		return strings.Trim(strings.TrimSpace(a), `"`) == strings.Trim(strings.TrimSpace(b), `"`)
	case "CAA":
		ca, okA := ParseCAA(a)
		cb, okB := ParseCAA(b)
		if !okA || !okB {
			return strings.TrimSpace(a) == strings.TrimSpace(b)
		}
		return ca.Flags == cb.Flags && ca.Tag == cb.Tag && NormalizeHost(ca.Value) == NormalizeHost(cb.Value)
	default:
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
}
