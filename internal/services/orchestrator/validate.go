package orchestrator

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// URLValidator rejects webhook URLs that would make the server call into
// private address space. Hostnames are resolved and every address checked;
// the check runs again before each delivery attempt so a DNS change between
// enqueue and delivery is caught.
type URLValidator struct {
	lookupIP func(host string) ([]net.IP, error)
}

// NewURLValidator returns a validator using the system resolver.
func NewURLValidator() *URLValidator {
	return &URLValidator{lookupIP: net.LookupIP}
}

// NewURLValidatorWithLookup returns a validator with a custom resolver.
// Used by tests.
func NewURLValidatorWithLookup(lookup func(host string) ([]net.IP, error)) *URLValidator {
	return &URLValidator{lookupIP: lookup}
}

// Validate returns an error when the URL is not an http(s) URL pointing at a
// public address.
func (v *URLValidator) Validate(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook url has no host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("webhook host %q is not allowed", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if forbiddenIP(ip) {
			return fmt.Errorf("webhook host %s is not a public address", ip)
		}
		return nil
	}

	ips, err := v.lookupIP(host)
	if err != nil {
		return fmt.Errorf("webhook host %q did not resolve: %w", host, err)
	}
	for _, ip := range ips {
		if forbiddenIP(ip) {
			return fmt.Errorf("webhook host %q resolves to non-public address %s", host, ip)
		}
	}
	return nil
}

// zeroNet is 0.0.0.0/8, the "this network" block.
var zeroNet = &net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(8, 32)}

// forbiddenIP reports whether the address is loopback, private (RFC 1918),
// link-local, a unique local IPv6 address (fc00::/7), unspecified, or in
// 0.0.0.0/8.
func forbiddenIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil && zeroNet.Contains(ip4) {
		return true
	}
	return false
}
