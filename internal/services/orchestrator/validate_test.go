package orchestrator

import (
	"fmt"
	"net"
	"testing"
)

// privateLookup resolves every hostname to an RFC 1918 address.
func privateLookup(string) ([]net.IP, error) {
	return []net.IP{net.ParseIP("10.0.0.5")}, nil
}

func TestValidate_PublicURLs(t *testing.T) {
	v := NewURLValidatorWithLookup(publicLookup)
	for _, url := range []string{
		"https://hooks.example.com/jobs",
		"http://hooks.example.com:8080/jobs?token=x",
		"https://93.184.216.34/jobs",
		"https://8.8.8.8/",
	} {
		if err := v.Validate(url); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", url, err)
		}
	}
}

func TestValidate_Rejections(t *testing.T) {
	v := NewURLValidatorWithLookup(publicLookup)
	for _, url := range []string{
		"",
		"ftp://example.com/x",
		"file:///etc/passwd",
		"https://",
		"https://localhost/hook",
		"https://LOCALHOST:9000/hook",
		"http://127.0.0.1/hook",
		"http://127.8.8.8/hook",
		"http://10.1.2.3/hook",
		"http://192.168.1.10/hook",
		"http://172.16.0.1/hook",
		"http://169.254.169.254/latest/meta-data",
		"http://0.0.0.0/hook",
		"http://0.1.2.3/hook",
		"http://[::1]/hook",
		"http://[fc00::1]/hook",
		"http://[fe80::1]/hook",
	} {
		if err := v.Validate(url); err == nil {
			t.Errorf("Validate(%q) = nil, want error", url)
		}
	}
}

func TestValidate_HostnameResolvingPrivate(t *testing.T) {
	v := NewURLValidatorWithLookup(privateLookup)
	if err := v.Validate("https://internal.example.com/hook"); err == nil {
		t.Error("accepted a hostname resolving to a private address")
	}
}

// One private address among several public ones is enough to reject.
func TestValidate_MixedResolution(t *testing.T) {
	v := NewURLValidatorWithLookup(func(string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34"), net.ParseIP("192.168.0.9")}, nil
	})
	if err := v.Validate("https://rebind.example.com/hook"); err == nil {
		t.Error("accepted a host with a private address in its resolution")
	}
}

func TestValidate_ResolutionFailure(t *testing.T) {
	v := NewURLValidatorWithLookup(func(host string) ([]net.IP, error) {
		return nil, fmt.Errorf("no such host %s", host)
	})
	if err := v.Validate("https://nxdomain.example.com/hook"); err == nil {
		t.Error("accepted an unresolvable host")
	}
}
