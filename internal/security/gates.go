// Package security implements the normative path-traversal, command-
// denylist, and MCP-hostname-blacklist gates (spec §4.8). Adapters call
// these before touching the filesystem, running a command, or dialing an
// MCP server.
package security

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"github.com/agentz/agentz/internal/apperr"
)

// ResolvePath validates that candidatePath, interpreted relative to
// workDir, resolves to a location inside workDir. Returns the resolved
// absolute path on success, or a SecurityViolation error — the caller
// must not touch the filesystem on error (spec: "rejected without
// touching the filesystem").
func ResolvePath(workDir, candidatePath string) (string, error) {
	if workDir == "" {
		return "", apperr.New(apperr.KindSecurityViolation, "empty working directory")
	}

	workAbs, err := filepath.Abs(workDir)
	if err != nil {
		return "", apperr.Wrap(apperr.KindSecurityViolation, "cannot resolve working directory", err)
	}

	var target string
	if filepath.IsAbs(candidatePath) {
		target = filepath.Clean(candidatePath)
	} else {
		target = filepath.Clean(filepath.Join(workAbs, candidatePath))
	}

	rel, err := filepath.Rel(workAbs, target)
	if err != nil {
		return "", apperr.New(apperr.KindSecurityViolation, "PathTraversal: cannot compute relative path")
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperr.New(apperr.KindSecurityViolation, fmt.Sprintf("PathTraversal: %q escapes working directory", candidatePath))
	}
	return target, nil
}

// deniedCommandSubstrings is the fixed command denylist (spec §4.8).
var deniedCommandSubstrings = []string{
	"rm -rf /",
	"rm -rf ~",
	"mkfs",
	"dd if=",
}

// CheckCommand rejects a shell command containing a denylisted
// substring.
func CheckCommand(command string) error {
	for _, bad := range deniedCommandSubstrings {
		if strings.Contains(command, bad) {
			return apperr.New(apperr.KindSecurityViolation, fmt.Sprintf("command denylisted: contains %q", bad))
		}
	}
	return nil
}

// blacklistedCIDRs covers loopback, RFC1918, link-local, and the common
// cloud metadata endpoint ranges.
var blacklistedCIDRs = mustParseCIDRs([]string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16", // link-local; also covers 169.254.169.254 metadata
	"::1/128",
	"fc00::/7",
	"fe80::/10",
})

func mustParseCIDRs(cidrs []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("security: invalid CIDR literal: " + c)
		}
		out = append(out, n)
	}
	return out
}

func isBlacklistedIP(ip net.IP) bool {
	for _, n := range blacklistedCIDRs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// CheckMCPHost validates an MCP server hostname both pre- and post-DNS
// resolution (spec §4.8). Pass a resolver (net.DefaultResolver works) so
// tests can inject a fake one.
func CheckMCPHost(host string, lookup func(host string) ([]net.IP, error)) error {
	if host == "localhost" {
		return apperr.New(apperr.KindSecurityViolation, "MCP host blacklisted: localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		if isBlacklistedIP(ip) {
			return apperr.New(apperr.KindSecurityViolation, fmt.Sprintf("MCP host blacklisted: %s", host))
		}
		return nil
	}

	ips, err := lookup(host)
	if err != nil {
		return apperr.Wrap(apperr.KindSecurityViolation, fmt.Sprintf("MCP host %q failed DNS resolution", host), err)
	}
	for _, ip := range ips {
		if isBlacklistedIP(ip) {
			return apperr.New(apperr.KindSecurityViolation, fmt.Sprintf("MCP host %q resolves to blacklisted address %s", host, ip))
		}
	}
	return nil
}
