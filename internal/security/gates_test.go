package security

import (
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentz/agentz/internal/apperr"
)

func TestResolvePath_RejectsEmptyWorkDir(t *testing.T) {
	_, err := ResolvePath("", "foo.txt")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindSecurityViolation))
}

func TestResolvePath_AllowsRelativePathWithinWorkDir(t *testing.T) {
	dir := t.TempDir()
	got, err := ResolvePath(dir, "sub/file.txt")
	require.NoError(t, err)
	want, _ := filepath.Abs(filepath.Join(dir, "sub/file.txt"))
	assert.Equal(t, want, got)
}

func TestResolvePath_RejectsParentTraversal(t *testing.T) {
	dir := t.TempDir()
	_, err := ResolvePath(dir, "../../etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PathTraversal")
}

func TestResolvePath_RejectsAbsolutePathOutsideWorkDir(t *testing.T) {
	dir := t.TempDir()
	_, err := ResolvePath(dir, "/etc/passwd")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindSecurityViolation))
}

func TestResolvePath_AllowsWorkDirItself(t *testing.T) {
	dir := t.TempDir()
	got, err := ResolvePath(dir, ".")
	require.NoError(t, err)
	want, _ := filepath.Abs(dir)
	assert.Equal(t, want, got)
}

func TestCheckCommand_RejectsDenylisted(t *testing.T) {
	cases := []string{
		"rm -rf /",
		"sudo rm -rf / --no-preserve-root",
		"rm -rf ~",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
	}
	for _, c := range cases {
		err := CheckCommand(c)
		require.Error(t, err, "command %q should be denied", c)
		assert.True(t, apperr.Is(err, apperr.KindSecurityViolation))
	}
}

func TestCheckCommand_AllowsOrdinaryCommands(t *testing.T) {
	for _, c := range []string{"ls -la", "git status", "go test ./...", "rm -rf ./build"} {
		assert.NoError(t, CheckCommand(c), "command %q should be allowed", c)
	}
}

func TestCheckMCPHost_RejectsLocalhost(t *testing.T) {
	err := CheckMCPHost("localhost", noopLookup)
	require.Error(t, err)
}

func TestCheckMCPHost_RejectsLiteralBlacklistedIP(t *testing.T) {
	cases := []string{"127.0.0.1", "10.1.2.3", "192.168.1.1", "169.254.169.254", "::1"}
	for _, ip := range cases {
		err := CheckMCPHost(ip, noopLookup)
		require.Error(t, err, "ip %s should be blacklisted", ip)
	}
}

func TestCheckMCPHost_AllowsLiteralPublicIP(t *testing.T) {
	err := CheckMCPHost("8.8.8.8", noopLookup)
	assert.NoError(t, err)
}

func TestCheckMCPHost_RejectsHostnameResolvingToBlacklistedIP(t *testing.T) {
	lookup := func(host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("169.254.169.254")}, nil
	}
	err := CheckMCPHost("metadata.internal", lookup)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindSecurityViolation))
}

func TestCheckMCPHost_AllowsHostnameResolvingToPublicIP(t *testing.T) {
	lookup := func(host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}
	assert.NoError(t, CheckMCPHost("example.com", lookup))
}

func TestCheckMCPHost_DNSFailureIsSecurityViolation(t *testing.T) {
	lookup := func(host string) ([]net.IP, error) {
		return nil, errors.New("no such host")
	}
	err := CheckMCPHost("bad.invalid", lookup)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindSecurityViolation))
}

func noopLookup(host string) ([]net.IP, error) {
	return nil, errors.New("lookup should not be called for a literal IP or localhost")
}
