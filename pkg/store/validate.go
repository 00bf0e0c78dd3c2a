package store

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// minAccountHashLen is the minimum length of the opaque tenant identifier.
const minAccountHashLen = 8

// ValidateAccountHash checks the opaque tenant identifier.
func ValidateAccountHash(hash string) error {
	if len(hash) < minAccountHashLen {
		return fmt.Errorf("%w: accountHash must be at least %d characters", ErrBadRequest, minAccountHashLen)
	}
	return nil
}

// ValidateDownloadURL enforces the CDN URL policy: https only, hostname must
// end in .apple.com, and literal IPs are rejected even when they would match
// the suffix rule.
func ValidateDownloadURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid download URL: %v", ErrBadRequest, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: download URL must use https", ErrBadRequest)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: download URL has no host", ErrBadRequest)
	}
	if net.ParseIP(host) != nil {
		return fmt.Errorf("%w: literal IP addresses are not allowed", ErrBadRequest)
	}
	if !strings.HasSuffix(host, ".apple.com") {
		return fmt.Errorf("%w: host %q is not an apple.com CDN", ErrBadRequest, host)
	}
	return nil
}

func (p *CreateParams) validate() error {
	if err := ValidateAccountHash(p.AccountHash); err != nil {
		return err
	}
	if p.Software.BundleID == "" {
		return fmt.Errorf("%w: software.bundleId is required", ErrBadRequest)
	}
	if p.Software.Version == "" {
		return fmt.Errorf("%w: software.version is required", ErrBadRequest)
	}
	return ValidateDownloadURL(p.DownloadURL)
}
