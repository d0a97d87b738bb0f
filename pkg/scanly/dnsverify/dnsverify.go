// Package dnsverify checks that a custom domain's DNS proves ownership and
// routes traffic to the platform.
package dnsverify

import (
	"context"
	"net"
	"strings"
	"time"
)

// DefaultTimeout bounds each individual lookup.
const DefaultTimeout = 5 * time.Second

// Resolver abstracts DNS lookups so they can be replaced in tests.
// ResolveTXT returns one fragment list per TXT record.
type Resolver interface {
	ResolveTXT(ctx context.Context, host string) ([][]string, error)
	ResolveCNAME(ctx context.Context, host string) ([]string, error)
}

// NetResolver implements Resolver using the standard library.
type NetResolver struct {
	Resolver *net.Resolver
}

func (r *NetResolver) resolver() *net.Resolver {
	if r.Resolver != nil {
		return r.Resolver
	}
	return net.DefaultResolver
}

// ResolveTXT looks up TXT records. The standard library already joins the
// fragments of each record, so every record is returned as a single fragment.
func (r *NetResolver) ResolveTXT(ctx context.Context, host string) ([][]string, error) {
	records, err := r.resolver().LookupTXT(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([][]string, 0, len(records))
	for _, rec := range records {
		out = append(out, []string{rec})
	}
	return out, nil
}

// ResolveCNAME looks up the canonical name of host.
func (r *NetResolver) ResolveCNAME(ctx context.Context, host string) ([]string, error) {
	cname, err := r.resolver().LookupCNAME(ctx, host)
	if err != nil {
		return nil, err
	}
	return []string{cname}, nil
}

// Result reports the two independent checks. Verified follows TXT only.
type Result struct {
	TXTVerified     bool
	CNAMEConfigured bool
}

// Verified reports whether ownership is proven.
func (r Result) Verified() bool {
	return r.TXTVerified
}

// Checker runs domain verification lookups.
type Checker struct {
	resolver     Resolver
	platformHost string
	timeout      time.Duration
}

// NewChecker creates a Checker expecting CNAMEs to point at platformHost.
func NewChecker(resolver Resolver, platformHost string, timeout time.Duration) *Checker {
	if resolver == nil {
		resolver = &NetResolver{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{resolver: resolver, platformHost: platformHost, timeout: timeout}
}

// PlatformHost returns the expected CNAME target.
func (c *Checker) PlatformHost() string {
	return c.platformHost
}

// Check resolves TXT and CNAME for domain. A lookup failure of any kind is
// treated as "record not found" and never aborts the other lookup.
func (c *Checker) Check(ctx context.Context, domain, expectedTXT string) Result {
	return Result{
		TXTVerified:     c.checkTXT(ctx, domain, expectedTXT),
		CNAMEConfigured: c.checkCNAME(ctx, domain),
	}
}

func (c *Checker) checkTXT(ctx context.Context, domain, expected string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	records, err := c.resolver.ResolveTXT(ctx, domain)
	if err != nil {
		return false
	}
	return MatchTXT(records, expected)
}

func (c *Checker) checkCNAME(ctx context.Context, domain string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	targets, err := c.resolver.ResolveCNAME(ctx, domain)
	if err != nil {
		return false
	}
	return MatchCNAME(targets, c.platformHost)
}

// MatchTXT reports whether any record's concatenated fragments equal expected.
func MatchTXT(records [][]string, expected string) bool {
	if expected == "" {
		return false
	}
	for _, fragments := range records {
		if strings.Join(fragments, "") == expected {
			return true
		}
	}
	return false
}

// MatchCNAME reports whether any target names host, ignoring a trailing dot
// and letter case.
func MatchCNAME(targets []string, host string) bool {
	want := normalizeHost(host)
	if want == "" {
		return false
	}
	for _, t := range targets {
		if normalizeHost(t) == want {
			return true
		}
	}
	return false
}

func normalizeHost(h string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(h), "."))
}
