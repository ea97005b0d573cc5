package crawler

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"
)

// checkDNS resolves the host of rawURL. The result is advisory: the
// browser's own resolver may still succeed.
func checkDNS(ctx context.Context, resolver Resolver, rawURL string, timeout time.Duration) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	host := u.Hostname()
	if net.ParseIP(host) != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("resolve %s: no addresses", host)
	}
	return nil
}
