package search

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"regexp"
)

var imageURLRe = regexp.MustCompile(`(?i)^https://\S+\.(jpg|jpeg|png|gif|webp|bmp)$`)

// IsImageURL reports whether text looks like a direct https image link.
func IsImageURL(text string) bool {
	return imageURLRe.MatchString(text)
}

// IsSafeURL rejects URLs whose host resolves to private, loopback,
// link-local, multicast or unspecified addresses, so user-supplied links can
// never be used to probe internal networks.
func IsSafeURL(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return false
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, hostname)
	if err != nil || len(addrs) == 0 {
		return false
	}

	for _, addr := range addrs {
		ip, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			return false
		}
		ip = ip.Unmap()
		if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
			return false
		}
	}

	return true
}
