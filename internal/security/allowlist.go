package security

import (
	"fmt"
	"net"
	"strings"
)

// TailscaleCIDRs is the shorthand expanded when allowed_cidrs contains "tailscale".
var TailscaleCIDRs = []string{"100.64.0.0/10", "fd7a:115c:a1e0::/48"}

// AllowList restricts which client addresses may connect. A nil or empty
// AllowList admits everyone.
type AllowList struct {
	nets []*net.IPNet
}

// ParseAllowList parses CIDR strings (or "tailscale") into an AllowList.
func ParseAllowList(cidrs []string) (*AllowList, error) {
	al := &AllowList{}
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if strings.EqualFold(c, "tailscale") {
			for _, tc := range TailscaleCIDRs {
				_, n, _ := net.ParseCIDR(tc)
				al.nets = append(al.nets, n)
			}
			continue
		}
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", c, err)
		}
		al.nets = append(al.nets, n)
	}
	return al, nil
}

// Allows reports whether addr (host:port) is inside one of the networks.
func (al *AllowList) Allows(addr string) bool {
	if al == nil || len(al.nets) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range al.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
