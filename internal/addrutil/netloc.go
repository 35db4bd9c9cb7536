package addrutil

import (
	"net"
	"strconv"
	"strings"
)

// FallbackNDTHost is used when the coordinator was reached through a
// loopback name; the ndt7 server is assumed to run on the device itself.
const FallbackNDTHost = "netrics.local"

// DashboardURL returns the coordinator's dashboard root for netloc.
func DashboardURL(netloc string) string {
	return "http://" + Normalize(netloc) + "/dashboard/"
}

// TrialURL returns the trial collection URL for netloc.
func TrialURL(netloc string) string {
	return DashboardURL(netloc) + "trial/"
}

// Normalize trims whitespace, any scheme and any trailing path from netloc.
func Normalize(netloc string) string {
	n := strings.TrimSpace(netloc)
	n = strings.TrimPrefix(n, "http://")
	n = strings.TrimPrefix(n, "https://")
	if i := strings.IndexByte(n, '/'); i >= 0 {
		n = n[:i]
	}
	return n
}

// NDTAddr builds the host:port of the ndt7 server for a coordinator netloc.
//
// The coordinator's own port is dropped and ndtPort is used instead. Loopback
// names map to FallbackNDTHost.
func NDTAddr(netloc string, ndtPort int) (string, bool) {
	host := Host(Normalize(netloc))
	if host == "" || ndtPort <= 0 {
		return "", false
	}
	if host == "localhost" || host == "0.0.0.0" {
		host = FallbackNDTHost
	}
	return net.JoinHostPort(host, strconv.Itoa(ndtPort)), true
}

// Host returns the host part of addr, which may or may not carry a port.
func Host(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return ""
	}

	// Fast path: "host:port" (IPv4 or bracketed IPv6).
	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}

	// Raw IPv6 without port.
	if strings.Count(a, ":") > 1 {
		return strings.Trim(a, "[]")
	}
	return a
}
