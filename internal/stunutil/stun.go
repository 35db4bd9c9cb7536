package stunutil

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"

	// DefaultServer is used by diagnostics when none are configured.
	DefaultServer = "stun.l.google.com:19302"
)

// Result is the outcome of probing a set of STUN servers.
type Result struct {
	PublicAddr string
	NATType    string
	Responded  int
}

// Probe queries STUN servers for this host's public mapped address.
func Probe(ctx context.Context, servers []string, timeout time.Duration) (Result, error) {
	if len(servers) == 0 {
		return Result{NATType: NATTypeUnknown}, fmt.Errorf("no STUN servers provided")
	}

	addrs := make([]string, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := probeServer(ctx, server, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		addrs = append(addrs, addr)
	}

	if len(addrs) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("STUN probe failed")
		}
		return Result{NATType: NATTypeUnknown}, lastErr
	}
	return Result{PublicAddr: addrs[0], NATType: Classify(addrs), Responded: len(addrs)}, nil
}

// Classify infers NAT type by comparing mapped addresses from multiple servers.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

// Checker tells whether this host can reach the internet. It is used to
// make "device not found" notices actionable.
type Checker struct {
	Servers []string
	Timeout time.Duration
}

// Online reports whether any STUN server answered. ok is false when no
// servers are configured, in which case online is meaningless.
func (c Checker) Online(ctx context.Context) (online, ok bool) {
	if len(c.Servers) == 0 {
		return false, false
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	answers := make(chan bool, len(c.Servers))
	for _, server := range c.Servers {
		go func(server string) {
			_, err := probeServer(ctx, server, c.Timeout)
			answers <- err == nil
		}(server)
	}
	for range c.Servers {
		if <-answers {
			return true, true
		}
	}
	return false, true
}

func normalizeURI(server string) (string, error) {
	uri := strings.TrimSpace(server)
	if uri == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uri, "stun:") {
		uri = "stun:" + uri
	}
	return uri, nil
}

func probeServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr, err := normalizeURI(server)
	if err != nil {
		return "", err
	}
	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type answer struct {
		addr string
		err  error
	}
	done := make(chan answer, 2)
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	go func() {
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				done <- answer{err: res.Error}
				return
			}
			var addr stun.XORMappedAddress
			if err := addr.GetFrom(res.Message); err != nil {
				done <- answer{err: err}
				return
			}
			done <- answer{addr: addr.String()}
		})
		if err != nil {
			done <- answer{err: err}
		}
	}()

	select {
	case a := <-done:
		return a.addr, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
