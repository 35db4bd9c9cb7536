// Package device discovers the netrics coordinator on the local network.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wifitester/internal/api"
	"wifitester/internal/model"
)

const (
	// StorageKey is the store key holding the cached coordinator netloc.
	StorageKey = "localDashboardNetloc"

	// SoftwareHeader and SoftwareName identify a genuine coordinator.
	SoftwareHeader = api.SoftwareHeader
	SoftwareName   = api.SoftwareName
)

// ErrDeviceNotFound is returned when no candidate host answered as a coordinator.
var ErrDeviceNotFound = errors.New("netrics device address could not be found")

// UnidentifiedSoftwareError is a probe answered by something other than the coordinator.
type UnidentifiedSoftwareError = api.UnidentifiedSoftwareError

// Identifier checks whether a host is the coordinator.
type Identifier interface {
	Identify(ctx context.Context, netloc string) error
}

// KV is the persistent storage the locator caches its result in.
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// Locator finds the coordinator by racing probes against known hosts and
// caches the first winner for the lifetime of the installation.
type Locator struct {
	hosts   []string
	kv      KV
	ident   Identifier
	timeout time.Duration
	log     *zap.Logger

	mu sync.Mutex
}

// NewLocator creates a locator over the ordered candidate hosts.
func NewLocator(hosts []string, kv KV, timeout time.Duration, log *zap.Logger) *Locator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Locator{
		hosts:   append([]string(nil), hosts...),
		kv:      kv,
		ident:   api.NewClient(nil, ""),
		timeout: timeout,
		log:     log,
	}
}

// Cached returns the stored device without probing.
func (l *Locator) Cached() (model.Device, bool) {
	netloc, ok := l.kv.Get(StorageKey)
	if !ok || netloc == "" {
		return model.Device{}, false
	}
	return model.Device{Netloc: netloc}, true
}

// Locate returns the coordinator device, probing only on a cold cache.
func (l *Locator) Locate(ctx context.Context) (model.Device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if d, ok := l.Cached(); ok {
		return d, nil
	}

	netloc, err := l.race(ctx)
	if err != nil {
		return model.Device{}, err
	}
	if err := l.kv.Set(StorageKey, netloc); err != nil {
		// The device is still usable for this call.
		l.log.Warn("cache device address failed", zap.String("netloc", netloc), zap.Error(err))
	}
	l.log.Info("netrics device found", zap.String("netloc", netloc))
	return model.Device{Netloc: netloc}, nil
}

type probeResult struct {
	netloc string
	err    error
}

// race probes all hosts in parallel; the first success wins and the rest
// are cancelled best-effort.
func (l *Locator) race(ctx context.Context) (string, error) {
	if len(l.hosts) == 0 {
		return "", ErrDeviceNotFound
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan probeResult, len(l.hosts))
	for _, host := range l.hosts {
		go func(netloc string) {
			results <- probeResult{netloc: netloc, err: l.probe(ctx, netloc)}
		}(host)
	}

	errs := make([]error, 0, len(l.hosts))
	for range l.hosts {
		res := <-results
		if res.err == nil {
			return res.netloc, nil
		}
		l.log.Debug("probe failed", zap.String("netloc", res.netloc), zap.Error(res.err))
		errs = append(errs, res.err)
	}
	return "", fmt.Errorf("%w: %w", ErrDeviceNotFound, errors.Join(errs...))
}

// probe identifies netloc within the probe timeout.
func (l *Locator) probe(ctx context.Context, netloc string) error {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	return l.ident.Identify(ctx, netloc)
}
