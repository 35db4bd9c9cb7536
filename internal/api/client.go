package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"wifitester/internal/addrutil"
	"wifitester/internal/model"
)

// SoftwareHeader and SoftwareName identify a genuine coordinator.
const (
	SoftwareHeader = "Software"
	SoftwareName   = "netrics-dashboard"
)

// ErrCoordinatorUnavailable marks transport-level failures talking to the
// coordinator. Callers treat it as "slot closed".
var ErrCoordinatorUnavailable = errors.New("coordinator unavailable")

// Resolver yields the coordinator device the client talks to.
type Resolver interface {
	Locate(ctx context.Context) (model.Device, error)
}

// Client speaks the trial slot protocol to the coordinator. It never retries
// on its own; every call is independently retriable by the caller.
type Client struct {
	resolver Resolver
	period   string
	http     *http.Client
}

// NewClient creates a slot client for trials of the given period (e.g. "6h").
// resolver may be nil when the client is only used to Identify hosts.
func NewClient(resolver Resolver, period string) *Client {
	return &Client{
		resolver: resolver,
		period:   period,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsOpen reports whether no trial is active or recent within the period
// window. A non-success response means "not open" rather than an error.
func (c *Client) IsOpen(ctx context.Context) (bool, error) {
	u, err := c.queryURL(ctx)
	if err != nil {
		return false, err
	}
	q := u.Query()
	q.Set("limit", "1")
	u.RawQuery = q.Encode()

	// Count stays nil when the body is not a trial listing.
	var resp struct {
		Count *int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, u.String(), nil, "", &resp); err != nil {
		if isStatusError(err) {
			return false, nil
		}
		return false, err
	}
	return resp.Count != nil && *resp.Count == 0, nil
}

// Identify checks that netloc serves the coordinator dashboard: HEAD
// /dashboard/ must answer with the Software signature header, whatever
// the status code.
func (c *Client) Identify(ctx context.Context, netloc string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, addrutil.DashboardURL(netloc), nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	res.Body.Close()

	if software := res.Header.Get(SoftwareHeader); software != SoftwareName {
		return &UnidentifiedSoftwareError{Netloc: netloc, Software: software}
	}
	return nil
}

// UnidentifiedSoftwareError is a host answered by something other than the
// coordinator.
type UnidentifiedSoftwareError struct {
	Netloc   string
	Software string
}

func (e *UnidentifiedSoftwareError) Error() string {
	if e.Software == "" {
		return fmt.Sprintf("%s: no %s header", e.Netloc, SoftwareHeader)
	}
	return fmt.Sprintf("%s: unexpected software %q", e.Netloc, e.Software)
}

// Claim asks the coordinator to atomically create a trial slot. It returns
// nil without error when nothing was inserted, which is the normal outcome
// of losing the race to another client.
func (c *Client) Claim(ctx context.Context) (*model.Trial, error) {
	u, err := c.queryURL(ctx)
	if err != nil {
		return nil, err
	}

	var resp ClaimResponse
	if err := c.do(ctx, http.MethodPost, u.String(), nil, "", &resp); err != nil {
		// 409 Conflict is the coordinator's "nothing inserted".
		if isStatusError(err) {
			return nil, nil
		}
		return nil, err
	}
	if resp.Inserted == nil || resp.Inserted.Timestamp <= 0 {
		return nil, nil
	}
	return resp.Inserted, nil
}

// Submit records measurement m against trial. Nothing is sent when m is nil
// or the trial has no valid identifier.
func (c *Client) Submit(ctx context.Context, trial *model.Trial, m *model.Measurement) (bool, error) {
	if m == nil || trial == nil || trial.Timestamp <= 0 {
		return false, nil
	}

	device, err := c.resolver.Locate(ctx)
	if err != nil {
		return false, err
	}

	form := url.Values{}
	form.Set("size", strconv.FormatInt(m.NumBytes, 10))
	form.Set("period", strconv.FormatInt(m.ElapsedTime, 10))

	endpoint := addrutil.TrialURL(device.Netloc) + strconv.FormatInt(trial.Timestamp, 10)
	err = c.do(ctx, http.MethodPut, endpoint, strings.NewReader(form.Encode()),
		"application/x-www-form-urlencoded", nil)
	if err != nil {
		return false, fmt.Errorf("update trial %d: %w", trial.Timestamp, err)
	}
	return true, nil
}

// Stats fetches the coordinator's summary of completed trials.
func (c *Client) Stats(ctx context.Context) (model.TrialStats, error) {
	var stats model.TrialStats
	device, err := c.resolver.Locate(ctx)
	if err != nil {
		return stats, err
	}
	err = c.do(ctx, http.MethodGet, addrutil.TrialURL(device.Netloc)+"stats", nil, "", &stats)
	return stats, err
}

func (c *Client) queryURL(ctx context.Context) (*url.URL, error) {
	device, err := c.resolver.Locate(ctx)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(addrutil.TrialURL(device.Netloc))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("active", "on")
	q.Set("period", c.period)
	u.RawQuery = q.Encode()
	return u, nil
}

// do performs one request. Non-2xx responses yield a *StatusError; transport
// and decode failures wrap ErrCoordinatorUnavailable.
func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCoordinatorUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &StatusError{Code: res.StatusCode, Status: res.Status, Body: strings.TrimSpace(string(body))}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", ErrCoordinatorUnavailable, method, req.URL.Path, err)
	}
	return nil
}

// StatusError describes a non-2xx coordinator response.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("request failed: %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("request failed: %s", e.Status)
}

func isStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}
