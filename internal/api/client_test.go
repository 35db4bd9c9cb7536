package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"wifitester/internal/model"
)

type staticResolver struct {
	netloc string
	err    error
}

func (r staticResolver) Locate(context.Context) (model.Device, error) {
	return model.Device{Netloc: r.netloc}, r.err
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(s.Close)
	return NewClient(staticResolver{netloc: strings.TrimPrefix(s.URL, "http://")}, "6h"), &hits
}

func TestIsOpen_QueriesActiveWindow(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/dashboard/trial/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		q := r.URL.Query()
		if q.Get("active") != "on" || q.Get("period") != "6h" || q.Get("limit") != "1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"selected":[],"count":0}`))
	})

	open, err := c.IsOpen(context.Background())
	require.NoError(t, err)
	require.True(t, open)
}

func TestIsOpen_ClosedWhenTrialSelected(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"selected":[{"ts":1000,"size":null,"period":null}],"count":1}`))
	})

	open, err := c.IsOpen(context.Background())
	require.NoError(t, err)
	require.False(t, open)
}

func TestIsOpen_NonSuccessIsClosed(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	open, err := c.IsOpen(context.Background())
	require.NoError(t, err)
	require.False(t, open)
}

func TestIsOpen_TransportFailure(t *testing.T) {
	t.Parallel()

	c := NewClient(staticResolver{netloc: "127.0.0.1:1"}, "6h")
	open, err := c.IsOpen(context.Background())
	require.False(t, open)
	require.ErrorIs(t, err, ErrCoordinatorUnavailable)
}

func TestIsOpen_ResolverFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("no device")
	c := NewClient(staticResolver{err: boom}, "6h")
	open, err := c.IsOpen(context.Background())
	require.False(t, open)
	require.ErrorIs(t, err, boom)
}

func TestClaim_Inserted(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Query().Get("active") != "on" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"inserted":{"ts":1000}}`))
	})

	trial, err := c.Claim(context.Background())
	require.NoError(t, err)
	require.NotNil(t, trial)
	require.Equal(t, int64(1000), trial.Timestamp)
}

func TestClaim_ConflictIsNil(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"inserted":null}`))
	})

	trial, err := c.Claim(context.Background())
	require.NoError(t, err)
	require.Nil(t, trial)
}

func TestClaim_NullInsertedIsNil(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"inserted":null}`))
	})

	trial, err := c.Claim(context.Background())
	require.NoError(t, err)
	require.Nil(t, trial)
}

func TestSubmit_SendsSizeAndPeriod(t *testing.T) {
	t.Parallel()

	var size, period, path string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		path = r.URL.Path
		size = r.PostForm.Get("size")
		period = r.PostForm.Get("period")
		w.WriteHeader(http.StatusNoContent)
	})

	ok, err := c.Submit(context.Background(), &model.Trial{Timestamp: 1000},
		&model.Measurement{NumBytes: 125_000_000, ElapsedTime: 10_000_000})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/dashboard/trial/1000", path)
	require.Equal(t, "125000000", size)
	require.Equal(t, "10000000", period)
}

func TestSubmit_NoRequestWithoutMeasurementOrTrial(t *testing.T) {
	t.Parallel()

	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	ok, err := c.Submit(context.Background(), &model.Trial{Timestamp: 1000}, nil)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.Submit(context.Background(), &model.Trial{}, &model.Measurement{NumBytes: 1, ElapsedTime: 1})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.Submit(context.Background(), nil, &model.Measurement{NumBytes: 1, ElapsedTime: 1})
	require.NoError(t, err)
	require.False(t, ok)

	require.Zero(t, hits.Load())
}

func TestSubmit_ErrorIncludesStatusAndBody(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	})

	ok, err := c.Submit(context.Background(), &model.Trial{Timestamp: 7}, &model.Measurement{NumBytes: 1, ElapsedTime: 1})
	require.False(t, ok)
	require.Error(t, err)
	require.Contains(t, err.Error(), "400")
	require.Contains(t, err.Error(), `"error":"nope"`)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadRequest, se.Code)
}

func TestStats(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/dashboard/trial/stats" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"total_count":2,"stat_count_win":2,"stat_mean_win":1.5e7,"stat_stdev":null,"last_rate":1e7,"success_count":null}`))
	})

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalCount)
	require.NotNil(t, stats.StatMeanWin)
	require.InDelta(t, 1.5e7, *stats.StatMeanWin, 1)
	require.Nil(t, stats.StatStdev)
}

func TestIsOpen_BodyWithoutCountIsClosed(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"maintenance"}`))
	})

	open, err := c.IsOpen(context.Background())
	require.NoError(t, err)
	require.False(t, open)
}

func TestIdentify(t *testing.T) {
	t.Parallel()

	serve := func(software string, status int) string {
		s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodHead || r.URL.Path != "/dashboard/" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if software != "" {
				w.Header().Set(SoftwareHeader, software)
			}
			w.WriteHeader(status)
		}))
		t.Cleanup(s.Close)
		return strings.TrimPrefix(s.URL, "http://")
	}

	c := NewClient(nil, "")
	ctx := context.Background()

	require.NoError(t, c.Identify(ctx, serve(SoftwareName, http.StatusOK)))
	require.NoError(t, c.Identify(ctx, serve(SoftwareName, http.StatusUnauthorized)))

	other := serve("nginx", http.StatusOK)
	err := c.Identify(ctx, other)
	var unidentified *UnidentifiedSoftwareError
	require.ErrorAs(t, err, &unidentified)
	require.Equal(t, other, unidentified.Netloc)
	require.Equal(t, "nginx", unidentified.Software)

	require.ErrorAs(t, c.Identify(ctx, serve("", http.StatusOK)), &unidentified)
	require.Error(t, c.Identify(ctx, "127.0.0.1:1"))
}
