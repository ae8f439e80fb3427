package eta

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

type countingClient struct {
	calls int
	err   error
}

func (c *countingClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	c.calls++
	return 42, c.err
}

func TestNaiveEstimate(t *testing.T) {
	from := models.Coord{Lat: 9.0, Lon: 38.7}
	to := models.Coord{Lat: 9.01, Lon: 38.7}
	// ~1.11 km at 10 m/s
	got := EstimateSeconds(from, to, 10)
	if math.Abs(got-111.2) > 1 {
		t.Fatalf("estimate = %.2f, want ~111", got)
	}
	if EstimateSeconds(from, to, 0) <= got {
		t.Fatal("default speed should be slower than 10 m/s")
	}
}

func TestCachedClient(t *testing.T) {
	inner := &countingClient{}
	c := Cached{Client: inner, Cache: NewCache(time.Minute)}
	a, b := models.Coord{Lat: 1, Lon: 2}, models.Coord{Lat: 1.001, Lon: 2}
	for i := 0; i < 3; i++ {
		v, err := c.EstimateSeconds(context.Background(), a, b)
		if err != nil || v != 42 {
			t.Fatalf("estimate = %v, %v", v, err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("inner calls = %d, want 1", inner.calls)
	}
}

func TestCachedClientDoesNotStoreErrors(t *testing.T) {
	inner := &countingClient{err: errors.New("down")}
	c := Cached{Client: inner, Cache: NewCache(time.Minute)}
	a := models.Coord{Lat: 1, Lon: 2}
	_, _ = c.EstimateSeconds(context.Background(), a, a)
	_, _ = c.EstimateSeconds(context.Background(), a, a)
	if inner.calls != 2 {
		t.Fatalf("inner calls = %d, want 2", inner.calls)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Nanosecond)
	a := models.Coord{Lat: 1, Lon: 1}
	c.Set(a, a, 5)
	time.Sleep(time.Millisecond)
	if _, ok := c.Get(a, a); ok {
		t.Fatal("entry should have expired")
	}
}

func TestCacheSweepsExpiredWhenFull(t *testing.T) {
	c := NewCache(time.Nanosecond)
	c.max = 2
	c.Set(models.Coord{Lat: 1}, models.Coord{}, 1)
	c.Set(models.Coord{Lat: 2}, models.Coord{}, 2)
	time.Sleep(time.Millisecond)
	c.Set(models.Coord{Lat: 3}, models.Coord{}, 3)
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1 after sweep", c.Len())
	}
}

func TestOSRMClient(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		fmt.Fprint(w, `{"code":"Ok","routes":[{"duration":321.5}]}`)
	}))
	defer srv.Close()
	v, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{Lat: 9, Lon: 38}, models.Coord{Lat: 9.1, Lon: 38.1})
	if err != nil || v != 321.5 {
		t.Fatalf("osrm = %v, %v", v, err)
	}
	if path != "/route/v1/driving/38.000000,9.000000;38.100000,9.100000" {
		t.Fatalf("path = %s", path)
	}
}

func TestOSRMNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"NoRoute","routes":[]}`)
	}))
	defer srv.Close()
	_, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{})
	if errs.KindOf(err) != errs.UpstreamService {
		t.Fatalf("err = %v, want upstream_service", err)
	}
}
