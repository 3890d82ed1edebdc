package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollectorsExposeCounters(t *testing.T) {
	c := New()
	c.RecordFetch("cache")
	c.RecordFetch("cache")
	c.RecordInstall(nil)
	c.RecordInstall(errors.New("boom"))
	c.RecordStoreDeleted()
	c.RecordBackgroundPut(nil)
	c.SetLifecycleState("activated", []string{"installing", "activated"})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/-/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`shellcache_fetch_total{source="cache"} 2`,
		`shellcache_install_total{result="error"} 1`,
		`shellcache_install_total{result="success"} 1`,
		`shellcache_stores_deleted_total 1`,
		`shellcache_background_put_total{result="success"} 1`,
		`shellcache_lifecycle_state{state="activated"} 1`,
		`shellcache_lifecycle_state{state="installing"} 0`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, out)
		}
	}
}

func TestNilCollectorsAreSafe(t *testing.T) {
	var c *Collectors
	c.RecordFetch("cache")
	c.RecordInstall(nil)
	c.RecordStoreDeleted()
	c.RecordBackgroundPut(nil)
	c.SetLifecycleState("activated", nil)
	if c.Handler() == nil {
		t.Fatalf("nil collectors should still return a handler")
	}
}
