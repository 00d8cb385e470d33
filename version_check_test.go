package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsNewerVersion(t *testing.T) {
	tests := []struct {
		latest, current string
		want            bool
	}{
		{"1.2.0", "1.1.9", true},
		{"v2.0.0", "1.9.9", true},
		{"1.1.0", "1.1.0", false},
		{"1.0.0", "1.1.0", false},
		{"garbage", "1.0.0", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isNewerVersion(tt.latest, tt.current), "%s vs %s", tt.latest, tt.current)
	}
}

func TestNormalizeVersion(t *testing.T) {
	assert.Equal(t, "1.4.2", normalizeVersion(" v1.4.2 "))
	assert.Equal(t, "v1.4.2", canonicalVersion("1.4.2"))
}

func testChecker(t *testing.T, h http.HandlerFunc) *VersionChecker {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	vc := NewVersionChecker()
	vc.baseURL = srv.URL
	vc.delay = time.Millisecond
	vc.retryDelay = time.Millisecond
	return vc
}

func TestVersionCheckStoresLatestAndETag(t *testing.T) {
	var gotETag string
	vc := testChecker(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/"+githubRepo+"/releases/latest", r.URL.Path)
		gotETag = r.Header.Get("If-None-Match")
		if gotETag == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		_, _ = w.Write([]byte(`{"tag_name":"v9.1.0"}`))
	})

	require.True(t, vc.check(context.Background()))
	assert.Equal(t, "9.1.0", vc.Info().Latest)

	require.True(t, vc.check(context.Background()))
	assert.Equal(t, `"abc"`, gotETag)
	assert.Equal(t, "9.1.0", vc.Info().Latest)
}

func TestVersionCheckSkipsPrerelease(t *testing.T) {
	vc := testChecker(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"tag_name":"v10.0.0-rc1","prerelease":true}`))
	})
	assert.True(t, vc.check(context.Background()))
	assert.Empty(t, vc.Info().Latest)
}

func TestVersionCheckRetriesServerErrors(t *testing.T) {
	calls := 0
	vc := testChecker(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	})
	vc.checkWithRetry(context.Background())
	assert.Equal(t, versionMaxRetries, calls)
}

func TestVersionInfoDevBuildNeverUpdates(t *testing.T) {
	vc := NewVersionChecker()
	vc.latest = "99.0.0"
	info := vc.Info()
	assert.Equal(t, "dev", info.Current)
	assert.False(t, info.UpdateAvail)
}

func TestVersionCheckerRunStopsOnCancel(t *testing.T) {
	vc := NewVersionChecker()
	vc.delay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		vc.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
