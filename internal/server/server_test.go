package server_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/voltgrid/ev-platform/internal/config"
	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/server"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startService runs a server on an OS-assigned port and returns its
// address plus a stop function that blocks until shutdown finishes.
func startService(t *testing.T, p server.Params) (string, func() error) {
	t.Helper()

	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(ctx, p, ln)
	}()

	waitForHealthy(t, ln.Addr().String())

	return ln.Addr().String(), func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(domain.GracefulShutdownTimeout + 5*time.Second):
			t.Fatal("shutdown did not complete within budget")
			return nil
		}
	}
}

func testParams() server.Params {
	return server.Params{
		Name:           "testservice",
		PortFromConfig: func(_ *config.Config) int { return 0 },
	}
}

func TestRun_ServesHealthAndMountedRoutes(t *testing.T) {
	var cleanedUp atomic.Bool
	params := testParams()
	params.Setup = func(_ context.Context, deps server.SetupDeps) (http.Handler, server.CleanupFunc, error) {
		require.NotNil(t, deps.Config)
		require.NotNil(t, deps.Logger)

		mux := http.NewServeMux()
		mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "pong")
		})
		cleanup := func(context.Context) error {
			cleanedUp.Store(true)
			return nil
		}
		return mux, cleanup, nil
	}

	addr, stop := startService(t, params)

	resp, err := httpGet(fmt.Sprintf("http://%s/ping", addr))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))

	require.NoError(t, stop())
	assert.True(t, cleanedUp.Load(), "cleanup must run during shutdown")
}

func TestRun_ShutdownStaysWithinBudget(t *testing.T) {
	_, stop := startService(t, testParams())

	start := time.Now()
	require.NoError(t, stop())
	assert.LessOrEqual(t, time.Since(start), domain.GracefulShutdownTimeout)
}

func TestRun_HealthFlipsTo503WhileDraining(t *testing.T) {
	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(ctx, testParams(), ln)
	}()
	waitForHealthy(t, addr)

	cancel()

	// During the drain delay the listener is still open but health must
	// answer 503.
	saw503 := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, getErr := httpGet(fmt.Sprintf("http://%s/healthz", addr))
		if getErr != nil {
			break
		}
		code := resp.StatusCode
		_ = resp.Body.Close()
		if code == http.StatusServiceUnavailable {
			saw503 = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.True(t, saw503, "health endpoint must report draining")

	require.NoError(t, <-errCh)
}

func waitForHealthy(t *testing.T, addr string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := httpGet(fmt.Sprintf("http://%s/healthz", addr))
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server at %s not healthy within 5s", addr)
}

func httpGet(url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}
