package system

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"binsys/pkg/bus"
	"binsys/pkg/config"
	"binsys/pkg/coordinator"
	"binsys/pkg/registry"

	"github.com/stretchr/testify/require"
)

func TestSystemE2ECoreGroupAndStatusServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := freeTCPPort(t)
	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: port},
		Bus:    config.BusConfig{HistoryLimit: 100, RequestTimeoutSeconds: 2},
		Groups: map[string][]string{
			config.CoreGroup: {"automation", "monitor"},
		},
	}

	rec := newFixtureRecorder()
	b := bus.New(bus.Options{HistoryLimit: cfg.Bus.HistoryLimit})
	coord := coordinator.New(coordinator.Options{Bus: b, Groups: cfg.GroupsOrDefault()})
	reg := registry.New(registry.Options{Coordinator: coord, Bus: b})
	require.NoError(t, reg.Add("automation", rec.factory("automation")))
	require.NoError(t, reg.Add("monitor", rec.factory("monitor", "automation")))

	sys, err := New(Options{Config: cfg, Bus: b, Registry: reg, Coordinator: coord})
	require.NoError(t, err)
	require.NoError(t, sys.Initialize(ctx))

	errCh := make(chan error, 1)
	go func() {
		errCh <- sys.Serve(ctx)
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, baseURL+"/readyz", 2*time.Second))

	// A user session through the facade loads the dependency chain.
	loaded, err := sys.LoadGroupForUser(ctx, config.CoreGroup, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"automation", "monitor"}, loaded)
	require.Equal(t, 1, rec.initCount("monitor", "alice"))

	// Module load over HTTP goes through the bus request path.
	body := bytes.NewReader([]byte(`{"module_name":"monitor","user_id":"carol"}`))
	response, err := http.Post(baseURL+"/modules/load", "application/json", body)
	require.NoError(t, err)
	var ack bus.LoadResponse
	require.NoError(t, json.NewDecoder(response.Body).Decode(&ack))
	require.NoError(t, response.Body.Close())
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.True(t, ack.Ok)
	require.Equal(t, []string{"monitor"}, ack.Loaded)
	require.True(t, coord.IsLoaded("automation", "carol"), "dependency must load alongside")

	// Unknown modules surface as a failed acknowledgement, not a transport error.
	body = bytes.NewReader([]byte(`{"module_name":"ghost","user_id":"carol"}`))
	response, err = http.Post(baseURL+"/modules/load", "application/json", body)
	require.NoError(t, err)
	bad := bus.LoadResponse{}
	require.NoError(t, json.NewDecoder(response.Body).Decode(&bad))
	require.NoError(t, response.Body.Close())
	require.Equal(t, http.StatusUnprocessableEntity, response.StatusCode)
	require.False(t, bad.Ok)
	require.Contains(t, bad.Error, coordinator.ErrorNotRegistered)

	// Group load over HTTP.
	body = bytes.NewReader([]byte(fmt.Sprintf(`{"group_name":%q,"user_id":"dave"}`, config.CoreGroup)))
	response, err = http.Post(baseURL+"/groups/load", "application/json", body)
	require.NoError(t, err)
	groupAck := bus.LoadResponse{}
	require.NoError(t, json.NewDecoder(response.Body).Decode(&groupAck))
	require.NoError(t, response.Body.Close())
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, []string{"automation", "monitor"}, groupAck.Loaded)

	// The status endpoint reflects everything loaded so far.
	response, err = http.Get(baseURL + "/status")
	require.NoError(t, err)
	var status statusResponse
	require.NoError(t, json.NewDecoder(response.Body).Decode(&status))
	require.NoError(t, response.Body.Close())
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, "ready", status.Status)
	require.Equal(t, 2, status.RegisteredModules)
	require.Equal(t, 4, status.ActiveUsers)
	monitor, ok := status.Modules["monitor"]
	require.True(t, ok)
	require.Equal(t, coordinator.StatusActive, monitor.Status)
	require.Contains(t, monitor.LoadedUsers, "alice")
	require.Contains(t, monitor.LoadedUsers, SystemUserID)

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for status server to exit")
	}
}

func TestSystemE2EServerReportsNotReadyBeforeInitialize(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := freeTCPPort(t)
	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: port},
		Bus:    config.BusConfig{HistoryLimit: 100, RequestTimeoutSeconds: 2},
	}

	b := bus.New(bus.Options{})
	coord := coordinator.New(coordinator.Options{Bus: b})
	reg := registry.New(registry.Options{Coordinator: coord, Bus: b})
	sys, err := New(Options{Config: cfg, Bus: b, Registry: reg, Coordinator: coord})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- sys.Serve(ctx)
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Equal(t, http.StatusServiceUnavailable, waitHTTPStatus(t, baseURL+"/readyz", 2*time.Second))
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, baseURL+"/healthz", 2*time.Second))

	// Load requests are rejected until the system is initialized.
	body := bytes.NewReader([]byte(`{"module_name":"automation","user_id":"alice"}`))
	response, err := http.Post(baseURL+"/modules/load", "application/json", body)
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())
	require.Equal(t, http.StatusServiceUnavailable, response.StatusCode)

	require.NoError(t, sys.Initialize(ctx))
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, baseURL+"/readyz", 2*time.Second))

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for status server to exit")
	}
}

func waitHTTPStatus(t *testing.T, url string, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		response, err := http.Get(url)
		if err == nil {
			statusCode := response.StatusCode
			require.NoError(t, response.Body.Close())
			return statusCode
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %v", url, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
