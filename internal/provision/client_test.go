package provision

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sensaura/iothing/internal/device"
)

// fakeThing emulates the /config endpoint of a device.
type fakeThing struct {
	mu       sync.Mutex
	node     string
	posts    int
	rejectOK bool   // answer posts with status false
	echo     string // node to echo instead of the one posted
}

func (f *fakeThing) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != ConfigPath {
		http.NotFound(w, r)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		_ = json.NewEncoder(w).Encode(NodeConfig{Node: f.node})
	case http.MethodPost:
		f.posts++
		var req ClaimRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if f.rejectOK {
			_ = json.NewEncoder(w).Encode(ClaimResponse{Status: false})
			return
		}
		f.node = req.Node
		echo := req.Node
		if f.echo != "" {
			echo = f.echo
		}
		_ = json.NewEncoder(w).Encode(ClaimResponse{Status: true, Node: echo})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func deviceFor(t *testing.T, srv *httptest.Server) *device.Device {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	d := device.NewUnconfigured("iothing-3f", "Sensor-1")
	d.IP = host
	d.Port = port
	return d
}

func newTestClient(t *testing.T) *Client {
	c := NewClient(zaptest.NewLogger(t))
	c.RetryDelay = time.Millisecond
	c.MaxRetryDelay = 5 * time.Millisecond
	return c
}

func TestNewClient(t *testing.T) {
	c := NewClient(nil)

	assert.Equal(t, DefaultMaxRetries, c.MaxRetries)
	assert.Equal(t, DefaultRetryDelay, c.RetryDelay)
	require.NotNil(t, c.HTTPClient)
	assert.Equal(t, DefaultTimeout, c.HTTPClient.Timeout)

	_, err := uuid.Parse(c.NewNodeID())
	assert.NoError(t, err, "default node ids are UUIDs")
}

func TestClient_ClaimUnconfigured(t *testing.T) {
	thing := &fakeThing{}
	srv := httptest.NewServer(thing)
	defer srv.Close()

	d := deviceFor(t, srv)
	claimed, err := newTestClient(t).Claim(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, device.Configured, claimed.State)
	assert.Equal(t, d.ID, claimed.ID)
	assert.Equal(t, thing.node, claimed.NodeID)
	assert.Contains(t, claimed.Details, claimed.NodeID)
	assert.Equal(t, device.Unconfigured, d.State, "the original device is not modified")

	_, err = uuid.Parse(claimed.NodeID)
	assert.NoError(t, err)
}

func TestClient_ClaimAlreadyClaimed(t *testing.T) {
	thing := &fakeThing{node: "existing-node"}
	srv := httptest.NewServer(thing)
	defer srv.Close()

	claimed, err := newTestClient(t).Claim(context.Background(), deviceFor(t, srv))
	require.NoError(t, err)

	assert.Equal(t, "existing-node", claimed.NodeID)
	assert.True(t, claimed.IsConfigured())
	assert.Zero(t, thing.posts, "a claimed device is not re-claimed")
}

func TestClient_ClaimRejected(t *testing.T) {
	tests := []struct {
		name  string
		thing *fakeThing
	}{
		{name: "status false", thing: &fakeThing{rejectOK: true}},
		{name: "different node echoed", thing: &fakeThing{echo: "someone-else"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.thing)
			defer srv.Close()

			_, err := newTestClient(t).Claim(context.Background(), deviceFor(t, srv))
			assert.ErrorIs(t, err, ErrRejected)
		})
	}
}

func TestClient_NoAddress(t *testing.T) {
	c := newTestClient(t)

	_, err := c.Claim(context.Background(), device.NewUnconfigured("a", "A"))
	assert.ErrorIs(t, err, ErrNoAddress)

	_, err = c.GetConfig(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestClient_GetConfig(t *testing.T) {
	srv := httptest.NewServer(&fakeThing{node: "n-1"})
	defer srv.Close()

	cfg, err := newTestClient(t).GetConfig(context.Background(), deviceFor(t, srv))
	require.NoError(t, err)
	assert.Equal(t, "n-1", cfg.Node)
}

func TestClient_TrailingBytesTolerated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"node":"n-2"}` + "\x00\x00garbage"))
	}))
	defer srv.Close()

	cfg, err := newTestClient(t).GetConfig(context.Background(), deviceFor(t, srv))
	require.NoError(t, err)
	assert.Equal(t, "n-2", cfg.Node)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(NodeConfig{Node: "n-3"})
	}))
	defer srv.Close()

	cfg, err := newTestClient(t).GetConfig(context.Background(), deviceFor(t, srv))
	require.NoError(t, err)
	assert.Equal(t, "n-3", cfg.Node)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(t).GetConfig(context.Background(), deviceFor(t, srv))

	var re *RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, KindHTTP, re.Kind)
	assert.Equal(t, http.StatusNotFound, re.StatusCode)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	_, err := newTestClient(t).GetConfig(context.Background(), deviceFor(t, srv))

	var re *RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, KindParse, re.Kind)
}

func TestClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	d := deviceFor(t, srv)
	srv.Close()

	c := newTestClient(t)
	c.MaxRetries = 1
	_, err := c.GetConfig(context.Background(), d)

	var re *RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, KindNetwork, re.Kind)
	assert.True(t, re.Retryable)
}

func TestClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t)
	c.MaxRetries = 10
	c.RetryDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.GetConfig(ctx, deviceFor(t, srv))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		name string
		dev  *device.Device
		want string
	}{
		{"ipv4 with port", &device.Device{ID: "a", IP: "192.168.1.40", Port: 8080}, "http://192.168.1.40:8080"},
		{"default port", &device.Device{ID: "a", IP: "192.168.1.40"}, "http://192.168.1.40:80"},
		{"ipv6", &device.Device{ID: "a", IP: "fe80::1", Port: 80}, "http://[fe80::1]:80"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := baseURL(tt.dev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequestError(t *testing.T) {
	inner := errors.New("boom")
	err := &RequestError{Kind: KindHTTP, Op: "get config", Address: "http://10.0.0.1:80", StatusCode: 503, Err: inner}

	assert.Equal(t, "get config http://10.0.0.1:80: http error (status 503): boom", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "ErrorKind(9)", ErrorKind(9).String())
	assert.False(t, IsRetryable(inner))
}
