package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sensaura/iothing/internal/collection"
	"github.com/sensaura/iothing/internal/connectivity"
	"github.com/sensaura/iothing/internal/device"
	"github.com/sensaura/iothing/internal/discovery"
)

type switchableLink struct {
	mu    sync.Mutex
	state connectivity.State
}

func (l *switchableLink) Query(context.Context) (connectivity.State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, nil
}

func (l *switchableLink) set(st connectivity.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = st
}

type staticStatus struct{}

func (staticStatus) State() discovery.State { return discovery.Discovering }
func (staticStatus) ServiceType() string    { return discovery.DefaultServiceType }
func (staticStatus) Stats() discovery.Stats { return discovery.Stats{Found: 3, Resolved: 2} }

type fixture struct {
	devices *collection.Collection[*device.Device]
	link    *switchableLink
	monitor *connectivity.Monitor
	feed    *Server
	http    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		devices: collection.New[*device.Device](),
		link:    &switchableLink{state: connectivity.State{Connected: true, NetworkLabel: "wlan0"}},
	}
	f.monitor = connectivity.NewMonitor(context.Background(), f.link, zaptest.NewLogger(t))
	f.feed = NewServer(f.devices, f.monitor, staticStatus{}, zaptest.NewLogger(t))
	f.http = httptest.NewServer(f.feed.Handler())
	t.Cleanup(func() {
		f.feed.Close()
		f.http.Close()
	})
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func sensor(id, name string) *device.Device {
	d := device.NewUnconfigured(id, name)
	d.IP = "192.168.1.40"
	d.Port = 80
	return d
}

func TestDevicesEndpoint(t *testing.T) {
	f := newFixture(t)
	f.devices.Add(sensor("A", "Sensor-1"))
	f.devices.Add(sensor("B", "Sensor-2"))

	resp, err := http.Get(f.http.URL + "/devices")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got []*device.Device
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].ID)
	assert.Equal(t, "Sensor-2", got[1].Name)
	assert.Equal(t, device.Unconfigured, got[0].State)
}

func TestDeviceEndpoint(t *testing.T) {
	f := newFixture(t)
	f.devices.Add(sensor("A", "Sensor-1"))

	resp, err := http.Get(f.http.URL + "/devices/A")
	require.NoError(t, err)
	var got device.Device
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, "Sensor-1", got.Name)

	resp, err = http.Get(f.http.URL + "/devices/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNetworkAndStatusEndpoints(t *testing.T) {
	f := newFixture(t)
	f.devices.Add(sensor("A", "Sensor-1"))

	resp, err := http.Get(f.http.URL + "/network")
	require.NoError(t, err)
	var st connectivity.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.True(t, st.Connected)
	assert.Equal(t, "wlan0", st.NetworkLabel)

	resp, err = http.Get(f.http.URL + "/status")
	require.NoError(t, err)
	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, 1, status.Devices)
	require.NotNil(t, status.Discovery)
	assert.Equal(t, "discovering", status.Discovery.State)
	assert.Equal(t, uint64(3), status.Discovery.Stats.Found)
}

func TestWebSocket_SnapshotThenChanges(t *testing.T) {
	f := newFixture(t)
	f.devices.Add(sensor("A", "Sensor-1"))

	conn := f.dial(t)

	snap := readMessage(t, conn)
	assert.Equal(t, TypeSnapshot, snap.Type)
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, "A", snap.Devices[0].ID)
	require.NotNil(t, snap.Network)
	assert.True(t, snap.Network.Connected)

	require.Eventually(t, func() bool { return f.feed.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	f.devices.Add(sensor("B", "Sensor-2"))
	f.devices.Add(sensor("B", "Sensor-2b"))
	f.devices.Remove("A")

	var kinds []collection.ChangeKind
	var ids []string
	for len(kinds) < 3 {
		msg := readMessage(t, conn)
		require.Equal(t, TypeChange, msg.Type)
		kinds = append(kinds, msg.Change.Kind)
		ids = append(ids, msg.Change.ID)
	}
	assert.Equal(t, []collection.ChangeKind{collection.Added, collection.Replaced, collection.Removed}, kinds)
	assert.Equal(t, []string{"B", "B", "A"}, ids)
}

func TestWebSocket_NetworkTransitions(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	readMessage(t, conn)
	require.Eventually(t, func() bool { return f.feed.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	f.link.set(connectivity.State{})
	require.True(t, f.monitor.Refresh(context.Background()))

	msg := readMessage(t, conn)
	assert.Equal(t, TypeNetwork, msg.Type)
	require.NotNil(t, msg.Network)
	assert.False(t, msg.Network.Connected)
}

func TestBroadcast_DropsSlowClient(t *testing.T) {
	devices := collection.New[*device.Device]()
	s := NewServer(devices, nil, nil, zaptest.NewLogger(t))
	s.SendBuffer = 1

	slow := &client{addr: "slow", send: make(chan Message, s.sendBuffer()), done: make(chan struct{})}
	require.True(t, s.register(slow), "snapshot fills the one-slot queue")
	assert.Equal(t, 1, s.ClientCount())

	devices.Add(sensor("A", "Sensor-1"))

	assert.Equal(t, 0, s.ClientCount())
	select {
	case <-slow.done:
	default:
		t.Fatal("slow client should be closed")
	}
	assert.True(t, devices.Contains("A"), "the mutation itself is unaffected")
}

func TestClose_RejectsNewClients(t *testing.T) {
	devices := collection.New[*device.Device]()
	s := NewServer(devices, nil, nil, zaptest.NewLogger(t))
	s.Close()

	c := &client{addr: "late", send: make(chan Message, 1), done: make(chan struct{})}
	assert.False(t, s.register(c))

	devices.Add(sensor("A", "Sensor-1"))
	assert.Zero(t, s.ClientCount())
}

func TestServe_StopsWithContext(t *testing.T) {
	s := NewServer(collection.New[*device.Device](), nil, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
