package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/sensaura/iothing/internal/collection"
	"github.com/sensaura/iothing/internal/connectivity"
	"github.com/sensaura/iothing/internal/device"
)

// Sender accepts messages for a running program. *tea.Program implements it.
type Sender interface {
	Send(msg tea.Msg)
}

// Forward sends a DevicesMsg whenever devices changes and a NetworkMsg on
// every connectivity transition until ctx is done. Bursts of changes are
// coalesced into one snapshot so observers never block on the program.
func Forward(ctx context.Context, p Sender, devices *collection.Collection[*device.Device], network *connectivity.Monitor) {
	devicesDirty := make(chan struct{}, 1)
	networkDirty := make(chan struct{}, 1)

	devSub := devices.SubscribeFunc(func(collection.Change[*device.Device]) { signal(devicesDirty) })
	defer devices.Unsubscribe(devSub)

	if network != nil {
		netSub := network.SubscribeFunc(func(connectivity.Transition) { signal(networkDirty) })
		defer network.Unsubscribe(netSub)
	}

	// Initial snapshot
	p.Send(DevicesMsg(devices.Items()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-devicesDirty:
			p.Send(DevicesMsg(devices.Items()))
		case <-networkDirty:
			p.Send(NetworkMsg(network.State()))
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
