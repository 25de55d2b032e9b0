// Package virtual provides an in-memory CAN bus primarily used for tests
// and examples. Buses attached to the same named channel exchange frames,
// no operating system support is required.
package virtual

import (
	"sync"

	canopen "github.com/open-can/sdoserver"
)

func init() {
	canopen.RegisterInterface("virtual", NewVirtualCanBus)
}

// A named in-memory network shared by all buses with the same channel
type network struct {
	mu    sync.Mutex
	buses []*Bus
}

var (
	networksMu sync.Mutex
	networks   = make(map[string]*network)
)

func getNetwork(channel string) *network {
	networksMu.Lock()
	defer networksMu.Unlock()
	net, ok := networks[channel]
	if !ok {
		net = &network{}
		networks[channel] = net
	}
	return net
}

type Bus struct {
	mu           sync.Mutex
	net          *network
	framehandler canopen.FrameListener
	receiveOwn   bool
	connected    bool
}

func NewVirtualCanBus(channel string) (canopen.Bus, error) {
	return &Bus{net: getNetwork(channel)}, nil
}

// "Connect" implementation of Bus interface
func (b *Bus) Connect(...any) error {
	b.net.mu.Lock()
	defer b.net.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.net.buses = append(b.net.buses, b)
	b.connected = true
	return nil
}

// "Disconnect" implementation of Bus interface
func (b *Bus) Disconnect() error {
	b.net.mu.Lock()
	defer b.net.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	for i, bus := range b.net.buses {
		if bus == b {
			b.net.buses = append(b.net.buses[:i], b.net.buses[i+1:]...)
			break
		}
	}
	b.connected = false
	return nil
}

// "Send" implementation of Bus interface, the frame is handed to all other
// connected buses of the channel (and back to the sender with receiveOwn)
func (b *Bus) Send(frame canopen.Frame) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return canopen.ErrInvalidState
	}
	b.mu.Unlock()

	b.net.mu.Lock()
	buses := make([]*Bus, len(b.net.buses))
	copy(buses, b.net.buses)
	b.net.mu.Unlock()

	for _, bus := range buses {
		if bus == b && !b.receiveOwn {
			continue
		}
		bus.mu.Lock()
		handler := bus.framehandler
		bus.mu.Unlock()
		if handler != nil {
			handler.Handle(frame)
		}
	}
	return nil
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(framehandler canopen.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framehandler = framehandler
	return nil
}

// SetReceiveOwn controls whether sent frames are looped back locally
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}
