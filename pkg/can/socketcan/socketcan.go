// Package socketcan bridges the canopen Bus interface to Linux SocketCAN
// using brutella/can.
package socketcan

import (
	"github.com/brutella/can"

	canopen "github.com/open-can/sdoserver"
)

func init() {
	canopen.RegisterInterface("socketcan", NewSocketCanBus)
}

type Bus struct {
	bus          *can.Bus
	framehandler canopen.FrameListener
}

func NewSocketCanBus(name string) (canopen.Bus, error) {
	bus, err := can.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &Bus{bus: bus}, nil
}

// "Connect" implementation of Bus interface
func (b *Bus) Connect(...any) error {
	go b.bus.ConnectAndPublish()
	return nil
}

// "Disconnect" implementation of Bus interface
func (b *Bus) Disconnect() error {
	return b.bus.Disconnect()
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame canopen.Frame) error {
	return b.bus.Publish(can.Frame{
		ID:     frame.ID,
		Length: frame.DLC,
		Flags:  frame.Flags,
		Data:   frame.Data,
	})
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(framehandler canopen.FrameListener) error {
	b.framehandler = framehandler
	// brutella/can defines its own handler interface for received frames
	b.bus.Subscribe(b)
	return nil
}

// brutella/can specific "Handle" implementation
func (b *Bus) Handle(frame can.Frame) {
	if b.framehandler == nil {
		return
	}
	b.framehandler.Handle(canopen.Frame{
		ID:    frame.ID,
		DLC:   frame.Length,
		Flags: frame.Flags,
		Data:  frame.Data,
	})
}
