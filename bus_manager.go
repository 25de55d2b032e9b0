package canopen

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// BusManager is a wrapper around the CAN bus interface.
// It dispatches received frames to the service that subscribed to the
// corresponding COB-ID and provides the single TX path of the stack.
type BusManager struct {
	mu             sync.Mutex
	bus            Bus
	frameListeners map[uint32][]FrameListener
	canError       uint16
}

// Implements the FrameListener interface. This handles all received CAN
// frames from Bus and feeds them to the subscribed services.
// Subscriber callbacks should not block.
func (bm *BusManager) Handle(frame Frame) {
	bm.mu.Lock()
	listeners := bm.frameListeners[frame.ID&CanSffMask]
	bm.mu.Unlock()
	for _, listener := range listeners {
		listener.Handle(frame)
	}
}

// Send a CAN frame on the bus. The error of the underlying driver is
// returned as is, a full TX queue in particular is reported to the caller.
func (bm *BusManager) Send(frame Frame) error {
	return bm.bus.Send(frame)
}

func (bm *BusManager) Bus() Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Subscribe to a specific CAN id with the given mask.
// If the callback is already subscribed, the previous subscription is
// replaced, i.e. a service can re-bind to a different COB-ID at runtime.
func (bm *BusManager) Subscribe(ident uint32, mask uint32, rtr bool, callback FrameListener) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.removeListener(callback)
	ident = ident & mask & CanSffMask
	if rtr {
		ident |= CanRtrFlag
	}
	bm.frameListeners[ident] = append(bm.frameListeners[ident], callback)
	return nil
}

// Unsubscribe the callback from all subscribed CAN ids
func (bm *BusManager) Unsubscribe(callback FrameListener) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.removeListener(callback)
}

// mu must be held
func (bm *BusManager) removeListener(callback FrameListener) {
	for ident, listeners := range bm.frameListeners {
		for i, listener := range listeners {
			if listener == callback {
				bm.frameListeners[ident] = append(listeners[:i], listeners[i+1:]...)
				if len(bm.frameListeners[ident]) == 0 {
					delete(bm.frameListeners, ident)
				}
				return
			}
		}
	}
}

// Get CAN error status
func (bm *BusManager) Error() uint16 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.canError
}

// NewBusManager creates a bus manager on top of the given bus and
// subscribes itself to all received frames.
func NewBusManager(bus Bus) *BusManager {
	bm := &BusManager{
		bus:            bus,
		frameListeners: make(map[uint32][]FrameListener),
	}
	err := bus.Subscribe(bm)
	if err != nil {
		log.Errorf("[CAN] failed to subscribe to bus : %v", err)
	}
	return bm
}
