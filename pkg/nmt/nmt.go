// Package nmt holds the network management states of a CANopen node.
// The SDO server only accepts requests while the node is in
// pre-operational or operational state.
package nmt

// Possible NMT states
const (
	StateInitializing   uint8 = 0
	StateStopped        uint8 = 4
	StateOperational    uint8 = 5
	StatePreOperational uint8 = 127
	StateUnknown        uint8 = 255
)

var stateMap = map[uint8]string{
	StateInitializing:   "INITIALIZING",
	StateStopped:        "STOPPED",
	StateOperational:    "OPERATIONAL",
	StatePreOperational: "PRE-OPERATIONAL",
	StateUnknown:        "UNKNOWN",
}

// StateName returns a printable name for an NMT state
func StateName(state uint8) string {
	name, ok := stateMap[state]
	if !ok {
		return stateMap[StateUnknown]
	}
	return name
}

// IsPreOrOperational returns true if SDO communication is allowed in the
// given NMT state
func IsPreOrOperational(state uint8) bool {
	return state == StatePreOperational || state == StateOperational
}
