package sdo

import (
	"encoding/binary"

	canopen "github.com/open-can/sdoserver"
	"github.com/open-can/sdoserver/pkg/od"
)

// COB-ID bits that are reserved and must be written as zero
const cobIdReservedMask = 0x3FFF_F800

// writeEntry12xx re-binds an SDO server channel when its parameter entry
// (0x1201..0x127F) is written. Re-binding is only accepted while the
// channel is invalid, changing a valid channel is refused.
func writeEntry12xx(stream *od.Stream, data []byte) (uint16, error) {
	if stream == nil || data == nil {
		return 0, od.ErrDevIncompat
	}
	server, ok := stream.Object.(*SDOServer)
	if !ok {
		return 0, od.ErrDevIncompat
	}
	switch stream.Subindex {
	case 0:
		return 0, od.ErrReadonly

	// COB-ID client -> server
	case 1:
		if len(data) != 4 {
			return 0, od.ErrTypeMismatch
		}
		cobId := binary.LittleEndian.Uint32(data)
		canId := uint16(cobId & 0x7FF)
		canIdCurrent := uint16(server.cobIdClientToServer & 0x7FF)
		valid := (cobId & 0x80000000) == 0
		if (cobId&cobIdReservedMask) != 0 ||
			(valid && server.valid && canId != canIdCurrent) ||
			(valid && canopen.IsIDRestricted(canId)) {
			return 0, od.ErrInvalidValue
		}
		err := server.initRxTx(cobId, server.cobIdServerToClient)
		if err != nil {
			return 0, od.ErrDevIncompat
		}

	// COB-ID server -> client
	case 2:
		if len(data) != 4 {
			return 0, od.ErrTypeMismatch
		}
		cobId := binary.LittleEndian.Uint32(data)
		canId := uint16(cobId & 0x7FF)
		canIdCurrent := uint16(server.cobIdServerToClient & 0x7FF)
		valid := (cobId & 0x80000000) == 0
		if (cobId&cobIdReservedMask) != 0 ||
			(valid && server.valid && canId != canIdCurrent) ||
			(valid && canopen.IsIDRestricted(canId)) {
			return 0, od.ErrInvalidValue
		}
		err := server.initRxTx(server.cobIdClientToServer, cobId)
		if err != nil {
			return 0, od.ErrDevIncompat
		}

	// Node id of the SDO server
	case 3:
		if len(data) != 1 {
			return 0, od.ErrTypeMismatch
		}
		nodeId := data[0]
		if nodeId < 1 || nodeId > 127 {
			return 0, od.ErrInvalidValue
		}
		server.nodeId = nodeId

	default:
		return 0, od.ErrSubNotExist
	}
	return od.WriteEntryDefault(stream, data)
}
