package sdo

import (
	"encoding/binary"

	"github.com/open-can/sdoserver/internal/crc"
)

// SDOMessage is the raw 8 data bytes of a received SDO frame together with
// the accessors for the fields used by the server.
type SDOMessage struct {
	raw [8]byte
}

// IsAbort is true for a client abort request
func (m *SDOMessage) IsAbort() bool {
	return m.raw[0] == 0x80
}

func (m *SDOMessage) GetAbortCode() SDOAbortCode {
	return SDOAbortCode(binary.LittleEndian.Uint32(m.raw[4:]))
}

func (m *SDOMessage) GetIndex() uint16 {
	return binary.LittleEndian.Uint16(m.raw[1:3])
}

func (m *SDOMessage) GetSubindex() uint8 {
	return m.raw[3]
}

func (m *SDOMessage) GetToggle() uint8 {
	return m.raw[0] & 0x10
}

// GetBlockSize returns the client requested block size of a block upload
// initiate request
func (m *SDOMessage) GetBlockSize() uint8 {
	return m.raw[4]
}

// GetPST returns the protocol switch threshold of a block upload initiate
// request
func (m *SDOMessage) GetPST() uint8 {
	return m.raw[5]
}

// IsCRCEnabled is true when the client supports generating a CRC
func (m *SDOMessage) IsCRCEnabled() bool {
	return (m.raw[0] & 0x04) != 0
}

// GetCRCClient returns the CRC transmitted in a block download end request
func (m *SDOMessage) GetCRCClient() crc.CRC16 {
	return crc.CRC16(binary.LittleEndian.Uint16(m.raw[1:3]))
}

// SizeIndicated returns the size in bytes 4..7 of an initiate request
func (m *SDOMessage) SizeIndicated() uint32 {
	return binary.LittleEndian.Uint32(m.raw[4:])
}
