package sdo

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"

	canopen "github.com/open-can/sdoserver"
	"github.com/open-can/sdoserver/pkg/od"
)

func addEntry1201(t *testing.T, odict *od.ObjectDictionary) *od.Entry {
	t.Helper()
	record := od.NewRecord()
	record.AddSubObject(0, "Highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, "0x03")
	record.AddSubObject(1, "COB-ID client to server", od.UNSIGNED32, od.AttributeSdoRw, "0x80000000")
	record.AddSubObject(2, "COB-ID server to client", od.UNSIGNED32, od.AttributeSdoRw, "0x80000000")
	record.AddSubObject(3, "Node-ID of the SDO server", od.UNSIGNED8, od.AttributeSdoRw, "0x00")
	return odict.AddVariableList(0x1201, "SDO server parameter 2", record)
}

func writeEntryUint32(t *testing.T, entry *od.Entry, subindex uint8, value uint32) error {
	t.Helper()
	streamer, err := od.NewStreamer(entry, subindex, false)
	assert.Nil(t, err)
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, value)
	_, err = streamer.Write(b)
	return err
}

func TestDynamicBinding(t *testing.T) {
	odict := od.Default()
	entry1201 := addEntry1201(t, odict)

	bus := &recordingBus{}
	bm := canopen.NewBusManager(bus)
	server, err := NewSDOServer(bm, odict, testNodeId, DefaultServerTimeoutMs, entry1201, nil)
	assert.Nil(t, err)
	// Both COB-IDs carry the invalid bit, channel starts invalid
	assert.False(t, server.valid)

	// Bind the channel : write valid COB-IDs while it is invalid
	assert.Nil(t, writeEntryUint32(t, entry1201, 1, 0x480))
	assert.False(t, server.valid)
	assert.Nil(t, writeEntryUint32(t, entry1201, 2, 0x380))
	assert.True(t, server.valid)

	// The stored entry values follow the re-binding
	cobId, err := entry1201.Uint32(1)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x480, cobId)

	// The channel now answers on the new COB-IDs
	var raw [8]byte
	copy(raw[:], []byte{0x2F, 0x00, 0x10, 0x00, 0x01})
	bm.Handle(canopen.Frame{ID: 0x480, DLC: 8, Data: raw})
	res, err := server.Process(true, 1000, nil)
	assert.Equal(t, EndedWithAbort, res)
	assert.Equal(t, AbortReadOnly, err)
	frames := bus.take()
	if assert.Len(t, frames, 1) {
		assert.EqualValues(t, 0x380, frames[0].ID)
	}
}

func TestDynamicBindingRefusals(t *testing.T) {
	odict := od.Default()
	entry1201 := addEntry1201(t, odict)

	bus := &recordingBus{}
	bm := canopen.NewBusManager(bus)
	server, err := NewSDOServer(bm, odict, testNodeId, DefaultServerTimeoutMs, entry1201, nil)
	assert.Nil(t, err)

	// Reserved bits set
	assert.Equal(t, od.ErrInvalidValue, writeEntryUint32(t, entry1201, 1, 0x10000480))
	// Restricted CAN id
	assert.Equal(t, od.ErrInvalidValue, writeEntryUint32(t, entry1201, 1, 0x601))

	// Make the channel valid
	assert.Nil(t, writeEntryUint32(t, entry1201, 1, 0x480))
	assert.Nil(t, writeEntryUint32(t, entry1201, 2, 0x380))
	assert.True(t, server.valid)

	// Changing a valid channel's COB-ID is refused
	assert.Equal(t, od.ErrInvalidValue, writeEntryUint32(t, entry1201, 1, 0x482))
	assert.Equal(t, od.ErrInvalidValue, writeEntryUint32(t, entry1201, 2, 0x382))
	assert.True(t, server.valid)

	// Invalidating the channel is always possible
	assert.Nil(t, writeEntryUint32(t, entry1201, 1, 0x80000480))
	assert.False(t, server.valid)

	// Node id range is checked
	streamer, err := od.NewStreamer(entry1201, 3, false)
	assert.Nil(t, err)
	_, err = streamer.Write([]byte{0x80})
	assert.Equal(t, od.ErrInvalidValue, err)
	streamer, err = od.NewStreamer(entry1201, 3, false)
	assert.Nil(t, err)
	_, err = streamer.Write([]byte{0x21})
	assert.Nil(t, err)
	assert.EqualValues(t, 0x21, server.nodeId)
}
