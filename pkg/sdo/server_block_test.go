package sdo

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/open-can/sdoserver/internal/crc"
)

func crcOf(data []byte) crc.CRC16 {
	c := crc.CRC16(0)
	c.Block(data)
	return c
}

// Send one block download segment, 7 payload bytes zero padded
func (h *serverHarness) rxSegment(seqno byte, payload []byte) {
	data := make([]byte, 1, 8)
	data[0] = seqno
	data = append(data, payload...)
	h.rx(data...)
}

func TestBlockDownload(t *testing.T) {
	h := newTestServer(t, nil)
	payload := pattern(21)

	// Initiate, crc enabled, size 21 indicated
	h.rx(0xC6, 0x31, 0x21, 0x00, 0x15)
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, BlockDownloadInProgress, res)
	h.expectTx(t, 0xA4, 0x31, 0x21, 0x00, 0x7F)

	// Three segments, last with the c bit
	h.rxSegment(0x01, payload[0:7])
	h.rxSegment(0x02, payload[7:14])
	h.rxSegment(0x83, payload[14:21])
	_, err = h.process(t)
	assert.Nil(t, err)
	h.expectTx(t, 0xA2, 0x03, 0x7F)

	// End of transfer with CRC, no padding (21 = 3*7)
	c := crcOf(payload)
	h.rx(0xC1, byte(c), byte(c>>8))
	res, err = h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.expectTx(t, 0xA1)

	assert.Equal(t, payload, h.odValue(t, 0x2131, 0))
}

func TestBlockDownloadCrcMismatchAborts(t *testing.T) {
	h := newTestServer(t, nil)
	payload := pattern(21)

	h.rx(0xC6, 0x31, 0x21, 0x00, 0x15)
	h.process(t)
	h.bus.take()
	h.rxSegment(0x01, payload[0:7])
	h.rxSegment(0x02, payload[7:14])
	h.rxSegment(0x83, payload[14:21])
	h.process(t)
	h.bus.take()

	h.rx(0xC1, 0xBE, 0xEF)
	res, err := h.process(t)
	assert.Equal(t, AbortCRC, err)
	assert.Equal(t, EndedWithAbort, res)
	h.expectTx(t, 0x80, 0x31, 0x21, 0x00, 0x04, 0x00, 0x04, 0x05)
}

func TestBlockDownloadDuplicateSegmentIgnored(t *testing.T) {
	h := newTestServer(t, nil)
	payload := pattern(21)

	// No CRC this time, size still indicated
	h.rx(0xC2, 0x31, 0x21, 0x00, 0x15)
	h.process(t)
	h.bus.take()

	h.rxSegment(0x01, payload[0:7])
	// Duplicate of segment 1, silently dropped
	h.rxSegment(0x01, payload[0:7])
	h.rxSegment(0x02, payload[7:14])
	h.rxSegment(0x83, payload[14:21])
	h.process(t)
	h.expectTx(t, 0xA2, 0x03, 0x7F)

	h.rx(0xC1)
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.expectTx(t, 0xA1)
	assert.Equal(t, payload, h.odValue(t, 0x2131, 0))
}

func TestBlockDownloadSequenceErrorRetransmit(t *testing.T) {
	h := newTestServer(t, nil)
	payload := pattern(21)

	h.rx(0xC2, 0x31, 0x21, 0x00, 0x15)
	h.process(t)
	h.bus.take()

	h.rxSegment(0x01, payload[0:7])
	// Segment 2 lost, segment 3 breaks the sequence
	h.rxSegment(0x03, payload[14:21])
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, BlockDownloadInProgress, res)
	// Only segment 1 is acknowledged, remaining data is re-transmitted
	h.expectTx(t, 0xA2, 0x01, 0x7F)

	h.rxSegment(0x01, payload[7:14])
	h.rxSegment(0x82, payload[14:21])
	h.process(t)
	h.expectTx(t, 0xA2, 0x02, 0x7F)

	h.rx(0xC1)
	res, err = h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.expectTx(t, 0xA1)
	assert.Equal(t, payload, h.odValue(t, 0x2131, 0))
}

func TestBlockDownloadMultiSubBlock(t *testing.T) {
	h := newTestServer(t, nil)
	payload := pattern(1000)

	// 1000 bytes do not fit a single sub-block of 127 segments
	h.rx(0xC6, 0x35, 0x21, 0x00, 0xE8, 0x03)
	h.process(t)
	h.expectTx(t, 0xA4, 0x35, 0x21, 0x00, 0x7F)

	// First sub-block : 127 full segments = 889 bytes
	for seqno := 1; seqno <= 127; seqno++ {
		h.rxSegment(byte(seqno), payload[(seqno-1)*7:seqno*7])
	}
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, BlockDownloadInProgress, res)
	// Buffer content is flushed to the OD mid-stream
	h.expectTx(t, 0xA2, 0x7F, 0x7F)

	// Second sub-block : remaining 111 bytes = 15 full segments + 6 bytes
	for seqno := 1; seqno <= 15; seqno++ {
		h.rxSegment(byte(seqno), payload[889+(seqno-1)*7:889+seqno*7])
	}
	last := make([]byte, 7)
	copy(last, payload[994:1000])
	h.rxSegment(0x90, last)
	h.process(t)
	h.expectTx(t, 0xA2, 0x10, 0x7F)

	// One padding byte in the last segment
	c := crcOf(payload)
	h.rx(0xC1|(1<<2), byte(c), byte(c>>8))
	res, err = h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.expectTx(t, 0xA1)

	assert.Equal(t, payload, h.odValue(t, 0x2135, 0))
}

func TestBlockDownloadSubBlockTimeout(t *testing.T) {
	h := newTestServer(t, nil)
	payload := pattern(21)

	h.rx(0xC4, 0x35, 0x21, 0x00)
	h.process(t)
	h.bus.take()

	// Two segments arrive, then the client goes silent for longer than
	// the sub-block timeout (half the SDO timeout)
	h.rxSegment(0x01, payload[0:7])
	h.rxSegment(0x02, payload[7:14])
	res, err := h.server.Process(true, 600_000, nil)
	assert.Nil(t, err)
	assert.Equal(t, BlockDownloadInProgress, res)
	// Server acknowledges what has arrived so far
	h.expectTx(t, 0xA2, 0x02, 0x7F)
}

func TestBlockUploadProtocolSwitch(t *testing.T) {
	h := newTestServer(t, nil)
	// Protocol switch threshold is larger than the 4 byte object, the
	// server falls back to the expedited response
	h.rx(0xA4, 0x33, 0x21, 0x00, 0x7F, 0x0A)
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.expectTx(t, 0x43, 0x33, 0x21, 0x00, 0xEF, 0xBE, 0xAD, 0xDE)
}

func TestBlockUpload(t *testing.T) {
	h := newTestServer(t, nil)
	payload := pattern(100)

	// Initiate, client supports CRC, blksize 127, no protocol switch
	h.rx(0xA4, 0x34, 0x21, 0x00, 0x7F, 0x00)
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, WaitingResponse, res)
	h.expectTx(t, 0xC6, 0x34, 0x21, 0x00, 100, 0x00, 0x00, 0x00)

	// Start upload : 100 bytes = 14 full segments + 2 bytes
	h.rx(0xA3)
	uploaded := make([]byte, 0, 100)
	for seqno := 1; seqno <= 15; seqno++ {
		res, err = h.process(t)
		assert.Nil(t, err)
		frames := h.bus.take()
		if !assert.Len(t, frames, 1) {
			t.FailNow()
		}
		expectedCmd := byte(seqno)
		count := 7
		if seqno == 15 {
			expectedCmd |= 0x80
			count = 2
		} else {
			assert.Equal(t, BlockUploadInProgress, res)
		}
		assert.Equal(t, expectedCmd, frames[0].Data[0])
		uploaded = append(uploaded, frames[0].Data[1:1+count]...)
	}
	assert.Equal(t, payload, uploaded)

	// Acknowledge all 15 segments, server sends block end with CRC
	h.rx(0xA2, 15, 0x7F)
	_, err = h.process(t)
	assert.Nil(t, err)
	c := crcOf(payload)
	h.expectTx(t, 0xC1|(5<<2), byte(c), byte(c>>8))

	// Client confirms, channel is idle again
	h.rx(0xA1)
	res, err = h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
}

func TestBlockUploadRetransmit(t *testing.T) {
	h := newTestServer(t, nil)
	payload := pattern(100)

	// Small client block size : 10 segments per sub-block
	h.rx(0xA4, 0x34, 0x21, 0x00, 0x0A, 0x00)
	h.process(t)
	h.bus.take()
	h.rx(0xA3)

	for seqno := 1; seqno <= 10; seqno++ {
		h.process(t)
		frames := h.bus.take()
		if !assert.Len(t, frames, 1) {
			t.FailNow()
		}
		assert.Equal(t, byte(seqno), frames[0].Data[0])
	}

	// Client only received 8 segments, 14 bytes are re-transmitted
	h.rx(0xA2, 8, 0x0A)
	uploaded := append([]byte{}, payload[:56]...)
	for seqno := 1; seqno <= 7; seqno++ {
		_, err := h.process(t)
		assert.Nil(t, err)
		frames := h.bus.take()
		if !assert.Len(t, frames, 1) {
			t.FailNow()
		}
		expectedCmd := byte(seqno)
		count := 7
		if seqno == 7 {
			expectedCmd |= 0x80
			count = 2
		}
		assert.Equal(t, expectedCmd, frames[0].Data[0])
		uploaded = append(uploaded, frames[0].Data[1:1+count]...)
	}
	assert.Equal(t, payload, uploaded)

	h.rx(0xA2, 7, 0x0A)
	_, err := h.process(t)
	assert.Nil(t, err)
	c := crcOf(payload)
	h.expectTx(t, 0xC1|(5<<2), byte(c), byte(c>>8))

	h.rx(0xA1)
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
}

func TestBlockUploadBadAckSequenceAborts(t *testing.T) {
	h := newTestServer(t, nil)

	h.rx(0xA4, 0x34, 0x21, 0x00, 0x7F, 0x00)
	h.process(t)
	h.bus.take()
	h.rx(0xA3)
	h.process(t)
	h.bus.take()

	// ackseq larger than anything transmitted
	h.rx(0xA2, 100, 0x7F)
	res, err := h.process(t)
	assert.Equal(t, AbortCmd, err)
	assert.Equal(t, EndedWithAbort, res)
	h.expectTx(t, 0x80, 0x34, 0x21, 0x00, 0x01, 0x00, 0x04, 0x05)
}

func TestBlockUploadInvalidBlockSizeAborts(t *testing.T) {
	h := newTestServer(t, nil)
	h.rx(0xA4, 0x34, 0x21, 0x00, 0x00, 0x00)
	res, err := h.process(t)
	assert.Equal(t, AbortBlockSize, err)
	assert.Equal(t, EndedWithAbort, res)
	h.expectTx(t, 0x80, 0x34, 0x21, 0x00, 0x02, 0x00, 0x04, 0x05)
}

func TestBlockRoundTrip(t *testing.T) {
	h := newTestServer(t, nil)
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(255 - i)
	}

	// Block download the new content
	h.rx(0xC6, 0x34, 0x21, 0x00, 100, 0x00)
	h.process(t)
	h.bus.take()
	for seqno := 1; seqno <= 14; seqno++ {
		h.rxSegment(byte(seqno), payload[(seqno-1)*7:seqno*7])
	}
	last := make([]byte, 7)
	copy(last, payload[98:100])
	h.rxSegment(0x8F, last)
	h.process(t)
	h.bus.take()
	c := crcOf(payload)
	h.rx(0xC1|(5<<2), byte(c), byte(c>>8))
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.bus.take()
	assert.Equal(t, payload, h.odValue(t, 0x2134, 0))

	// Block upload it back and compare
	h.rx(0xA4, 0x34, 0x21, 0x00, 0x7F, 0x00)
	h.process(t)
	h.bus.take()
	h.rx(0xA3)
	uploaded := make([]byte, 0, 100)
	for seqno := 1; seqno <= 15; seqno++ {
		h.process(t)
		frames := h.bus.take()
		if !assert.Len(t, frames, 1) {
			t.FailNow()
		}
		count := 7
		if seqno == 15 {
			count = 2
		}
		uploaded = append(uploaded, frames[0].Data[1:1+count]...)
	}
	h.rx(0xA2, 15, 0x7F)
	h.process(t)
	frame := h.expectTx(t, 0xC1|(5<<2), byte(c), byte(c>>8))
	assert.Equal(t, c, crc.CRC16(binary.LittleEndian.Uint16(frame.Data[1:3])))
	assert.Equal(t, payload, uploaded)

	h.rx(0xA1)
	res, err = h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
}
