package sdo

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	canopen "github.com/open-can/sdoserver"
	"github.com/open-can/sdoserver/pkg/od"
)

const testNodeId = 0x10

// recordingBus captures every frame the server sends so protocol
// exchanges can be asserted frame by frame
type recordingBus struct {
	mu     sync.Mutex
	frames []canopen.Frame
	txFull bool
}

func (b *recordingBus) Connect(...any) error                  { return nil }
func (b *recordingBus) Disconnect() error                     { return nil }
func (b *recordingBus) Subscribe(canopen.FrameListener) error { return nil }

func (b *recordingBus) Send(frame canopen.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.txFull {
		return canopen.ErrTxOverflow
	}
	b.frames = append(b.frames, frame)
	return nil
}

func (b *recordingBus) take() []canopen.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames := b.frames
	b.frames = nil
	return frames
}

func (b *recordingBus) setTxFull(full bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txFull = full
}

type serverHarness struct {
	server *SDOServer
	bus    *recordingBus
	odict  *od.ObjectDictionary
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i + 1)
	}
	return b
}

func newTestServer(t *testing.T, config *ServerConfig) *serverHarness {
	t.Helper()
	odict := od.Default()

	record := od.NewRecord()
	record.AddSubObject(0, "Highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, "0x01")
	record.AddSubObject(1, "Demo byte", od.UNSIGNED8, od.AttributeSdoRw, "0x00")
	odict.AddVariableList(0x2100, "Demo record", record)

	odict.AddVariableType(0x2010, "Demo word", od.UNSIGNED16, od.AttributeSdoRw, "0x1234")
	odict.AddVariableType(0x2011, "Read only byte", od.UNSIGNED8, od.AttributeSdoR, "0x05")
	odict.AddVariableType(0x2012, "Write only byte", od.UNSIGNED8, od.AttributeSdoW, "0x00")
	odict.AddVariableType(0x2130, "Blob 14", od.OCTET_STRING, od.AttributeSdoRw, "ABCDEFGHIJKLMN")
	odict.AddVariableType(0x2131, "Blob 21", od.OCTET_STRING, od.AttributeSdoRw, string(pattern(21)))
	odict.AddVariableType(0x2133, "Demo dword", od.UNSIGNED32, od.AttributeSdoR, "0xDEADBEEF")
	odict.AddVariableType(0x2134, "Blob 100", od.OCTET_STRING, od.AttributeSdoRw, string(pattern(100)))
	odict.AddVariableType(0x2135, "Blob 1000", od.OCTET_STRING, od.AttributeSdoRw, string(pattern(1000)))

	bus := &recordingBus{}
	bm := canopen.NewBusManager(bus)
	server, err := NewSDOServer(bm, odict, testNodeId, DefaultServerTimeoutMs, odict.Index(0x1200), config)
	assert.Nil(t, err)
	return &serverHarness{server: server, bus: bus, odict: odict}
}

// Inject a client request, data is zero padded to 8 bytes
func (h *serverHarness) rx(data ...byte) {
	var raw [8]byte
	copy(raw[:], data)
	h.server.Handle(canopen.Frame{ID: uint32(ClientServiceId) + testNodeId, DLC: 8, Data: raw})
}

func (h *serverHarness) process(t *testing.T) (Result, error) {
	t.Helper()
	return h.server.Process(true, 1000, nil)
}

// Assert that exactly one frame was sent and return it, expected is zero
// padded to 8 bytes
func (h *serverHarness) expectTx(t *testing.T, expected ...byte) canopen.Frame {
	t.Helper()
	frames := h.bus.take()
	if !assert.Len(t, frames, 1) {
		t.FailNow()
	}
	assert.EqualValues(t, uint32(ServerServiceId)+testNodeId, frames[0].ID)
	var expectedData [8]byte
	copy(expectedData[:], expected)
	assert.Equal(t, expectedData, frames[0].Data)
	return frames[0]
}

func (h *serverHarness) expectNoTx(t *testing.T) {
	t.Helper()
	assert.Empty(t, h.bus.take())
}

// Read the current OD value at (index, subindex)
func (h *serverHarness) odValue(t *testing.T, index uint16, subindex uint8) []byte {
	t.Helper()
	streamer, err := h.odict.Streamer(index, subindex, true)
	assert.Nil(t, err)
	buf := make([]byte, 2000)
	n, err := streamer.Read(buf)
	assert.Nil(t, err)
	return buf[:n]
}

func TestExpeditedDownload(t *testing.T) {
	h := newTestServer(t, nil)
	h.rx(0x2F, 0x00, 0x21, 0x01, 0xAA)
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.expectTx(t, 0x60, 0x00, 0x21, 0x01)

	value, err := h.odict.Index(0x2100).Uint8(1)
	assert.Nil(t, err)
	assert.EqualValues(t, 0xAA, value)
}

func TestExpeditedDownloadNoSizeIndicated(t *testing.T) {
	h := newTestServer(t, nil)
	// cmd 0x22 : expedited without size, length taken from the OD (2)
	h.rx(0x22, 0x10, 0x20, 0x00, 0xCD, 0xAB, 0xFF, 0xFF)
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.expectTx(t, 0x60, 0x10, 0x20, 0x00)

	value, err := h.odict.Index(0x2010).Uint16(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0xABCD, value)
}

func TestExpeditedUpload(t *testing.T) {
	h := newTestServer(t, nil)
	h.rx(0x40, 0x10, 0x20, 0x00)
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.expectTx(t, 0x4B, 0x10, 0x20, 0x00, 0x34, 0x12)
}

func TestSegmentedDownload(t *testing.T) {
	h := newTestServer(t, nil)
	payload := []byte("opqrstuvwxyz01")

	// Initiate with size 14 indicated
	h.rx(0x21, 0x30, 0x21, 0x00, 0x0E)
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, WaitingResponse, res)
	h.expectTx(t, 0x60, 0x30, 0x21, 0x00)

	// First segment, toggle 0, 7 bytes
	h.rx(append([]byte{0x00}, payload[:7]...)...)
	_, err = h.process(t)
	assert.Nil(t, err)
	h.expectTx(t, 0x20)

	// Last segment, toggle 1, 7 bytes, c bit set
	h.rx(append([]byte{0x11}, payload[7:]...)...)
	res, err = h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.expectTx(t, 0x30)

	assert.Equal(t, payload, h.odValue(t, 0x2130, 0))
}

func TestSegmentedUpload(t *testing.T) {
	h := newTestServer(t, nil)

	h.rx(0x40, 0x30, 0x21, 0x00)
	_, err := h.process(t)
	assert.Nil(t, err)
	h.expectTx(t, 0x41, 0x30, 0x21, 0x00, 0x0E)

	// First segment request, toggle 0
	h.rx(0x60)
	_, err = h.process(t)
	assert.Nil(t, err)
	h.expectTx(t, 0x00, 'A', 'B', 'C', 'D', 'E', 'F', 'G')

	// Second segment request, toggle alternated
	h.rx(0x70)
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.expectTx(t, 0x11, 'H', 'I', 'J', 'K', 'L', 'M', 'N')
}

func TestSegmentedRoundTrip(t *testing.T) {
	h := newTestServer(t, nil)
	payload := []byte("14 bytes here!")

	h.rx(0x21, 0x30, 0x21, 0x00, 0x0E)
	h.process(t)
	h.rx(append([]byte{0x00}, payload[:7]...)...)
	h.process(t)
	h.rx(append([]byte{0x11}, payload[7:]...)...)
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.bus.take()

	// Now upload the same object and compare
	h.rx(0x40, 0x30, 0x21, 0x00)
	h.process(t)
	h.expectTx(t, 0x41, 0x30, 0x21, 0x00, 0x0E)
	h.rx(0x60)
	h.process(t)
	first := h.expectTx(t, 0x00, payload[0], payload[1], payload[2], payload[3], payload[4], payload[5], payload[6])
	h.rx(0x70)
	h.process(t)
	second := h.expectTx(t, 0x11, payload[7], payload[8], payload[9], payload[10], payload[11], payload[12], payload[13])

	uploaded := append([]byte{}, first.Data[1:8]...)
	uploaded = append(uploaded, second.Data[1:8]...)
	assert.Equal(t, payload, uploaded)
}

func TestWriteReadOnlyAborts(t *testing.T) {
	h := newTestServer(t, nil)
	h.rx(0x2F, 0x00, 0x10, 0x00, 0x01)
	res, err := h.process(t)
	assert.Equal(t, AbortReadOnly, err)
	assert.Equal(t, EndedWithAbort, res)
	h.expectTx(t, 0x80, 0x00, 0x10, 0x00, 0x02, 0x00, 0x01, 0x06)

	// Server is back in idle
	res, err = h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
}

func TestReadWriteOnlyAborts(t *testing.T) {
	h := newTestServer(t, nil)
	h.rx(0x40, 0x12, 0x20, 0x00)
	res, err := h.process(t)
	assert.Equal(t, AbortWriteOnly, err)
	assert.Equal(t, EndedWithAbort, res)
	h.expectTx(t, 0x80, 0x12, 0x20, 0x00, 0x01, 0x00, 0x01, 0x06)
}

func TestUnknownObjectAborts(t *testing.T) {
	h := newTestServer(t, nil)
	h.rx(0x40, 0x77, 0x77, 0x00)
	res, err := h.process(t)
	assert.Equal(t, AbortNotExist, err)
	assert.Equal(t, EndedWithAbort, res)
	h.expectTx(t, 0x80, 0x77, 0x77, 0x00, 0x00, 0x00, 0x02, 0x06)
}

func TestUnknownSubindexAborts(t *testing.T) {
	h := newTestServer(t, nil)
	h.rx(0x40, 0x00, 0x21, 0x05)
	_, err := h.process(t)
	assert.Equal(t, AbortSubUnknown, err)
	h.expectTx(t, 0x80, 0x00, 0x21, 0x05, 0x11, 0x00, 0x09, 0x06)
}

func TestInvalidCommandAborts(t *testing.T) {
	h := newTestServer(t, nil)
	h.rx(0xE0, 0x10, 0x20, 0x00)
	res, err := h.process(t)
	assert.Equal(t, AbortCmd, err)
	assert.Equal(t, EndedWithAbort, res)
	h.expectTx(t, 0x80, 0x10, 0x20, 0x00, 0x01, 0x00, 0x04, 0x05)
}

func TestTimeoutAborts(t *testing.T) {
	h := newTestServer(t, nil)
	h.rx(0x21, 0x30, 0x21, 0x00, 0x0E)
	h.process(t)
	h.bus.take()

	// No client activity for the whole SDO timeout
	res, err := h.server.Process(true, 1_000_000, nil)
	assert.Equal(t, AbortTimeout, err)
	assert.Equal(t, EndedWithAbort, res)
	h.expectTx(t, 0x80, 0x30, 0x21, 0x00, 0x00, 0x00, 0x04, 0x05)
}

func TestTimerNext(t *testing.T) {
	h := newTestServer(t, nil)
	h.rx(0x21, 0x30, 0x21, 0x00, 0x0E)
	h.process(t)
	h.bus.take()

	timerNext := uint32(10_000_000)
	_, err := h.server.Process(true, 400_000, &timerNext)
	assert.Nil(t, err)
	// Remaining budget until the SDO timeout
	assert.EqualValues(t, 600_000, timerNext)
}

func TestToggleMismatchAborts(t *testing.T) {
	h := newTestServer(t, nil)
	h.rx(0x21, 0x30, 0x21, 0x00, 0x0E)
	h.process(t)
	h.bus.take()

	// First segment must have toggle 0
	h.rx(0x10, 'A', 'B', 'C', 'D', 'E', 'F', 'G')
	res, err := h.process(t)
	assert.Equal(t, AbortToggleBit, err)
	assert.Equal(t, EndedWithAbort, res)
	h.expectTx(t, 0x80, 0x30, 0x21, 0x00, 0x00, 0x00, 0x03, 0x05)
}

func TestClientAbortResetsToIdle(t *testing.T) {
	h := newTestServer(t, nil)
	h.rx(0x21, 0x30, 0x21, 0x00, 0x0E)
	h.process(t)
	h.bus.take()

	h.rx(0x80, 0x30, 0x21, 0x00, 0x00, 0x00, 0x04, 0x05)
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.expectNoTx(t)
}

func TestFrameDroppedWhenNotProcessed(t *testing.T) {
	h := newTestServer(t, nil)
	h.rx(0x2F, 0x00, 0x21, 0x01, 0xBB)
	// Second request arrives before the first was processed, dropped
	h.rx(0x40, 0x10, 0x20, 0x00)
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.expectTx(t, 0x60, 0x00, 0x21, 0x01)

	res, err = h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.expectNoTx(t)
}

func TestWrongDlcIgnored(t *testing.T) {
	h := newTestServer(t, nil)
	var raw [8]byte
	raw[0] = 0x40
	h.server.Handle(canopen.Frame{ID: uint32(ClientServiceId) + testNodeId, DLC: 4, Data: raw})
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.expectNoTx(t)
}

func TestTransmitBufferFull(t *testing.T) {
	h := newTestServer(t, nil)
	h.bus.setTxFull(true)
	h.rx(0x2F, 0x00, 0x21, 0x01, 0xCC)
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, TransmitBufferFull, res)

	// Send is retried on the next cycle once the queue has room
	h.bus.setTxFull(false)
	res, err = h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.expectTx(t, 0x60, 0x00, 0x21, 0x01)
}

func TestNmtDisallowsSdo(t *testing.T) {
	h := newTestServer(t, nil)
	h.rx(0x40, 0x10, 0x20, 0x00)
	res, err := h.server.Process(false, 1000, nil)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.expectNoTx(t)
}

func TestSegmentedDisabledAborts(t *testing.T) {
	config := DefaultServerConfig()
	config.SegmentedEnabled = false
	h := newTestServer(t, &config)

	h.rx(0x21, 0x30, 0x21, 0x00, 0x0E)
	_, err := h.process(t)
	assert.Equal(t, AbortUnsupportedAccess, err)
	h.expectTx(t, 0x80, 0x30, 0x21, 0x00, 0x00, 0x00, 0x01, 0x06)

	// Expedited transfers still work
	h.rx(0x2F, 0x00, 0x21, 0x01, 0xAA)
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.expectTx(t, 0x60, 0x00, 0x21, 0x01)
}

func TestBlockDisabledAborts(t *testing.T) {
	config := DefaultServerConfig()
	config.BlockEnabled = false
	h := newTestServer(t, &config)

	h.rx(0xC6, 0x31, 0x21, 0x00, 0x15)
	_, err := h.process(t)
	assert.Equal(t, AbortUnsupportedAccess, err)
	h.expectTx(t, 0x80, 0x31, 0x21, 0x00, 0x00, 0x00, 0x01, 0x06)
}

func TestBufferTooSmallForBlock(t *testing.T) {
	config := DefaultServerConfig()
	config.BufferSize = 100
	odict := od.Default()
	bus := &recordingBus{}
	bm := canopen.NewBusManager(bus)
	_, err := NewSDOServer(bm, odict, testNodeId, DefaultServerTimeoutMs, odict.Index(0x1200), &config)
	assert.Equal(t, canopen.ErrIllegalArgument, err)

	// Without block transfer a small buffer is fine
	config.BlockEnabled = false
	_, err = NewSDOServer(bm, odict, testNodeId, DefaultServerTimeoutMs, odict.Index(0x1200), &config)
	assert.Nil(t, err)
}

func TestBusManagerDispatch(t *testing.T) {
	h := newTestServer(t, nil)
	// Feed the frame through the bus manager instead of directly
	var raw [8]byte
	copy(raw[:], []byte{0x40, 0x10, 0x20, 0x00})
	h.server.BusManager.Handle(canopen.Frame{ID: uint32(ClientServiceId) + testNodeId, DLC: 8, Data: raw})
	res, err := h.process(t)
	assert.Nil(t, err)
	assert.Equal(t, Success, res)
	h.expectTx(t, 0x4B, 0x10, 0x20, 0x00, 0x34, 0x12)
}

func TestRxSignalCallback(t *testing.T) {
	config := DefaultServerConfig()
	signalled := 0
	config.RxSignal = func() { signalled++ }
	h := newTestServer(t, &config)

	h.rx(0x40, 0x10, 0x20, 0x00)
	assert.Equal(t, 1, signalled)
}
