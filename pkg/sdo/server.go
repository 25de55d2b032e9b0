package sdo

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	canopen "github.com/open-can/sdoserver"
	"github.com/open-can/sdoserver/internal/crc"
	"github.com/open-can/sdoserver/pkg/nmt"
	"github.com/open-can/sdoserver/pkg/od"
	log "github.com/sirupsen/logrus"
)

// ServerConfig holds the optional capabilities of an SDO server channel.
// It replaces the compile-time feature switches of classic CANopen stacks.
type ServerConfig struct {
	// SegmentedEnabled allows segmented transfers. Expedited transfers are
	// always available.
	SegmentedEnabled bool
	// BlockEnabled allows block transfers. Requires a buffer of at least
	// one full block (889 bytes + headroom).
	BlockEnabled bool
	// DynamicOD allows re-binding the channel COB-IDs at runtime through
	// SDO writes to the server parameter entry (0x1201..0x127F).
	DynamicOD bool
	// BufferSize is the size of the internal transfer buffer in bytes.
	BufferSize int
	// RxSignal, when set, is invoked from the reception context after a
	// frame has been published, e.g. to wake up the processing loop.
	RxSignal func()
}

// DefaultServerConfig returns the configuration with all capabilities
// enabled and the default buffer size.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SegmentedEnabled: true,
		BlockEnabled:     true,
		DynamicOD:        true,
		BufferSize:       1000,
	}
}

// SDOServer implements the server side of one SDO channel.
// Frames are received via [SDOServer.Handle] from the bus reception
// context and the protocol state machine is advanced by periodic calls
// to [SDOServer.Process].
type SDOServer struct {
	*canopen.BusManager
	mu       sync.Mutex
	config   ServerConfig
	od       *od.ObjectDictionary
	streamer *od.Streamer
	nodeId   uint8
	txBuffer canopen.Frame

	cobIdClientToServer uint32
	cobIdServerToClient uint32
	valid               bool

	index           uint16
	subindex        uint8
	finished        bool
	sizeIndicated   uint32
	sizeTransferred uint32
	state           internalState
	toggle          uint8

	timeoutTimeUs uint32
	timeoutTimer  uint32

	// Linear transfer buffer between bus and OD.
	// Invariant : 0 <= bufReadOffset <= bufWriteOffset <= len(buffer)
	buffer         []byte
	bufWriteOffset uint32
	bufReadOffset  uint32

	// rxNew publishes request from the reception context, the pair
	// (request, rxNew) is only touched with mu held
	rxNew   bool
	request SDOMessage

	// Block transfer substate
	blockTimeoutTimeUs uint32
	blockTimeoutTimer  uint32
	blockSequenceNb    uint8
	blockSize          uint8
	blockNoData        uint8
	blockCRCEnabled    bool
	blockCRC           crc.CRC16

	abortPending   SDOAbortCode
	errorExtraInfo error
	nmtState       uint8
}

// NewSDOServer creates an SDO server channel bound to the given server
// parameter entry (0x1200 for the default channel, 0x1201..0x127F for
// additional channels). config may be nil, in which case
// [DefaultServerConfig] is used.
func NewSDOServer(
	bm *canopen.BusManager,
	odict *od.ObjectDictionary,
	nodeId uint8,
	timeoutMs uint32,
	entry12xx *od.Entry,
	config *ServerConfig,
) (*SDOServer, error) {

	if odict == nil || bm == nil || entry12xx == nil {
		return nil, canopen.ErrIllegalArgument
	}
	server := &SDOServer{BusManager: bm}
	if config == nil {
		server.config = DefaultServerConfig()
	} else {
		server.config = *config
	}
	if server.config.BufferSize < int(BlockSeqSize)+bufferHeadroom {
		return nil, canopen.ErrIllegalArgument
	}
	if server.config.BlockEnabled &&
		server.config.BufferSize < int(BlockMaxSize)*int(BlockSeqSize)+bufferHeadroom {
		return nil, canopen.ErrIllegalArgument
	}
	server.od = odict
	server.streamer = &od.Streamer{}
	server.buffer = make([]byte, server.config.BufferSize)
	server.nodeId = nodeId
	server.timeoutTimeUs = timeoutMs * 1000
	// Sub-block reception uses half of the SDO timeout
	server.blockTimeoutTimeUs = timeoutMs * 500
	server.nmtState = nmt.StatePreOperational

	var canIdClientToServer uint16
	var canIdServerToClient uint16
	if entry12xx.Index == 0x1200 {
		// Default channel, COB-IDs derived from the node id
		if nodeId < 1 || nodeId > 127 {
			log.Errorf("[SERVER] node id x%x is not valid", nodeId)
			return nil, canopen.ErrIllegalArgument
		}
		canIdClientToServer = ClientServiceId + uint16(nodeId)
		canIdServerToClient = ServerServiceId + uint16(nodeId)
		server.valid = true
		entry12xx.PutUint32(1, uint32(canIdClientToServer), true)
		entry12xx.PutUint32(2, uint32(canIdServerToClient), true)
	} else if entry12xx.Index > 0x1200 && entry12xx.Index <= 0x1200+0x7F {
		// Additional channel, COB-IDs taken from the entry
		maxSubIndex, err0 := entry12xx.Uint8(0)
		cobIdClientToServer32, err1 := entry12xx.Uint32(1)
		cobIdServerToClient32, err2 := entry12xx.Uint32(2)
		if err0 != nil || (maxSubIndex != 2 && maxSubIndex != 3) ||
			err1 != nil || err2 != nil {
			log.Errorf("[SERVER] error getting server params : %v, %v, %v, %v",
				err0, err1, err2, maxSubIndex)
			return nil, canopen.ErrOdParameters
		}
		if (cobIdClientToServer32 & 0x80000000) == 0 {
			canIdClientToServer = uint16(cobIdClientToServer32 & 0x7FF)
		} else {
			canIdClientToServer = 0
		}
		if (cobIdServerToClient32 & 0x80000000) == 0 {
			canIdServerToClient = uint16(cobIdServerToClient32 & 0x7FF)
		} else {
			canIdServerToClient = 0
		}
		if server.config.DynamicOD {
			entry12xx.AddExtension(server, od.ReadEntryDefault, writeEntry12xx)
		}
	} else {
		return nil, canopen.ErrIllegalArgument
	}
	server.cobIdClientToServer = 0
	server.cobIdServerToClient = 0
	return server, server.initRxTx(uint32(canIdClientToServer), uint32(canIdServerToClient))
}

// Configure or reconfigure the CAN reception and transmission of the
// channel, also updates the valid flag
func (server *SDOServer) initRxTx(cobIdClientToServer uint32, cobIdServerToClient uint32) error {

	// Only proceed if parameters change (i.e. different client)
	if cobIdServerToClient == server.cobIdServerToClient &&
		cobIdClientToServer == server.cobIdClientToServer {
		return nil
	}
	server.cobIdServerToClient = cobIdServerToClient
	server.cobIdClientToServer = cobIdClientToServer

	// Check the valid bit
	var canIdC2S, canIdS2C uint16
	if cobIdClientToServer&0x80000000 == 0 {
		canIdC2S = uint16(cobIdClientToServer & 0x7FF)
	}
	if cobIdServerToClient&0x80000000 == 0 {
		canIdS2C = uint16(cobIdServerToClient & 0x7FF)
	}
	if canIdC2S != 0 && canIdS2C != 0 {
		server.valid = true
	} else {
		canIdC2S = 0
		canIdS2C = 0
		server.valid = false
	}
	err := server.Subscribe(uint32(canIdC2S), 0x7FF, false, server)
	if err != nil {
		server.valid = false
		return err
	}
	server.txBuffer = canopen.NewFrame(uint32(canIdS2C), 0, 8)
	return nil
}

// Handle processes a received frame. It is called from the bus reception
// context and must not block. Only one frame is held outstanding, any new
// frame received before the previous one was processed is dropped.
func (server *SDOServer) Handle(frame canopen.Frame) {
	server.mu.Lock()
	defer server.mu.Unlock()

	if frame.DLC != 8 {
		return
	}
	if frame.Data[0] == 0x80 {
		// Client abort, applies in any state
		server.state = stateIdle
		server.rxNew = false
		abortCode := binary.LittleEndian.Uint32(frame.Data[4:])
		log.Warnf("[SERVER][RX] abort received from client : x%x (%v)",
			abortCode, SDOAbortCode(abortCode))
		return
	}
	if server.rxNew {
		// Ignore message if previous message not processed
		log.Debug("[SERVER][RX] ignoring frame, previous frame not processed")
		return
	}
	switch server.state {
	case stateUploadBlkEndCrsp:
		if frame.Data[0] == 0xA1 {
			// Block transferred, back to idle
			server.state = stateIdle
			return
		}
		// Anything else is handled by the process context
		server.request.raw = frame.Data
		server.rxNew = true
		if server.config.RxSignal != nil {
			server.config.RxSignal()
		}
	case stateDownloadBlkSubblockReq:
		server.rxSubBlockDownload(frame)
	case stateDownloadBlkSubblockRsp:
		// Ignore client frames while a sub-block response is due
	default:
		// Copy data and publish to the process context
		server.request.raw = frame.Data
		server.rxNew = true
		if server.config.RxSignal != nil {
			server.config.RxSignal()
		}
	}
}

// Block download fast path : sequence checked and data copied to the
// transfer buffer directly from the reception context.
func (server *SDOServer) rxSubBlockDownload(frame canopen.Frame) {

	if int(server.bufWriteOffset) > len(server.buffer)-(int(BlockSeqSize)+bufferHeadroom) {
		// Cannot happen if blockSize was computed from free space,
		// recover by aborting the transfer
		server.errorExtraInfo = fmt.Errorf("buffer write offset %v has no segment headroom", server.bufWriteOffset)
		server.abortPending = AbortDeviceIncompat
		server.state = stateAbort
		server.rxNew = false
		return
	}
	state := stateDownloadBlkSubblockReq
	seqno := frame.Data[0] & 0x7F
	server.timeoutTimer = 0
	server.blockTimeoutTimer = 0

	if seqno <= server.blockSize && seqno == server.blockSequenceNb+1 {
		server.blockSequenceNb = seqno
		copy(server.buffer[server.bufWriteOffset:], frame.Data[1:])
		server.bufWriteOffset += uint32(BlockSeqSize)
		server.sizeTransferred += uint32(BlockSeqSize)
		if (frame.Data[0] & 0x80) != 0 {
			// Last segment of the whole transfer
			server.finished = true
			state = stateDownloadBlkSubblockRsp
			log.Debugf("[SERVER][RX] BLOCK DOWNLOAD END SEGMENT | x%x:x%x %v", server.index, server.subindex, frame.Data)
		} else if seqno == server.blockSize {
			// All segments in sub block transferred
			state = stateDownloadBlkSubblockRsp
			log.Debugf("[SERVER][RX] BLOCK DOWNLOAD SUB-BLOCK | x%x:x%x %v", server.index, server.subindex, frame.Data)
		}
	} else if seqno != server.blockSequenceNb && server.blockSequenceNb != 0 {
		// Sequence is broken, request retransmission from the last good
		// segment. Duplicates and seqno before start are ignored.
		state = stateDownloadBlkSubblockRsp
		log.Warnf("[SERVER][RX] BLOCK DOWNLOAD SUB-BLOCK | wrong sequence number (got %v, previous %v) | x%x:x%x",
			seqno, server.blockSequenceNb, server.index, server.subindex)
	} else {
		log.Warnf("[SERVER][RX] BLOCK DOWNLOAD SUB-BLOCK | ignoring (got %v, expecting %v) | x%x:x%x",
			seqno, server.blockSequenceNb+1, server.index, server.subindex)
	}

	if state != stateDownloadBlkSubblockReq {
		// Continue processing in the process context
		server.state = state
		server.rxNew = false
		if server.config.RxSignal != nil {
			server.config.RxSignal()
		}
	}
}

// SetNMTState updates the internal NMT state of the node, SDO
// communication is only allowed in pre-operational & operational states
func (server *SDOServer) SetNMTState(state uint8) {
	server.mu.Lock()
	defer server.mu.Unlock()
	server.nmtState = state
}

// Process advances the server state machine. It never blocks and should
// be called cyclically with the elapsed time since the previous call,
// and additionally whenever RxSignal fires.
// timerNextUs, when not nil, is lowered to the remaining time budget
// before the next deadline so the caller can wake up on time.
func (server *SDOServer) Process(nmtIsPreOrOperational bool, timeDifferenceUs uint32, timerNextUs *uint32) (Result, error) {
	server.mu.Lock()
	defer server.mu.Unlock()
	return server.process(nmtIsPreOrOperational, timeDifferenceUs, timerNextUs)
}

// Run is a convenience wrapper around [SDOServer.Process] for applications
// that do not drive the scheduling themselves. It processes the state
// machine until ctx is done, using the NMT state given to [SDOServer.SetNMTState].
func (server *SDOServer) Run(ctx context.Context) {
	const period = 1 * time.Millisecond
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.mu.Lock()
			nmtOk := nmt.IsPreOrOperational(server.nmtState)
			_, err := server.process(nmtOk, uint32(period.Microseconds()), nil)
			server.mu.Unlock()
			if err != nil {
				log.Debugf("[SERVER] transfer ended with abort : %v", err)
			}
		}
	}
}

// The protocol cycle : consume a published frame if any, run the
// timeouts, emit the response for the new state, emit an abort if the
// state machine ended up in the abort state.
func (server *SDOServer) process(nmtIsPreOrOperational bool, timeDifferenceUs uint32, timerNextUs *uint32) (Result, error) {
	ret := WaitingResponse
	var abortCode error

	if server.valid && server.state == stateIdle && !server.rxNew {
		return Success, nil
	} else if !nmtIsPreOrOperational || !server.valid {
		server.state = stateIdle
		server.rxNew = false
		return Success, nil
	} else if server.rxNew {
		abortCode = server.processIncoming()
		if abortCode != nil {
			server.state = stateAbort
		}
		server.timeoutTimer = 0
		timeDifferenceUs = 0
		server.rxNew = false
	}

	if ret == WaitingResponse && abortCode == nil && server.state != stateAbort {
		if server.timeoutTimer < server.timeoutTimeUs {
			server.timeoutTimer += timeDifferenceUs
		}
		if server.timeoutTimer >= server.timeoutTimeUs {
			log.Warnf("[SERVER] timeout in state x%x after %v us", uint8(server.state), server.timeoutTimer)
			abortCode = AbortTimeout
			server.state = stateAbort
		} else if timerNextUs != nil {
			diff := server.timeoutTimeUs - server.timeoutTimer
			if *timerNextUs > diff {
				*timerNextUs = diff
			}
		}
		// Separate, shorter timeout for sub-block reception : respond with
		// whatever has arrived so far
		if server.state == stateDownloadBlkSubblockReq {
			if server.blockTimeoutTimer < server.blockTimeoutTimeUs {
				server.blockTimeoutTimer += timeDifferenceUs
			}
			if server.blockTimeoutTimer >= server.blockTimeoutTimeUs {
				server.state = stateDownloadBlkSubblockRsp
				server.rxNew = false
			} else if timerNextUs != nil {
				diff := server.blockTimeoutTimeUs - server.blockTimeoutTimer
				if *timerNextUs > diff {
					*timerNextUs = diff
				}
			}
		}
	}

	if abortCode == nil && server.state != stateAbort && server.state != stateIdle {
		txErr := server.processOutgoing(&ret, timerNextUs)
		if txErr != nil {
			if code, ok := txErr.(SDOAbortCode); ok {
				abortCode = code
				server.state = stateAbort
			} else {
				// TX queue full : response not sent, protocol state is
				// unchanged and the send is retried on the next cycle
				log.Warnf("[SERVER][TX] frame not sent : %v", txErr)
				return TransmitBufferFull, nil
			}
		}
	}

	switch server.state {
	case stateAbort:
		code, ok := abortCode.(SDOAbortCode)
		if !ok {
			if server.abortPending != 0 {
				code = server.abortPending
			} else {
				log.Errorf("[SERVER][TX] unknown abort code : %v", abortCode)
				code = AbortGeneral
			}
			abortCode = code
		}
		server.abortPending = 0
		server.txAbort(code)
		server.state = stateIdle
		ret = EndedWithAbort
	case stateIdle:
		ret = Success
	case stateDownloadBlkSubblockReq:
		ret = BlockDownloadInProgress
	case stateUploadBlkSubblockSreq:
		ret = BlockUploadInProgress
	}
	return ret, abortCode
}

// Dispatch a received request to the handler of the current state
func (server *SDOServer) processIncoming() error {
	request := server.request

	if server.state == stateIdle {
		server.index = request.GetIndex()
		server.subindex = request.GetSubindex()
		upload, err := server.updateStateFromRequest(request.raw[0])
		if err != nil {
			return err
		}
		// Check that the object exists and is accessible in the
		// requested direction
		err = server.updateStreamer(upload)
		if err != nil {
			return err
		}
		// For an upload, data is loaded from the OD now
		if upload {
			err = server.prepareUpload()
			if err != nil {
				return err
			}
		}
	}

	if server.state == stateIdle || server.state == stateAbort {
		return nil
	}

	switch server.state {
	case stateDownloadInitiateReq:
		return server.rxDownloadInitiate(request)

	case stateDownloadSegmentReq:
		return server.rxDownloadSegment(request)

	case stateUploadInitiateReq:
		log.Debugf("[SERVER][RX] UPLOAD INITIATE | x%x:x%x %v", server.index, server.subindex, request.raw)
		server.state = stateUploadInitiateRsp
		return nil

	case stateUploadSegmentReq:
		return server.rxUploadSegment(request)

	case stateDownloadBlkInitiateReq:
		return server.rxDownloadBlockInitiate(request)

	case stateDownloadBlkSubblockReq:
		// Handled in the reception context
		return nil

	case stateDownloadBlkEndReq:
		return server.rxDownloadBlockEnd(request)

	case stateUploadBlkInitiateReq:
		return server.rxUploadBlockInitiate(request)

	case stateUploadBlkInitiateReq2:
		if request.raw[0] == 0xA3 {
			server.blockSequenceNb = 0
			server.state = stateUploadBlkSubblockSreq
			return nil
		}
		server.state = stateAbort
		return AbortCmd

	case stateUploadBlkSubblockSreq, stateUploadBlkSubblockCrsp:
		return server.rxUploadSubBlock(request)

	default:
		server.state = stateAbort
		return AbortCmd
	}
}

// Classify the command byte of a request received in idle state.
// Modes that are disabled by configuration are rejected.
func (server *SDOServer) updateStateFromRequest(cmd byte) (upload bool, err error) {
	switch {
	case (cmd & 0xF0) == 0x20:
		server.state = stateDownloadInitiateReq
	case cmd == 0x40:
		upload = true
		server.state = stateUploadInitiateReq
	case (cmd & 0xF9) == 0xC0:
		if !server.config.BlockEnabled {
			server.state = stateAbort
			return false, AbortUnsupportedAccess
		}
		server.state = stateDownloadBlkInitiateReq
	case (cmd & 0xFB) == 0xA0:
		if !server.config.BlockEnabled {
			server.state = stateAbort
			return false, AbortUnsupportedAccess
		}
		upload = true
		server.state = stateUploadBlkInitiateReq
	default:
		server.state = stateAbort
		return false, AbortCmd
	}
	return upload, nil
}

// Locate the requested entry and check its attributes against the
// transfer direction
func (server *SDOServer) updateStreamer(upload bool) error {
	var err error
	server.errorExtraInfo = nil
	server.streamer, err = server.od.Streamer(server.index, server.subindex, false)
	if err != nil {
		server.state = stateAbort
		odr, ok := err.(od.ODR)
		if !ok {
			log.Warnf("[SERVER] unexpected error creating streamer : %v", err)
			odr = od.ErrGeneral
		}
		return ConvertOdToSdoAbort(odr)
	}
	if !server.streamer.HasAttribute(od.AttributeSdoRw) {
		server.state = stateAbort
		return AbortUnsupportedAccess
	}
	if upload && !server.streamer.HasAttribute(od.AttributeSdoR) {
		server.state = stateAbort
		return AbortWriteOnly
	}
	if !upload && !server.streamer.HasAttribute(od.AttributeSdoW) {
		server.state = stateAbort
		return AbortReadOnly
	}
	return nil
}

// Pre-load data from the OD for an upload and determine the indicated size
func (server *SDOServer) prepareUpload() error {
	server.bufReadOffset = 0
	server.bufWriteOffset = 0
	server.sizeTransferred = 0
	server.finished = false

	err := server.readObjectDictionary(uint32(BlockSeqSize), false)
	if err != nil {
		return err
	}
	if server.finished {
		server.sizeIndicated = server.streamer.DataLength
		if server.sizeIndicated == 0 {
			server.sizeIndicated = server.bufWriteOffset
		} else if server.sizeIndicated != server.bufWriteOffset {
			// The whole object was read, sizes have to match
			server.errorExtraInfo = fmt.Errorf("size indicated %v != buffer write offset %v",
				server.sizeIndicated, server.bufWriteOffset)
			server.state = stateAbort
			return AbortDeviceIncompat
		}
		return nil
	}
	if !server.streamer.HasAttribute(od.AttributeStr) {
		server.sizeIndicated = server.streamer.DataLength
	} else {
		server.sizeIndicated = 0
	}
	return nil
}

// Fill the transfer buffer from the OD if less than countMinimum unread
// bytes remain. Remaining bytes are moved to the start of the buffer
// before reading more.
func (server *SDOServer) readObjectDictionary(countMinimum uint32, calculateCRC bool) error {
	buffered := server.bufWriteOffset - server.bufReadOffset
	if server.finished || buffered >= countMinimum {
		return nil
	}

	// Compact : move unread bytes to the beginning
	copy(server.buffer, server.buffer[server.bufReadOffset:server.bufWriteOffset])
	server.bufReadOffset = 0
	server.bufWriteOffset = buffered

	countRd, err := server.streamer.Read(server.buffer[buffered:])
	if err != nil && err != od.ErrPartial {
		server.state = stateAbort
		odr, ok := err.(od.ODR)
		if !ok {
			log.Warnf("[SERVER] unexpected error reading OD : %v", err)
			odr = od.ErrGeneral
		}
		return ConvertOdToSdoAbort(odr)
	}

	// Stop sending at null termination if string
	if countRd > 0 && server.streamer.HasAttribute(od.AttributeStr) {
		countStr := countRd
		for i, v := range server.buffer[buffered : buffered+uint32(countRd)] {
			if v == 0 {
				countStr = i
				break
			}
		}
		if countStr == 0 {
			countStr = 1
		}
		if countStr < countRd {
			// String terminator found
			countRd = countStr
			err = nil
			server.streamer.DataLength = server.sizeTransferred + uint32(countRd)
		}
	}

	// Multi-byte values are stored host endian, the wire is little endian
	if hostBigEndian && countRd > 0 && server.streamer.HasAttribute(od.AttributeMb) {
		reverseBytes(server.buffer[buffered : buffered+uint32(countRd)])
	}

	server.bufWriteOffset = buffered + uint32(countRd)
	if server.bufWriteOffset == 0 || err == od.ErrPartial {
		server.finished = false
		if server.bufWriteOffset < countMinimum {
			server.state = stateAbort
			server.errorExtraInfo = fmt.Errorf("buffer write offset %v is less than the minimum count %v",
				server.bufWriteOffset, countMinimum)
			return AbortDeviceIncompat
		}
	} else {
		server.finished = true
	}
	if calculateCRC && server.blockCRCEnabled {
		server.blockCRC.Block(server.buffer[buffered:server.bufWriteOffset])
	}
	return nil
}

// Drain the transfer buffer into the OD.
// crcOperation : 0 none, 1 extend running CRC, 2 extend and verify against
// the client CRC.
func (server *SDOServer) writeObjectDictionary(crcOperation uint, crcClient crc.CRC16) error {

	bufferOffsetWriteOriginal := server.bufWriteOffset

	if server.finished {
		// Check transfer size against the indicated size
		if server.sizeIndicated > 0 && server.sizeTransferred > server.sizeIndicated {
			server.state = stateAbort
			return AbortDataLong
		} else if server.sizeIndicated > 0 && server.sizeTransferred < server.sizeIndicated {
			server.state = stateAbort
			return AbortDataShort
		}
		// Strings may be shorter than the OD declared length, they are
		// padded with zeroes and the stream length is adjusted
		varSizeInOd := server.streamer.DataLength
		if server.streamer.HasAttribute(od.AttributeStr) &&
			(varSizeInOd == 0 || server.sizeTransferred < varSizeInOd) &&
			int(server.bufWriteOffset+2) <= len(server.buffer) {
			server.buffer[server.bufWriteOffset] = 0x00
			server.bufWriteOffset++
			server.sizeTransferred++
			if varSizeInOd == 0 || server.sizeTransferred < varSizeInOd {
				server.buffer[server.bufWriteOffset] = 0x00
				server.bufWriteOffset++
				server.sizeTransferred++
			}
			server.streamer.DataLength = server.sizeTransferred
		} else if varSizeInOd == 0 {
			server.streamer.DataLength = server.sizeTransferred
		} else if server.sizeTransferred != varSizeInOd {
			if server.sizeTransferred > varSizeInOd {
				server.state = stateAbort
				return AbortDataLong
			}
			server.state = stateAbort
			return AbortDataShort
		}
	} else {
		// Still check that the transfer is not larger than indicated
		if server.sizeIndicated > 0 && server.sizeTransferred > server.sizeIndicated {
			server.state = stateAbort
			return AbortDataLong
		}
	}

	// CRC is calculated over the bytes as transferred on the wire,
	// before any byte swap
	if server.blockCRCEnabled && crcOperation > 0 {
		server.blockCRC.Block(server.buffer[:bufferOffsetWriteOriginal])
		if crcOperation == 2 && crcClient != server.blockCRC {
			server.state = stateAbort
			server.errorExtraInfo = fmt.Errorf("server was expecting CRC %v but got %v", server.blockCRC, crcClient)
			return AbortCRC
		}
	}

	// Swap multi-byte values to host endianness before storing
	if hostBigEndian && server.finished && server.streamer.HasAttribute(od.AttributeMb) {
		reverseBytes(server.buffer[:server.bufWriteOffset])
	}

	_, err := server.streamer.Write(server.buffer[:server.bufWriteOffset])
	server.bufWriteOffset = 0
	if err != nil && err != od.ErrPartial {
		server.state = stateAbort
		odr, ok := err.(od.ODR)
		if !ok {
			log.Warnf("[SERVER] unexpected error writing OD : %v", err)
			odr = od.ErrGeneral
		}
		return ConvertOdToSdoAbort(odr)
	} else if server.finished && err == od.ErrPartial {
		server.state = stateAbort
		return AbortDataShort
	} else if !server.finished && err == nil {
		server.state = stateAbort
		return AbortDataLong
	}
	return nil
}

// Create & send an abort frame on the bus. The buffer full condition is
// ignored here, there is nothing else left to do for this transfer.
func (server *SDOServer) txAbort(abortCode SDOAbortCode) {
	code := uint32(abortCode)
	server.txBuffer.Data = [8]byte{}
	server.txBuffer.Data[0] = 0x80
	server.txBuffer.Data[1] = uint8(server.index)
	server.txBuffer.Data[2] = uint8(server.index >> 8)
	server.txBuffer.Data[3] = server.subindex
	binary.LittleEndian.PutUint32(server.txBuffer.Data[4:], code)
	err := server.Send(server.txBuffer)
	if err != nil {
		log.Errorf("[SERVER][TX] failed to send abort : %v", err)
	}
	log.Warnf("[SERVER][TX] SERVER ABORT | x%x:x%x | %v (x%x)", server.index, server.subindex, abortCode.Description(), code)
	if server.errorExtraInfo != nil {
		log.Warnf("[SERVER][TX] SERVER ABORT | %v", server.errorExtraInfo)
		server.errorExtraInfo = nil
	}
}
