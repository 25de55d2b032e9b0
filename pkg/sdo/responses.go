package sdo

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
)

// Emit the response frame for the current state. A returned SDOAbortCode
// aborts the transfer, any other error means the frame could not be sent
// and the protocol state is left unchanged so the send is retried.
func (server *SDOServer) processOutgoing(ret *Result, timerNextUs *uint32) error {
	server.txBuffer.Data = [8]byte{}

	switch server.state {
	case stateDownloadInitiateRsp:
		return server.txDownloadInitiate(ret)

	case stateDownloadSegmentRsp:
		return server.txDownloadSegment(ret)

	case stateUploadInitiateRsp:
		return server.txUploadInitiate(ret)

	case stateUploadSegmentRsp:
		return server.txUploadSegment(ret)

	case stateDownloadBlkInitiateRsp:
		return server.txDownloadBlockInitiate()

	case stateDownloadBlkSubblockRsp:
		return server.txDownloadBlockSubBlock()

	case stateDownloadBlkEndRsp:
		return server.txDownloadBlockEnd(ret)

	case stateUploadBlkInitiateRsp:
		return server.txUploadBlockInitiate()

	case stateUploadBlkSubblockSreq:
		return server.txUploadBlockSubBlock(timerNextUs)

	case stateUploadBlkEndSreq:
		return server.txUploadBlockEnd()
	}
	return nil
}

func (server *SDOServer) txDownloadInitiate(ret *Result) error {
	server.txBuffer.Data[0] = 0x60
	server.txBuffer.Data[1] = byte(server.index)
	server.txBuffer.Data[2] = byte(server.index >> 8)
	server.txBuffer.Data[3] = server.subindex
	err := server.Send(server.txBuffer)
	if err != nil {
		return err
	}
	server.timeoutTimer = 0
	if server.finished {
		log.Debugf("[SERVER][TX] DOWNLOAD EXPEDITED | x%x:x%x %v", server.index, server.subindex, server.txBuffer.Data)
		server.state = stateIdle
		*ret = Success
		return nil
	}
	log.Debugf("[SERVER][TX] DOWNLOAD SEGMENT INIT | x%x:x%x %v", server.index, server.subindex, server.txBuffer.Data)
	server.toggle = 0x00
	server.sizeTransferred = 0
	server.bufWriteOffset = 0
	server.bufReadOffset = 0
	server.state = stateDownloadSegmentReq
	return nil
}

func (server *SDOServer) txDownloadSegment(ret *Result) error {
	server.txBuffer.Data[0] = 0x20 | server.toggle
	err := server.Send(server.txBuffer)
	if err != nil {
		return err
	}
	log.Debugf("[SERVER][TX] DOWNLOAD SEGMENT | x%x:x%x %v", server.index, server.subindex, server.txBuffer.Data)
	server.toggle ^= 0x10
	server.timeoutTimer = 0
	if server.finished {
		server.state = stateIdle
		*ret = Success
	} else {
		server.state = stateDownloadSegmentReq
	}
	return nil
}

func (server *SDOServer) txUploadInitiate(ret *Result) error {
	expedited := server.sizeIndicated > 0 && server.sizeIndicated <= 4
	if expedited {
		server.txBuffer.Data[0] = 0x43 | ((4 - byte(server.sizeIndicated)) << 2)
		copy(server.txBuffer.Data[4:], server.buffer[:server.sizeIndicated])
	} else {
		// Segmented transfer
		if !server.config.SegmentedEnabled {
			return AbortUnsupportedAccess
		}
		if server.sizeIndicated > 0 {
			server.txBuffer.Data[0] = 0x41
			binary.LittleEndian.PutUint32(server.txBuffer.Data[4:], server.sizeIndicated)
		} else {
			server.txBuffer.Data[0] = 0x40
		}
	}
	server.txBuffer.Data[1] = byte(server.index)
	server.txBuffer.Data[2] = byte(server.index >> 8)
	server.txBuffer.Data[3] = server.subindex
	err := server.Send(server.txBuffer)
	if err != nil {
		return err
	}
	if expedited {
		log.Debugf("[SERVER][TX] UPLOAD EXPEDITED | x%x:x%x %v", server.index, server.subindex, server.txBuffer.Data)
		server.state = stateIdle
		*ret = Success
		return nil
	}
	log.Debugf("[SERVER][TX] UPLOAD SEGMENT INIT | x%x:x%x %v", server.index, server.subindex, server.txBuffer.Data)
	server.toggle = 0x00
	server.timeoutTimer = 0
	server.state = stateUploadSegmentReq
	return nil
}

func (server *SDOServer) txUploadSegment(ret *Result) error {
	// Refill buffer if needed
	err := server.readObjectDictionary(uint32(BlockSeqSize), false)
	if err != nil {
		return err
	}
	server.txBuffer.Data[0] = server.toggle
	count := server.bufWriteOffset - server.bufReadOffset
	last := count < uint32(BlockSeqSize) || (server.finished && count == uint32(BlockSeqSize))
	if last {
		server.txBuffer.Data[0] |= (byte(uint32(BlockSeqSize)-count) << 1) | lastSegmentBit
	} else {
		count = uint32(BlockSeqSize)
	}
	copy(server.txBuffer.Data[1:], server.buffer[server.bufReadOffset:server.bufReadOffset+count])

	// Check for short or long transfer before committing the segment
	sizeTransferred := server.sizeTransferred + count
	if server.sizeIndicated > 0 {
		if sizeTransferred > server.sizeIndicated {
			return AbortDataLong
		} else if last && sizeTransferred < server.sizeIndicated {
			return AbortDataShort
		}
	}
	err = server.Send(server.txBuffer)
	if err != nil {
		return err
	}
	log.Debugf("[SERVER][TX] UPLOAD SEGMENT | x%x:x%x %v", server.index, server.subindex, server.txBuffer.Data)
	server.bufReadOffset += count
	server.sizeTransferred = sizeTransferred
	server.toggle ^= 0x10
	server.timeoutTimer = 0
	if last {
		server.state = stateIdle
		*ret = Success
	} else {
		server.state = stateUploadSegmentReq
	}
	return nil
}

func (server *SDOServer) txDownloadBlockInitiate() error {
	server.txBuffer.Data[0] = 0xA4
	server.txBuffer.Data[1] = byte(server.index)
	server.txBuffer.Data[2] = byte(server.index >> 8)
	server.txBuffer.Data[3] = server.subindex
	// Calculate block size from the free buffer space
	count := (len(server.buffer) - bufferHeadroom) / int(BlockSeqSize)
	if count > int(BlockMaxSize) {
		count = int(BlockMaxSize)
	}
	server.txBuffer.Data[4] = uint8(count)
	err := server.Send(server.txBuffer)
	if err != nil {
		return err
	}
	log.Debugf("[SERVER][TX] BLOCK DOWNLOAD INIT | x%x:x%x %v", server.index, server.subindex, server.txBuffer.Data)
	server.blockSize = uint8(count)
	server.sizeTransferred = 0
	server.finished = false
	server.bufReadOffset = 0
	server.bufWriteOffset = 0
	server.blockSequenceNb = 0
	server.blockCRC = 0
	server.timeoutTimer = 0
	server.blockTimeoutTimer = 0
	server.rxNew = false
	server.state = stateDownloadBlkSubblockReq
	return nil
}

func (server *SDOServer) txDownloadBlockSubBlock() error {
	server.txBuffer.Data[0] = 0xA2
	server.txBuffer.Data[1] = server.blockSequenceNb
	nextState := stateDownloadBlkEndReq
	if !server.finished {
		// Calculate the next block size from the free buffer space. When
		// no more than BlockMaxSize segments fit, the accumulated data is
		// flushed to the OD first and the size is taken from the whole buffer
		count := (len(server.buffer) - bufferHeadroom - int(server.bufWriteOffset)) / int(BlockSeqSize)
		if count > int(BlockMaxSize) {
			count = int(BlockMaxSize)
		} else if server.bufWriteOffset > 0 {
			err := server.writeObjectDictionary(1, 0)
			if err != nil {
				return err
			}
			count = (len(server.buffer) - bufferHeadroom) / int(BlockSeqSize)
			if count > int(BlockMaxSize) {
				count = int(BlockMaxSize)
			}
		}
		server.blockSize = uint8(count)
		nextState = stateDownloadBlkSubblockReq
	}
	server.txBuffer.Data[2] = server.blockSize
	err := server.Send(server.txBuffer)
	if err != nil {
		return err
	}
	log.Debugf("[SERVER][TX] BLOCK DOWNLOAD SUB-BLOCK RSP | x%x:x%x ackseq %v blksize %v",
		server.index, server.subindex, server.txBuffer.Data[1], server.blockSize)
	server.blockTimeoutTimer = 0
	if nextState == stateDownloadBlkSubblockReq {
		server.blockSequenceNb = 0
		server.rxNew = false
	}
	server.state = nextState
	return nil
}

func (server *SDOServer) txDownloadBlockEnd(ret *Result) error {
	server.txBuffer.Data[0] = 0xA1
	err := server.Send(server.txBuffer)
	if err != nil {
		return err
	}
	log.Debugf("[SERVER][TX] BLOCK DOWNLOAD END | x%x:x%x %v", server.index, server.subindex, server.txBuffer.Data)
	server.state = stateIdle
	*ret = Success
	return nil
}

func (server *SDOServer) txUploadBlockInitiate() error {
	server.txBuffer.Data[0] = 0xC4
	server.txBuffer.Data[1] = byte(server.index)
	server.txBuffer.Data[2] = byte(server.index >> 8)
	server.txBuffer.Data[3] = server.subindex
	if server.sizeIndicated > 0 {
		server.txBuffer.Data[0] |= 0x02
		binary.LittleEndian.PutUint32(server.txBuffer.Data[4:], server.sizeIndicated)
	}
	err := server.Send(server.txBuffer)
	if err != nil {
		return err
	}
	log.Debugf("[SERVER][TX] BLOCK UPLOAD INIT | x%x:x%x %v", server.index, server.subindex, server.txBuffer.Data)
	server.timeoutTimer = 0
	server.state = stateUploadBlkInitiateReq2
	return nil
}

func (server *SDOServer) txUploadBlockSubBlock(timerNextUs *uint32) error {
	seqno := server.blockSequenceNb + 1
	server.txBuffer.Data[0] = seqno
	count := server.bufWriteOffset - server.bufReadOffset
	last := count < uint32(BlockSeqSize) || (server.finished && count == uint32(BlockSeqSize))
	if last {
		server.txBuffer.Data[0] |= 0x80
	} else {
		count = uint32(BlockSeqSize)
	}
	copy(server.txBuffer.Data[1:], server.buffer[server.bufReadOffset:server.bufReadOffset+count])

	// Check for short or long transfer before committing the segment
	sizeTransferred := server.sizeTransferred + count
	if server.sizeIndicated > 0 {
		if sizeTransferred > server.sizeIndicated {
			return AbortDataLong
		} else if server.bufReadOffset+count == server.bufWriteOffset &&
			sizeTransferred < server.sizeIndicated {
			return AbortDataShort
		}
	}
	err := server.Send(server.txBuffer)
	if err != nil {
		return err
	}
	server.blockSequenceNb = seqno
	server.bufReadOffset += count
	server.blockNoData = byte(uint32(BlockSeqSize) - count)
	server.sizeTransferred = sizeTransferred
	server.timeoutTimer = 0
	if server.bufWriteOffset == server.bufReadOffset || server.blockSequenceNb >= server.blockSize {
		log.Debugf("[SERVER][TX] BLOCK UPLOAD SUB-BLOCK END | x%x:x%x %v", server.index, server.subindex, server.txBuffer.Data)
		server.state = stateUploadBlkSubblockCrsp
	} else {
		log.Debugf("[SERVER][TX] BLOCK UPLOAD SUB-BLOCK | x%x:x%x %v", server.index, server.subindex, server.txBuffer.Data)
		if timerNextUs != nil {
			*timerNextUs = 0
		}
	}
	return nil
}

func (server *SDOServer) txUploadBlockEnd() error {
	server.txBuffer.Data[0] = 0xC1 | (server.blockNoData << 2)
	server.txBuffer.Data[1] = byte(server.blockCRC)
	server.txBuffer.Data[2] = byte(server.blockCRC >> 8)
	err := server.Send(server.txBuffer)
	if err != nil {
		return err
	}
	log.Debugf("[SERVER][TX] BLOCK UPLOAD END | x%x:x%x %v", server.index, server.subindex, server.txBuffer.Data)
	server.timeoutTimer = 0
	server.state = stateUploadBlkEndCrsp
	return nil
}
