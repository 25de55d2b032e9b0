package sdo

import (
	"fmt"

	"github.com/open-can/sdoserver/internal/crc"
	"github.com/open-can/sdoserver/pkg/od"
	log "github.com/sirupsen/logrus"
)

// Command byte bits of an initiate request
const (
	sizeIndicatedBit     = 0x01
	transferExpeditedBit = 0x02
	lastSegmentBit       = 0x01
)

func (server *SDOServer) rxDownloadInitiate(request SDOMessage) error {
	cmd := request.raw[0]

	// Segmented transfer
	if (cmd & transferExpeditedBit) == 0 {
		if !server.config.SegmentedEnabled {
			server.state = stateAbort
			return AbortUnsupportedAccess
		}
		log.Debugf("[SERVER][RX] DOWNLOAD SEGMENTED | x%x:x%x %v", server.index, server.subindex, request.raw)
		if (cmd & sizeIndicatedBit) == 0 {
			server.sizeIndicated = 0
			server.state = stateDownloadInitiateRsp
			server.finished = false
			return nil
		}
		// Check the indicated size against the OD size when it is known
		sizeInOd := server.streamer.DataLength
		server.sizeIndicated = request.SizeIndicated()
		if sizeInOd > 0 {
			if server.sizeIndicated > sizeInOd {
				server.state = stateAbort
				return AbortDataLong
			} else if server.sizeIndicated < sizeInOd && !server.streamer.HasAttribute(od.AttributeStr) {
				server.state = stateAbort
				return AbortDataShort
			}
		}
		server.state = stateDownloadInitiateRsp
		server.finished = false
		return nil
	}

	// Expedited transfer, 4 bytes of data max
	log.Debugf("[SERVER][RX] DOWNLOAD EXPEDITED | x%x:x%x %v", server.index, server.subindex, request.raw)
	sizeInOd := server.streamer.DataLength
	dataSizeToWrite := 4
	if (cmd & sizeIndicatedBit) != 0 {
		dataSizeToWrite -= (int(cmd) >> 2) & 0x03
	} else if sizeInOd > 0 && sizeInOd < 4 {
		dataSizeToWrite = int(sizeInOd)
	}
	// Temporary buffer with space for string padding
	buf := make([]byte, 6)
	copy(buf, request.raw[4:4+dataSizeToWrite])
	if hostBigEndian && server.streamer.HasAttribute(od.AttributeMb) {
		reverseBytes(buf[:dataSizeToWrite])
	}
	if server.streamer.HasAttribute(od.AttributeStr) &&
		(sizeInOd == 0 || uint32(dataSizeToWrite) < sizeInOd) {
		delta := sizeInOd - uint32(dataSizeToWrite)
		if delta == 1 {
			dataSizeToWrite += 1
		} else {
			dataSizeToWrite += 2
		}
		server.streamer.DataLength = uint32(dataSizeToWrite)
	} else if sizeInOd == 0 {
		server.streamer.DataLength = uint32(dataSizeToWrite)
	} else if dataSizeToWrite != int(sizeInOd) {
		server.state = stateAbort
		if dataSizeToWrite > int(sizeInOd) {
			return AbortDataLong
		}
		return AbortDataShort
	}
	_, err := server.streamer.Write(buf[:dataSizeToWrite])
	if err != nil {
		server.state = stateAbort
		odr, ok := err.(od.ODR)
		if !ok {
			odr = od.ErrGeneral
		}
		return ConvertOdToSdoAbort(odr)
	}
	server.state = stateDownloadInitiateRsp
	server.finished = true
	return nil
}

func (server *SDOServer) rxDownloadSegment(request SDOMessage) error {
	if (request.raw[0] & 0xE0) != 0x00 {
		server.state = stateAbort
		return AbortCmd
	}
	log.Debugf("[SERVER][RX] DOWNLOAD SEGMENT | x%x:x%x %v", server.index, server.subindex, request.raw)
	server.finished = (request.raw[0] & lastSegmentBit) != 0
	if request.GetToggle() != server.toggle {
		server.state = stateAbort
		return AbortToggleBit
	}
	// Get size and append to buffer
	count := BlockSeqSize - ((request.raw[0] >> 1) & 0x07)
	copy(server.buffer[server.bufWriteOffset:], request.raw[1:1+count])
	server.bufWriteOffset += uint32(count)
	server.sizeTransferred += uint32(count)

	if server.streamer.DataLength > 0 && server.sizeTransferred > server.streamer.DataLength {
		server.state = stateAbort
		return AbortDataLong
	}
	// Flush to OD on the last segment or when the buffer cannot hold
	// another full segment
	if server.finished ||
		(len(server.buffer)-int(server.bufWriteOffset) < int(BlockSeqSize)+bufferHeadroom) {
		err := server.writeObjectDictionary(0, 0)
		if err != nil {
			return err
		}
	}
	server.state = stateDownloadSegmentRsp
	return nil
}

func (server *SDOServer) rxUploadSegment(request SDOMessage) error {
	log.Debugf("[SERVER][RX] UPLOAD SEGMENT | x%x:x%x %v", server.index, server.subindex, request.raw)
	if (request.raw[0] & 0xEF) != 0x60 {
		server.state = stateAbort
		return AbortCmd
	}
	if request.GetToggle() != server.toggle {
		server.state = stateAbort
		return AbortToggleBit
	}
	server.state = stateUploadSegmentRsp
	return nil
}

func (server *SDOServer) rxDownloadBlockInitiate(request SDOMessage) error {
	server.blockCRCEnabled = request.IsCRCEnabled()
	// Check the indicated size against the OD size when it is known,
	// bit 0x02 is the size indicated flag in a block initiate request
	if (request.raw[0] & 0x02) != 0 {
		sizeInOd := server.streamer.DataLength
		server.sizeIndicated = request.SizeIndicated()
		if sizeInOd > 0 {
			if server.sizeIndicated > sizeInOd {
				server.state = stateAbort
				return AbortDataLong
			} else if server.sizeIndicated < sizeInOd && !server.streamer.HasAttribute(od.AttributeStr) {
				server.state = stateAbort
				return AbortDataShort
			}
		}
	} else {
		server.sizeIndicated = 0
	}
	log.Debugf("[SERVER][RX] BLOCK DOWNLOAD INIT | x%x:x%x | crc : %v, expected size : %v | %v",
		server.index, server.subindex, server.blockCRCEnabled, server.sizeIndicated, request.raw)
	server.state = stateDownloadBlkInitiateRsp
	server.finished = false
	return nil
}

func (server *SDOServer) rxDownloadBlockEnd(request SDOMessage) error {
	log.Debugf("[SERVER][RX] BLOCK DOWNLOAD END | x%x:x%x %v", server.index, server.subindex, request.raw)
	if (request.raw[0] & 0xE3) != 0xC1 {
		server.state = stateAbort
		return AbortCmd
	}
	// Number of bytes in the last segment that do not contain data,
	// reduce the buffer accordingly
	noData := (request.raw[0] >> 2) & 0x07
	if server.bufWriteOffset <= uint32(noData) {
		server.errorExtraInfo = fmt.Errorf("internal buffer and end of block download are inconsistent")
		server.state = stateAbort
		return AbortDeviceIncompat
	}
	server.sizeTransferred -= uint32(noData)
	server.bufWriteOffset -= uint32(noData)

	var crcClient = crc.CRC16(0)
	if server.blockCRCEnabled {
		crcClient = request.GetCRCClient()
	}
	err := server.writeObjectDictionary(2, crcClient)
	if err != nil {
		return err
	}
	server.state = stateDownloadBlkEndRsp
	return nil
}

func (server *SDOServer) rxUploadBlockInitiate(request SDOMessage) error {
	// If the protocol switch threshold is at least the size of the OD
	// object, fall back to the segmented / expedited protocol
	pst := request.GetPST()
	if server.sizeIndicated > 0 && pst > 0 && uint32(pst) >= server.sizeIndicated {
		server.state = stateUploadInitiateRsp
		return nil
	}
	if request.IsCRCEnabled() {
		server.blockCRCEnabled = true
		server.blockCRC = crc.CRC16(0)
		server.blockCRC.Block(server.buffer[:server.bufWriteOffset])
	} else {
		server.blockCRCEnabled = false
	}
	server.blockSize = request.GetBlockSize()
	log.Debugf("[SERVER][RX] BLOCK UPLOAD INIT | x%x:x%x %v | crc : %v, blksize : %v",
		server.index, server.subindex, request.raw, server.blockCRCEnabled, server.blockSize)
	if server.blockSize < 1 || server.blockSize > BlockMaxSize {
		server.state = stateAbort
		return AbortBlockSize
	}
	// Check that there is enough data for sending a complete sub-block
	// with the requested size
	if !server.finished && server.bufWriteOffset < uint32(server.blockSize)*uint32(BlockSeqSize) {
		server.state = stateAbort
		return AbortBlockSize
	}
	server.state = stateUploadBlkInitiateRsp
	return nil
}

func (server *SDOServer) rxUploadSubBlock(request SDOMessage) error {
	if request.raw[0] != 0xA2 {
		server.state = stateAbort
		return AbortCmd
	}
	log.Debugf("[SERVER][RX] BLOCK UPLOAD SUB-BLOCK RSP | ackseq %v blksize %v | x%x:x%x %v",
		request.raw[1], request.raw[2], server.index, server.subindex, request.raw)
	server.blockSize = request.raw[2]
	if server.blockSize < 1 || server.blockSize > BlockMaxSize {
		server.state = stateAbort
		return AbortBlockSize
	}
	ackseq := request.raw[1]
	if ackseq < server.blockSequenceNb {
		// Not all segments were acknowledged, rewind and re-transmit
		cntFailed := uint32(server.blockSequenceNb-ackseq)*uint32(BlockSeqSize) - uint32(server.blockNoData)
		if cntFailed > server.bufReadOffset || cntFailed > server.sizeTransferred {
			server.errorExtraInfo = fmt.Errorf("retransmit of %v bytes exceeds transferred data", cntFailed)
			server.state = stateAbort
			return AbortDeviceIncompat
		}
		server.bufReadOffset -= cntFailed
		server.sizeTransferred -= cntFailed
	} else if ackseq > server.blockSequenceNb {
		server.state = stateAbort
		return AbortCmd
	}
	// Refill buffer if needed
	err := server.readObjectDictionary(uint32(server.blockSize)*uint32(BlockSeqSize), true)
	if err != nil {
		return err
	}
	if server.bufWriteOffset == server.bufReadOffset {
		server.state = stateUploadBlkEndSreq
	} else {
		server.blockSequenceNb = 0
		server.state = stateUploadBlkSubblockSreq
	}
	return nil
}
