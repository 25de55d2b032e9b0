// Package sdo implements the server side of the CANopen Service Data
// Object protocol as defined by CiA 301 : expedited, segmented and block
// transfers over a pair of 11-bit CAN identifiers.
package sdo

import (
	"fmt"

	"github.com/open-can/sdoserver/pkg/od"
)

const (
	ClientServiceId uint16 = 0x600 // Default client->server base COB-ID
	ServerServiceId uint16 = 0x580 // Default server->client base COB-ID

	DefaultServerTimeoutMs = 1000

	// BlockSeqSize is the payload size of one (sub-)block segment
	BlockSeqSize uint8 = 7
	// BlockMaxSize is the maximum number of segments per block
	BlockMaxSize uint8 = 127

	// Headroom kept at the end of the transfer buffer : one segment
	// might overflow by up to 2 bytes when receiving the last block
	// segment with padding.
	bufferHeadroom = 2
)

type internalState uint8

// Internal states of the server state machine, numbering follows CiA 301
// protocol phases.
const (
	stateIdle  internalState = 0x00
	stateAbort internalState = 0x01

	stateDownloadInitiateReq internalState = 0x11
	stateDownloadInitiateRsp internalState = 0x12
	stateDownloadSegmentReq  internalState = 0x13
	stateDownloadSegmentRsp  internalState = 0x14

	stateUploadInitiateReq internalState = 0x21
	stateUploadInitiateRsp internalState = 0x22
	stateUploadSegmentReq  internalState = 0x23
	stateUploadSegmentRsp  internalState = 0x24

	stateDownloadBlkInitiateReq internalState = 0x51
	stateDownloadBlkInitiateRsp internalState = 0x52
	stateDownloadBlkSubblockReq internalState = 0x53
	stateDownloadBlkSubblockRsp internalState = 0x54
	stateDownloadBlkEndReq      internalState = 0x55
	stateDownloadBlkEndRsp      internalState = 0x56

	stateUploadBlkInitiateReq  internalState = 0x61
	stateUploadBlkInitiateRsp  internalState = 0x62
	stateUploadBlkInitiateReq2 internalState = 0x63
	stateUploadBlkSubblockSreq internalState = 0x64
	stateUploadBlkSubblockCrsp internalState = 0x65
	stateUploadBlkEndSreq      internalState = 0x66
	stateUploadBlkEndCrsp      internalState = 0x67
)

// Result of one server processing cycle
type Result uint8

const (
	// Communication ended normally or channel is idle
	Success Result = iota
	// A transfer is ongoing, server waits for the next client request
	WaitingResponse
	// The CAN TX queue is full, response was not sent, state unchanged
	TransmitBufferFull
	// A block download sub-block reception is ongoing
	BlockDownloadInProgress
	// A block upload sub-block transmission is ongoing
	BlockUploadInProgress
	// Communication ended with a server abort
	EndedWithAbort
)

// SDOAbortCode is the 32-bit abort code transmitted little-endian inside
// an SDO abort frame. It implements the error interface.
type SDOAbortCode uint32

const (
	AbortToggleBit         SDOAbortCode = 0x05030000
	AbortTimeout           SDOAbortCode = 0x05040000
	AbortCmd               SDOAbortCode = 0x05040001
	AbortBlockSize         SDOAbortCode = 0x05040002
	AbortSeqNum            SDOAbortCode = 0x05040003
	AbortCRC               SDOAbortCode = 0x05040004
	AbortOutOfMem          SDOAbortCode = 0x05040005
	AbortUnsupportedAccess SDOAbortCode = 0x06010000
	AbortWriteOnly         SDOAbortCode = 0x06010001
	AbortReadOnly          SDOAbortCode = 0x06010002
	AbortNotExist          SDOAbortCode = 0x06020000
	AbortNoMap             SDOAbortCode = 0x06040041
	AbortMapLen            SDOAbortCode = 0x06040042
	AbortParamIncompat     SDOAbortCode = 0x06040043
	AbortDeviceIncompat    SDOAbortCode = 0x06040047
	AbortHardware          SDOAbortCode = 0x06060000
	AbortTypeMismatch      SDOAbortCode = 0x06070010
	AbortDataLong          SDOAbortCode = 0x06070012
	AbortDataShort         SDOAbortCode = 0x06070013
	AbortSubUnknown        SDOAbortCode = 0x06090011
	AbortInvalidValue      SDOAbortCode = 0x06090030
	AbortValueHigh         SDOAbortCode = 0x06090031
	AbortValueLow          SDOAbortCode = 0x06090032
	AbortMaxLessMin        SDOAbortCode = 0x06090036
	AbortNoRessource       SDOAbortCode = 0x060A0023
	AbortGeneral           SDOAbortCode = 0x08000000
	AbortDataTransfer      SDOAbortCode = 0x08000020
	AbortDataLocalControl  SDOAbortCode = 0x08000021
	AbortDataDeviceState   SDOAbortCode = 0x08000022
	AbortDataOD            SDOAbortCode = 0x08000023
	AbortNoData            SDOAbortCode = 0x08000024
)

var abortDescriptionMap = map[SDOAbortCode]string{
	AbortToggleBit:         "Toggle bit not altered",
	AbortTimeout:           "SDO protocol timed out",
	AbortCmd:               "Command specifier not valid or unknown",
	AbortBlockSize:         "Invalid block size in block mode",
	AbortSeqNum:            "Invalid sequence number in block mode",
	AbortCRC:               "CRC error (block mode only)",
	AbortOutOfMem:          "Out of memory",
	AbortUnsupportedAccess: "Unsupported access to an object",
	AbortWriteOnly:         "Attempt to read a write only object",
	AbortReadOnly:          "Attempt to write a read only object",
	AbortNotExist:          "Object does not exist in the object dictionary",
	AbortNoMap:             "Object cannot be mapped to the PDO",
	AbortMapLen:            "Num and len of object to be mapped exceeds PDO len",
	AbortParamIncompat:     "General parameter incompatibility reasons",
	AbortDeviceIncompat:    "General internal incompatibility in device",
	AbortHardware:          "Access failed due to hardware error",
	AbortTypeMismatch:      "Data type does not match, length does not match",
	AbortDataLong:          "Data type does not match, length too high",
	AbortDataShort:         "Data type does not match, length too short",
	AbortSubUnknown:        "Sub index does not exist",
	AbortInvalidValue:      "Invalid value for parameter (download only)",
	AbortValueHigh:         "Value range of parameter written too high",
	AbortValueLow:          "Value range of parameter written too low",
	AbortMaxLessMin:        "Maximum value is less than minimum value",
	AbortNoRessource:       "Resource not available: SDO connection",
	AbortGeneral:           "General error",
	AbortDataTransfer:      "Data cannot be transferred or stored to application",
	AbortDataLocalControl:  "Data cannot be transferred because of local control",
	AbortDataDeviceState:   "Data cannot be tran. because of present device state",
	AbortDataOD:            "Object dict. not present or dynamic generation fails",
	AbortNoData:            "No data available",
}

var odToAbortMap = map[od.ODR]SDOAbortCode{
	od.ErrOutOfMem:     AbortOutOfMem,
	od.ErrUnsuppAccess: AbortUnsupportedAccess,
	od.ErrWriteOnly:    AbortWriteOnly,
	od.ErrReadonly:     AbortReadOnly,
	od.ErrIdxNotExist:  AbortNotExist,
	od.ErrNoMap:        AbortNoMap,
	od.ErrMapLen:       AbortMapLen,
	od.ErrParIncompat:  AbortParamIncompat,
	od.ErrDevIncompat:  AbortDeviceIncompat,
	od.ErrHw:           AbortHardware,
	od.ErrTypeMismatch: AbortTypeMismatch,
	od.ErrDataLong:     AbortDataLong,
	od.ErrDataShort:    AbortDataShort,
	od.ErrSubNotExist:  AbortSubUnknown,
	od.ErrInvalidValue: AbortInvalidValue,
	od.ErrValueHigh:    AbortValueHigh,
	od.ErrValueLow:     AbortValueLow,
	od.ErrMaxLessMin:   AbortMaxLessMin,
	od.ErrNoRessource:  AbortNoRessource,
	od.ErrGeneral:      AbortGeneral,
	od.ErrDataTransf:   AbortDataTransfer,
	od.ErrDataLocCtrl:  AbortDataLocalControl,
	od.ErrDataDevState: AbortDataDeviceState,
	od.ErrOdMissing:    AbortDataOD,
	od.ErrNoData:       AbortNoData,
}

// ConvertOdToSdoAbort returns the SDO abort code associated with an OD
// access result. Unknown results map to device incompatibility.
func ConvertOdToSdoAbort(oderr od.ODR) SDOAbortCode {
	abortCode, ok := odToAbortMap[oderr]
	if ok {
		return abortCode
	}
	return AbortDeviceIncompat
}

func (abort SDOAbortCode) Error() string {
	return fmt.Sprintf("x%x : %s", uint32(abort), abort.Description())
}

func (abort SDOAbortCode) Description() string {
	description, ok := abortDescriptionMap[abort]
	if ok {
		return description
	}
	return abortDescriptionMap[AbortGeneral]
}
