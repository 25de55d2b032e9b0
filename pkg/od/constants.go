package od

import (
	"fmt"
	"strconv"
)

// ODR is the result of an object dictionary access. Any value other than
// ErrNo and ErrPartial maps one-to-one to an SDO abort code.
type ODR int8

const (
	ErrPartial      ODR = -1
	ErrNo           ODR = 0
	ErrOutOfMem     ODR = 1
	ErrUnsuppAccess ODR = 2
	ErrWriteOnly    ODR = 3
	ErrReadonly     ODR = 4
	ErrIdxNotExist  ODR = 5
	ErrNoMap        ODR = 6
	ErrMapLen       ODR = 7
	ErrParIncompat  ODR = 8
	ErrDevIncompat  ODR = 9
	ErrHw           ODR = 10
	ErrTypeMismatch ODR = 11
	ErrDataLong     ODR = 12
	ErrDataShort    ODR = 13
	ErrSubNotExist  ODR = 14
	ErrInvalidValue ODR = 15
	ErrValueHigh    ODR = 16
	ErrValueLow     ODR = 17
	ErrMaxLessMin   ODR = 18
	ErrNoRessource  ODR = 19
	ErrGeneral      ODR = 20
	ErrDataTransf   ODR = 21
	ErrDataLocCtrl  ODR = 22
	ErrDataDevState ODR = 23
	ErrOdMissing    ODR = 24
	ErrNoData       ODR = 25
	ErrCount        ODR = 26
)

var ErrorDescriptionMap = map[ODR]string{
	ErrPartial:      "Incomplete transfer",
	ErrNo:           "No error",
	ErrOutOfMem:     "Out of memory",
	ErrUnsuppAccess: "Unsupported access to an object",
	ErrWriteOnly:    "Attempt to read a write only object",
	ErrReadonly:     "Attempt to write a read only object",
	ErrIdxNotExist:  "Object does not exist in the object dictionary",
	ErrNoMap:        "Object cannot be mapped to the PDO",
	ErrMapLen:       "Num and len of object to be mapped exceeds PDO len",
	ErrParIncompat:  "General parameter incompatibility reasons",
	ErrDevIncompat:  "General internal incompatibility in device",
	ErrHw:           "Access failed due to hardware error",
	ErrTypeMismatch: "Data type does not match, length does not match",
	ErrDataLong:     "Data type does not match, length too high",
	ErrDataShort:    "Data type does not match, length too short",
	ErrSubNotExist:  "Sub index does not exist",
	ErrInvalidValue: "Invalid value for parameter (download only)",
	ErrValueHigh:    "Value range of parameter written too high",
	ErrValueLow:     "Value range of parameter written too low",
	ErrMaxLessMin:   "Maximum value is less than minimum value",
	ErrNoRessource:  "Resource not available: SDO connection",
	ErrGeneral:      "General error",
	ErrDataTransf:   "Data cannot be transferred or stored to application",
	ErrDataLocCtrl:  "Data cannot be transferred because of local control",
	ErrDataDevState: "Data cannot be tran. because of present device state",
	ErrOdMissing:    "Object dict. not present or dynamic generation fails",
	ErrNoData:       "No data available",
}

func (odr ODR) Error() string {
	description, ok := ErrorDescriptionMap[odr]
	if !ok {
		return fmt.Sprintf("OD error %v (unknown)", strconv.Itoa(int(odr)))
	}
	return fmt.Sprintf("OD error %v (%v)", strconv.Itoa(int(odr)), description)
}

// Object dictionary object attribute
const (
	AttributeSdoR   uint8 = 0x01 // SDO server may read from the variable
	AttributeSdoW   uint8 = 0x02 // SDO server may write to the variable
	AttributeSdoRw  uint8 = 0x03 // SDO server may read from or write to the variable
	AttributeTpdo   uint8 = 0x04 // Variable is mappable into TPDO (can be read)
	AttributeRpdo   uint8 = 0x08 // Variable is mappable into RPDO (can be written)
	AttributeTrpdo  uint8 = 0x0C // Variable is mappable into TPDO or RPDO
	AttributeTsrdo  uint8 = 0x10 // Variable is mappable into transmitting SRDO
	AttributeRsrdo  uint8 = 0x20 // Variable is mappable into receiving SRDO
	AttributeTrsrdo uint8 = 0x30 // Variable is mappable into tx or rx SRDO
	AttributeMb     uint8 = 0x40 // Variable is multi-byte ((u)int16_t to (u)int64_t)
	// Shorter value, than specified variable size, may be
	// written to the variable. SDO write will fill remaining memory with zeroes.
	// Attribute is used for VISIBLE_STRING and UNICODE_STRING.
	AttributeStr uint8 = 0x80
)

// CANopen supported object types
const (
	ObjectTypeDOMAIN byte = 2
	ObjectTypeVAR    byte = 7
	ObjectTypeARRAY  byte = 8
	ObjectTypeRECORD byte = 9
)

var ObjectTypeName = map[byte]string{
	ObjectTypeDOMAIN: "DOMAIN",
	ObjectTypeVAR:    "VARIABLE",
	ObjectTypeARRAY:  "ARRAY",
	ObjectTypeRECORD: "RECORD",
}

// CANopen supported datatypes
const (
	BOOLEAN        uint8 = 0x01
	INTEGER8       uint8 = 0x02
	INTEGER16      uint8 = 0x03
	INTEGER32      uint8 = 0x04
	UNSIGNED8      uint8 = 0x05
	UNSIGNED16     uint8 = 0x06
	UNSIGNED32     uint8 = 0x07
	REAL32         uint8 = 0x08
	VISIBLE_STRING uint8 = 0x09
	OCTET_STRING   uint8 = 0x0A
	UNICODE_STRING uint8 = 0x0B
	DOMAIN         uint8 = 0x0F
	REAL64         uint8 = 0x11
	INTEGER64      uint8 = 0x15
	UNSIGNED64     uint8 = 0x1B
)

// Standard CANopen object entries
const (
	EntryDeviceType             uint16 = 0x1000
	EntryErrorRegister          uint16 = 0x1001
	EntryCobIdSYNC              uint16 = 0x1005
	EntryProducerHeartbeatTime  uint16 = 0x1017
	EntrySDOServerParameter     uint16 = 0x1200
	EntrySDOServerParameterEnd  uint16 = 0x127F
	EntrySDOClientParameter     uint16 = 0x1280
)

// EncodeAttribute builds the attribute bit field of a sub-object from its
// EDS access type, PDO mapping capability and datatype.
func EncodeAttribute(accessType string, pdoMapping bool, datatype uint8) uint8 {

	var attribute uint8

	switch accessType {
	case "rw":
		attribute = AttributeSdoRw
	case "ro", "const":
		attribute = AttributeSdoR
	case "wo":
		attribute = AttributeSdoW
	default:
		attribute = AttributeSdoRw
	}
	if pdoMapping {
		attribute |= AttributeTrpdo
	}
	switch datatype {
	case VISIBLE_STRING, UNICODE_STRING:
		attribute |= AttributeStr
	case INTEGER16, INTEGER32, INTEGER64,
		UNSIGNED16, UNSIGNED32, UNSIGNED64,
		REAL32, REAL64:
		attribute |= AttributeMb
	}
	return attribute
}
