package od

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

var nodeIdRegExp = regexp.MustCompile(`\+?\$NODEID\+?`)

// Variable is the main data representation for a value stored inside of OD.
// It is used to store a "VAR" or "DOMAIN" object type as well as any sub
// entry of a "RECORD" or "ARRAY" object type.
type Variable struct {
	valueDefault []byte
	value        []byte
	// Name of this variable
	Name string
	// The CiA 301 data type of this variable
	DataType byte
	// Attribute contains the access type as well as the mapping
	// information. e.g. AttributeSdoRw | AttributeRpdo
	Attribute uint8
	// The minimum and maximum values for this variable, when present in EDS
	lowLimit  []byte
	highLimit []byte
	// The subindex for this variable if part of an ARRAY or RECORD
	SubIndex uint8
}

// Return number of bytes stored
func (variable *Variable) DataLength() uint32 {
	return uint32(len(variable.value))
}

// Return default value as byte slice
func (variable *Variable) DefaultValue() []byte {
	return variable.valueDefault
}

// Create a new variable with a value given as string
// e.g. "0x22" or "12"
func NewVariable(
	subindex uint8,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
) (*Variable, error) {
	encoded, err := EncodeFromString(value, datatype, 0)
	if err != nil {
		return nil, err
	}
	encodedCopy := make([]byte, len(encoded))
	copy(encodedCopy, encoded)
	variable := &Variable{
		SubIndex:     subindex,
		Name:         name,
		value:        encoded,
		valueDefault: encodedCopy,
		Attribute:    attribute,
		DataType:     datatype,
	}
	return variable, nil
}

// Create a variable from an EDS section
func NewVariableFromSection(
	section *ini.Section,
	name string,
	nodeId uint8,
	index uint16,
	subindex uint8,
) (*Variable, error) {

	variable := &Variable{
		Name:     name,
		SubIndex: subindex,
	}

	// Get AccessType
	accessType, err := section.GetKey("AccessType")
	if err != nil {
		return nil, fmt.Errorf("failed to get 'AccessType' for x%x : x%x", index, subindex)
	}

	// Get PDOMapping to know if pdo mappable
	var pdoMapping bool
	if pM, err := section.GetKey("PDOMapping"); err == nil {
		pdoMapping, err = pM.Bool()
		if err != nil {
			return nil, err
		}
	} else {
		pdoMapping = true
	}

	dataType, err := strconv.ParseInt(section.Key("DataType").Value(), 0, 16)
	if err != nil {
		return nil, fmt.Errorf("failed to parse 'DataType' for x%x : x%x, because %v", index, subindex, err)
	}
	variable.DataType = byte(dataType)
	variable.Attribute = EncodeAttribute(accessType.String(), pdoMapping, variable.DataType)

	if highLimit, err := section.GetKey("HighLimit"); err == nil {
		variable.highLimit, _ = EncodeFromString(highLimit.Value(), variable.DataType, 0)
	}
	if lowLimit, err := section.GetKey("LowLimit"); err == nil {
		variable.lowLimit, _ = EncodeFromString(lowLimit.Value(), variable.DataType, 0)
	}

	if defaultValue, err := section.GetKey("DefaultValue"); err == nil {
		defaultValueStr := defaultValue.Value()
		// If $NODEID is in the default value, remove it and add the node id
		// during encoding
		if strings.Contains(defaultValueStr, "$NODEID") {
			defaultValueStr = nodeIdRegExp.ReplaceAllString(defaultValueStr, "")
		} else {
			nodeId = 0
		}
		variable.valueDefault, err = EncodeFromString(defaultValueStr, variable.DataType, nodeId)
		if err != nil {
			return nil, fmt.Errorf("failed to parse 'DefaultValue' for x%x|x%x, because %v (datatype :x%x)",
				index, subindex, err, variable.DataType)
		}
		variable.value = make([]byte, len(variable.valueDefault))
		copy(variable.value, variable.valueDefault)
	}

	return variable, nil
}
