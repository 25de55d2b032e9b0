package od

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// An Entry object is the main building block of an [ObjectDictionary].
// It holds an OD object at a specific index and can be one of the following
// object types, defined by CiA 301
//   - VAR / DOMAIN : [Variable]
//   - ARRAY / RECORD : [VariableList]
type Entry struct {
	// The OD index e.g. x1200
	Index uint16
	// The OD name inside of EDS
	Name string
	// The OD object type, as cited above
	ObjectType uint8
	// Either a [Variable] or a [VariableList] object
	object    any
	extension *extension
}

// Create a new [Entry]
func NewEntry(index uint16, name string, object any, objectType uint8) *Entry {
	return &Entry{
		Index:      index,
		Name:       name,
		object:     object,
		ObjectType: objectType,
	}
}

// SubIndex returns the [Variable] at a given subindex
func (entry *Entry) SubIndex(subIndex uint8) (*Variable, error) {
	if entry == nil {
		return nil, ErrIdxNotExist
	}
	switch object := entry.object.(type) {
	case *Variable:
		if subIndex != 0 {
			return nil, ErrSubNotExist
		}
		return object, nil
	case *VariableList:
		return object.GetSubObject(subIndex)
	default:
		// This is not normal
		return nil, ErrDevIncompat
	}
}

// SubCount returns the number of sub entries, including subindex 0
func (entry *Entry) SubCount() int {
	switch object := entry.object.(type) {
	case *Variable:
		return 1
	case *VariableList:
		return len(object.Variables)
	default:
		// This is not normal
		log.Errorf("[OD][x%x] the entry has an invalid type %T", entry.Index, object)
		return 1
	}
}

// AddExtension adds an extension to an OD entry.
// This allows an OD entry to perform custom behaviour on read or on write,
// e.g. the dynamic re-binding of an SDO server channel via entry x1201.
// read and write can be nil, in which case the access is disabled.
func (entry *Entry) AddExtension(object any, read StreamReader, write StreamWriter) {
	entry.extension = &extension{object: object, read: read, write: write}
}

// Add a member to Entry from an EDS section, this is only possible for
// Record/Array objects
func (entry *Entry) addSectionMember(section *ini.Section, name string, nodeId uint8, subIndex uint8) error {
	variableList, ok := entry.object.(*VariableList)
	if !ok {
		return ErrDevIncompat
	}
	variable, err := NewVariableFromSection(section, name, nodeId, entry.Index, subIndex)
	if err != nil {
		return err
	}
	switch entry.ObjectType {
	case ObjectTypeARRAY:
		if int(subIndex) >= len(variableList.Variables) {
			return ErrSubNotExist
		}
		variableList.Variables[subIndex] = variable
	default:
		variableList.Variables = append(variableList.Variables, variable)
	}
	return nil
}

// Read exactly len(b) bytes from OD at (index, subIndex)
// origin parameter controls extension usage if exists
func (entry *Entry) readSubExactly(subIndex uint8, b []byte, origin bool) error {
	streamer, err := NewStreamer(entry, subIndex, origin)
	if err != nil {
		return err
	}
	if int(streamer.DataLength) != len(b) {
		return ErrTypeMismatch
	}
	_, err = streamer.Read(b)
	return err
}

// Write exactly len(b) bytes to OD at (index, subIndex)
// origin parameter controls extension usage if exists
func (entry *Entry) writeSubExactly(subIndex uint8, b []byte, origin bool) error {
	streamer, err := NewStreamer(entry, subIndex, origin)
	if err != nil {
		return err
	}
	if int(streamer.DataLength) != len(b) {
		return ErrTypeMismatch
	}
	_, err = streamer.Write(b)
	return err
}

// Uint8 reads an uint8 from the entry
func (entry *Entry) Uint8(subIndex uint8) (uint8, error) {
	b := make([]byte, 1)
	if err := entry.readSubExactly(subIndex, b, true); err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads an uint16 from the entry
func (entry *Entry) Uint16(subIndex uint8) (uint16, error) {
	b := make([]byte, 2)
	if err := entry.readSubExactly(subIndex, b, true); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Uint32 reads an uint32 from the entry
func (entry *Entry) Uint32(subIndex uint8) (uint32, error) {
	b := make([]byte, 4)
	if err := entry.readSubExactly(subIndex, b, true); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// PutUint8 writes an uint8 to the entry
func (entry *Entry) PutUint8(subIndex uint8, value uint8, origin bool) error {
	return entry.writeSubExactly(subIndex, []byte{value}, origin)
}

// PutUint16 writes an uint16 to the entry
func (entry *Entry) PutUint16(subIndex uint8, value uint16, origin bool) error {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, value)
	return entry.writeSubExactly(subIndex, b, origin)
}

// PutUint32 writes an uint32 to the entry
func (entry *Entry) PutUint32(subIndex uint8, value uint32, origin bool) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, value)
	return entry.writeSubExactly(subIndex, b, origin)
}
