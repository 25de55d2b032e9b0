package od

import (
	"io"

	log "github.com/sirupsen/logrus"
)

// ObjectDictionary is used for storing all entries of a CANopen node
// according to CiA 301. This is the internal representation of an EDS file.
type ObjectDictionary struct {
	filePath            string
	entriesByIndexValue map[uint16]*Entry
	entriesByIndexName  map[string]*Entry
}

func NewOD() *ObjectDictionary {
	return &ObjectDictionary{
		entriesByIndexValue: make(map[uint16]*Entry),
		entriesByIndexName:  make(map[string]*Entry),
	}
}

// Add an entry to OD, any existing entry will be replaced
func (odict *ObjectDictionary) addEntry(entry *Entry) {
	_, exists := odict.entriesByIndexValue[entry.Index]
	if exists {
		log.Warnf("[OD][x%x] overwritting entry", entry.Index)
	}
	odict.entriesByIndexValue[entry.Index] = entry
	odict.entriesByIndexName[entry.Name] = entry
}

func (odict *ObjectDictionary) addVariable(index uint16, variable *Variable) *Entry {
	entry := NewEntry(index, variable.Name, variable, ObjectTypeVAR)
	odict.addEntry(entry)
	return entry
}

// AddVariableType adds an entry of type VAR to OD.
// The value should be given as a string, e.g. "0x22" or "12".
// If the entry already exists, it will be overwritten.
func (odict *ObjectDictionary) AddVariableType(
	index uint16,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
) (*Entry, error) {
	variable, err := NewVariable(0, name, datatype, attribute, value)
	if err != nil {
		return nil, err
	}
	return odict.addVariable(index, variable), nil
}

// AddVariableList adds an entry of type ARRAY or RECORD depending on
// the given [VariableList]
func (odict *ObjectDictionary) AddVariableList(index uint16, name string, varList *VariableList) *Entry {
	entry := NewEntry(index, name, varList, varList.objectType)
	odict.addEntry(entry)
	return entry
}

// AddFile adds a file like object, of type DOMAIN to OD.
// readMode and writeMode determine what type of access to the file is
// allowed e.g. os.O_RDONLY if only reading is allowed.
func (odict *ObjectDictionary) AddFile(index uint16, indexName string, filePath string, readMode int, writeMode int) *Entry {
	fileObject := &FileObject{FilePath: filePath, ReadMode: readMode, WriteMode: writeMode}
	entry, _ := odict.AddVariableType(index, indexName, DOMAIN, AttributeSdoRw, "") // Cannot error
	entry.AddExtension(fileObject, ReadEntryFileObject, WriteEntryFileObject)
	log.Infof("[OD][x%x] added file extension : %v", index, filePath)
	return entry
}

// AddReader adds an io.ReadSeeker object, of type DOMAIN to OD
func (odict *ObjectDictionary) AddReader(index uint16, indexName string, reader io.ReadSeeker) *Entry {
	entry, _ := odict.AddVariableType(index, indexName, DOMAIN, AttributeSdoR, "") // Cannot error
	entry.AddExtension(reader, ReadEntryReader, WriteEntryDisabled)
	return entry
}

// Index returns the OD entry at the given index, nil if not found
func (odict *ObjectDictionary) Index(index uint16) *Entry {
	return odict.entriesByIndexValue[index]
}

// Name returns the OD entry with the given EDS name, nil if not found
func (odict *ObjectDictionary) Name(name string) *Entry {
	return odict.entriesByIndexName[name]
}

// Streamer creates a new OD object streamer at the given index and subindex
func (odict *ObjectDictionary) Streamer(index uint16, subindex uint8, origin bool) (*Streamer, error) {
	return NewStreamer(odict.Index(index), subindex, origin)
}

// Entries returns the map of indexes and entries
func (odict *ObjectDictionary) Entries() map[uint16]*Entry {
	return odict.entriesByIndexValue
}

// FilePath returns the EDS file this OD was parsed from, if any
func (odict *ObjectDictionary) FilePath() string {
	return odict.filePath
}
