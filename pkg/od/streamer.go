package od

import (
	log "github.com/sirupsen/logrus"
)

// A Stream object is used for streaming data from / to an OD entry.
// It is meant to be used inside of a [StreamReader] or [StreamWriter]
// function and provides low level access for defining custom behaviour when
// reading or writing to an OD entry.
type Stream struct {
	// The actual corresponding data stored inside of OD
	Data []byte
	// This is used to keep track of how much has been written or read.
	// It is typically used for long running transfers i.e. block transfers.
	DataOffset uint32
	// The actual length of the data inside of the OD. This can be different
	// from len(Data) when manipulating data with varying sizes like strings
	// or buffers.
	DataLength uint32
	// A custom object that can be used when using a custom extension
	// see [Entry.AddExtension]
	Object any
	// The OD attribute of the entry inside OD. e.g. AttributeSdoR
	Attribute uint8
	// The subindex of this OD entry. For a VAR type this is always 0.
	Subindex uint8
}

// A StreamReader reads from a [Stream] object into the read slice and
// returns the number of bytes read. ErrPartial is returned as long as more
// data remains.
type StreamReader func(stream *Stream, read []byte) (uint16, error)

// A StreamWriter writes the data slice to a [Stream] object and returns the
// number of bytes written. ErrPartial is returned as long as the write is
// incomplete.
type StreamWriter func(stream *Stream, data []byte) (uint16, error)

// extension object, is used for extending functionnality of an OD entry
type extension struct {
	object any          // Any object to link with extension
	read   StreamReader // Called when reading entry
	write  StreamWriter // Called when writing to entry
}

// Streamer is created before accessing an OD entry.
// It wraps the entry [Stream] together with its reader and writer and
// implements io.ReadWriter.
type Streamer struct {
	Stream
	reader StreamReader
	writer StreamWriter
}

// Implements io.Reader
func (s *Streamer) Read(b []byte) (n int, err error) {
	countRead, err := s.reader(&s.Stream, b)
	return int(countRead), err
}

// Implements io.Writer
func (s *Streamer) Write(b []byte) (n int, err error) {
	countWritten, err := s.writer(&s.Stream, b)
	return int(countWritten), err
}

// Returns true if the entry has the specific OD attribute
func (s *Streamer) HasAttribute(attribute uint8) bool {
	return (s.Attribute & attribute) != 0
}

// Create an object streamer for a given od entry + subindex.
// origin forces the default reader / writer even if the entry has an
// extension.
func NewStreamer(entry *Entry, subIndex uint8, origin bool) (*Streamer, error) {
	if entry == nil || entry.object == nil {
		return nil, ErrIdxNotExist
	}
	streamer := &Streamer{}
	// attribute, data and data length depend on the object type
	switch object := entry.object.(type) {
	case *Variable:
		if subIndex > 0 {
			return nil, ErrSubNotExist
		}
		if object.DataType == DOMAIN && entry.extension == nil {
			// Domain entries require an extension, default to disabled
			streamer.reader = ReadEntryDisabled
			streamer.writer = WriteEntryDisabled
			streamer.Subindex = subIndex
			log.Warnf("[OD][x%x] no extension specified for this domain object", entry.Index)
			return streamer, nil
		}
		streamer.Attribute = object.Attribute
		streamer.Data = object.value
		streamer.DataLength = object.DataLength()

	case *VariableList:
		variable, err := object.GetSubObject(subIndex)
		if err != nil {
			return nil, err
		}
		streamer.Attribute = variable.Attribute
		streamer.Data = variable.value
		streamer.DataLength = variable.DataLength()

	default:
		log.Errorf("[OD][x%x] unknown object type : %+v", entry.Index, object)
		return nil, ErrDevIncompat
	}
	// Default reader / writer for object
	if entry.extension == nil || origin {
		streamer.reader = ReadEntryDefault
		streamer.writer = WriteEntryDefault
		streamer.Subindex = subIndex
		return streamer, nil
	}
	// Extension reader / writer for object
	if entry.extension.read == nil {
		streamer.reader = ReadEntryDisabled
	} else {
		streamer.reader = entry.extension.read
	}
	if entry.extension.write == nil {
		streamer.writer = WriteEntryDisabled
	} else {
		streamer.writer = entry.extension.write
	}
	streamer.Object = entry.extension.object
	streamer.Subindex = subIndex
	return streamer, nil
}

// ReadEntryDefault is the default [StreamReader] of any OD entry.
// It reads the value from the original OD location into data, over several
// calls if data is too small to hold the variable.
func ReadEntryDefault(stream *Stream, data []byte) (uint16, error) {
	if stream == nil || stream.Data == nil || data == nil {
		return 0, ErrDevIncompat
	}

	dataLenToCopy := int(stream.DataLength)
	count := len(data)
	offset := int(stream.DataOffset)
	var err error

	// If reading already started or not enough space in buffer, read
	// in several calls
	if offset > 0 || dataLenToCopy > count {
		if offset >= dataLenToCopy {
			return 0, ErrDevIncompat
		}
		// Reduce for already copied data
		dataLenToCopy -= offset
		if dataLenToCopy > count {
			// Partial read
			dataLenToCopy = count
			stream.DataOffset += uint32(dataLenToCopy)
			err = ErrPartial
		} else {
			stream.DataOffset = 0
		}
	}
	copy(data, stream.Data[offset:offset+dataLenToCopy])
	return uint16(dataLenToCopy), err
}

// WriteEntryDefault is the default [StreamWriter] of any OD entry.
// It writes data to the original OD location, over several calls if the
// variable is larger than data.
func WriteEntryDefault(stream *Stream, data []byte) (uint16, error) {
	if stream == nil || stream.Data == nil || data == nil {
		return 0, ErrDevIncompat
	}

	dataLenToCopy := int(stream.DataLength)
	count := len(data)
	offset := int(stream.DataOffset)
	var err error

	// If writing already started or not enough space in buffer, write
	// in several calls
	if offset > 0 || dataLenToCopy > count {
		if offset >= dataLenToCopy {
			return 0, ErrDevIncompat
		}
		// Reduce for already copied data
		dataLenToCopy -= offset
		if dataLenToCopy > count {
			// Partial write
			dataLenToCopy = count
			stream.DataOffset += uint32(dataLenToCopy)
			err = ErrPartial
		} else {
			stream.DataOffset = 0
		}
	}

	// OD variable is smaller than the provided buffer
	if dataLenToCopy < count || offset+dataLenToCopy > len(stream.Data) {
		return 0, ErrDataLong
	}

	copy(stream.Data[offset:offset+dataLenToCopy], data)
	return uint16(dataLenToCopy), err
}

// ReadEntryDisabled is the [StreamReader] of an entry without read access
func ReadEntryDisabled(stream *Stream, data []byte) (uint16, error) {
	return 0, ErrUnsuppAccess
}

// WriteEntryDisabled is the [StreamWriter] of an entry without write access
func WriteEntryDisabled(stream *Stream, data []byte) (uint16, error) {
	return 0, ErrUnsuppAccess
}
