package od

// This file regroups OD extensions that are executed when reading
// or writing to the object dictionary

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// FileObject is the backing object of a DOMAIN entry stored on disk
type FileObject struct {
	FilePath  string
	WriteMode int
	ReadMode  int
	File      *os.File
}

// ReadEntryFileObject is a [StreamReader] for a file like object
func ReadEntryFileObject(stream *Stream, data []byte) (uint16, error) {
	if stream == nil || data == nil || stream.Subindex != 0 || stream.Object == nil {
		return 0, ErrDevIncompat
	}
	fileObject, ok := stream.Object.(*FileObject)
	if !ok {
		stream.DataOffset = 0
		return 0, ErrDevIncompat
	}
	if stream.DataOffset == 0 {
		var err error
		log.Debugf("[OD][FILE] opening %v for reading", fileObject.FilePath)
		fileObject.File, err = os.OpenFile(fileObject.FilePath, fileObject.ReadMode, 0644)
		if err != nil {
			return 0, ErrDevIncompat
		}
	} else {
		// Re-adjust file cursor depending on offset
		_, err := fileObject.File.Seek(int64(stream.DataOffset), io.SeekStart)
		if err != nil {
			return 0, ErrDevIncompat
		}
	}
	countRead, err := io.ReadFull(fileObject.File, data)

	switch err {
	case nil:
		stream.DataOffset += uint32(countRead)
		return uint16(countRead), ErrPartial
	case io.EOF, io.ErrUnexpectedEOF:
		fileObject.File.Close()
		return uint16(countRead), nil
	default:
		log.Warnf("[OD][FILE] error reading %v : %v", fileObject.FilePath, err)
		fileObject.File.Close()
		return uint16(countRead), ErrDevIncompat
	}
}

// WriteEntryFileObject is a [StreamWriter] for a file like object
func WriteEntryFileObject(stream *Stream, data []byte) (uint16, error) {
	if stream == nil || data == nil || stream.Subindex != 0 || stream.Object == nil {
		return 0, ErrDevIncompat
	}
	fileObject, ok := stream.Object.(*FileObject)
	if !ok {
		stream.DataOffset = 0
		return 0, ErrDevIncompat
	}
	if stream.DataOffset == 0 {
		var err error
		log.Debugf("[OD][FILE] opening %v for writing", fileObject.FilePath)
		fileObject.File, err = os.OpenFile(fileObject.FilePath, fileObject.WriteMode, 0644)
		if err != nil {
			return 0, ErrDevIncompat
		}
	} else {
		// Re-adjust file cursor depending on offset
		_, err := fileObject.File.Seek(int64(stream.DataOffset), io.SeekStart)
		if err != nil {
			return 0, ErrDevIncompat
		}
	}

	countWritten, err := fileObject.File.Write(data)
	if err != nil {
		log.Warnf("[OD][FILE] error writing %v : %v", fileObject.FilePath, err)
		fileObject.File.Close()
		return uint16(countWritten), ErrDevIncompat
	}
	stream.DataOffset += uint32(countWritten)
	if stream.DataLength != 0 && stream.DataLength == stream.DataOffset {
		fileObject.File.Close()
		return uint16(countWritten), nil
	}
	return uint16(countWritten), ErrPartial
}

// ReadEntryReader is a [StreamReader] for an io.ReadSeeker object
func ReadEntryReader(stream *Stream, data []byte) (uint16, error) {
	if stream == nil || data == nil || stream.Subindex != 0 || stream.Object == nil {
		return 0, ErrDevIncompat
	}
	reader, ok := stream.Object.(io.ReadSeeker)
	if !ok {
		stream.DataOffset = 0
		return 0, ErrDevIncompat
	}
	// If first read, go back to initial point
	if stream.DataOffset == 0 {
		_, err := reader.Seek(0, io.SeekStart)
		if err != nil {
			return 0, ErrDevIncompat
		}
	}
	countRead, err := io.ReadFull(reader, data)
	switch err {
	case nil:
		// Not finished reading
		stream.DataOffset += uint32(countRead)
		return uint16(countRead), ErrPartial
	case io.EOF, io.ErrUnexpectedEOF:
		return uint16(countRead), nil
	default:
		return uint16(countRead), ErrDevIncompat
	}
}
