package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MaxFileNameLen bounds the name field of a file record (1-byte length).
const MaxFileNameLen = 255

// FileRecord is the payload of file-bearing frames:
//
//	offset 0:             name_length (1 byte)
//	offset 1:             name        (name_length bytes, no terminator)
//	offset 1+name_length: file_size   (4 bytes, big-endian)
//	next:                 file_size bytes of content
type FileRecord struct {
	Name string
	Data []byte
}

// WireSize is the encoded length: 1 + name_length + 4 + file_size.
func (f *FileRecord) WireSize() int {
	return 1 + len(f.Name) + 4 + len(f.Data)
}

// EncodeFileRecord serializes a file record. The name must be non-empty
// and at most MaxFileNameLen bytes.
func EncodeFileRecord(f *FileRecord) ([]byte, error) {
	if len(f.Name) == 0 || len(f.Name) > MaxFileNameLen {
		return nil, errors.Errorf("file name length %d out of range [1, %d]", len(f.Name), MaxFileNameLen)
	}
	buf := make([]byte, f.WireSize())
	buf[0] = byte(len(f.Name))
	copy(buf[1:], f.Name)
	binary.BigEndian.PutUint32(buf[1+len(f.Name):], uint32(len(f.Data)))
	copy(buf[1+len(f.Name)+4:], f.Data)
	return buf, nil
}

// DecodeFileRecord parses a file record out of an assembled payload.
func DecodeFileRecord(data []byte) (*FileRecord, error) {
	if len(data) < 1 {
		return nil, errors.Wrap(ErrMalformedFrame, "file record empty")
	}
	nameLen := int(data[0])
	if nameLen == 0 || len(data) < 1+nameLen+4 {
		return nil, errors.Wrapf(ErrMalformedFrame, "file record header truncated (%d bytes, name length %d)", len(data), nameLen)
	}
	name := string(data[1 : 1+nameLen])
	size := binary.BigEndian.Uint32(data[1+nameLen:])
	rest := data[1+nameLen+4:]
	if uint32(len(rest)) < size {
		return nil, errors.Wrapf(ErrMalformedFrame, "file record content truncated (%d of %d bytes)", len(rest), size)
	}
	content := make([]byte, size)
	copy(content, rest[:size])
	return &FileRecord{Name: name, Data: content}, nil
}
