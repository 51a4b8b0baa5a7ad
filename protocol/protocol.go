package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MaxFrameSize is the whole-frame ceiling, the link MTU.
	MaxFrameSize = 1500
	// MaxContentSize is the serialized-message ceiling: MaxFrameSize minus
	// the 2-byte length prefix.
	MaxContentSize = MaxFrameSize - frameHeaderSize
	// MaxFragmentDataSize bounds FileFragment.Data so a fragment frame
	// always fits under MaxContentSize with envelope headroom to spare.
	MaxFragmentDataSize = 1477

	// frameHeaderSize is the self-inclusive big-endian length prefix.
	frameHeaderSize = 2
)

var (
	// ErrDataTooLarge indicates a message serializes above MaxContentSize.
	ErrDataTooLarge = errors.New("protocol: data too large")
	// ErrFrameTooLarge indicates a declared frame length above MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds max size")
	// ErrMalformedMessage indicates a payload that does not deserialize
	// into a known message. Fatal for the connection it arrived on.
	ErrMalformedMessage = errors.New("protocol: malformed message")
)

// Request tag bytes. Internal contract between both ends of one build,
// not cross-version stable.
const (
	tagPing byte = iota
	tagFileMetadata
	tagFileFragment
	tagEndOfFile
	tagDropFile
)

// Response tag bytes.
const (
	tagPong byte = iota
	tagOk
	tagFileIDNotFound
	tagCannotSaveFile
	tagChecksumNotMatched
)

// Request is a sender-to-receiver protocol message.
type Request interface {
	requestTag() byte
	appendBody(dst []byte) []byte
}

// Response is a receiver-to-sender protocol message.
type Response interface {
	responseTag() byte
	appendBody(dst []byte) []byte
}

// Ping is a liveness probe.
type Ping struct{}

// FileMetadata opens a transfer for one file.
//
// FileID is the first byte of the file's sha256 digest. One byte keeps
// frames small but caps in-flight transfers per connection at 256 and
// permits aliasing between unrelated files; callers own that risk.
type FileMetadata struct {
	FileID      uint8
	FileName    string
	ContentHash string
}

// FileFragment carries one bounded slice of file bytes. Index is a
// zero-based, strictly increasing sequence number, not a byte offset.
type FileFragment struct {
	FileID uint8
	Index  uint32
	Data   []byte
}

// EndOfFile signals that no more fragments follow and triggers reassembly.
type EndOfFile struct {
	FileID uint8
}

// DropFile aborts an in-flight transfer; the receiver discards its state.
type DropFile struct {
	FileID uint8
}

// Pong answers Ping.
type Pong struct{}

// Ok is the generic success response.
type Ok struct{}

// FileIDNotFound reports a request referencing an unknown transfer.
type FileIDNotFound struct {
	FileID uint8
}

// CannotSaveFile reports a receiver-side persistence failure.
type CannotSaveFile struct {
	FileID uint8
}

// ChecksumNotMatched reports a reassembled file failing the digest gate.
type ChecksumNotMatched struct {
	FileID uint8
}

func (Ping) requestTag() byte         { return tagPing }
func (FileMetadata) requestTag() byte { return tagFileMetadata }
func (FileFragment) requestTag() byte { return tagFileFragment }
func (EndOfFile) requestTag() byte    { return tagEndOfFile }
func (DropFile) requestTag() byte     { return tagDropFile }

func (Pong) responseTag() byte               { return tagPong }
func (Ok) responseTag() byte                 { return tagOk }
func (FileIDNotFound) responseTag() byte     { return tagFileIDNotFound }
func (CannotSaveFile) responseTag() byte     { return tagCannotSaveFile }
func (ChecksumNotMatched) responseTag() byte { return tagChecksumNotMatched }

func (Ping) appendBody(dst []byte) []byte { return dst }

func (m FileMetadata) appendBody(dst []byte) []byte {
	dst = append(dst, m.FileID)
	dst = appendString(dst, m.FileName)
	dst = appendString(dst, m.ContentHash)
	return dst
}

func (f FileFragment) appendBody(dst []byte) []byte {
	dst = append(dst, f.FileID)
	dst = binary.BigEndian.AppendUint32(dst, f.Index)
	dst = append(dst, f.Data...)
	return dst
}

func (e EndOfFile) appendBody(dst []byte) []byte { return append(dst, e.FileID) }
func (d DropFile) appendBody(dst []byte) []byte  { return append(dst, d.FileID) }

func (Pong) appendBody(dst []byte) []byte { return dst }
func (Ok) appendBody(dst []byte) []byte   { return dst }

func (r FileIDNotFound) appendBody(dst []byte) []byte     { return append(dst, r.FileID) }
func (r CannotSaveFile) appendBody(dst []byte) []byte     { return append(dst, r.FileID) }
func (r ChecksumNotMatched) appendBody(dst []byte) []byte { return append(dst, r.FileID) }

// EncodeRequest serializes a request into one length-prefixed frame.
func EncodeRequest(request Request) ([]byte, error) {
	content := request.appendBody([]byte{request.requestTag()})
	return frame(content)
}

// EncodeResponse serializes a response into one length-prefixed frame.
func EncodeResponse(response Response) ([]byte, error) {
	content := response.appendBody([]byte{response.responseTag()})
	return frame(content)
}

func frame(content []byte) ([]byte, error) {
	if len(content) > MaxContentSize {
		return nil, ErrDataTooLarge
	}

	out := make([]byte, 0, frameHeaderSize+len(content))
	out = binary.BigEndian.AppendUint16(out, uint16(frameHeaderSize+len(content)))
	out = append(out, content...)
	return out, nil
}

func decodeRequest(content []byte) (Request, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: empty content", ErrMalformedMessage)
	}

	body := content[1:]
	switch content[0] {
	case tagPing:
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: trailing bytes after ping", ErrMalformedMessage)
		}
		return Ping{}, nil

	case tagFileMetadata:
		if len(body) < 1 {
			return nil, fmt.Errorf("%w: short file metadata", ErrMalformedMessage)
		}
		fileID := body[0]
		name, rest, err := readString(body[1:])
		if err != nil {
			return nil, err
		}
		hash, rest, err := readString(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, fmt.Errorf("%w: trailing bytes after file metadata", ErrMalformedMessage)
		}
		return FileMetadata{FileID: fileID, FileName: name, ContentHash: hash}, nil

	case tagFileFragment:
		if len(body) < 5 {
			return nil, fmt.Errorf("%w: short file fragment", ErrMalformedMessage)
		}
		data := make([]byte, len(body)-5)
		copy(data, body[5:])
		return FileFragment{
			FileID: body[0],
			Index:  binary.BigEndian.Uint32(body[1:5]),
			Data:   data,
		}, nil

	case tagEndOfFile:
		fileID, err := fileIDBody(body)
		if err != nil {
			return nil, err
		}
		return EndOfFile{FileID: fileID}, nil

	case tagDropFile:
		fileID, err := fileIDBody(body)
		if err != nil {
			return nil, err
		}
		return DropFile{FileID: fileID}, nil
	}

	return nil, fmt.Errorf("%w: unknown request tag %d", ErrMalformedMessage, content[0])
}

func decodeResponse(content []byte) (Response, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: empty content", ErrMalformedMessage)
	}

	body := content[1:]
	switch content[0] {
	case tagPong:
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: trailing bytes after pong", ErrMalformedMessage)
		}
		return Pong{}, nil

	case tagOk:
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: trailing bytes after ok", ErrMalformedMessage)
		}
		return Ok{}, nil

	case tagFileIDNotFound:
		fileID, err := fileIDBody(body)
		if err != nil {
			return nil, err
		}
		return FileIDNotFound{FileID: fileID}, nil

	case tagCannotSaveFile:
		fileID, err := fileIDBody(body)
		if err != nil {
			return nil, err
		}
		return CannotSaveFile{FileID: fileID}, nil

	case tagChecksumNotMatched:
		fileID, err := fileIDBody(body)
		if err != nil {
			return nil, err
		}
		return ChecksumNotMatched{FileID: fileID}, nil
	}

	return nil, fmt.Errorf("%w: unknown response tag %d", ErrMalformedMessage, content[0])
}

func fileIDBody(body []byte) (uint8, error) {
	if len(body) != 1 {
		return 0, fmt.Errorf("%w: expected exactly one file id byte", ErrMalformedMessage)
	}
	return body[0], nil
}

func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func readString(src []byte) (string, []byte, error) {
	if len(src) < 2 {
		return "", nil, fmt.Errorf("%w: short string header", ErrMalformedMessage)
	}
	length := int(binary.BigEndian.Uint16(src))
	if len(src) < 2+length {
		return "", nil, fmt.Errorf("%w: short string body", ErrMalformedMessage)
	}
	return string(src[2 : 2+length]), src[2+length:], nil
}
