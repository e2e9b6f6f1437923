package storagehttp

import (
	"encoding/binary"
	"errors"
)

// IPC wire protocol. Requests and responses are length-framed byte records;
// multi-byte integers use host byte order since the peer is always on the
// same machine.
const (
	protocolVersion     = 0x01
	capGetPutRemoveStop = 0x00

	statusOK   = 0x00
	statusNoop = 0x01
	statusErr  = 0x02

	reqGet    = 0x00
	reqPut    = 0x01
	reqRemove = 0x02
	reqStop   = 0x03

	putFlagOverwrite = 0x01

	// maxErrorMsgLen bounds the message carried by an error response; the
	// length field is a single byte.
	maxErrorMsgLen = 255
)

var errUnknownRequestType = errors.New("unknown request type")

// greeting is sent once per accepted connection: protocol version, number
// of capabilities, then the capability identifiers.
func greeting() []byte {
	return []byte{protocolVersion, 1, capGetPutRemoveStop}
}

// request is one decoded IPC request. key and value alias the read
// accumulator they were decoded from and are only valid until the next
// read; the dispatcher copies what it keeps.
type request struct {
	kind      byte
	key       []byte
	value     []byte // PUT only
	overwrite bool   // PUT only
}

// decodeRequest decodes a single request from the front of buf. It returns
// the number of bytes consumed; n == 0 with a nil error means the buffer
// holds an incomplete record and more bytes are needed. All record shapes
// are self-delimiting, so cumulative length is checked before any field is
// consumed.
func decodeRequest(buf []byte) (req request, n int, err error) {
	if len(buf) == 0 {
		return request{}, 0, nil
	}

	kind := buf[0]
	switch kind {
	case reqStop:
		return request{kind: kind}, 1, nil

	case reqGet, reqRemove:
		if len(buf) < 2 {
			return request{}, 0, nil
		}
		keyLen := int(buf[1])
		if len(buf) < 2+keyLen {
			return request{}, 0, nil
		}
		return request{kind: kind, key: buf[2 : 2+keyLen]}, 2 + keyLen, nil

	case reqPut:
		if len(buf) < 2 {
			return request{}, 0, nil
		}
		keyLen := int(buf[1])
		headerLen := 2 + keyLen + 1 + 8 // type, key length, key, flags, value length
		if len(buf) < headerLen {
			return request{}, 0, nil
		}
		flags := buf[2+keyLen]
		valueLen := binary.NativeEndian.Uint64(buf[2+keyLen+1:])
		if uint64(len(buf)-headerLen) < valueLen {
			return request{}, 0, nil
		}
		total := headerLen + int(valueLen)
		return request{
			kind:      kind,
			key:       buf[2 : 2+keyLen],
			value:     buf[headerLen:total],
			overwrite: flags&putFlagOverwrite != 0,
		}, total, nil

	default:
		return request{}, 0, errUnknownRequestType
	}
}

func encodeStatus(status byte) []byte {
	return []byte{status}
}

// encodeGetHeader is the first of the two blobs making up a successful GET
// response; the value bytes follow as a separate blob.
func encodeGetHeader(valueLen uint64) []byte {
	header := make([]byte, 9)
	header[0] = statusOK
	binary.NativeEndian.PutUint64(header[1:], valueLen)
	return header
}

func encodeError(msg string) []byte {
	if len(msg) > maxErrorMsgLen {
		msg = msg[:maxErrorMsgLen]
	}
	record := make([]byte, 0, 2+len(msg))
	record = append(record, statusErr, byte(len(msg)))
	return append(record, msg...)
}
