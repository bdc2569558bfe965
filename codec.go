package kvlogtable

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// lengthPrefixSize is the size in bytes of the big-endian length header
// that precedes every framed record on disk.
const lengthPrefixSize = 4

// eventKind tags a single table mutation within a wireEvent.
type eventKind uint8

const (
	kindInsert eventKind = iota
	kindDelete
	kindClear
)

// wireEvent is one Insert/Delete/Clear tagged with the ordinal of the
// table it originated from. Key and Value are pre-encoded by the
// originating Table[K,V] so the codec never needs to know K or V.
type wireEvent struct {
	Table uint16
	Kind  uint8
	Key   []byte `msgpack:",omitempty"`
	Value []byte `msgpack:",omitempty"`
}

// wireRecord is the payload of one physical log record: either a single
// event (Batch == false, exactly one element in Events) or a batch of
// events committed atomically by a transaction or a compaction.
type wireRecord struct {
	Batch  bool
	Events []wireEvent
}

// encodeRecord serializes rec with msgpack and prepends the 4-byte
// big-endian payload length, per spec.md §4.1/§6.
func encodeRecord(rec wireRecord) ([]byte, error) {
	var payload bytes.Buffer
	encoder := msgpack.GetEncoder()
	defer msgpack.PutEncoder(encoder)
	encoder.Reset(&payload)
	if err := encoder.Encode(rec); err != nil {
		return nil, &SerializeError{Op: "encode log record", Err: err}
	}
	if payload.Len() > math.MaxUint32 {
		return nil, &SerializeError{Op: "encode log record", Err: errRecordTooLarge}
	}

	out := make([]byte, lengthPrefixSize+payload.Len())
	binary.BigEndian.PutUint32(out[:lengthPrefixSize], uint32(payload.Len()))
	copy(out[lengthPrefixSize:], payload.Bytes())
	return out, nil
}

var errRecordTooLarge = recordTooLargeError{}

type recordTooLargeError struct{}

func (recordTooLargeError) Error() string { return "encoded record exceeds 4 GiB" }

// decodeLog walks the full contents of a log file and decodes every
// complete record in order, flattening Single and Batch records into
// one ordered slice of events (batch expansion per spec.md §4.2). A
// torn trailing record — a short length header or a short payload — is
// not an error: decoding stops and incomplete is reported true. A
// complete length header whose payload fails to deserialize is
// corruption and is returned as a *LogParseError.
func decodeLog(path string, data []byte) (events []wireEvent, incomplete bool, err error) {
	offset := 0
	for {
		remaining := len(data) - offset
		if remaining == 0 {
			return events, false, nil
		}
		if remaining < lengthPrefixSize {
			return events, true, nil
		}

		length := int(binary.BigEndian.Uint32(data[offset : offset+lengthPrefixSize]))
		if remaining-lengthPrefixSize < length {
			return events, true, nil
		}

		payload := data[offset+lengthPrefixSize : offset+lengthPrefixSize+length]
		var rec wireRecord
		decoder := msgpack.GetDecoder()
		decoder.Reset(bytes.NewReader(payload))
		decodeErr := decoder.Decode(&rec)
		msgpack.PutDecoder(decoder)
		if decodeErr != nil {
			return events, false, &LogParseError{Path: path, Offset: offset, Err: decodeErr}
		}

		events = append(events, rec.Events...)
		offset += lengthPrefixSize + length
	}
}
