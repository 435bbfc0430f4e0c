package ondisk

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/iidesho/ledger/bcts"
	"github.com/iidesho/ledger/journal"
)

const recordVersion = uint8(0)

// storeRecord is the on disk format of a journal record.
type storeRecord journal.Record

func (r storeRecord) WriteBytes(w io.Writer) (err error) {
	err = bcts.WriteUInt8(w, recordVersion)
	if err != nil {
		return
	}
	err = bcts.WriteTime(w, r.Created)
	if err != nil {
		return
	}
	err = bcts.WriteSmallString(w, r.StreamID)
	if err != nil {
		return
	}
	err = bcts.WriteUInt64(w, r.Seq)
	if err != nil {
		return
	}
	err = bcts.WriteUInt64(w, r.Position)
	if err != nil {
		return
	}
	err = bcts.WriteUUID(w, r.ID)
	if err != nil {
		return
	}
	err = bcts.WriteSmallString(w, r.Manifest)
	if err != nil {
		return
	}
	err = bcts.WriteBytes(w, r.Payload)
	if err != nil {
		return
	}
	return bcts.WriteBytes(w, r.Metadata)
}

func (r *storeRecord) ReadBytes(rd io.Reader) (err error) {
	var v uint8
	err = bcts.ReadUInt8(rd, &v)
	if err != nil {
		return
	}
	if v != recordVersion {
		return fmt.Errorf("invalid stored record version, expected=%d, got=%d", recordVersion, v)
	}
	err = bcts.ReadTime(rd, &r.Created)
	if err != nil {
		return
	}
	err = bcts.ReadSmallString(rd, &r.StreamID)
	if err != nil {
		return
	}
	err = bcts.ReadUInt64(rd, &r.Seq)
	if err != nil {
		return
	}
	err = bcts.ReadUInt64(rd, &r.Position)
	if err != nil {
		return
	}
	err = bcts.ReadUUID(rd, &r.ID)
	if err != nil {
		return
	}
	err = bcts.ReadSmallString(rd, &r.Manifest)
	if err != nil {
		return
	}
	err = bcts.ReadBytes(rd, &r.Payload)
	if err != nil {
		return
	}
	return bcts.ReadBytes(rd, &r.Metadata)
}

var (
	positionKey  = []byte("p")
	recordPrefix = []byte("r/")
)

func headKey(streamID string) []byte {
	return append([]byte("h/"), streamID...)
}

func seqPrefix(streamID string) []byte {
	k := append([]byte("s/"), streamID...)
	return append(k, 0)
}

func seqKey(streamID string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(seqPrefix(streamID), seq)
}

func recordKey(p journal.Position) []byte {
	return binary.BigEndian.AppendUint64(append([]byte{}, recordPrefix...), uint64(p))
}

func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("expected 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
