package bcts

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/gofrs/uuid"
)

func WriteUInt8[T ~uint8](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteUInt16[T ~uint16](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteUInt32[T ~uint32](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteUInt64[T ~uint64](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteInt64[T ~int64](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

// WriteTinyString writes a string of at most 255 bytes behind a one byte length.
func WriteTinyString[T ~string](w io.Writer, s T) error {
	if len(s) > int(maxUint8) {
		return fmt.Errorf("string of length %d does not fit a tiny string", len(s))
	}
	if err := WriteUInt8(w, uint8(len(s))); err != nil {
		return err
	}
	return writeAll(w, []byte(s))
}

// WriteSmallString writes a string of at most 65535 bytes behind a two byte length.
func WriteSmallString[T ~string](w io.Writer, s T) error {
	if len(s) > int(maxUint16) {
		return fmt.Errorf("string of length %d does not fit a small string", len(s))
	}
	if err := WriteUInt16(w, uint16(len(s))); err != nil {
		return err
	}
	return writeAll(w, []byte(s))
}

func WriteBytes(w io.Writer, b []byte) error {
	if uint64(len(b)) > uint64(maxUint32) {
		return fmt.Errorf("byte slice of length %d is too long", len(b))
	}
	if err := WriteUInt32(w, uint32(len(b))); err != nil {
		return err
	}
	return writeAll(w, b)
}

func WriteUUID(w io.Writer, id uuid.UUID) error {
	return writeAll(w, id[:])
}

// WriteTime stores t as unix nanoseconds.
func WriteTime(w io.Writer, t time.Time) error {
	return WriteInt64(w, t.UTC().UnixNano())
}

func writeAll(w io.Writer, b []byte) error {
	for written := 0; written < len(b); {
		n, err := w.Write(b[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}
