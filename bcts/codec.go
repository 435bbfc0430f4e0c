// Package bcts is a small little endian binary codec for values that know how
// to write and read themselves.
package bcts

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

type Writer interface {
	WriteBytes(io.Writer) error
}

type Reader[T any] interface {
	ReadBytes(io.Reader) error
	*T
}

type ReadWriter[T any] interface {
	Reader[T]
	Writer
}

const (
	maxUint8  = ^uint8(0)
	maxUint16 = ^uint16(0)
	maxUint32 = ^uint32(0)
)

// Write encodes w into a fresh byte slice.
func Write(w Writer) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	bw := bufio.NewWriter(buf)
	if err := w.WriteBytes(bw); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Read decodes data into a new BT. Trailing bytes are an error.
func Read[BT any, T Reader[BT]](data []byte) (BT, error) {
	r := bytes.NewReader(data)
	v := T(new(BT))
	if err := v.ReadBytes(r); err != nil {
		return *v, err
	}
	if r.Len() != 0 {
		return *v, fmt.Errorf("%d trailing bytes after decoded value", r.Len())
	}
	return *v, nil
}
