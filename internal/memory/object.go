package memory

import (
	"encoding/binary"
	"fmt"
)

// SliceAccessor is implemented by GuestRegionMmap (region offsets) and GuestMemoryMmap (guest addresses).
type SliceAccessor[A any] interface {
	ReadSlice(buf []byte, addr A) error
	WriteSlice(buf []byte, addr A) error
}

// ReadObj reads a fixed size value stored little endian at addr.
func ReadObj[T any, A any, B SliceAccessor[A]](b B, addr A) (T, error) {
	var val T

	size := binary.Size(val)
	if size < 0 {
		return val, fmt.Errorf("type %T does not have a fixed size", val)
	}

	buf := make([]byte, size)

	err := b.ReadSlice(buf, addr)
	if err != nil {
		return val, err
	}

	_, err = binary.Decode(buf, binary.LittleEndian, &val)
	if err != nil {
		return val, fmt.Errorf("error decoding %T: %w", val, err)
	}

	return val, nil
}

// WriteObj writes a fixed size value little endian at addr.
func WriteObj[T any, A any, B SliceAccessor[A]](b B, val T, addr A) error {
	buf, err := binary.Append(nil, binary.LittleEndian, val)
	if err != nil {
		return fmt.Errorf("error encoding %T: %w", val, err)
	}

	return b.WriteSlice(buf, addr)
}
