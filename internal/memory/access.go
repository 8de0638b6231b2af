package memory

import (
	"io"
)

var (
	_ io.ReaderAt = (*GuestMemoryMmap)(nil)
	_ io.WriterAt = (*GuestMemoryMmap)(nil)
)

// accessFunc handles the part of a transfer that falls into one region.
// offset is the number of bytes already transferred, count the bytes available in the region
// and addr the position inside the region. It returns the bytes it transferred; 0 ends the transfer.
type accessFunc func(offset, count int, addr MemoryRegionAddress, region *GuestRegionMmap) (int, error)

// tryAccess walks the regions covering [addr, addr+count) and calls f for each of them.
// The walk stops at the first gap, at the first error, or when f makes no progress.
// Bytes f reports together with an error are counted.
func (m *GuestMemoryMmap) tryAccess(count int, addr GuestAddress, f accessFunc) (int, error) {
	if count < 0 {
		return 0, negativeCount(count)
	}

	cur := addr
	total := 0

	for {
		region := m.FindRegion(cur)
		if region == nil {
			break
		}

		start, _ := region.ToRegionAddr(cur)
		available := region.Len() - uint64(start)
		length := int(min(available, uint64(count-total)))

		n, err := f(total, length, start, region)
		if err != nil {
			return total + n, err
		}

		if n == 0 {
			return total, nil
		}

		total += n
		if total == count {
			break
		}

		next, ok := cur.CheckedAdd(uint64(n))
		if !ok {
			break
		}

		cur = next
	}

	if total == 0 {
		return 0, &InvalidGuestAddressError{Addr: addr}
	}

	return total, nil
}

// Write writes buf starting at addr across as many regions as needed and returns the bytes written.
// It stops early at the first address that is not backed by memory.
func (m *GuestMemoryMmap) Write(buf []byte, addr GuestAddress) (int, error) {
	return m.tryAccess(len(buf), addr, func(offset, _ int, caddr MemoryRegionAddress, region *GuestRegionMmap) (int, error) {
		return region.Write(buf[offset:], caddr)
	})
}

// Read fills buf starting at addr across as many regions as needed and returns the bytes read.
func (m *GuestMemoryMmap) Read(buf []byte, addr GuestAddress) (int, error) {
	return m.tryAccess(len(buf), addr, func(offset, _ int, caddr MemoryRegionAddress, region *GuestRegionMmap) (int, error) {
		return region.Read(buf[offset:], caddr)
	})
}

// WriteSlice writes the whole buf at addr or fails with *PartialBufferError.
func (m *GuestMemoryMmap) WriteSlice(buf []byte, addr GuestAddress) error {
	n, err := m.Write(buf, addr)
	if err != nil {
		return err
	}

	if n != len(buf) {
		return &PartialBufferError{Expected: len(buf), Completed: n}
	}

	return nil
}

// ReadSlice fills the whole buf from addr or fails with *PartialBufferError.
func (m *GuestMemoryMmap) ReadSlice(buf []byte, addr GuestAddress) error {
	n, err := m.Read(buf, addr)
	if err != nil {
		return err
	}

	if n != len(buf) {
		return &PartialBufferError{Expected: len(buf), Completed: n}
	}

	return nil
}

func (m *GuestMemoryMmap) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, &InvalidGuestAddressError{Addr: GuestAddress(off)}
	}

	n, err := m.Read(p, GuestAddress(off))
	if err != nil {
		return n, err
	}

	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (m *GuestMemoryMmap) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, &InvalidGuestAddressError{Addr: GuestAddress(off)}
	}

	n, err := m.Write(p, GuestAddress(off))
	if err != nil {
		return n, err
	}

	if n < len(p) {
		return n, io.ErrShortWrite
	}

	return n, nil
}

// ReadFromStream copies up to count bytes from src into guest memory starting at addr.
// Data moves in chunks of at most MaxAccessChunk bytes. It returns when count bytes were
// copied, src is exhausted, or the next address is not backed by memory.
func (m *GuestMemoryMmap) ReadFromStream(addr GuestAddress, src io.Reader, count int) (int, error) {
	if count < 0 {
		return 0, negativeCount(count)
	}

	buf := make([]byte, min(count, MaxAccessChunk))

	return m.tryAccess(count, addr, func(_, length int, caddr MemoryRegionAddress, region *GuestRegionMmap) (int, error) {
		length = min(length, MaxAccessChunk)

		n, err := readOnce(src, buf[:length])
		if n == 0 {
			return 0, err
		}

		written, werr := region.Write(buf[:n], caddr)
		if werr != nil {
			return written, werr
		}

		return written, err
	})
}

// ReadExactFromStream copies exactly count bytes from src into guest memory starting at addr.
// When fewer bytes are available it fails with *PartialBufferError; the bytes copied so far stay written.
func (m *GuestMemoryMmap) ReadExactFromStream(addr GuestAddress, src io.Reader, count int) error {
	n, err := m.ReadFromStream(addr, src, count)
	if err != nil {
		return err
	}

	if n != count {
		return &PartialBufferError{Expected: count, Completed: n}
	}

	return nil
}

// WriteToStream writes up to count bytes of guest memory starting at addr to dst.
func (m *GuestMemoryMmap) WriteToStream(addr GuestAddress, dst io.Writer, count int) (int, error) {
	return m.tryAccess(count, addr, func(_, length int, caddr MemoryRegionAddress, region *GuestRegionMmap) (int, error) {
		return region.WriteToStream(caddr, dst, length)
	})
}

// WriteAllToStream writes exactly count bytes of guest memory starting at addr to dst.
func (m *GuestMemoryMmap) WriteAllToStream(addr GuestAddress, dst io.Writer, count int) error {
	n, err := m.WriteToStream(addr, dst, count)
	if err != nil {
		return err
	}

	if n != count {
		return &PartialBufferError{Expected: count, Completed: n}
	}

	return nil
}
