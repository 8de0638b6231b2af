package memory

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// MaxAccessChunk is the largest amount of bytes moved by a single read or write
// when transferring between guest memory and a stream.
const MaxAccessChunk = 4096

// readOnce performs one read from src, retrying when the read was interrupted before any data arrived.
// End of stream is reported as 0 bytes without an error. A read returning (0, nil) is taken as end of
// stream as well, so non-blocking readers that have no data yet end the transfer early.
// Bytes that arrived together with an error are returned along with it.
func readOnce(src io.Reader, p []byte) (int, error) {
	for {
		n, err := src.Read(p)

		switch {
		case err == nil, errors.Is(err, io.EOF):
			return n, nil
		case errors.Is(err, unix.EINTR):
			if n > 0 {
				return n, nil
			}

			continue
		default:
			return n, &IOError{Err: err}
		}
	}
}

// writeAll writes p to dst, retrying the remainder when the write was interrupted.
func writeAll(dst io.Writer, p []byte) (int, error) {
	var total int

	for {
		n, err := dst.Write(p[total:])
		total += n

		switch {
		case err == nil:
			return total, nil
		case errors.Is(err, unix.EINTR) && total < len(p):
			continue
		default:
			return total, &IOError{Err: err}
		}
	}
}

// ReadFromStream performs a single read of at most count bytes from src directly into the region at addr.
// The whole [addr, addr+count) range must be inside the region.
func (r *GuestRegionMmap) ReadFromStream(addr MemoryRegionAddress, src io.Reader, count int) (int, error) {
	dst, err := r.GetSlice(addr, count)
	if err != nil {
		return 0, err
	}

	if count == 0 {
		return 0, nil
	}

	n, err := readOnce(src, dst)
	r.MarkDirtyPages(uint64(addr), uint64(n))

	return n, err
}

// ReadExactFromStream reads exactly count bytes from src into the region at addr.
// If src ends early the bytes already read stay in the region and *PartialBufferError is returned.
func (r *GuestRegionMmap) ReadExactFromStream(addr MemoryRegionAddress, src io.Reader, count int) error {
	dst, err := r.GetSlice(addr, count)
	if err != nil {
		return err
	}

	var total int
	for total < count {
		end := min(total+MaxAccessChunk, count)

		n, err := readOnce(src, dst[total:end])
		r.MarkDirtyPages(uint64(addr)+uint64(total), uint64(n))
		total += n

		if err != nil {
			return err
		}

		if n == 0 {
			return &PartialBufferError{Expected: count, Completed: total}
		}
	}

	return nil
}

// WriteToStream writes count bytes of the region starting at addr to dst.
func (r *GuestRegionMmap) WriteToStream(addr MemoryRegionAddress, dst io.Writer, count int) (int, error) {
	src, err := r.GetSlice(addr, count)
	if err != nil {
		return 0, err
	}

	if count == 0 {
		return 0, nil
	}

	return writeAll(dst, src)
}

// WriteAllToStream is WriteToStream that fails with *PartialBufferError on a short write.
func (r *GuestRegionMmap) WriteAllToStream(addr MemoryRegionAddress, dst io.Writer, count int) error {
	n, err := r.WriteToStream(addr, dst, count)
	if err != nil {
		return err
	}

	if n != count {
		return &PartialBufferError{Expected: count, Completed: n}
	}

	return nil
}
