package bitmap

func TotalPages(size, pageSize uint64) uint64 {
	return (size + pageSize - 1) / pageSize
}

func PageIdx(off, pageSize uint64) uint64 {
	return off / pageSize
}

func PageOffset(idx, pageSize uint64) uint64 {
	return idx * pageSize
}
