package memory

import (
	"fmt"
	"sync"

	"github.com/tklauser/go-sysconf"

	"github.com/e2b-dev/infra/packages/vm-memory/internal/utils"
)

// hostPageSize panics when the host page size cannot be queried.
var hostPageSize = sync.OnceValue(func() uint64 {
	return utils.Must(queryPageSize())
})

func queryPageSize() (uint64, error) {
	pageSize, err := sysconf.Sysconf(sysconf.SC_PAGESIZE)
	if err != nil {
		return 0, fmt.Errorf("failed to enable dirty page tracking: failed to get page size: %w", err)
	}

	if pageSize <= 0 {
		return 0, fmt.Errorf("failed to enable dirty page tracking: invalid page size %d", pageSize)
	}

	return uint64(pageSize), nil
}
