package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMust(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 42, Must(42, nil))

	assert.PanicsWithError(t, "host query failed", func() {
		Must(0, errors.New("host query failed"))
	})
}
