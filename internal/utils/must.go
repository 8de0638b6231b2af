package utils

// Must panics if err is not nil and returns val otherwise.
// Use it only for conditions the process cannot recover from, such as host queries at startup.
func Must[T any](val T, err error) T {
	if err != nil {
		panic(err)
	}

	return val
}
