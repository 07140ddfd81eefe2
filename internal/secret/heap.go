package secret

func heapAllocate(size int) ([]byte, func([]byte) error) {
	return make([]byte, size), func([]byte) error { return nil }
}
