//go:build !unix

package secret

func allocate(size int) ([]byte, func([]byte) error) {
	return heapAllocate(size)
}
