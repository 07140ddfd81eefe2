package secret

import "golang.org/x/sys/unix"

// excludeFromCoreDump is best effort; older kernels reject MADV_DONTDUMP.
func excludeFromCoreDump(data []byte) {
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)
}
