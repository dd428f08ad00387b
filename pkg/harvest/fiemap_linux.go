//go:build linux

package harvest

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/marmos91/unifyfs/pkg/fmap"
)

// fsIocFiemap is FS_IOC_FIEMAP, the _IOWR('f', 11, struct fiemap) request
// linux/fiemap.h defines; x/sys/unix carries the FIEMAP extent flag
// constants but not this request number, so it is reproduced here.
const fsIocFiemap = 0xC020660B

// fiemapHeader mirrors struct fiemap's fixed-size head (linux/fiemap.h),
// sans the trailing flexible fm_extents array.
type fiemapHeader struct {
	Start         uint64
	Length        uint64
	Flags         uint32
	MappedExtents uint32
	ExtentCount   uint32
	Reserved      uint32
}

// fiemapExtentRaw mirrors struct fiemap_extent.
type fiemapExtentRaw struct {
	Logical    uint64
	Physical   uint64
	Length     uint64
	Reserved64 [2]uint64
	Flags      uint32
	Reserved32 [3]uint32
}

var (
	headerSize = int(unsafe.Sizeof(fiemapHeader{}))
	extentSize = int(unsafe.Sizeof(fiemapExtentRaw{}))
)

// probeExtents issues the two-pass FS_IOC_FIEMAP ioctl sequence
// mds_sys_fiemap uses: a first call with fm_extent_count=0 to learn the
// extent count, then a second call sized to hold them.
func probeExtents(f *os.File, size int64) ([]fmap.Extent, error) {
	fd := int(f.Fd())

	hdr, err := fiemapCall(fd, 0)
	if err != nil {
		return nil, err
	}
	if hdr.MappedExtents == 0 {
		return nil, nil
	}

	hdr, err = fiemapCall(fd, hdr.MappedExtents)
	if err != nil {
		return nil, err
	}

	out := make([]fmap.Extent, 0, hdr.MappedExtents)
	for i := uint32(0); i < hdr.MappedExtents; i++ {
		raw := decodeExtent(hdr.buf, i)
		out = append(out, fmap.Extent{Offset: raw.Logical, Length: raw.Length})
	}
	return out, nil
}

// fiemapResult carries the header fields plus the raw response buffer, so
// decodeExtent can pull individual fiemap_extent records out of it.
type fiemapResult struct {
	fiemapHeader
	buf []byte
}

// fiemapCall runs one FS_IOC_FIEMAP ioctl requesting extentCount entries.
func fiemapCall(fd int, extentCount uint32) (fiemapResult, error) {
	buf := make([]byte, headerSize+int(extentCount)*extentSize)
	hdr := (*fiemapHeader)(unsafe.Pointer(&buf[0]))
	hdr.Start = 0
	hdr.Length = ^uint64(0)
	hdr.ExtentCount = extentCount

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(fsIocFiemap), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return fiemapResult{}, fmt.Errorf("harvest: fiemap ioctl: %w", errno)
	}

	return fiemapResult{fiemapHeader: *hdr, buf: buf}, nil
}

func decodeExtent(buf []byte, i uint32) fiemapExtentRaw {
	off := headerSize + int(i)*extentSize
	return *(*fiemapExtentRaw)(unsafe.Pointer(&buf[off]))
}
