// Package harvest probes a backing file's on-disk extent layout and builds
// the per-file fmap the metadata server merges into its shard (§4.7
// addfmap, §9's fiemap-probing design note). The platform-specific probe
// is abstracted behind probeExtents so the rest of the server only ever
// sees "a sorted list of (logical_offset, length) pairs" — on Linux that
// list comes from the FS_IOC_FIEMAP ioctl (server/src/unifyfs_mds.c's
// mds_sys_fiemap/mds_build_fmap); on every other platform it is a single
// extent spanning the whole file, the dense fallback of spec.md §9. On
// Linux a filesystem that rejects the ioctl makes Harvest return an
// error; the dense extent is not used there.
package harvest

import (
	"fmt"
	"os"

	"github.com/marmos91/unifyfs/pkg/fmap"
)

// Harvest opens path, probes its physical extent layout, and returns the
// fmap a local rank would register for it, attributed to rank.
func Harvest(path string, rank uint32) (*fmap.Fmap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("harvest: open %s: %w", path, err)
	}
	defer f.Close()

	sb, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("harvest: stat %s: %w", path, err)
	}

	extents, err := probeExtents(f, sb.Size())
	if err != nil {
		return nil, fmt.Errorf("harvest: probe %s: %w", path, err)
	}

	attr := fmap.Attr{
		Size:    uint64(sb.Size()),
		Blocks:  blockCount(sb),
		MtimeNs: sb.ModTime().UnixNano(),
	}
	return fmap.BuildFromPhysicalExtents(rank, extents, attr), nil
}
