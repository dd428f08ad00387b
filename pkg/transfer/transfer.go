// Package transfer implements bulk staging between a mounted file and an
// external path (§4.10). Exactly one side of a transfer is backed by the
// aggregated namespace; the other is a plain OS file. Serial mode streams
// the whole file from rank 0; parallel mode divides the file into BufSize
// chunks and balances them across ranks, each rank seeking to its own
// offset and streaming only its share.
package transfer

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/unifyfs/internal/telemetry"
	"github.com/marmos91/unifyfs/pkg/bufpool"
	"github.com/marmos91/unifyfs/pkg/metrics"
)

// BufSize is the unit of transfer: ranks divide a file into BufSize
// chunks (§4.10).
const BufSize = 64 * 1024

// maxConcurrentChunks bounds how many BufSize chunks a single rank streams
// at once when splitting its own share further for pipelining.
const maxConcurrentChunks = 8

// Source is read from at arbitrary offsets. *os.File and any mounted-file
// handle that exposes positional reads satisfy it.
type Source interface {
	ReadAt(p []byte, off int64) (int, error)
}

// Destination is written to at arbitrary offsets.
type Destination interface {
	WriteAt(p []byte, off int64) (int, error)
}

// Config carries the calling rank's identity within the job, supplied by
// the external rank-discovery collaborator (§1 Out of scope) at mount time.
type Config struct {
	Rank   int
	NRanks int
}

// Transfer copies size bytes from src to dst. When parallel is false, or
// the file is too small to split evenly across every rank, only rank 0
// performs the copy and every other rank returns immediately (§4.10's
// serial fallback). When parallel is true and the file is large enough,
// each rank computes and streams its own balanced share. Throughput for
// this rank's own share is recorded under "serial" or "parallel"
// (metrics.TransferMetrics, a no-op when metrics are disabled).
func Transfer(ctx context.Context, src Source, dst Destination, size int64, parallel bool, cfg Config) error {
	if cfg.NRanks <= 0 {
		cfg.NRanks = 1
	}

	mode := "serial"
	if parallel {
		mode = "parallel"
	}

	ctx, span := telemetry.StartTransferSpan(ctx, mode, uint64(size), telemetry.Rank(cfg.Rank))
	defer span.End()

	xfer := metrics.NewTransferMetrics()

	if !parallel || size < BufSize*int64(cfg.NRanks) {
		if cfg.Rank != 0 {
			return nil
		}
		start := time.Now()
		err := streamRange(ctx, src, dst, 0, size)
		if xfer != nil {
			xfer.ObserveTransfer(mode, size, time.Since(start))
		}
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
		return err
	}

	offset, length := rankShare(size, cfg.Rank, cfg.NRanks)
	if length == 0 {
		return nil
	}
	start := time.Now()
	err := streamRange(ctx, src, dst, offset, length)
	if xfer != nil {
		xfer.ObserveTransfer(mode, length, time.Since(start))
	}
	if err != nil {
		telemetry.RecordError(ctx, err)
	}
	return err
}

// rankShare computes the [offset, length) this rank owns out of
// ceil(size/BufSize) chunks divided chunks/nranks per rank, with the first
// chunks%nranks ranks taking one extra chunk (§4.10 balanced distribution).
func rankShare(size int64, rank, nranks int) (offset, length int64) {
	totalChunks := (size + BufSize - 1) / BufSize
	base := totalChunks / int64(nranks)
	extra := totalChunks % int64(nranks)

	var chunksBefore, myChunks int64
	if int64(rank) < extra {
		chunksBefore = int64(rank) * (base + 1)
		myChunks = base + 1
	} else {
		chunksBefore = extra*(base+1) + (int64(rank)-extra)*base
		myChunks = base
	}

	offset = chunksBefore * BufSize
	length = myChunks * BufSize
	if offset+length > size {
		length = size - offset
	}
	if length < 0 {
		length = 0
	}
	return offset, length
}

// streamRange copies length bytes starting at offset, pipelining up to
// maxConcurrentChunks BufSize reads/writes at a time via errgroup: ReadAt
// and WriteAt are positional so concurrent chunks never overlap, and the
// group surfaces the first error across the whole range.
func streamRange(ctx context.Context, src Source, dst Destination, offset, length int64) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChunks)

	for pos := int64(0); pos < length; pos += BufSize {
		pos := pos
		chunkLen := int64(BufSize)
		if pos+chunkLen > length {
			chunkLen = length - pos
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return copyChunk(src, dst, offset+pos, chunkLen)
		})
	}

	return g.Wait()
}

// copyChunk reads exactly n bytes from src at off and writes them to dst at
// the same offset, resuming on partial writes and treating a transient
// zero-byte write as a transport failure (§4.10). The chunk buffer comes
// from bufpool's medium tier, sized to match BufSize exactly, so a
// many-chunk transfer reuses a bounded set of buffers instead of
// allocating one per chunk.
func copyChunk(src Source, dst Destination, off int64, n int64) error {
	buf := bufpool.Get(int(n))
	defer bufpool.Put(buf)

	if _, err := readFull(src, buf, off); err != nil {
		return fmt.Errorf("transfer: read at %d: %w", off, err)
	}

	written := int64(0)
	for written < n {
		nw, err := dst.WriteAt(buf[written:], off+written)
		if nw == 0 && err == nil {
			return fmt.Errorf("transfer: zero-byte write at %d", off+written)
		}
		written += int64(nw)
		if err != nil {
			return fmt.Errorf("transfer: write at %d: %w", off+written, err)
		}
	}
	return nil
}

// readFull reads exactly len(buf) bytes from src starting at off, looping
// over short reads the way io.ReadFull does for an io.Reader.
func readFull(src Source, buf []byte, off int64) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := src.ReadAt(buf[read:], off+int64(read))
		read += n
		if err != nil {
			if err == io.EOF && read == len(buf) {
				return read, nil
			}
			return read, err
		}
	}
	return read, nil
}
