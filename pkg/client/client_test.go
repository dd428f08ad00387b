package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/marmos91/unifyfs/internal/bytesize"
	"github.com/marmos91/unifyfs/pkg/config"
	"github.com/marmos91/unifyfs/pkg/shm"
)

func withTempShmDir(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	shm.SetDirForTest(dir)
	t.Cleanup(func() { shm.SetDirForTest("/dev/shm") })
}

// reserveAddr grabs an ephemeral loopback port and immediately frees it so
// two-rank tests can fix up cfg.Server.Peers before either rank's listener
// binds (Mount itself opens the real listener).
func reserveAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve addr: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func testConfig(t *testing.T, peers []string) config.Config {
	t.Helper()
	var cfg config.Config
	cfg.Client.MaxFiles = 64
	cfg.Client.LocalExtents = true
	cfg.Client.WriteIndexSize = bytesize.ByteSize(64 * indexEntrySize)
	cfg.Client.RecvDataSize = bytesize.ByteSize(17) // small and non-power-of-two, to exercise chunked staging
	cfg.LogIO.SpillDir = t.TempDir()
	cfg.Server.Peers = peers
	return cfg
}

// mountPair brings up two ranks of a 2-rank mount, wired to each other via
// loopback, and registers cleanup to unmount both in reverse order.
func mountPair(t *testing.T) (c0, c1 *Client) {
	t.Helper()
	withTempShmDir(t)

	peers := []string{reserveAddr(t), reserveAddr(t)}
	ctx := t.Context()

	cfg0 := testConfig(t, peers)
	cfg0.LogIO.SpillDir = filepath.Join(t.TempDir(), "rank0")
	os.MkdirAll(cfg0.LogIO.SpillDir, 0o755)
	cfg1 := testConfig(t, peers)
	cfg1.LogIO.SpillDir = filepath.Join(t.TempDir(), "rank1")
	os.MkdirAll(cfg1.LogIO.SpillDir, 0o755)

	c0, err := Mount(ctx, cfg0, "/unify", 0, 2, "test-app")
	if err != nil {
		t.Fatalf("mount rank 0: %v", err)
	}
	c1, err = Mount(ctx, cfg1, "/unify", 1, 2, "test-app")
	if err != nil {
		c0.Unmount()
		t.Fatalf("mount rank 1: %v", err)
	}

	t.Cleanup(func() {
		c1.Unmount()
		c0.Unmount()
	})
	return c0, c1
}

func TestMountUnmountSingleRank(t *testing.T) {
	withTempShmDir(t)
	cfg := testConfig(t, nil)

	c, err := Mount(t.Context(), cfg, "/unify", 0, 1, "")
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if c.appID == "" {
		t.Fatal("expected a derived app id when appID is empty")
	}
	if err := c.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
}

func TestAppIDFromPrefixIsStable(t *testing.T) {
	a := appIDFromPrefix("/unify")
	b := appIDFromPrefix("/unify")
	c := appIDFromPrefix("/other")
	if a != b {
		t.Fatalf("appIDFromPrefix not stable: %s != %s", a, b)
	}
	if a == c {
		t.Fatal("expected different prefixes to derive different app ids")
	}
}

func TestOpenCloseFdLifecycle(t *testing.T) {
	withTempShmDir(t)
	cfg := testConfig(t, nil)
	c, err := Mount(t.Context(), cfg, "/unify", 0, 1, "test-app")
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer c.Unmount()

	if _, err := c.Open("/a", 0); err == nil {
		t.Fatal("expected Open of a non-existent name without O_CREATE to fail")
	}

	fd, err := c.Open("/a", os.O_CREATE)
	if err != nil {
		t.Fatalf("Open O_CREATE: %v", err)
	}
	if err := c.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(fd); err != ErrNotOpen {
		t.Fatalf("Close of already-closed fd = %v, want ErrNotOpen", err)
	}
}

func TestWriteReadLocalShortCircuit(t *testing.T) {
	withTempShmDir(t)
	cfg := testConfig(t, nil)
	c, err := Mount(t.Context(), cfg, "/unify", 0, 1, "test-app")
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer c.Unmount()

	fd, err := c.Open("/a", os.O_CREATE)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	want := []byte("hello, unifyfs")
	if n, err := c.WriteAt(fd, 0, want); err != nil || n != len(want) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}

	got := make([]byte, len(want))
	n, err := c.ReadAt(fd, 0, got)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(want) || string(got) != string(want) {
		t.Fatalf("ReadAt = %q, want %q", got[:n], want)
	}
}

func TestWriteReadLocalOverlappingWritesLastWins(t *testing.T) {
	withTempShmDir(t)
	cfg := testConfig(t, nil)
	c, err := Mount(t.Context(), cfg, "/unify", 0, 1, "test-app")
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer c.Unmount()

	fd, err := c.Open("/a", os.O_CREATE)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := c.WriteAt(fd, 0, []byte("AAAAAAAAAA")); err != nil {
		t.Fatalf("WriteAt 1: %v", err)
	}
	if _, err := c.WriteAt(fd, 2, []byte("BB")); err != nil {
		t.Fatalf("WriteAt 2: %v", err)
	}

	got := make([]byte, 10)
	if _, err := c.ReadAt(fd, 0, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "AABBAAAAAA" {
		t.Fatalf("ReadAt = %q, want %q", got, "AABBAAAAAA")
	}
}

func TestTruncateRejectsLaminatedFile(t *testing.T) {
	withTempShmDir(t)
	cfg := testConfig(t, nil)
	c, err := Mount(t.Context(), cfg, "/unify", 0, 1, "test-app")
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer c.Unmount()

	fd, err := c.Open("/a", os.O_CREATE)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := c.WriteAt(fd, 0, []byte("data")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := c.Laminate(fd); err != nil {
		t.Fatalf("Laminate: %v", err)
	}
	if err := c.Truncate(fd, 0); err == nil {
		t.Fatal("expected Truncate of a laminated file to fail")
	}
}

func TestOpenRejectsWriteModeOfLaminatedFile(t *testing.T) {
	withTempShmDir(t)
	cfg := testConfig(t, nil)
	c, err := Mount(t.Context(), cfg, "/unify", 0, 1, "test-app")
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer c.Unmount()

	fd, err := c.Open("/a", os.O_CREATE)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := c.WriteAt(fd, 0, []byte("data")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := c.Laminate(fd); err != nil {
		t.Fatalf("Laminate: %v", err)
	}

	if _, err := c.Open("/a", os.O_WRONLY); err == nil {
		t.Fatal("expected O_WRONLY open of a laminated file to fail")
	}
	if _, err := c.Open("/a", os.O_RDWR); err == nil {
		t.Fatal("expected O_RDWR open of a laminated file to fail")
	}

	readFd, err := c.Open("/a", os.O_RDONLY)
	if err != nil {
		t.Fatalf("expected read-only open of a laminated file to succeed: %v", err)
	}
	if err := c.Close(readFd); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSyncAndFilesize(t *testing.T) {
	withTempShmDir(t)
	cfg := testConfig(t, nil)
	c, err := Mount(t.Context(), cfg, "/unify", 0, 1, "test-app")
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer c.Unmount()

	fd, err := c.Open("/a", os.O_CREATE)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := c.WriteAt(fd, 0, []byte("0123456789")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := c.Sync(fd); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	size, err := c.Filesize(fd)
	if err != nil {
		t.Fatalf("Filesize: %v", err)
	}
	if size != 10 {
		t.Fatalf("Filesize = %d, want 10", size)
	}
}

func TestLaminateBuildsFmapFromOwnIndexEntries(t *testing.T) {
	withTempShmDir(t)
	cfg := testConfig(t, nil)
	c, err := Mount(t.Context(), cfg, "/unify", 0, 1, "test-app")
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer c.Unmount()

	fdA, err := c.Open("/a", os.O_CREATE)
	if err != nil {
		t.Fatalf("Open /a: %v", err)
	}
	fdB, err := c.Open("/b", os.O_CREATE)
	if err != nil {
		t.Fatalf("Open /b: %v", err)
	}
	if _, err := c.WriteAt(fdA, 0, []byte("aaaa")); err != nil {
		t.Fatalf("WriteAt /a: %v", err)
	}
	if _, err := c.WriteAt(fdB, 0, []byte("bbbbbbbb")); err != nil {
		t.Fatalf("WriteAt /b: %v", err)
	}

	if err := c.Laminate(fdA); err != nil {
		t.Fatalf("Laminate /a: %v", err)
	}

	attr, err := c.Stat(fdA)
	if err != nil {
		t.Fatalf("Stat /a: %v", err)
	}
	if attr.Size != 4 {
		t.Fatalf("Stat /a size = %d, want 4 (laminate must not pick up /b's entries)", attr.Size)
	}

	size, err := c.Filesize(fdA)
	if err != nil {
		t.Fatalf("Filesize /a: %v", err)
	}
	if size != 4 {
		t.Fatalf("Filesize /a = %d, want 4", size)
	}
}

func TestTransferFileStageInAndOut(t *testing.T) {
	withTempShmDir(t)
	cfg := testConfig(t, nil)
	c, err := Mount(t.Context(), cfg, "/unify", 0, 1, "test-app")
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer c.Unmount()

	extDir := t.TempDir()
	srcPath := filepath.Join(extDir, "payload.bin")
	payload := []byte("external file contents for staging")
	if err := os.WriteFile(srcPath, payload, 0o644); err != nil {
		t.Fatalf("write external file: %v", err)
	}

	if err := c.TransferFile(t.Context(), srcPath, "/unify/staged", false); err != nil {
		t.Fatalf("TransferFile stage-in: %v", err)
	}

	outPath := filepath.Join(extDir, "out.bin")
	if err := c.TransferFile(t.Context(), "/unify/staged", outPath, false); err != nil {
		t.Fatalf("TransferFile stage-out: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read staged-out file: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("staged-out contents = %q, want %q", got, payload)
	}
}

func TestTransferFileAmbiguousDirectionErrors(t *testing.T) {
	withTempShmDir(t)
	cfg := testConfig(t, nil)
	c, err := Mount(t.Context(), cfg, "/unify", 0, 1, "test-app")
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer c.Unmount()

	if err := c.TransferFile(t.Context(), "/tmp/a", "/tmp/b", false); err == nil {
		t.Fatal("expected an error when neither side is under the mount prefix")
	}
	if err := c.TransferFile(t.Context(), "/unify/a", "/unify/b", false); err == nil {
		t.Fatal("expected an error when both sides are under the mount prefix")
	}
}

func TestCrossRankReadGoesOverRPC(t *testing.T) {
	c0, c1 := mountPair(t)

	// "/cross" is owned by whichever rank mds.Owner assigns; write and laminate
	// it from rank 0 and confirm rank 1 can read it back byte for byte,
	// regardless of which rank actually materializes the extent, exercising
	// readRemote's recv-shm staging loop end to end.
	fd, err := c0.Open("/cross", os.O_CREATE)
	if err != nil {
		t.Fatalf("rank0 Open: %v", err)
	}
	payload := []byte("data visible from the other rank")
	if _, err := c0.WriteAt(fd, 0, payload); err != nil {
		t.Fatalf("rank0 WriteAt: %v", err)
	}
	if err := c0.Laminate(fd); err != nil {
		t.Fatalf("rank0 Laminate: %v", err)
	}

	fd1, err := c1.Open("/cross", 0)
	if err != nil {
		t.Fatalf("rank1 Open: %v", err)
	}
	got := make([]byte, len(payload))
	n, err := c1.ReadAt(fd1, 0, got)
	if err != nil {
		t.Fatalf("rank1 ReadAt: %v", err)
	}
	if n != len(payload) || string(got) != string(payload) {
		t.Fatalf("rank1 ReadAt = %q, want %q", got[:n], payload)
	}
}
