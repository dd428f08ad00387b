package shm

import (
	"testing"
)

func withTempShmDir(t *testing.T) {
	t.Helper()
	prev := shmDir
	shmDir = t.TempDir()
	t.Cleanup(func() { shmDir = prev })
}

func TestCreate_ZeroFilledAndSized(t *testing.T) {
	withTempShmDir(t)

	r, err := Create("unifyfs-super-1-0", 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.Detach()

	data := r.Bytes()
	if len(data) != 4096 {
		t.Fatalf("got size %d, want 4096", len(data))
	}
	for i, b := range data {
		if b != 0 {
			t.Fatalf("byte %d not zero-filled: %x", i, b)
		}
	}
}

func TestCreate_DuplicateNameFails(t *testing.T) {
	withTempShmDir(t)

	r, err := Create("dup", 128)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.Detach()

	if _, err := Create("dup", 128); err == nil {
		t.Fatal("expected error creating a duplicate region")
	}
}

func TestOpen_SeesCreatorsWrites(t *testing.T) {
	withTempShmDir(t)

	creator, err := Create("shared", 64)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer creator.Detach()
	creator.Bytes()[0] = 0xAB

	attacher, err := Open("shared")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer attacher.Detach()

	if attacher.Bytes()[0] != 0xAB {
		t.Fatalf("attacher did not see creator's write")
	}
}

func TestCreateOrOpen_FirstCallCreates(t *testing.T) {
	withTempShmDir(t)

	r1, created, err := CreateOrOpen("x", 32)
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	defer r1.Detach()
	if !created {
		t.Fatal("expected first call to report created=true")
	}

	r2, created, err := CreateOrOpen("x", 32)
	if err != nil {
		t.Fatalf("CreateOrOpen second call: %v", err)
	}
	defer r2.Detach()
	if created {
		t.Fatal("expected second call to report created=false")
	}
}

func TestDetachThenUnlink_DoesNotErrorOnMissingFile(t *testing.T) {
	withTempShmDir(t)

	r, err := Create("gone", 16)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := Unlink("gone"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if err := Unlink("gone"); err != nil {
		t.Fatalf("second Unlink of missing file should not error: %v", err)
	}
}
