// Package shm opens named, page-aligned, zero-initialized regions of
// memory shared between unrelated processes, the substrate the sharedmutex
// package places a mutex.ControlBlock and its payload onto.
//
// Linux exposes POSIX shared memory as a tmpfs mount at /dev/shm; rather
// than cgo-binding shm_open(3), Open talks to that tmpfs mount directly,
// which is what glibc's own shm_open does under the hood on Linux. That
// keeps this package entirely cgo-free.
package shm

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const shmDir = "/dev/shm"

// Region is a page-aligned block of memory mapped MAP_SHARED, visible
// under the same name to every process that calls Open with it.
type Region struct {
	name string
	data []byte
	file *os.File
}

// Open maps a shared region of at least size bytes, creating it
// zero-initialized if it does not already exist. size is rounded up to a
// whole number of OS pages, since Mmap requires the backing file to
// already be at least as large as the mapping.
func Open(name string, size int) (*Region, error) {
	path, err := shmPath(name)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "shm: open %s", name)
	}

	pageSize := unix.Getpagesize()
	mapSize := ((size + pageSize - 1) / pageSize) * pageSize

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "shm: stat %s", name)
	}
	if info.Size() < int64(mapSize) {
		if err := unix.Ftruncate(int(f.Fd()), int64(mapSize)); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "shm: truncate %s", name)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, mapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "shm: mmap %s", name)
	}

	return &Region{name: name, data: data, file: f}, nil
}

// Unlink removes the named region. Processes that already have it mapped
// keep their mapping valid until they unmap or exit; new Open calls for
// the same name create a fresh, zeroed region.
func Unlink(name string) error {
	path, err := shmPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "shm: unlink %s", name)
	}
	return nil
}

// Bytes returns the region's backing memory. The slice is valid until
// Close is called.
func (r *Region) Bytes() []byte {
	return r.data
}

// Close unmaps the region and closes its backing file descriptor. It does
// not unlink the name; call Unlink separately to remove it.
func (r *Region) Close() error {
	var err error
	if r.data != nil {
		err = unix.Munmap(r.data)
		r.data = nil
	}
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func shmPath(name string) (string, error) {
	if name == "" || filepath.Base(name) != name {
		return "", errors.Errorf("shm: invalid region name %q", name)
	}
	return filepath.Join(shmDir, name), nil
}
