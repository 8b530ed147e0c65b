package blockdev

import (
	"golang.org/x/sys/unix"

	"github.com/kstorage/kstor/kerr"
	"github.com/kstorage/kstor/page"
)

// File is a Device backed by a real file or raw device node, opened with
// pread/pwrite/fsync via golang.org/x/sys/unix, exactly as
// disk/disk_impl.go's fileDisk does.
type File struct {
	path      string
	fd        int
	exclusive bool
	size      int64
}

// Open opens path for read/write, taking an exclusive claim when exclusive
// is true. The device/file is created if it does not exist.
func Open(path string, exclusive bool) (*File, error) {
	if exclusive {
		if err := acquireClaim(path); err != nil {
			return nil, err
		}
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0600)
	if err != nil {
		if exclusive {
			releaseClaim(path)
		}
		return nil, translateOpenErr(err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		if exclusive {
			releaseClaim(path)
		}
		return nil, kerr.Wrap(kerr.IoError, err, "blockdev: fstat")
	}

	return &File{path: path, fd: fd, exclusive: exclusive, size: stat.Size}, nil
}

func translateOpenErr(err error) error {
	switch err {
	case unix.ENOENT:
		return kerr.Wrap(kerr.NotFound, err, "blockdev: open")
	case unix.EACCES, unix.EPERM:
		return kerr.Wrap(kerr.PermissionDenied, err, "blockdev: open")
	case unix.EBUSY:
		return kerr.Wrap(kerr.Busy, err, "blockdev: open")
	default:
		return kerr.Wrap(kerr.IoError, err, "blockdev: open")
	}
}

// Truncate grows or shrinks the backing file to exactly size bytes. Used by
// tests and by tooling that provisions a fresh volume file before Format.
func (f *File) Truncate(size int64) error {
	if err := unix.Ftruncate(f.fd, size); err != nil {
		return kerr.Wrap(kerr.IoError, err, "blockdev: truncate")
	}
	f.size = size
	return nil
}

func (f *File) ReadAt(p *page.Page, byteOffset int64) error {
	buf := p.Bytes()
	n, err := unix.Pread(f.fd, buf, byteOffset)
	if err != nil {
		return kerr.Wrap(kerr.IoError, err, "blockdev: pread")
	}
	if n != len(buf) {
		return kerr.New(kerr.UnexpectedEOF)
	}
	return nil
}

func (f *File) WriteAt(p *page.Page, byteOffset int64) error {
	buf := p.Bytes()
	n, err := unix.Pwrite(f.fd, buf, byteOffset)
	if err != nil {
		return kerr.Wrap(kerr.IoError, err, "blockdev: pwrite")
	}
	if n != len(buf) {
		return kerr.New(kerr.UnexpectedEOF)
	}
	if byteOffset+int64(n) > f.size {
		f.size = byteOffset + int64(n)
	}
	return nil
}

func (f *File) Flush() error {
	if err := unix.Fsync(f.fd); err != nil {
		return kerr.Wrap(kerr.IoError, err, "blockdev: fsync")
	}
	return nil
}

func (f *File) Size() (int64, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(f.fd, &stat); err != nil {
		return 0, kerr.Wrap(kerr.IoError, err, "blockdev: fstat")
	}
	return stat.Size, nil
}

func (f *File) Close() error {
	err := unix.Close(f.fd)
	if f.exclusive {
		releaseClaim(f.path)
	}
	if err != nil {
		return kerr.Wrap(kerr.IoError, err, "blockdev: close")
	}
	return nil
}

var _ Device = (*File)(nil)
