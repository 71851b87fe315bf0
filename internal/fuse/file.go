package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// contentFile is a read-only file whose content is rendered on demand.
// Content is re-rendered on every Getattr and Open, so a moved reference
// shows up without remounting.
type contentFile struct {
	fs.Inode
	path   string
	render func(ctx context.Context) ([]byte, error)
	view   *View
}

var _ = (fs.NodeGetattrer)((*contentFile)(nil))
var _ = (fs.NodeOpener)((*contentFile)(nil))
var _ = (fs.NodeReader)((*contentFile)(nil))

func (f *contentFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	data, errno := f.content(ctx)
	if errno != fs.OK {
		return errno
	}
	out.Mode = 0444
	out.Size = uint64(len(data))
	out.Ino = stableIno(f.path)
	return fs.OK
}

func (f *contentFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	data, errno := f.content(ctx)
	if errno != fs.OK {
		return nil, 0, errno
	}
	return &snapshot{data: data}, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (f *contentFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if s, ok := fh.(*snapshot); ok {
		return readAt(s.data, off), fs.OK
	}
	data, errno := f.content(ctx)
	if errno != fs.OK {
		return nil, errno
	}
	return readAt(data, off), fs.OK
}

func (f *contentFile) content(ctx context.Context) ([]byte, syscall.Errno) {
	data, err := f.render(ctx)
	if err != nil {
		return nil, f.view.errno(f.path, err)
	}
	return data, fs.OK
}

// snapshot pins the content seen at Open for the lifetime of the handle.
type snapshot struct {
	data []byte
}

func readAt(data []byte, off int64) fuse.ReadResult {
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil)
	}
	return fuse.ReadResultData(data[off:])
}
