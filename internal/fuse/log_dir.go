package fuse

import (
	"context"
	"strconv"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/systemshift/memex-vstore/internal/persist"
)

const maxLogEntries = 64

// LogDir exposes the newest commits of a reference as files.
// Layout: log/0 (head commit JSON), log/1 (its parent), ...
type LogDir struct {
	fs.Inode
	view *View
	ref  string
	path string
}

var _ = (fs.NodeLookuper)((*LogDir)(nil))
var _ = (fs.NodeReaddirer)((*LogDir)(nil))
var _ = (fs.NodeGetattrer)((*LogDir)(nil))

func (d *LogDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(d.path)
	return fs.OK
}

func (d *LogDir) log(ctx context.Context, n int) ([]*persist.CommitObj, error) {
	ref, err := d.view.refs.GetReference(ctx, d.ref)
	if err != nil {
		return nil, err
	}
	return d.view.commits.CommitLog(ctx, ref.Pointer, n)
}

func (d *LogDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	commits, err := d.log(ctx, maxLogEntries)
	if err != nil {
		return nil, d.view.errno(d.path, err)
	}
	entries := make([]fuse.DirEntry, len(commits))
	for i := range commits {
		name := strconv.Itoa(i)
		entries[i] = fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFREG,
			Ino:  stableIno(d.path + "/" + name),
		}
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *LogDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	idx, err := strconv.Atoi(name)
	if err != nil || idx < 0 || idx >= maxLogEntries || strconv.Itoa(idx) != name {
		return nil, syscall.ENOENT
	}
	path := d.path + "/" + name
	render := func(ctx context.Context) ([]byte, error) {
		commits, err := d.log(ctx, idx+1)
		if err != nil {
			return nil, err
		}
		if idx >= len(commits) {
			return nil, persist.ErrNotFound
		}
		return renderCommit(commits[idx])
	}
	if _, err := render(ctx); err != nil {
		return nil, d.view.errno(path, err)
	}
	f := &contentFile{path: path, view: d.view, render: render}
	return d.NewInode(ctx, f, fs.StableAttr{Mode: syscall.S_IFREG, Ino: stableIno(path)}), fs.OK
}
