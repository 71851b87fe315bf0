package fuse

import (
	"context"
	"encoding/json"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/systemshift/memex-vstore/internal/logic"
)

// RootNode is the mountpoint directory. Contains "refs/" and "description".
type RootNode struct {
	fs.Inode
	view *View
}

var _ = (fs.NodeOnAdder)((*RootNode)(nil))
var _ = (fs.NodeGetattrer)((*RootNode)(nil))

func (r *RootNode) OnAdd(ctx context.Context) {
	refsInode := r.NewPersistentInode(ctx, &RefsDir{view: r.view}, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("refs"),
	})
	r.AddChild("refs", refsInode, true)

	desc := &contentFile{path: "description", view: r.view, render: r.view.description}
	descInode := r.NewPersistentInode(ctx, desc, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  stableIno("description"),
	})
	r.AddChild("description", descInode, true)
}

func (r *RootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("/")
	return fs.OK
}

func (v *View) description(ctx context.Context) ([]byte, error) {
	desc, err := logic.FetchRepositoryDescription(ctx, v.p)
	if err != nil {
		return nil, err
	}
	if desc == nil {
		return []byte("{}\n"), nil
	}
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RefsDir lists the live named references.
type RefsDir struct {
	fs.Inode
	view *View
}

var _ = (fs.NodeLookuper)((*RefsDir)(nil))
var _ = (fs.NodeReaddirer)((*RefsDir)(nil))
var _ = (fs.NodeGetattrer)((*RefsDir)(nil))

func (d *RefsDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("refs")
	return fs.OK
}

func (d *RefsDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	refs, err := d.view.refs.ListReferences(ctx, "")
	if err != nil {
		return nil, d.view.errno("refs", err)
	}
	entries := make([]fuse.DirEntry, len(refs))
	for i, ref := range refs {
		name := encodeRefName(ref.Name)
		entries[i] = fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFDIR,
			Ino:  stableIno("refs/" + name),
		}
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *RefsDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if _, err := d.view.refs.GetReference(ctx, decodeRefName(name)); err != nil {
		return nil, d.view.errno("refs/"+name, err)
	}
	child := d.NewInode(ctx, &RefDir{view: d.view, entry: name}, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("refs/" + name),
	})
	return child, fs.OK
}

// RefDir holds HEAD, log/ and keys of one reference.
type RefDir struct {
	fs.Inode
	view  *View
	entry string
}

var _ = (fs.NodeLookuper)((*RefDir)(nil))
var _ = (fs.NodeReaddirer)((*RefDir)(nil))
var _ = (fs.NodeGetattrer)((*RefDir)(nil))

func (d *RefDir) path(child string) string {
	return "refs/" + d.entry + "/" + child
}

func (d *RefDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("refs/" + d.entry)
	return fs.OK
}

func (d *RefDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return fs.NewListDirStream([]fuse.DirEntry{
		{Name: "HEAD", Mode: syscall.S_IFREG, Ino: stableIno(d.path("HEAD"))},
		{Name: "keys", Mode: syscall.S_IFREG, Ino: stableIno(d.path("keys"))},
		{Name: "log", Mode: syscall.S_IFDIR, Ino: stableIno(d.path("log"))},
	}), fs.OK
}

func (d *RefDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	refName := decodeRefName(d.entry)
	var node fs.InodeEmbedder
	mode := uint32(syscall.S_IFREG)
	switch name {
	case "HEAD":
		node = &contentFile{path: d.path(name), view: d.view, render: func(ctx context.Context) ([]byte, error) {
			ref, err := d.view.refs.GetReference(ctx, refName)
			if err != nil {
				return nil, err
			}
			return renderHead(ref), nil
		}}
	case "keys":
		node = &contentFile{path: d.path(name), view: d.view, render: func(ctx context.Context) ([]byte, error) {
			ref, err := d.view.refs.GetReference(ctx, refName)
			if err != nil {
				return nil, err
			}
			entries, err := d.view.commits.Contents(ctx, ref.Pointer)
			if err != nil {
				return nil, err
			}
			return renderKeys(entries), nil
		}}
	case "log":
		node = &LogDir{view: d.view, ref: refName, path: d.path(name)}
		mode = syscall.S_IFDIR
	default:
		return nil, syscall.ENOENT
	}
	return d.NewInode(ctx, node, fs.StableAttr{Mode: mode, Ino: stableIno(d.path(name))}), fs.OK
}
