// Package fuse mounts a read-only view of a repository: one directory per
// named reference holding its head, its commit log and the keys visible at
// its head.
//
//	refs/<name>/HEAD     pointer of the reference
//	refs/<name>/log/<n>  n-th commit from the head as JSON, 0 is the head
//	refs/<name>/keys     visible keys at the head with their value ids
//	description          repository description as JSON
//
// Slashes in reference names appear as "__".
package fuse

import (
	"context"
	"errors"
	"log/slog"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/systemshift/memex-vstore/internal/logic"
	"github.com/systemshift/memex-vstore/internal/persist"
)

// View renders repository state for the mounted tree.
type View struct {
	p       persist.Persist
	refs    *logic.ReferenceLogic
	commits *logic.CommitLogic
	logger  *slog.Logger
}

// NewView returns a view of p. seq is the repository's bound sequence;
// the view never commits, but shares it with any commit logic of the
// process.
func NewView(p persist.Persist, seq logic.Sequence, logger *slog.Logger) *View {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &View{
		p:       p,
		refs:    logic.NewReferenceLogic(p),
		commits: logic.NewCommitLogic(p, seq, logger),
		logger:  logger,
	}
}

// errno maps a store error to the errno reported to the kernel.
func (v *View) errno(path string, err error) syscall.Errno {
	switch {
	case errors.Is(err, persist.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syscall.EINTR
	}
	v.logger.Warn("read failed", "path", path, "err", err)
	return syscall.EIO
}

// MountFS mounts the view at mountpoint.
// Returns the server (call server.Wait() to block, server.Unmount() to stop).
func MountFS(mountpoint string, view *View, debug bool) (*gofuse.Server, error) {
	root := &RootNode{view: view}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			FsName:        "memex-vstore",
			Name:          "memex-vstore",
			DisableXAttrs: true,
			Debug:         debug,
		},
	}

	server, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, err
	}
	return server, nil
}
