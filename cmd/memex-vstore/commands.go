package main

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	memexfuse "github.com/systemshift/memex-vstore/internal/fuse"
	"github.com/systemshift/memex-vstore/internal/logic"
	"github.com/systemshift/memex-vstore/internal/transfer"
)

func allCommands() []*command {
	return []*command{
		initCommand(),
		infoCommand(),
		exportCommand(),
		importCommand(),
		eraseCommand(),
		mountCommand(),
	}
}

// structural marks export/import failures caused by the bundle or the
// target repository rather than by the environment.
func structural(err error) error {
	if errors.Is(err, transfer.ErrRepositoryNotEmpty) || errors.Is(err, transfer.ErrInvalidBundle) {
		return &exitError{code: 100, err: err}
	}
	return err
}

func noArgs(name string, args []string) error {
	if len(args) > 0 {
		return usagef("%s takes no arguments, got %q", name, args)
	}
	return nil
}

func initCommand() *command {
	return &command{
		name:    "init",
		summary: "Create the repository description and default branch",
		usage:   "init",
		run: func(env *environment, args []string) error {
			if err := noArgs("init", args); err != nil {
				return err
			}
			h, err := env.open()
			if err != nil {
				return err
			}
			defer h.Close()

			desc, err := logic.InitializeRepository(env.ctx, h.Persist, env.cfg.Repository.DefaultBranch)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.stdout, "Initialized repository %q on %s backend, default branch %s.\n",
				env.cfg.Repository.ID, env.cfg.Backend, desc.DefaultBranch)
			return nil
		},
	}
}

func infoCommand() *command {
	return &command{
		name:    "info",
		summary: "Show the repository description and named references",
		usage:   "info",
		run: func(env *environment, args []string) error {
			if err := noArgs("info", args); err != nil {
				return err
			}
			h, err := env.open()
			if err != nil {
				return err
			}
			defer h.Close()

			fmt.Fprintf(env.stdout, "Repository:  %s\nBackend:     %s\n", env.cfg.Repository.ID, env.cfg.Backend)
			desc, err := logic.FetchRepositoryDescription(env.ctx, h.Persist)
			if err != nil {
				return err
			}
			if desc == nil {
				fmt.Fprintln(env.stdout, "Not initialized.")
			} else {
				fmt.Fprintf(env.stdout, "Default:     %s\nCreated:     %s\nUpdated:     %s\n",
					desc.DefaultBranch, formatMicros(desc.CreatedAt), formatMicros(desc.UpdatedAt))
				for _, k := range slices.Sorted(maps.Keys(desc.Properties)) {
					fmt.Fprintf(env.stdout, "  %s: %s\n", k, desc.Properties[k])
				}
			}

			refs, err := logic.NewReferenceLogic(h.Persist).ListReferences(env.ctx, "")
			if err != nil {
				return err
			}
			fmt.Fprintf(env.stdout, "\nReferences (%d):\n", len(refs))
			tw := tabwriter.NewWriter(env.stdout, 2, 0, 3, ' ', 0)
			for _, ref := range refs {
				fmt.Fprintf(tw, "  %s\t%s\n", ref.Name, ref.Pointer)
			}
			return tw.Flush()
		},
	}
}

func formatMicros(us int64) string {
	return time.UnixMicro(us).UTC().Format(time.RFC3339)
}

func exportCommand() *command {
	var (
		path        string
		format      string
		maxFileSize int64
		compression string
	)
	return &command{
		name:    "export",
		summary: "Export every commit and named reference to a bundle",
		usage:   "export --path <bundle> [flags]",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("export", pflag.ContinueOnError)
			fs.StringVar(&path, "path", "", "bundle to create (required)")
			fs.StringVar(&format, "output-format", string(transfer.FormatZip), "bundle format: zip or directory")
			fs.Int64Var(&maxFileSize, "max-file-size", transfer.DefaultMaxFileSize, "uncompressed size at which a batch file is split")
			fs.StringVar(&compression, "compression", string(transfer.CompressionZstd), "batch compression: zstd, lz4 or none")
			return fs
		},
		run: func(env *environment, args []string) error {
			if err := noArgs("export", args); err != nil {
				return err
			}
			if path == "" {
				return usagef("export: --path is required")
			}
			f, err := transfer.ParseFormat(format)
			if err != nil {
				return usagef("export: %v", err)
			}
			c, err := transfer.ParseCompression(compression)
			if err != nil {
				return usagef("export: %v", err)
			}
			h, err := env.open()
			if err != nil {
				return err
			}
			defer h.Close()

			res, err := transfer.Export(env.ctx, h.Persist, transfer.ExportOptions{
				Path:        path,
				Format:      f,
				MaxFileSize: maxFileSize,
				Compression: c,
				Producer:    "memex-vstore " + version,
				Logger:      env.logger,
			})
			if err != nil {
				return structural(err)
			}
			fmt.Fprintf(env.stdout, "Exported repository, %d commits into %d files, %d named references into %d files.\n",
				res.Commits, res.CommitFiles, res.NamedReferences, res.ReferenceFiles)
			return nil
		},
	}
}

func importCommand() *command {
	var (
		path  string
		erase bool
	)
	return &command{
		name:    "import",
		summary: "Import a bundle into an empty repository",
		usage:   "import --path <bundle> [--erase-before-import]",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("import", pflag.ContinueOnError)
			fs.StringVar(&path, "path", "", "bundle to import (required)")
			fs.BoolVar(&erase, "erase-before-import", false, "erase a non-empty repository before importing")
			return fs
		},
		run: func(env *environment, args []string) error {
			if err := noArgs("import", args); err != nil {
				return err
			}
			if path == "" {
				return usagef("import: --path is required")
			}
			h, err := env.open()
			if err != nil {
				return err
			}
			defer h.Close()

			res, err := transfer.Import(env.ctx, h.Persist, transfer.ImportOptions{
				Path:              path,
				EraseBeforeImport: erase,
				Sequence:          h.Sequence,
				Logger:            env.logger,
			})
			if errors.Is(err, transfer.ErrRepositoryNotEmpty) {
				return &exitError{code: 100, err: errors.New("The repository already exists and is not empty, aborting. " +
					"Provide the --erase-before-import option if you want to erase the repository.")}
			}
			if err != nil {
				return structural(err)
			}
			fmt.Fprintf(env.stdout, "Imported %d commits, %d objects and %d named references in %s.\n",
				res.Commits, res.Objects, res.NamedReferences, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func eraseCommand() *command {
	var yes bool
	return &command{
		name:    "erase",
		summary: "Remove every object and reference of the repository",
		usage:   "erase --yes",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("erase", pflag.ContinueOnError)
			fs.BoolVar(&yes, "yes", false, "confirm the erase")
			return fs
		},
		run: func(env *environment, args []string) error {
			if err := noArgs("erase", args); err != nil {
				return err
			}
			if !yes {
				return usagef("erase: refusing to erase repository %q without --yes", env.cfg.Repository.ID)
			}
			h, err := env.open()
			if err != nil {
				return err
			}
			defer h.Close()

			if err := h.Persist.Erase(env.ctx); err != nil {
				return err
			}
			fmt.Fprintf(env.stdout, "Erased repository %q.\n", env.cfg.Repository.ID)
			return nil
		},
	}
}

func mountCommand() *command {
	var (
		mountpoint string
		debug      bool
	)
	return &command{
		name:    "mount",
		summary: "Mount a read-only view of the repository",
		usage:   "mount --mountpoint <dir>",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("mount", pflag.ContinueOnError)
			fs.StringVar(&mountpoint, "mountpoint", "", "directory to mount on (required)")
			fs.BoolVar(&debug, "debug", false, "log every FUSE request")
			return fs
		},
		run: func(env *environment, args []string) error {
			if err := noArgs("mount", args); err != nil {
				return err
			}
			if mountpoint == "" {
				return usagef("mount: --mountpoint is required")
			}
			if err := os.MkdirAll(mountpoint, 0755); err != nil {
				return fmt.Errorf("create mountpoint: %w", err)
			}
			h, err := env.open()
			if err != nil {
				return err
			}
			defer h.Close()

			server, err := memexfuse.MountFS(mountpoint, memexfuse.NewView(h.Persist, h.Sequence, env.logger), debug)
			if err != nil {
				return fmt.Errorf("mount: %w", err)
			}

			// Unmount on signal
			go func() {
				<-env.ctx.Done()
				env.logger.Info("shutting down")
				if err := server.Unmount(); err != nil {
					env.logger.Warn("unmount failed", "err", err)
				}
			}()

			env.logger.Info("mounted", "mountpoint", mountpoint, "repository", env.cfg.Repository.ID, "pid", os.Getpid())
			server.Wait()
			env.logger.Info("stopped")
			return nil
		},
	}
}
