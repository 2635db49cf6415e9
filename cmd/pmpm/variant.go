// File: cmd/pmpm/variant.go
// Brief: CLI command wiring and implementation for 'variant'.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"

	"github.com/example/pmpm/internal/config"
	"github.com/example/pmpm/internal/failure"
	"github.com/example/pmpm/internal/logging"
	"github.com/example/pmpm/internal/manifest"
	"github.com/example/pmpm/internal/variant"
)

type variantOptions struct {
	OS        string
	MPI       string
	MKL       string
	All       bool
	OutputDir string
	Check     bool
	Arch      string
	Tune      string
}

func newVariantCommand(logLevel *string) *cobra.Command {
	opts := variantOptions{
		MPI:  "none",
		MKL:  "auto",
		Arch: config.DefaultArch,
		Tune: config.DefaultTune,
	}
	cmd := &cobra.Command{
		Use:   "variant <base-manifest>",
		Short: "Generate concrete per-OS/MPI/MKL manifests from a base manifest",
		Long: "variant filters the base manifest by its os/mpi/mkl tags and substitutes placeholders,\n" +
			"writing one {os}-{mkl|nomkl}-{mpi}.yml file per selector next to the base manifest.",
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVariant(cmd, args[0], opts, *logLevel)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.OS, "os", variant.HostOS(), "Target OS (linux, macos, windows)")
	f.StringVar(&opts.MPI, "mpi", opts.MPI, "Target MPI implementation (none, openmpi, mpich)")
	f.StringVar(&opts.MKL, "mkl", opts.MKL, "Math backend: true (MKL), false (open BLAS), or auto")
	f.Lookup("mkl").NoOptDefVal = "true"
	f.BoolVar(&opts.All, "all", false, "Generate every MPI x MKL combination for --os")
	f.StringVarP(&opts.OutputDir, "output-dir", "o", "", "Directory for generated manifests (default: next to the base manifest)")
	f.BoolVar(&opts.Check, "check", false, "Compare generated manifests with the files on disk instead of writing them")
	f.StringVar(&opts.Arch, "arch", opts.Arch, "Value substituted for {arch}")
	f.StringVar(&opts.Tune, "tune", opts.Tune, "Value substituted for {tune}")
	return cmd
}

func runVariant(cmd *cobra.Command, basePath string, opts variantOptions, logLevel string) error {
	log, err := logging.NewWithWriter(logLevel, cmd.ErrOrStderr())
	if err != nil {
		return failure.Configf("%v", err)
	}
	base, err := manifest.Load(basePath)
	if err != nil {
		return err
	}
	selectors, err := variantSelectors(opts)
	if err != nil {
		return err
	}
	outDir := opts.OutputDir
	if outDir == "" {
		outDir = filepath.Dir(basePath)
	}
	params := variant.Params{Arch: opts.Arch, Tune: opts.Tune}
	out := cmd.OutOrStdout()

	var stale []string
	for _, sel := range selectors {
		m, err := variant.Generate(base, sel, params)
		if err != nil {
			return fmt.Errorf("%s: %w", sel, err)
		}
		data, err := manifest.Encode(m)
		if err != nil {
			return err
		}
		path := filepath.Join(outDir, variant.FileName(sel))
		log.V(1).Info("generated variant", "selector", sel.String(), "packages", len(m.Packages), "path", path)
		if !opts.Check {
			if err := manifest.WriteFileAtomic(path, data); err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote %s (%d packages)\n", path, len(m.Packages))
			continue
		}
		diff, err := variantDiff(path, data)
		if err != nil {
			return err
		}
		if diff == "" {
			fmt.Fprintf(out, "ok %s\n", path)
			continue
		}
		stale = append(stale, path)
		fmt.Fprint(out, diff)
	}
	if len(stale) > 0 {
		return failure.Configf("%d variant manifest(s) out of date; rerun pmpm variant without --check", len(stale))
	}
	return nil
}

func variantSelectors(opts variantOptions) ([]variant.Selector, error) {
	if opts.All {
		sel, err := variant.ParseSelector(opts.OS, "", false)
		if err != nil {
			return nil, err
		}
		return variant.Selectors(sel.OS), nil
	}
	mkl, err := config.ParseMKL(opts.MKL)
	if err != nil {
		return nil, err
	}
	sel, err := variant.ParseSelector(opts.OS, opts.MPI, mkl)
	if err != nil {
		return nil, err
	}
	return []variant.Selector{sel}, nil
}

// variantDiff returns a unified diff between the file at path and want, or ""
// when they match. A missing file diffs against an empty one.
func variantDiff(path string, want []byte) (string, error) {
	have, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if bytes.Equal(have, want) {
		return "", nil
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(have)),
		B:        difflib.SplitLines(string(want)),
		FromFile: path,
		ToFile:   path + " (generated)",
		Context:  3,
	})
}
