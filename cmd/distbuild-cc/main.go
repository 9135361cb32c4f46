// Command distbuild-cc is a drop-in compiler wrapper: a build tool invokes
// it in place of the real compiler, and it either runs the compiler
// locally or routes the compilation through the distbuild scheduler.
//
// Argument parsing for any particular compiler's flag surface is out of
// scope here; this wrapper only recognizes the handful of flags it needs
// to decide whether a call is distributable and where the real compiler
// writes its output. Everything else is forwarded to the local compiler
// verbatim, both on the local path and as a fallback when the
// distributed path fails.
package main

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/rinsane/distbuild/internal/config"
	"github.com/rinsane/distbuild/pkg/api"
	"github.com/rinsane/distbuild/pkg/cas"
	"github.com/rinsane/distbuild/pkg/client"
)

// localCompilerEnv names the environment variable holding the real
// compiler to shell out to, for both the local path and the fallback
// path. Defaults to "cc".
const localCompilerEnv = "DISTBUILD_CC_REAL"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "distbuild-cc: no arguments provided")
		os.Exit(1)
	}

	if shouldRunLocally(args) {
		os.Exit(runLocal(args))
	}

	if err := compileDistributed(args); err != nil {
		fmt.Fprintf(os.Stderr, "distbuild-cc: distributed compilation failed: %v\n", err)
		fmt.Fprintln(os.Stderr, "distbuild-cc: falling back to local compilation")
		os.Exit(runLocal(args))
	}
}

// shouldRunLocally reports whether args describe a query or build-script
// invocation that distbuild cannot usefully distribute.
func shouldRunLocally(args []string) bool {
	for _, a := range args {
		switch {
		case a == "--version" || a == "--help":
			return true
		case strings.HasPrefix(a, "--print"):
			return true
		case strings.Contains(a, "build_script_build"):
			return true
		}
	}
	return false
}

func realCompiler() string {
	if v := os.Getenv(localCompilerEnv); v != "" {
		return v
	}
	return "cc"
}

func runLocal(args []string) int {
	cmd := exec.Command(realCompiler(), args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		fmt.Fprintf(os.Stderr, "distbuild-cc: %v\n", err)
		return 1
	}
	return 0
}

// outputPath returns the path following a "-o" flag, if present.
func outputPath(args []string) string {
	for i, a := range args {
		if a == "-o" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(a, "-o=") {
			return strings.TrimPrefix(a, "-o=")
		}
	}
	return ""
}

// inputFiles returns the non-flag arguments that name an existing path,
// treated as source files to package for the worker.
func inputFiles(args []string) []string {
	var files []string
	skipNext := false
	for _, a := range args {
		if skipNext {
			skipNext = false
			continue
		}
		if a == "-o" {
			skipNext = true
			continue
		}
		if strings.HasPrefix(a, "-") {
			continue
		}
		if _, err := os.Stat(a); err == nil {
			files = append(files, a)
		}
	}
	return files
}

func compileDistributed(args []string) error {
	out := outputPath(args)
	if out == "" {
		return fmt.Errorf("no output path in compiler arguments, cannot route distributed result")
	}
	sources := inputFiles(args)
	if len(sources) == 0 {
		return fmt.Errorf("no input source files found in compiler arguments")
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	store, err := cas.New(cfg.CAS.Root)
	if err != nil {
		return fmt.Errorf("opening CAS: %w", err)
	}
	sched := api.NewSchedulerClient(cfg.Scheduler.Addr)
	c := client.New(sched, store)

	tarball, err := packSources(sources, args)
	if err != nil {
		return fmt.Errorf("packing sources: %w", err)
	}

	fmt.Fprintf(os.Stderr, "distbuild-cc: submitting %d source file(s) for %s\n", len(sources), out)

	jobID := uuid.NewString()
	outputData, job, err := c.Run(context.Background(), jobID, tarball, "compile", map[string]string{
		"args": strings.Join(args, " "),
	})
	if err != nil {
		return err
	}
	if job.Error != "" {
		return fmt.Errorf("job %s reported error: %s", job.ID, job.Error)
	}

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("preparing output directory: %w", err)
	}
	if err := os.WriteFile(out, outputData, 0o644); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	fmt.Fprintf(os.Stderr, "distbuild-cc: wrote %d bytes to %s\n", len(outputData), out)
	return nil
}

// packSources tars the given input files plus a metadata.json describing
// the original invocation; the tarball is the input blob of the "compile"
// job. cmd/distbuild's worker registers no "compile" handler, so such a
// job runs through the worker's identity fallback.
func packSources(sources []string, args []string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, src := range sources {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, err
		}
		hdr := &tar.Header{
			Name: filepath.Base(src),
			Mode: 0o644,
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}

	metadata, err := json.MarshalIndent(struct {
		Args []string `json:"args"`
	}{Args: args}, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := tw.WriteHeader(&tar.Header{
		Name: "metadata.json",
		Mode: 0o644,
		Size: int64(len(metadata)),
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(metadata); err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
