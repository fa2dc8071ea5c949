// Package recompress drives the per-file pipeline: parse, rewrite into a
// temp file, validate, atomically replace. Errors are per-archive; a failing
// file is logged and the batch moves on.
package recompress

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	"github.com/brg5/dbpfpack/internal/dbpf"
)

// Ctx is a batch processing context, containing configuration and state.
type Ctx struct {
	Log  *log.Logger
	Mode dbpf.Mode

	// Jobs bounds the per-archive transform worker pool; zero means one
	// worker per CPU.
	Jobs int

	processed int
	skipped   int
	failed    int
	saved     int64
}

var isTerminal = isatty.IsTerminal(os.Stdout.Fd())

// Batch processes path, which may name a single archive or a directory tree
// of .package files. Archives are processed one at a time; only cancellation
// stops the batch.
func (c *Ctx) Batch(ctx context.Context, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}

	var files []string
	if fi.IsDir() {
		err := filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !fi.IsDir() && strings.EqualFold(filepath.Ext(p), ".package") {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return err
		}
	} else {
		files = []string{path}
	}

	for _, fn := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.status(fn)
		if err := c.File(ctx, fn); err != nil {
			if xerrors.Is(err, context.Canceled) {
				return err
			}
			c.failed++
			c.Log.Printf("%s: %v", fn, err)
		}
	}
	c.status("")
	c.Log.Printf("%d files processed, %d skipped, %d failed, %d bytes saved",
		c.processed, c.skipped, c.failed, c.saved)
	return nil
}

// File rewrites a single archive. The original is only replaced after the
// rewritten file re-parses and its decompressed payloads match; any failure
// discards the temp file and leaves the original untouched.
func (c *Ctx) File(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	ar, err := dbpf.Read(f, fi.Size(), c.Mode)
	if err != nil {
		return err
	}
	if c.Mode == dbpf.Recompress && ar.SignaturePresent {
		// Produced by this tool at its current size: nothing to do.
		c.skipped++
		return nil
	}

	out, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer out.Cleanup()

	if err := dbpf.Write(ctx, out, f, ar, c.Mode, c.Jobs); err != nil {
		return err
	}
	outFi, err := out.Stat()
	if err != nil {
		return err
	}
	if err := dbpf.Validate(out.File, outFi.Size(), f, ar, c.Mode); err != nil {
		return xerrors.Errorf("validating output: %v", err)
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return err
	}

	c.processed++
	c.saved += fi.Size() - outFi.Size()
	c.Log.Printf("%s: %d → %d bytes (%+.1f%%)",
		path, fi.Size(), outFi.Size(),
		100*float64(outFi.Size()-fi.Size())/float64(fi.Size()))
	return nil
}

// status shows the file currently being processed on terminals; log output
// overwrites it, so the line is kept transient.
func (c *Ctx) status(fn string) {
	if !isTerminal {
		return
	}
	fmt.Printf("\r\033[K%s", fn)
	if fn == "" {
		fmt.Print("\r")
	}
}
