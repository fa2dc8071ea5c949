// dbpf-recompress recompresses the resources inside DBPF .package archives
// with the QFS codec, shrinking the files while keeping them bit-decodable by
// the game engine. Every rewritten archive is re-parsed and byte-compared
// before it replaces the original.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/brg5/dbpfpack"
	"github.com/brg5/dbpfpack/internal/dbpf"
	"github.com/brg5/dbpfpack/internal/recompress"
)

const usage = `dbpf-recompress [-flags] <path>

Recompress (default) or decompress all resources in the DBPF .package
archive at <path>. If <path> is a directory, it is walked recursively and
every .package file within is processed.

Archives that fail to parse or validate are reported and left untouched;
errors never stop the batch.

Example:
  % dbpf-recompress ~/Documents/EA\ Games/The\ Sims\ 2/Downloads
`

var (
	decompress = flag.Bool("d", false, "decompress resources instead of recompressing them")
	jobs       = flag.Int("j", 0, "number of transform workers per archive (0 = number of CPUs)")
)

func funcmain() error {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	mode := dbpf.Recompress
	if *decompress {
		mode = dbpf.Decompress
	}

	ctx, canc := dbpfpack.InterruptibleContext()
	defer canc()

	c := &recompress.Ctx{
		Log:  log.New(os.Stdout, "", log.LstdFlags),
		Mode: mode,
		Jobs: *jobs,
	}
	return c.Batch(ctx, flag.Arg(0))
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
