package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/KeplerC/capsule-router/pkg/cidutil"
	"github.com/KeplerC/capsule-router/pkg/core"
	"github.com/KeplerC/capsule-router/pkg/key"
	"github.com/KeplerC/capsule-router/pkg/kvs"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "random":
		return cmdRandom(args[1:], out, errOut)
	case "bucket":
		return cmdBucket(args[1:], out, errOut)
	case "distance":
		return cmdDistance(args[1:], out, errOut)
	case "bucket-of":
		return cmdBucketOf(args[1:], out, errOut)
	case "content-key":
		return cmdContentKey(args[1:], out, errOut)
	case "store":
		return cmdStore(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "kadkey: 256-bit DHT keys and a local value store")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  kadkey random [-n <count>] [-seed <uint64>]")
	fmt.Fprintln(w, "  kadkey bucket -i <0..255> [-n <count>] [-seed <uint64>]")
	fmt.Fprintln(w, "  kadkey distance <hex> <hex>")
	fmt.Fprintln(w, "  kadkey bucket-of <hex>")
	fmt.Fprintln(w, "  kadkey content-key <file>")
	fmt.Fprintln(w, "  kadkey store put -dir <dir> [-key <hex>] [-ttl <dur>] [-type <media>] <file>")
	fmt.Fprintln(w, "  kadkey store get -dir <dir> <hex>")
	fmt.Fprintln(w, "  kadkey store closest -dir <dir> [-n <count>] <hex>")
	fmt.Fprintln(w, "  kadkey store gc -dir <dir>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - keys print as 64 uppercase hex digits; either case is accepted")
	fmt.Fprintln(w, "  - bucket-of prints 256 for the zero key")
	fmt.Fprintln(w, "  - store put without -key stores the file under its SHA2-256 digest")
	fmt.Fprintln(w, "  - store get writes the raw value to stdout (no trailing newline)")
}

func generatorFlags(fs *flag.FlagSet) (n *int, seed *uint64) {
	n = fs.Int("n", 1, "Number of keys to print")
	seed = fs.Uint64("seed", 0, "Deterministic seed (0 uses the runtime source)")
	return n, seed
}

func newGenerator(seed uint64) *key.Generator {
	if seed == 0 {
		return key.NewGenerator(nil)
	}
	return key.NewGenerator(key.NewSeededSource(seed))
}

func cmdRandom(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("random", flag.ContinueOnError)
	fs.SetOutput(errOut)
	n, seed := generatorFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 || *n < 1 {
		fmt.Fprintln(errOut, "usage: kadkey random [-n <count>] [-seed <uint64>]")
		return 2
	}
	gen := newGenerator(*seed)
	for i := 0; i < *n; i++ {
		_, _ = fmt.Fprintln(out, gen.Random())
	}
	return 0
}

func cmdBucket(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("bucket", flag.ContinueOnError)
	fs.SetOutput(errOut)
	index := fs.Int("i", -1, "Bucket index (leading zero bits)")
	n, seed := generatorFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 || *n < 1 {
		fmt.Fprintln(errOut, "usage: kadkey bucket -i <0..255> [-n <count>] [-seed <uint64>]")
		return 2
	}
	gen := newGenerator(*seed)
	for i := 0; i < *n; i++ {
		k, err := gen.RandomInBucket(*index)
		if err != nil {
			fmt.Fprintf(errOut, "bucket: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(out, k)
	}
	return 0
}

func cmdDistance(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintln(errOut, "usage: kadkey distance <hex> <hex>")
		return 2
	}
	a, err := key.ParseHex(args[0])
	if err != nil {
		fmt.Fprintf(errOut, "first key: %v\n", err)
		return 1
	}
	b, err := key.ParseHex(args[1])
	if err != nil {
		fmt.Fprintf(errOut, "second key: %v\n", err)
		return 1
	}
	d := key.Xor(a, b)
	_, _ = fmt.Fprintf(out, "%s %d\n", d, key.BucketOf(d))
	return 0
}

func cmdBucketOf(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(errOut, "usage: kadkey bucket-of <hex>")
		return 2
	}
	k, err := key.ParseHex(args[0])
	if err != nil {
		fmt.Fprintf(errOut, "invalid key: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(out, key.BucketOf(k))
	return 0
}

func cmdContentKey(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(errOut, "usage: kadkey content-key <file>")
		return 2
	}
	f, err := os.Open(args[0])
	if err != nil {
		fmt.Fprintf(errOut, "open: %v\n", err)
		return 1
	}
	defer f.Close()

	k, err := cidutil.NewBuilder().ContentKeyReader(f)
	if err != nil {
		fmt.Fprintf(errOut, "hash: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(out, k)
	return 0
}

func cmdStore(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: kadkey store <subcommand> ...")
		fmt.Fprintln(errOut, "subcommands: put, get, closest, gc")
		return 2
	}
	switch args[0] {
	case "put":
		return cmdStorePut(args[1:], out, errOut)
	case "get":
		return cmdStoreGet(args[1:], out, errOut)
	case "closest":
		return cmdStoreClosest(args[1:], out, errOut)
	case "gc":
		return cmdStoreGC(args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown store subcommand: %s\n", args[0])
		return 2
	}
}

type storeFlags struct {
	dir     string
	verbose bool
}

func (f *storeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.dir, "dir", "", "Store directory")
	fs.BoolVar(&f.verbose, "v", false, "Log store activity to stderr")
}

// open opens the store with the sweeper disabled; the gc subcommand runs it
// explicitly.
func (f *storeFlags) open(ctx context.Context, errOut io.Writer) (kvs.Store, error) {
	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	cfg := core.DefaultConfig(f.dir)
	cfg.Expiry.Enabled = false
	return kvs.Open(ctx, cfg, kvs.WithLogger(logger))
}

func cmdStorePut(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("store put", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var sf storeFlags
	sf.register(fs)
	keyHex := fs.String("key", "", "Store under this key instead of the content digest")
	ttl := fs.Duration("ttl", 0, "Time to live (0 uses the store default)")
	mediaType := fs.String("type", "", "Media type recorded with the value")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if sf.dir == "" || fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: kadkey store put -dir <dir> [-key <hex>] [-ttl <dur>] [-type <media>] <file>")
		return 2
	}

	meta := kvs.PutMeta{MediaType: *mediaType}
	if *ttl != 0 {
		meta.TTL = ttl
	}

	ctx := context.Background()
	s, err := sf.open(ctx, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "open store: %v\n", err)
		return 1
	}
	defer s.Close()

	var k key.Key
	if *keyHex == "" {
		b, err := os.ReadFile(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(errOut, "read %s: %v\n", fs.Arg(0), err)
			return 1
		}
		if k, err = s.PutContent(ctx, b, meta); err != nil {
			fmt.Fprintf(errOut, "put: %v\n", err)
			return 1
		}
	} else {
		if k, err = key.ParseHex(*keyHex); err != nil {
			fmt.Fprintf(errOut, "invalid -key: %v\n", err)
			return 1
		}
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(errOut, "open %s: %v\n", fs.Arg(0), err)
			return 1
		}
		defer f.Close()
		if _, err := s.Put(ctx, k, f, meta); err != nil {
			fmt.Fprintf(errOut, "put: %v\n", err)
			return 1
		}
	}
	_, _ = fmt.Fprintln(out, k)
	return 0
}

func cmdStoreGet(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("store get", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var sf storeFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if sf.dir == "" || fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: kadkey store get -dir <dir> <hex>")
		return 2
	}
	k, err := key.ParseHex(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "invalid key: %v\n", err)
		return 1
	}

	ctx := context.Background()
	s, err := sf.open(ctx, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "open store: %v\n", err)
		return 1
	}
	defer s.Close()

	rc, _, err := s.Get(ctx, k)
	if errors.Is(err, kvs.ErrNotFound) {
		fmt.Fprintf(errOut, "not found: %s\n", k)
		return 1
	}
	if err != nil {
		fmt.Fprintf(errOut, "get: %v\n", err)
		return 1
	}
	defer rc.Close()
	if _, err := io.Copy(out, rc); err != nil {
		fmt.Fprintf(errOut, "read value: %v\n", err)
		return 1
	}
	return 0
}

func cmdStoreClosest(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("store closest", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var sf storeFlags
	sf.register(fs)
	n := fs.Int("n", 20, "Number of keys to print")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if sf.dir == "" || fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: kadkey store closest -dir <dir> [-n <count>] <hex>")
		return 2
	}
	target, err := key.ParseHex(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "invalid key: %v\n", err)
		return 1
	}

	ctx := context.Background()
	s, err := sf.open(ctx, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "open store: %v\n", err)
		return 1
	}
	defer s.Close()

	keys, err := s.Closest(ctx, target, *n)
	if err != nil {
		fmt.Fprintf(errOut, "closest: %v\n", err)
		return 1
	}
	for _, k := range keys {
		_, _ = fmt.Fprintf(out, "%s %d\n", k, key.BucketOf(key.Xor(target, k)))
	}
	return 0
}

func cmdStoreGC(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("store gc", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var sf storeFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if sf.dir == "" || fs.NArg() != 0 {
		fmt.Fprintln(errOut, "usage: kadkey store gc -dir <dir>")
		return 2
	}

	ctx := context.Background()
	s, err := sf.open(ctx, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "open store: %v\n", err)
		return 1
	}
	defer s.Close()

	start := time.Now()
	res, err := s.RunGC(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "gc: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(out, "expired=%d swept=%d compacted=%d moved=%d reclaimed=%d took=%s\n",
		res.KeysExpired, res.PacksSwept, res.PacksCompacted, res.BlocksMoved, res.BytesReclaimed,
		time.Since(start).Round(time.Millisecond))
	return 0
}
