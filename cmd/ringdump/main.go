// Command ringdump drains a shared ring into a file, or discards the data,
// and prints the ring header when done. It waits for the producer to create
// the ring and stops once the producer finished and every slot was read, or
// after --count slots.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/crypto/blake2b"

	"github.com/srediag/dmaring/internal/logging"
	internalshm "github.com/srediag/dmaring/internal/shm"
	"github.com/srediag/dmaring/pkg/shm"
)

var log = logging.New("ringdump")

// flushSize is how much is batched before a write to the output.
const flushSize = 64 << 10

type options struct {
	path    string
	out     string
	count   uint64
	digest  bool
	wait    time.Duration
	idle    time.Duration
	verbose bool
}

type result struct {
	Slots  uint64
	Bytes  uint64
	Digest string
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("ringdump", flag.ContinueOnError)
	ring := fs.String("ring", "", "ring name, resolved under --dir")
	dir := fs.String("dir", internalshm.DefaultDir(), "directory of ring files")
	path := fs.String("path", "", "ring file path, overrides --ring and --dir")
	out := fs.String("out", "", "output file, empty discards the data")
	count := fs.Uint64("count", 0, "stop after this many slots, 0 reads until the producer finishes")
	digest := fs.Bool("digest", false, "print the BLAKE2b-256 digest of the data read")
	wait := fs.Duration("wait", 10*time.Second, "how long to wait for the ring to appear")
	idle := fs.Duration("idle", time.Second, "wait per slot before checking for a finished producer again")
	verbose := fs.BoolP("verbose", "v", false, "log at info level")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	o := options{path: *path, out: *out, count: *count, digest: *digest, wait: *wait, idle: *idle, verbose: *verbose}
	if o.path == "" {
		if *ring == "" {
			return options{}, errors.New("--ring or --path is required")
		}
		o.path = filepath.Join(*dir, *ring)
	}
	return o, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "ringdump:", err)
		os.Exit(2)
	}
	if opts.verbose {
		logging.SetLogLevel(logging.LevelInfo)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := dump(ctx, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ringdump:", err)
		os.Exit(1)
	}
	fmt.Printf("%d slots, %d bytes\n", res.Slots, res.Bytes)
	if opts.digest {
		fmt.Printf("blake2b-256 %s\n", res.Digest)
	}
	if detail, err := shm.DebugRingDetail(opts.path); err == nil {
		fmt.Println(detail)
	}
}

// dump reads slots from the ring at opts.path until the producer finished,
// opts.count slots were read or ctx is done.
func dump(ctx context.Context, opts options) (res result, err error) {
	cfg := shm.DefaultConfig()
	cfg.Path = opts.path
	cfg.Channels, cfg.SampleSize = 0, 0
	cfg.Timeout = opts.wait
	ring, err := shm.OpenWait(ctx, cfg)
	if err != nil {
		return res, err
	}
	defer ring.Close()

	var w io.Writer = io.Discard
	if opts.out != "" {
		f, ferr := os.Create(opts.out)
		if ferr != nil {
			return res, ferr
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		w = f
	}
	var h hash.Hash
	if opts.digest {
		h, _ = blake2b.New256(nil)
		w = io.MultiWriter(w, h)
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	flush := func() error {
		if buf.Len() == 0 {
			return nil
		}
		_, err := w.Write(buf.B)
		buf.Reset()
		return err
	}

	log.Infof("reading %s: %d slots of %d bytes", ring.Path(), ring.SlotCount(), ring.SlotSize())
	for done := false; !done && (opts.count == 0 || res.Slots < opts.count); {
		err := ring.ReadSlot(ctx, opts.idle, func(slot []byte) error {
			_, err := buf.Write(slot)
			return err
		})
		switch {
		case err == nil:
			res.Slots++
			res.Bytes += uint64(ring.SlotSize())
		case errors.Is(err, shm.ErrRingEmpty):
		case errors.Is(err, shm.ErrFinished), ctx.Err() != nil:
			done = true
		default:
			return res, err
		}
		if buf.Len() >= flushSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	if h != nil {
		res.Digest = hex.EncodeToString(h.Sum(nil))
	}
	return res, nil
}
