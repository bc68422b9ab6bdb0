// Command bararchive is a minimal standalone driver over the
// internal/archive package, in the same flag-parsed-standalone-binary idiom
// as the gateway's loadtest runner: subcommand-as-first-argument, a
// dedicated flag.FlagSet per subcommand, logrus for progress, no frameworks.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/bararchive/internal/archive"
	"github.com/kenchrcum/bararchive/internal/backend"
	"github.com/kenchrcum/bararchive/internal/config"
	"github.com/kenchrcum/bararchive/internal/entrypipeline"
	"github.com/kenchrcum/bararchive/internal/metrics"
	"github.com/kenchrcum/bararchive/internal/opsserver"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := logrus.New()

	var err error
	switch os.Args[1] {
	case "create":
		err = runCreate(logger, os.Args[2:])
	case "list":
		err = runList(logger, os.Args[2:])
	case "extract":
		err = runExtract(logger, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("bararchive %s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Println("usage: bararchive <create|list|extract> [flags]")
}

func commonFlags(fs *flag.FlagSet) (dir, archiveName, compress, crypt, password *string, verbose *bool) {
	dir = fs.String("dir", ".", "directory holding/receiving the archive's part files")
	archiveName = fs.String("archive", "", "archive base name, without a .bar/.NNN.bar suffix (required)")
	compress = fs.String("compress", "none", "compress algorithm: none|deflate|bzip2|lzma|delta")
	crypt = fs.String("crypt", "none", "crypt algorithm: none|aes128|aes192|aes256|twofish|blowfish|cast5|3des")
	password = fs.String("password", "", "passphrase; if empty and crypt != none, prompted on stdin")
	verbose = fs.Bool("verbose", false, "enable debug logging")
	return
}

func runCreate(logger *logrus.Logger, args []string) error {
	fset := flag.NewFlagSet("create", flag.ExitOnError)
	dir, archiveName, compress, crypt, password, verbose := commonFlags(fset)
	partSize := fset.Uint64("part-size", 0, "split parts at this many bytes (0 = never split)")
	level := fset.Int("level", 6, "compression level, 0-9")
	opsAddr := fset.String("ops-addr", "", "if set, serve /healthz, /metrics and /progress on this address while the archive is being written")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if *archiveName == "" {
		return fmt.Errorf("-archive is required")
	}
	paths := fset.Args()
	if len(paths) == 0 {
		return fmt.Errorf("at least one file or directory argument is required")
	}
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	be, err := backend.NewLocalBackend(*dir)
	if err != nil {
		return err
	}

	opts := config.Effective{
		CompressAlgorithm: *compress,
		CompressLevel:     *level,
		CryptAlgorithm:    *crypt,
		PartSize:          *partSize,
	}

	m := metrics.NewMetrics()
	ctx := context.Background()
	w, err := archive.Create(ctx, be, *archiveName, opts, archive.Dependencies{
		Logger:      logger,
		Metrics:     m,
		GetPassword: passwordCallback(*password),
	})
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}

	stopOps := maybeStartOpsServer(logger, m, *opsAddr, *archiveName, w)
	defer stopOps()

	for _, root := range paths {
		if err := addPath(ctx, w, root); err != nil {
			_ = w.Close(ctx)
			return err
		}
	}

	if err := w.Close(ctx); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	fmt.Printf("wrote %s\n", *archiveName)
	return nil
}

// maybeStartOpsServer starts the opsserver sidecar in the background when
// addr is non-empty, polling w.Progress() on a ticker, and returns a stop
// function that shuts the server down. A no-op stop is returned when addr
// is empty.
func maybeStartOpsServer(logger *logrus.Logger, m *metrics.Metrics, addr, archiveName string, w *archive.Writer) func() {
	if addr == "" {
		return func() {}
	}
	srv := opsserver.New(addr, m, archiveName, logger, nil)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p := w.Progress()
				srv.SetProgress(opsserver.Progress{
					PartNumber:   p.PartNumber,
					BytesWritten: int64(p.BytesWritten),
					EntriesDone:  int64(p.EntriesDone),
					CurrentEntry: p.CurrentEntry,
				})
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(ctx); err != nil {
			logger.WithError(err).Warn("ops server stopped")
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// addPath walks root and writes one entry per file, directory and symlink
// it finds. Hard links, device nodes and FIFOs are outside this demo
// driver's scope (spec §4.7's newHardLinkEntry/newSpecialEntry exist for
// callers that track inode identity and device major/minor themselves,
// which a directory walk alone cannot recover portably).
func addPath(ctx context.Context, w *archive.Writer, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return w.NewLinkEntry(entrypipeline.Header{
				Name:        path,
				Destination: target,
				Permission:  uint32(info.Mode().Perm()),
				MTime:       uint64(info.ModTime().Unix()),
			})
		case d.IsDir():
			return w.NewDirectoryEntry(entrypipeline.Header{
				Name:       path,
				Permission: uint32(info.Mode().Perm()),
				MTime:      uint64(info.ModTime().Unix()),
			})
		case info.Mode().IsRegular():
			return addFile(ctx, w, path, info)
		default:
			// device/FIFO/socket: skipped by this demo driver, see addPath's doc comment.
			return nil
		}
	})
}

func addFile(ctx context.Context, w *archive.Writer, path string, info fs.FileInfo) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := w.NewFileEntry(entrypipeline.Header{
		Name:       path,
		Size:       uint64(info.Size()),
		Permission: uint32(info.Mode().Perm()),
		MTime:      uint64(info.ModTime().Unix()),
	}); err != nil {
		return err
	}

	buf := make([]byte, 256*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if err := w.WriteData(ctx, buf[:n]); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return w.CloseEntry()
}

func runList(logger *logrus.Logger, args []string) error {
	fset := flag.NewFlagSet("list", flag.ExitOnError)
	dir, archiveName, compress, crypt, password, verbose := commonFlags(fset)
	if err := fset.Parse(args); err != nil {
		return err
	}
	if *archiveName == "" {
		return fmt.Errorf("-archive is required")
	}
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	be, err := backend.NewLocalBackend(*dir)
	if err != nil {
		return err
	}
	opts := config.Effective{CompressAlgorithm: *compress, CryptAlgorithm: *crypt, MaxPasswordRequests: 3}

	ctx := context.Background()
	r, err := archive.Open(ctx, be, *archiveName, opts, archive.Dependencies{
		Logger:      logger,
		GetPassword: passwordCallback(*password),
	})
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer r.Close()

	for {
		h, err := r.NextEntry(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		fmt.Printf("%-10s %10d  %s\n", h.Kind, h.Size, h.Name)
		if h.Kind.HasData() {
			if err := r.SkipEntry(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func runExtract(logger *logrus.Logger, args []string) error {
	fset := flag.NewFlagSet("extract", flag.ExitOnError)
	dir, archiveName, compress, crypt, password, verbose := commonFlags(fset)
	dest := fset.String("dest", ".", "directory to extract entries into")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if *archiveName == "" {
		return fmt.Errorf("-archive is required")
	}
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	be, err := backend.NewLocalBackend(*dir)
	if err != nil {
		return err
	}
	opts := config.Effective{CompressAlgorithm: *compress, CryptAlgorithm: *crypt, MaxPasswordRequests: 3}

	ctx := context.Background()
	r, err := archive.Open(ctx, be, *archiveName, opts, archive.Dependencies{
		Logger:      logger,
		GetPassword: passwordCallback(*password),
	})
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer r.Close()

	for {
		h, err := r.NextEntry(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := extractEntry(ctx, r, h, *dest); err != nil {
			return fmt.Errorf("extracting %q: %w", h.Name, err)
		}
	}
	fmt.Printf("extracted into %s\n", *dest)
	return nil
}

func extractEntry(ctx context.Context, r *archive.Reader, h entrypipeline.Header, dest string) error {
	target := filepath.Join(dest, filepath.Clean(string(filepath.Separator)+h.Name))

	switch h.Kind {
	case entrypipeline.KindDirectory:
		return os.MkdirAll(target, os.FileMode(h.Permission)|0o700)
	case entrypipeline.KindLink:
		_ = os.MkdirAll(filepath.Dir(target), 0o755)
		_ = os.Remove(target)
		return os.Symlink(h.Destination, target)
	case entrypipeline.KindFile, entrypipeline.KindImage:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(h.Permission)|0o600)
		if err != nil {
			return err
		}
		defer out.Close()
		buf := make([]byte, 256*1024)
		for {
			n, err := r.ReadData(ctx, buf)
			if n > 0 {
				if _, werr := out.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	default:
		// hardlink/special entries: demo driver has no write-side producer
		// for them either, so skip any encountered on read.
		return r.SkipEntry(ctx)
	}
}

// passwordCallback returns a GetPasswordFunc that returns fixed if set,
// otherwise prompts on stdin (echo left on: this is a demo driver, not a
// production terminal UI).
func passwordCallback(fixed string) archive.GetPasswordFunc {
	return func(ctx context.Context, archiveName string, kind archive.PasswordKind, validate, weakCheck bool) (string, error) {
		if fixed != "" {
			return fixed, nil
		}
		fmt.Printf("%s passphrase for %q: ", kind, archiveName)
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
}
