// Command pmkv-example demonstrates embedding the pmkv library: open a
// Scheme, insert and search one key, print diagnostics, and close.
// It is a library-embedding demo, not a benchmark harness — the CLI
// surface a benchmark tool would expose (--key_length, --num_thread,
// --pmem_file_size, ...) is out of scope for this repository.
package main

import (
	"fmt"
	"os"

	"github.com/sirgallo/pmkv/scheme"
	"github.com/sirgallo/pmkv/status"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pmkv-example:", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	path, err := os.CreateTemp("", "pmkv-example-*.pm")
	if err != nil {
		return fmt.Errorf("creating scratch file: %w", err)
	}
	path.Close()
	defer os.Remove(path.Name())

	s, err := scheme.New(
		scheme.WithPMPath(path.Name()),
		scheme.WithPMSize(16<<20),
		scheme.WithIndexType(scheme.CCEH),
		scheme.WithLogger(logger.Sugar()),
		scheme.WithAllowVolatile(true),
	)
	if err != nil {
		return fmt.Errorf("opening scheme: %w", err)
	}
	defer s.Close()

	if st, err := s.Insert([]byte("hello"), 42); err != nil {
		return err
	} else if st != status.Ok {
		return fmt.Errorf("unexpected insert status: %v", st)
	}

	st, value, err := s.Search([]byte("hello"))
	if err != nil {
		return err
	}
	fmt.Printf("search(hello) -> status=%v value=%d\n", st, value)

	s.Print()
	fmt.Printf("mem usage: %d bytes\n", s.MemUsage())

	return nil
}
