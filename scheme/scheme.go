// Package scheme implements the façade every embedding application talks
// to: it selects one of the pluggable index variants by configuration,
// wires up the PM region and allocators behind it, and forwards the
// index.Contract surface. Grounded on mari's
// single entry-point Mari struct (Mari.go's Open/Close lifecycle),
// generalized from one hardcoded trie implementation to a dispatch layer
// over five interchangeable ones.
package scheme

import (
	"fmt"

	"github.com/sirgallo/pmkv/alloc"
	"github.com/sirgallo/pmkv/index"
	"github.com/sirgallo/pmkv/index/cceh"
	"github.com/sirgallo/pmkv/index/clht"
	"github.com/sirgallo/pmkv/index/example"
	"github.com/sirgallo/pmkv/index/fastfair"
	"github.com/sirgallo/pmkv/index/rhtree"
	"github.com/sirgallo/pmkv/index/wort"
	"github.com/sirgallo/pmkv/persist"
	"github.com/sirgallo/pmkv/pmregion"
	"github.com/sirgallo/pmkv/status"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Scheme is the library's single entry point: it implements index.Contract
// by dispatching to whichever index variant was selected at construction.
type Scheme struct {
	cfg       Config
	region    *pmregion.Region
	alloc     *alloc.PMAllocator
	dramAlloc *alloc.DRAMAllocator
	backend   persist.Backend
	idx       index.Contract
	log       *zap.SugaredLogger
}

// New opens (or creates) the PM region at the configured path, splits it
// into the PM allocator's unaligned/aligned sub-regions, constructs the
// selected index variant, and returns a ready-to-use Scheme.
func New(opts ...Option) (*Scheme, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.SchemeType == Hybrid {
		return nil, fmt.Errorf("scheme: %s is not implemented, only Single is supported", "Hybrid")
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	s := &Scheme{cfg: cfg, log: log}

	// The example index is pure DRAM and needs no backing file at all.
	if cfg.IndexType == Example {
		s.dramAlloc = alloc.NewDRAMAllocator()
		s.backend = persist.NewMemoryBackend()
		s.idx = example.New()
		return s, nil
	}

	region, err := pmregion.Open(pmregion.Options{
		Path:          cfg.PMPath,
		Size:          cfg.PMSize,
		Logger:        log,
		AllowVolatile: cfg.AllowVolatile,
	})
	if err != nil {
		return nil, fmt.Errorf("scheme: opening PM region: %w", err)
	}

	s.region = region
	s.alloc = alloc.NewPMAllocator(region.Data())
	s.backend = persist.NewMMapBackend()

	switch cfg.IndexType {
	case CCEH:
		s.idx = cceh.New(s.alloc, s.backend, log)
	case FASTFAIR:
		s.idx = fastfair.New(s.alloc, s.backend, log)
	case CLHT:
		s.idx = clht.New(s.alloc, s.backend, log)
	case RHTree:
		// RHTree's internal routing nodes are plain Go-heap structures;
		// only its leaf records are allocated through s.alloc.
		s.idx = rhtree.New(s.alloc, s.backend, log)
	case WORT:
		s.idx = wort.New(s.alloc, s.backend, log)
	default:
		region.Close()
		return nil, fmt.Errorf("scheme: unknown index type %v", cfg.IndexType)
	}

	return s, nil
}

func (s *Scheme) Insert(key []byte, value uintptr) (status.Status, error) {
	return s.idx.Insert(key, value)
}

func (s *Scheme) Search(key []byte) (status.Status, uintptr, error) {
	return s.idx.Search(key)
}

func (s *Scheme) Update(key []byte, value uintptr) (status.Status, error) {
	return s.idx.Update(key, value)
}

func (s *Scheme) Upsert(key []byte, value uintptr) (status.Status, error) {
	return s.idx.Upsert(key, value)
}

func (s *Scheme) ScanCount(start []byte, n int) (status.Status, []uintptr, error) {
	return s.idx.ScanCount(start, n)
}

func (s *Scheme) Scan(start, end []byte) (status.Status, []uintptr, error) {
	return s.idx.Scan(start, end)
}

func (s *Scheme) Print() {
	s.idx.Print()
}

// MemUsage reports bytes allocated across every allocator this Scheme owns.
func (s *Scheme) MemUsage() uint64 {
	var total uint64
	if s.alloc != nil {
		total += s.alloc.MemUsage()
	}
	if s.dramAlloc != nil {
		total += s.dramAlloc.MemUsage()
	}
	return total
}

// Close flushes and unmaps the PM region, aggregating any shutdown errors
// via multierr rather than stopping at the first failure, matching the
// pack's fan-in shutdown idiom (torua's coordinator/node/health teardown).
func (s *Scheme) Close() error {
	if s.region == nil {
		return nil
	}

	var err error
	if closeErr := s.region.Close(); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("scheme: closing PM region: %w", closeErr))
	}

	return err
}
