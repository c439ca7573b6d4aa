package scheme

import "go.uber.org/zap"

// IndexType enumerates the pluggable index variants a Scheme can front.
type IndexType int

const (
	Example IndexType = iota
	CCEH
	FASTFAIR
	CLHT
	RHTree
	WORT
)

func (t IndexType) String() string {
	switch t {
	case Example:
		return "Example"
	case CCEH:
		return "CCEH"
	case FASTFAIR:
		return "FASTFAIR"
	case CLHT:
		return "CLHT"
	case RHTree:
		return "RHTree"
	case WORT:
		return "WORT"
	default:
		return "Unknown"
	}
}

// SchemeType enumerates the deployment scheme; only Single is implemented,
//.
type SchemeType int

const (
	Single SchemeType = iota
	Hybrid
)

// defaultPMFileSize matches2 GiB default.
const defaultPMFileSize = 2 << 30

// defaultNodePoolSize is the default Config.NodePoolSize, mirroring mari's
// NewMariNodePool sizing. No index variant builds a node pool, so the
// value is stored in Config and not read elsewhere.
const defaultNodePoolSize = 1024

// Config collects every construction-time setting a Scheme honors.
type Config struct {
	PMPath        string
	PMSize        int64
	IndexType     IndexType
	SchemeType    SchemeType
	Logger        *zap.SugaredLogger
	NodePoolSize  int64
	AllowVolatile bool
}

// Option mutates a Config being built up by New.
type Option func(*Config)

// WithPMPath sets the backing file path for the PM region.
func WithPMPath(path string) Option {
	return func(c *Config) { c.PMPath = path }
}

// WithPMSize sets the backing file size in bytes.
func WithPMSize(size int64) Option {
	return func(c *Config) { c.PMSize = size }
}

// WithIndexType selects which persistent index variant the Scheme fronts.
func WithIndexType(t IndexType) Option {
	return func(c *Config) { c.IndexType = t }
}

// WithSchemeType selects Single or Hybrid deployment; only Single is
// currently implemented.
func WithSchemeType(t SchemeType) Option {
	return func(c *Config) { c.SchemeType = t }
}

// WithLogger injects a structured logger; nil is replaced with a no-op
// logger at construction time.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Config) { c.Logger = log }
}

// WithNodePoolSize sets Config.NodePoolSize. New does not create a node
// pool, so the setting has no effect on the constructed Scheme.
func WithNodePoolSize(size int64) Option {
	return func(c *Config) { c.NodePoolSize = size }
}

// WithAllowVolatile permits mapping the PM region on a non-durable
// filesystem (tmpfs) instead of failing construction. Intended for tests.
func WithAllowVolatile(allow bool) Option {
	return func(c *Config) { c.AllowVolatile = allow }
}

func defaultConfig() Config {
	return Config{
		PMSize:       defaultPMFileSize,
		IndexType:    CCEH,
		SchemeType:   Single,
		NodePoolSize: defaultNodePoolSize,
	}
}
