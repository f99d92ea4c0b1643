// Package atom implements the content-addressable atom store: minimal
// content units deduplicated by cryptographic digest, reference-counted,
// and garbage-collected asynchronously once unreferenced.
package atom

import (
	"time"

	"github.com/charmbracelet/log"
)

const (
	// InlineLimit is the maximum inline payload size in bytes. Content
	// at or below this limit is stored directly as the inline value.
	InlineLimit = 64

	// fingerprintDigestBytes is how much of the content digest leads the
	// fingerprint stored inline for overflowed content.
	fingerprintDigestBytes = 16

	// fingerprintPrefixBytes is how many leading content bytes follow
	// the digest half, filling the fingerprint to exactly InlineLimit.
	fingerprintPrefixBytes = InlineLimit - fingerprintDigestBytes

	// DefaultMaxContentSize is the hard upper bound on submitted content.
	DefaultMaxContentSize = 16 << 20
)

// Atom is one stored content unit.
type Atom struct {
	ID              int64
	TenantID        string
	Digest          []byte // 32-byte SHA-256, unique per tenant
	InlineValue     []byte // payload, or fingerprint when Overflow
	OverflowPayload []byte // full content when it exceeds InlineLimit
	Overflow        bool
	Modality        string
	Subtype         string
	RefCount        int64
	Coord           []float32 // nil until projected
	CurveKey        int64
	HasCoord        bool
	Metadata        map[string]string
	CreatedAt       time.Time
}

// Content returns the original content bytes.
func (a *Atom) Content() []byte {
	if a.Overflow {
		return a.OverflowPayload
	}
	return a.InlineValue
}

// Config configures the store.
type Config struct {
	// Path is the SQLite database file path.
	Path string

	// MaxContentSize is the hard maximum for submitted content bytes.
	MaxContentSize int

	// RetentionWindow is how long a zero-reference atom survives before
	// the garbage collector may delete it.
	RetentionWindow time.Duration

	// GCInterval is how often the background sweeper runs. Zero
	// disables the sweeper; CollectGarbage can still be called directly.
	GCInterval time.Duration

	Logger *log.Logger
}

// DefaultConfig returns a default configuration for the given path.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		MaxContentSize:  DefaultMaxContentSize,
		RetentionWindow: 24 * time.Hour,
		GCInterval:      5 * time.Minute,
	}
}
