package fs

import (
	"github.com/flashtree/flashtree/fbody"
	"github.com/flashtree/flashtree/internal/bd"
)

// Config mirrors the teacher's single Cfg-carrying constructor
// (NewFileSystem validating and preparing its bucket) generalized to the
// block-device/sizing parameters of spec §3, plus the ambient hooks spec
// §5/§9 call for (external lock, no module-scope logger).
type Config struct {
	Device bd.Device

	BlockRecycles int64 // -1 disables wear leveling
	RCacheSize    uint32
	PCacheSize    uint32
	FileCacheSize uint32
	LookaheadSize uint32
	InlineSize    uint32
	FragmentSize  uint32
	CrystalThresh uint32
	NameLimit     uint32
	FileLimit     uint32

	// GCCompactThresh overrides the default ~88% mdir compaction
	// watermark (spec §4.3); zero means "use the default".
	GCCompactThresh int

	// Lock/Unlock, if both set, are invoked around every public entry
	// point (spec §5). Nil means single-threaded cooperative use with no
	// external synchronization.
	Lock   func()
	Unlock func()

	// Trace, if set, receives a formatted line per notable operation,
	// the same shape as the original's LFS3_TRACE macro (spec §9's "no
	// module-scope global state": the hook lives here, not in a package
	// logger).
	Trace func(format string, args ...interface{})
}

func (c *Config) trace(format string, args ...interface{}) {
	if c.Trace != nil {
		c.Trace(format, args...)
	}
}

// lock acquires c.Lock if configured and returns the matching release
// function, so a caller can do `defer fsys.cfg.lock()()` regardless of
// whether external locking is configured at all.
func (c *Config) lock() func() {
	if c.Lock == nil || c.Unlock == nil {
		return func() {}
	}
	c.Lock()
	return c.Unlock
}

// validate fills in defaults and checks the configured limits against
// compile-time maxima, per spec §4.7's mount/format validation step.
func (c *Config) validate() Errno {
	if c.Device == nil {
		return ErrInval
	}
	if c.NameLimit == 0 {
		c.NameLimit = 255
	}
	if c.NameLimit > NameMax {
		return ErrInval
	}
	if c.FileLimit == 0 {
		c.FileLimit = FileMax
	}
	if c.FileLimit > FileMax {
		return ErrInval
	}
	if c.InlineSize == 0 {
		c.InlineSize = c.Device.BlockSize() / 4
	}
	if c.InlineSize > c.Device.BlockSize()/4 {
		return ErrInval
	}
	if c.FragmentSize == 0 {
		c.FragmentSize = c.Device.BlockSize() / 4
	}
	if c.FragmentSize > c.Device.BlockSize()/4 {
		return ErrInval
	}
	if c.CrystalThresh == 0 {
		c.CrystalThresh = c.Device.BlockSize()
	}
	if c.BlockRecycles == 0 {
		c.BlockRecycles = 100
	}
	return OK
}

func (c *Config) limits() fbody.Limits {
	return fbody.Limits{
		InlineSize:    c.InlineSize,
		FragmentSize:  c.FragmentSize,
		CrystalThresh: c.CrystalThresh,
		BlockSize:     c.Device.BlockSize(),
	}
}
