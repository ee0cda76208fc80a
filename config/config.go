// Package config holds the per-repository configuration surface: the
// handful of knobs the spec calls out for delta resolution and GC
// policy, loaded from a git-style ini config file with environment
// overrides, the way the teacher's config package layers env on top
// of file-backed values.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"
	"gopkg.in/ini.v1"
)

// defaultLoadOption mirrors the teacher's tolerant ini parsing: lines
// it doesn't recognize are skipped rather than rejected.
var defaultLoadOption = ini.LoadOptions{ //nolint:gochecknoglobals // treated as a const
	SkipUnrecognizableLines: true,
}

// Configuration is the engine's per-repository configuration surface
// (spec §9): delta resolution limits, GC thresholds, and cache sizing.
type Configuration struct {
	// DeltaChainDepthMax is loaded and saved with the configuration.
	// The pack reader and the tree-delta store do not read it: both
	// use their own fixed ceiling of 50 delta hops.
	DeltaChainDepthMax int
	// DeltaWindowSize is a number of candidate delta bases per object.
	// No code in the engine reads it: the pack writer does no delta
	// candidate selection.
	DeltaWindowSize int
	// PackFlushThreshold is an in-memory byte budget for pack writing.
	// No code in the engine reads it.
	PackFlushThreshold int64
	// GCLooseObjectThreshold triggers auto-GC once exceeded.
	GCLooseObjectThreshold int
	// GCQuickPackThreshold is the size of the bounded recently
	// written-object buffer the quick-pack path processes.
	GCQuickPackThreshold int
	// GCMinInterval is the minimum time between automatic GC runs.
	GCMinInterval time.Duration
	// GCPruneAge is the minimum age an unreachable loose object must
	// reach before GC prunes it.
	GCPruneAge time.Duration
	// ObjectCacheBytes bounds the inflated-object LRU cache.
	ObjectCacheBytes int64
	// DefaultBranch names the branch HEAD points to in a new repository.
	DefaultBranch string

	// GitDirPath is the path to the repository's .git directory.
	GitDirPath string

	fs   afero.Fs
	file *ini.File
	path string
}

// defaults returns the spec's §9 configuration surface before any
// file or environment override is applied.
func defaults() *Configuration {
	return &Configuration{
		DeltaChainDepthMax:     50,
		DeltaWindowSize:        10,
		PackFlushThreshold:     64 << 20,
		GCLooseObjectThreshold: 100,
		GCQuickPackThreshold:   5,
		GCMinInterval:          60 * time.Second,
		GCPruneAge:             14 * 24 * time.Hour,
		ObjectCacheBytes:       32 << 20,
		DefaultBranch:          "main",
	}
}

// Options controls where Load looks for a repository config.
type Options struct {
	// FS is the filesystem to read/write through. Defaults to the OS
	// filesystem.
	FS afero.Fs
	// GitDirPath is the repository's .git directory. Required.
	GitDirPath string
}

// Load reads opts.GitDirPath/config (if present) over the defaults,
// then applies environment overrides for the knobs that have one.
// A missing config file is not an error: Load falls back to defaults.
func Load(opts Options) (*Configuration, error) {
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.GitDirPath == "" {
		return nil, xerrors.New("config: GitDirPath is required")
	}

	cfg := defaults()
	cfg.fs = opts.FS
	cfg.GitDirPath = opts.GitDirPath
	cfg.path = filepath.Join(opts.GitDirPath, "config")

	f, err := loadFile(opts.FS, cfg.path)
	if err != nil {
		return nil, xerrors.Errorf("could not load %s: %w", cfg.path, err)
	}
	cfg.file = f
	cfg.applyFile()
	cfg.applyEnv()
	return cfg, nil
}

func loadFile(fs afero.Fs, path string) (*ini.File, error) {
	r, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ini.Empty(defaultLoadOption), nil
		}
		return nil, err
	}
	defer r.Close()
	return ini.LoadSources(defaultLoadOption, r)
}

func (c *Configuration) applyFile() {
	gc := c.file.Section("gc")
	if gc.HasKey("loosethreshold") {
		if v, err := gc.Key("loosethreshold").Int(); err == nil {
			c.GCLooseObjectThreshold = v
		}
	}
	if gc.HasKey("pruneexpire") {
		if v, err := gc.Key("pruneexpire").Duration(); err == nil {
			c.GCPruneAge = v
		}
	}
	core := c.file.Section("core")
	if core.HasKey("deltachaindepthmax") {
		if v, err := core.Key("deltachaindepthmax").Int(); err == nil {
			c.DeltaChainDepthMax = v
		}
	}
	init := c.file.Section("init")
	if init.HasKey("defaultbranch") {
		if v := init.Key("defaultbranch").String(); v != "" {
			c.DefaultBranch = v
		}
	}
}

// applyEnv lets the handful of knobs that matter in CI/test
// environments be overridden without touching the config file, the
// same override-the-file-value role $GIT_* env vars play in the
// teacher's config loader.
func (c *Configuration) applyEnv() {
	if v := os.Getenv("VCSENGINE_GC_PRUNE_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GCPruneAge = d
		}
	}
	if v := os.Getenv("VCSENGINE_GC_LOOSE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GCLooseObjectThreshold = n
		}
	}
	if v := os.Getenv("VCSENGINE_DELTA_CHAIN_DEPTH_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DeltaChainDepthMax = n
		}
	}
}

// Save persists core.deltachaindepthmax, gc.loosethreshold,
// gc.pruneexpire, and init.defaultbranch back to the config file.
func (c *Configuration) Save() error {
	if c.file == nil {
		return xerrors.New("config: not loaded from a file")
	}
	c.file.Section("core").Key("deltachaindepthmax").SetValue(strconv.Itoa(c.DeltaChainDepthMax))
	c.file.Section("gc").Key("loosethreshold").SetValue(strconv.Itoa(c.GCLooseObjectThreshold))
	c.file.Section("gc").Key("pruneexpire").SetValue(c.GCPruneAge.String())
	c.file.Section("init").Key("defaultbranch").SetValue(c.DefaultBranch)

	w, err := c.fs.OpenFile(c.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return xerrors.Errorf("could not open %s for writing: %w", c.path, err)
	}
	defer w.Close()
	if _, err := c.file.WriteTo(w); err != nil {
		return xerrors.Errorf("could not write %s: %w", c.path, err)
	}
	return nil
}
