// Package kcache stores compiled kernel binaries and their parameter metadata on disk.
//
// A cache directory holds a MANIFEST listing a checksum per kernel-source file, and one
// "<identifier>_<tag>.ptx" / "<identifier>_<tag>.info" pair per compiled kernel. The cache is
// usable only when every source file in the kernel directory matches the manifest; a single
// missing entry or mismatch disables it for the whole run.
package kcache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fxnlabs/cudacl/internal/translate"
)

const ManifestFile = "MANIFEST"

var (
	ErrCacheInvalid = errors.New("kernel cache invalid")
	ErrNotCached    = errors.New("kernel not cached")
)

// Entry is one cached kernel.
type Entry struct {
	Binary []byte
	Info   translate.KernelInfo
}

// Cache is a kernel artifact directory with its validity decided once at Open.
type Cache struct {
	kernelDir string
	dir       string
	valid     bool
	reason    string
	log       *zap.Logger
}

// Open checks the manifest in cacheDir against the current contents of kernelDir.
func Open(kernelDir, cacheDir string, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Cache{kernelDir: kernelDir, dir: cacheDir, log: log.Named("kcache")}

	if err := c.verify(context.Background()); err != nil {
		c.reason = err.Error()
		c.log.Info("Kernel cache disabled", zap.String("dir", cacheDir), zap.Error(err))
		return c
	}
	c.valid = true
	c.log.Debug("Kernel cache valid", zap.String("dir", cacheDir))
	return c
}

func (c *Cache) verify(ctx context.Context) error {
	manifest, err := ReadManifest(filepath.Join(c.dir, ManifestFile))
	if err != nil {
		return err
	}
	sums, err := Checksums(ctx, c.kernelDir)
	if err != nil {
		return err
	}
	if len(sums) == 0 {
		return fmt.Errorf("no kernel sources in %s", c.kernelDir)
	}
	for name, sum := range sums {
		want, ok := manifest[name]
		if !ok {
			return fmt.Errorf("%s missing from manifest", name)
		}
		if want != sum {
			return fmt.Errorf("%s checksum mismatch: manifest %016x, source %016x", name, want, sum)
		}
	}
	return nil
}

// Valid reports whether cached artifacts may be used.
func (c *Cache) Valid() bool { return c.valid }

// Reason explains why the cache is invalid.
func (c *Cache) Reason() string { return c.reason }

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Disable turns the cache off for the rest of the run.
func (c *Cache) Disable() {
	if c.valid {
		c.log.Info("Kernel cache cleared for this run", zap.String("dir", c.dir))
	}
	c.valid = false
	c.reason = "disabled"
}

func (c *Cache) path(identifier, tag, ext string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s_%s%s", identifier, tag, ext))
}

// Load reads the binary and metadata of identifier compiled for tag.
func (c *Cache) Load(identifier, tag string) (*Entry, error) {
	if !c.valid {
		return nil, fmt.Errorf("%w: %s", ErrCacheInvalid, c.reason)
	}

	binary, err := os.ReadFile(c.path(identifier, tag, ".ptx"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s_%s", ErrNotCached, identifier, tag)
		}
		return nil, fmt.Errorf("failed to read cached binary: %w", err)
	}
	text, err := os.ReadFile(c.path(identifier, tag, ".info"))
	if err != nil {
		return nil, fmt.Errorf("failed to read cached kernel info: %w", err)
	}

	e := &Entry{Binary: binary}
	if err := e.Info.UnmarshalText(text); err != nil {
		return nil, fmt.Errorf("cached kernel info %s_%s: %w", identifier, tag, err)
	}
	return e, nil
}

// Store writes the artifacts of identifier compiled for tag.
func (c *Cache) Store(identifier, tag string, binary []byte, info *translate.KernelInfo) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	text, err := info.MarshalText()
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.path(identifier, tag, ".ptx"), binary, 0o644); err != nil {
		return fmt.Errorf("failed to write cached binary: %w", err)
	}
	if err := os.WriteFile(c.path(identifier, tag, ".info"), append(text, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write cached kernel info: %w", err)
	}
	c.log.Debug("Stored kernel artifacts", zap.String("kernel", identifier), zap.String("target", tag))
	return nil
}

// Checksums hashes every non-hidden regular file directly inside dir.
func Checksums(ctx context.Context, dir string) (map[string]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list kernel sources: %w", err)
	}

	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
			continue
		}
		names = append(names, e.Name())
	}

	sums := make([]uint64, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := os.Open(filepath.Join(dir, name))
			if err != nil {
				return err
			}
			defer f.Close()

			h := xxhash.New()
			if _, err := bufio.NewReader(f).WriteTo(h); err != nil {
				return fmt.Errorf("failed to hash %s: %w", name, err)
			}
			sums[i] = h.Sum64()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]uint64, len(names))
	for i, name := range names {
		out[name] = sums[i]
	}
	return out, nil
}

// ReadManifest parses a manifest file of "<file> <hex checksum>" lines.
func ReadManifest(path string) (map[string]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	manifest := make(map[string]uint64)
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("manifest line %d: want 2 fields, got %d", line, len(fields))
		}
		sum, err := strconv.ParseUint(fields[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", line, err)
		}
		manifest[fields[0]] = sum
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return manifest, nil
}

// WriteManifest records the current checksums of kernelDir in cacheDir.
func WriteManifest(ctx context.Context, kernelDir, cacheDir string) (map[string]uint64, error) {
	sums, err := Checksums(ctx, kernelDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	names := make([]string, 0, len(sums))
	for name := range sums {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s %016x\n", name, sums[name])
	}
	if err := os.WriteFile(filepath.Join(cacheDir, ManifestFile), []byte(b.String()), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	return sums, nil
}
