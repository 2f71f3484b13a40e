// Package loader reads registry entries from directory trees.
//
// Each root is laid out as <root>/<namespace>/<registry path>/<entry>.<ext>.
// An entry's id is namespace:entry with the extension removed, so
// data/tools/arms/blades/iron.yaml in registry "arms/blades" becomes
// tools:iron. Entries may sit in nested directories.
package loader

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/danmuck/regsync/internal/codec"
	"github.com/danmuck/regsync/internal/ident"
	"github.com/danmuck/regsync/internal/logging"
	"github.com/rs/zerolog"
)

// Source supplies the raw batch for one registry path.
type Source interface {
	LoadBatch(ctx context.Context, path string) (codec.Batch, error)
}

// Dir loads entries from one or more roots. When two roots hold the same id
// both copies are returned, earlier roots first, so the registry keeps the
// earlier one and logs the later.
type Dir struct {
	roots  []string
	logger zerolog.Logger
}

func NewDir(roots []string, logger *zerolog.Logger) (*Dir, error) {
	if len(roots) == 0 {
		return nil, errors.New("loader: at least one root is required")
	}
	d := &Dir{roots: slices.Clone(roots)}
	if logger != nil {
		d.logger = *logger
	} else {
		d.logger = logging.Component("loader")
	}
	return d, nil
}

func (d *Dir) Roots() []string {
	return slices.Clone(d.roots)
}

type found struct {
	id    ident.ID
	root  int
	entry codec.RawEntry
}

// LoadBatch walks every root for path. Unreadable or unparsable files are
// logged and left out; the batch is ordered by id, then by root.
func (d *Dir) LoadBatch(ctx context.Context, path string) (codec.Batch, error) {
	var all []found
	for i, root := range d.roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := d.scanRoot(ctx, i, root, path)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	slices.SortStableFunc(all, func(a, b found) int {
		if c := strings.Compare(a.id.String(), b.id.String()); c != 0 {
			return c
		}
		return a.root - b.root
	})
	batch := make(codec.Batch, 0, len(all))
	for _, f := range all {
		batch = append(batch, f.entry)
	}
	d.logger.Debug().Str("path", path).Int("entries", len(batch)).Int("roots", len(d.roots)).Msg("batch loaded")
	return batch, nil
}

func (d *Dir) scanRoot(ctx context.Context, index int, root, path string) ([]found, error) {
	namespaces, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn().Str("root", root).Msg("root does not exist")
			return nil, nil
		}
		return nil, err
	}
	var out []found
	for _, ns := range namespaces {
		if !ns.IsDir() || strings.HasPrefix(ns.Name(), ".") {
			continue
		}
		base := filepath.Join(root, ns.Name(), filepath.FromSlash(path))
		err := filepath.WalkDir(base, func(file string, entry fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if entry.IsDir() {
				if file != base && strings.HasPrefix(entry.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			kind, ok := formatOf(file)
			if !ok {
				return nil
			}
			rel, err := filepath.Rel(base, file)
			if err != nil {
				return err
			}
			name := strings.TrimSuffix(filepath.ToSlash(rel), filepath.Ext(rel))
			id, err := ident.New(ns.Name(), name)
			if err != nil {
				d.logger.Error().Err(err).Str("file", file).Msg("invalid entry id")
				return nil
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				d.logger.Error().Err(err).Str("file", file).Str("id", id.String()).Msg("could not read entry")
				return nil
			}
			payload, err := normalize(kind, raw)
			if err != nil {
				d.logger.Error().Err(err).Str("file", file).Str("id", id.String()).Msg("could not parse entry")
				return nil
			}
			out = append(out, found{
				id:    id,
				root:  index,
				entry: codec.RawEntry{ID: id, Payload: payload},
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
