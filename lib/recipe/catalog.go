// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package recipe

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

//go:embed builtin
var builtinFS embed.FS

const recipeGlob = "**/*.{yml,yaml}"

// Catalog is the set of known recipes: the built-in recipes,
// overridden and extended by the files in a directory.
type Catalog struct {
	dir    string
	logger logrus.FieldLogger

	mtx     sync.RWMutex
	recipes map[string]*Recipe
}

// NewCatalog returns a catalog with the built-in recipes and the
// recipe files found under dir (if dir is not empty).
func NewCatalog(dir string, logger logrus.FieldLogger) (*Catalog, error) {
	cat := &Catalog{dir: dir, logger: logger}
	if err := cat.Reload(); err != nil {
		return nil, err
	}
	return cat, nil
}

// Reload re-reads the recipe directory. On failure the current set
// of recipes is kept.
func (cat *Catalog) Reload() error {
	sub, err := fs.Sub(builtinFS, "builtin")
	if err != nil {
		return err
	}
	recipes, err := loadFS(sub)
	if err != nil {
		return fmt.Errorf("built-in recipes: %w", err)
	}
	if cat.dir != "" {
		local, err := loadFS(os.DirFS(cat.dir))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", cat.dir, err)
		} else if os.IsNotExist(err) {
			cat.logger.WithField("Directory", cat.dir).Warn("recipe directory does not exist, using built-in recipes only")
		}
		for name, rcp := range local {
			recipes[name] = rcp
		}
	}
	cat.mtx.Lock()
	cat.recipes = recipes
	cat.mtx.Unlock()
	cat.logger.WithField("Recipes", len(recipes)).Debug("loaded recipes")
	return nil
}

func loadFS(fsys fs.FS) (map[string]*Recipe, error) {
	if _, err := fs.Stat(fsys, "."); err != nil {
		return nil, err
	}
	files, err := doublestar.Glob(fsys, recipeGlob)
	if err != nil {
		return nil, err
	}
	recipes := map[string]*Recipe{}
	for _, fnm := range files {
		buf, err := fs.ReadFile(fsys, fnm)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(fnm, path.Ext(fnm))
		rcp, err := Parse(name, buf)
		if err != nil {
			return nil, err
		}
		recipes[name] = rcp
	}
	return recipes, nil
}

// Get returns the named recipe.
func (cat *Catalog) Get(name string) (*Recipe, bool) {
	cat.mtx.RLock()
	defer cat.mtx.RUnlock()
	rcp, ok := cat.recipes[name]
	return rcp, ok
}

// Names returns the names of all known recipes, sorted.
func (cat *Catalog) Names() []string {
	cat.mtx.RLock()
	defer cat.mtx.RUnlock()
	names := make([]string, 0, len(cat.recipes))
	for name := range cat.recipes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch reloads the catalog whenever a file in the recipe directory
// changes, until ctx is done. Subdirectories that exist when Watch
// starts are watched too.
func (cat *Catalog) Watch(ctx context.Context) {
	if cat.dir == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cat.logger.WithError(err).Error("recipe fsnotify setup failed")
		return
	}
	defer watcher.Close()

	err = filepath.WalkDir(cat.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
	if err != nil {
		cat.logger.WithError(err).Error("recipe directory watcher failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			cat.logger.WithError(err).Warn("recipe directory watcher error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					watcher.Add(ev.Name)
				}
			}
			for len(watcher.Events) > 0 {
				<-watcher.Events
			}
			if err := cat.Reload(); err != nil {
				cat.logger.WithError(err).Warn("recipe reload failed, keeping previous recipes")
			} else {
				cat.logger.WithField("Recipes", len(cat.Names())).Info("reloaded recipes")
			}
		}
	}
}
