package dbmigrate

import (
	"context"
	"fmt"
	"os"
	"path"
	"slices"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// NoTransactionDirective on the first line of a SQL file makes the
// migration run outside a transaction.
const NoTransactionDirective = "-- dbmigrate:no-transaction"

// Source produces migration definitions. Discovery is the caller's
// concern; the executor only ever sees the resulting ordered list.
type Source interface {
	LoadMigrations() ([]Migration, error)
}

// FileHookFn is a hook function that accepts a file path.
type FileHookFn func(ctx context.Context, s Session, filePath string) error

// ParseFilenameFn extracts the migration id and description from a file
// name and reports whether parsing succeeded.
type ParseFilenameFn func(filename string) (id string, description string, ok bool)

// defaultParseFilename expects file names like "001_create_trucks.sql". A
// trailing "_up" is accepted and dropped; "_down" files are rejected since
// migrations are never rolled back by the engine.
func defaultParseFilename(filename string) (string, string, bool) {
	base := strings.TrimSuffix(filename, path.Ext(filename))
	parts := strings.Split(base, "_")
	if len(parts) < 2 {
		return "", "", false
	}
	switch strings.ToLower(parts[len(parts)-1]) {
	case "down":
		return "", "", false
	case "up":
		parts = parts[:len(parts)-1]
	}
	if len(parts) < 2 || parts[0] == "" {
		return "", "", false
	}
	return parts[0], strings.Join(parts[1:], "_"), true
}

// LoadAll loads every source in turn and validates the combined list. The
// order is the order of the sources and, within each, the order it returns.
func LoadAll(sources ...Source) ([]Migration, error) {
	var all []Migration
	for _, src := range sources {
		migs, err := src.LoadMigrations()
		if err != nil {
			return nil, err
		}
		all = append(all, migs...)
	}
	if err := Validate(all); err != nil {
		return nil, err
	}
	return all, nil
}

// DirSource loads migrations from a directory, one SQL file per migration,
// ordered by id. It supports optional hooks tied to file names.
type DirSource struct {
	Dir string
	// Optional filename parser, defaults to defaultParseFilename.
	FilenameParser ParseFilenameFn
	// Optional allowed extensions, defaults to .sql.
	AllowedExts []string
	// Optional ResolveHooks returns hook functions for the given filename.
	ResolveHooks func(filename string) (preHook FileHookFn, postHook FileHookFn)
	Logger       *zap.Logger
}

// NewDirSource creates a new DirSource for the given directory. The
// default parser and allowed extensions are used.
func NewDirSource(dir string) *DirSource {
	return &DirSource{
		Dir:            dir,
		FilenameParser: defaultParseFilename,
		AllowedExts:    []string{".sql"},
		Logger:         zap.NewNop(),
	}
}

// WithFilenameParser returns a new DirSource with the given parser.
func (d *DirSource) WithFilenameParser(parser ParseFilenameFn) *DirSource {
	new := *d
	new.FilenameParser = parser
	return &new
}

// WithAllowedExts returns a new DirSource with the given allowed
// extensions.
//
// Parameters:
//   - exts: A slice of allowed extensions, including the leading dot.
//
// Returns:
//   - *DirSource: A new DirSource instance.
func (d *DirSource) WithAllowedExts(exts []string) *DirSource {
	new := *d
	new.AllowedExts = exts
	return &new
}

// WithLogger returns a new DirSource with the given logger.
func (d *DirSource) WithLogger(logger *zap.Logger) *DirSource {
	new := *d
	new.Logger = logger
	return &new
}

// LoadMigrations loads the migrations in the directory.
func (d *DirSource) LoadMigrations() ([]Migration, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading migration dir: %w", err)
	}

	parser := d.FilenameParser
	if parser == nil {
		parser = defaultParseFilename
	}
	allowed := d.AllowedExts
	if allowed == nil {
		allowed = []string{".sql"}
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(path.Ext(name))
		if !slices.Contains(allowed, ext) {
			log.Debug("Skipping file with unsupported extension", zap.String("file", name))
			continue
		}
		id, desc, ok := parser(name)
		if !ok {
			log.Debug("Skipping file that does not parse", zap.String("file", name))
			continue
		}

		fullPath := path.Join(d.Dir, name)
		content, err := os.ReadFile(fullPath)
		if err != nil {
			return nil, err
		}

		var preHook, postHook FileHookFn
		if d.ResolveHooks != nil {
			preHook, postHook = d.ResolveHooks(name)
		}
		migrations = append(migrations, fileMigration(id, desc, fullPath, string(content), preHook, postHook))
	}

	sortByID(migrations)
	log.Info("Loaded migrations from directory",
		zap.String("dir", d.Dir), zap.Int("count", len(migrations)))
	return migrations, nil
}

// FileSource loads a single migration file. Anything after a "-- DOWN"
// marker is ignored.
type FileSource struct {
	FilePath string
	// Optional filename parser, defaults to defaultParseFilename.
	FilenameParser ParseFilenameFn
	PreHook        FileHookFn
	PostHook       FileHookFn
}

// NewFileSource returns a new FileSource.
func NewFileSource(filePath string) *FileSource {
	return &FileSource{FilePath: filePath}
}

// WithPreHook returns a new FileSource with the given pre-hook.
func (f *FileSource) WithPreHook(preHook FileHookFn) *FileSource {
	new := *f
	new.PreHook = preHook
	return &new
}

// WithPostHook returns a new FileSource with the given post-hook.
func (f *FileSource) WithPostHook(postHook FileHookFn) *FileSource {
	new := *f
	new.PostHook = postHook
	return &new
}

// LoadMigrations loads the migration from the file.
func (f *FileSource) LoadMigrations() ([]Migration, error) {
	content, err := os.ReadFile(f.FilePath)
	if err != nil {
		return nil, err
	}
	upSQL, _, _ := strings.Cut(string(content), "-- DOWN")

	base := path.Base(f.FilePath)
	parser := f.FilenameParser
	if parser == nil {
		parser = defaultParseFilename
	}
	id, desc, ok := parser(base)
	if !ok {
		id = strings.TrimSuffix(base, path.Ext(base))
		desc = id
	}
	return []Migration{fileMigration(id, desc, f.FilePath, upSQL, f.PreHook, f.PostHook)}, nil
}

// VarSource uses SQL defined in variables.
type VarSource struct {
	ID          string
	Description string
	SQL         string
}

// NewVarSource creates a new VarSource.
func NewVarSource(id, description, sql string) *VarSource {
	return &VarSource{ID: id, Description: description, SQL: sql}
}

// LoadMigrations returns the variable-defined migration.
func (v *VarSource) LoadMigrations() ([]Migration, error) {
	return []Migration{*NewMigration(v.ID, v.Description, SQL(v.SQL))}, nil
}

// fileMigration builds a migration from file content, wrapping the SQL in
// the optional hooks.
func fileMigration(id, desc, filePath, content string, preHook, postHook FileHookFn) Migration {
	content = strings.TrimSpace(content)
	noTx := strings.HasPrefix(content, NoTransactionDirective)

	var steps StepsAction
	if preHook != nil {
		steps = append(steps, Func(func(ctx context.Context, s Session) error {
			return preHook(ctx, s, filePath)
		}))
	}
	steps = append(steps, SQL(content))
	if postHook != nil {
		steps = append(steps, Func(func(ctx context.Context, s Session) error {
			return postHook(ctx, s, filePath)
		}))
	}

	mig := NewMigration(id, desc, steps).WithNoTransaction(noTx)
	return *mig
}

// sortByID orders migrations by id. Numeric ids come first in numeric
// order, followed by the rest in lexical order.
func sortByID(migs []Migration) {
	sort.SliceStable(migs, func(i, j int) bool {
		vi, errI := strconv.ParseUint(migs[i].ID, 10, 64)
		vj, errJ := strconv.ParseUint(migs[j].ID, 10, 64)
		switch {
		case errI == nil && errJ == nil:
			return vi < vj
		case errI == nil:
			return true
		case errJ == nil:
			return false
		}
		return migs[i].ID < migs[j].ID
	})
}
