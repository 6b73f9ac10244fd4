package importer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/scrypster/conclave/internal/factstore"
	"github.com/scrypster/conclave/internal/gateway"
	"github.com/scrypster/conclave/pkg/types"
)

// Submitter ingests one submission. *engine.Engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, sub gateway.Submission) (*gateway.Result, error)
}

// EntityUpdater records the display text of [[Subject|Alias]] links as
// entity aliases. A Submitter that also implements it gets them.
type EntityUpdater interface {
	UpdateEntity(ctx context.Context, name string, u factstore.EntityUpdate) (*types.Entity, error)
}

// Result is the summary of one import run.
type Result struct {
	FilesFound   int            `json:"files_found"`
	Imported     int            `json:"imported"`
	Deduplicated int            `json:"deduplicated"`
	Skipped      int            `json:"skipped"`
	Failed       int            `json:"failed"`
	Aliases      int            `json:"aliases"`
	FactIDs      []types.FactID `json:"fact_ids,omitempty"`
	Errors       []string       `json:"errors,omitempty"`
	Duration     time.Duration  `json:"duration_ns"`
}

// Importer submits Markdown notes as facts.
type Importer struct {
	sub         Submitter
	defaultKind string
	source      string
	log         *zap.Logger
}

// New creates an importer. Notes without a kind or source in their
// frontmatter get defaultKind and source.
func New(sub Submitter, defaultKind, source string, log *zap.Logger) *Importer {
	if log == nil {
		log = zap.NewNop()
	}
	if defaultKind == "" {
		defaultKind = string(types.KindObservation)
	}
	return &Importer{sub: sub, defaultKind: defaultKind, source: source, log: log.Named("import")}
}

// Import walks dir and submits every Markdown note in path order. Per-file
// failures are counted in the result; the returned error is reserved for a
// failed walk or a cancelled context.
func (imp *Importer) Import(ctx context.Context, dir string) (*Result, error) {
	start := time.Now()
	result := &Result{}

	files, err := collectMarkdownFiles(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "import: walk %s", dir)
	}
	result.FilesFound = len(files)

	for _, absPath := range files {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
		rel, _ := filepath.Rel(dir, absPath)

		data, err := os.ReadFile(absPath)
		if err != nil {
			imp.fail(result, rel, "read", err)
			continue
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			result.Skipped++
			continue
		}

		parsed, err := ParseMarkdownFile(data, rel)
		if err != nil {
			imp.fail(result, rel, "parse", err)
			continue
		}

		// Undated notes take the file's modification time, so a re-import
		// of an unchanged folder coalesces with the first run.
		if parsed.Timestamp.IsZero() {
			if info, err := os.Stat(absPath); err == nil {
				parsed.Timestamp = info.ModTime().UTC()
			}
		}

		res, err := imp.sub.Submit(ctx, parsed.Submission(imp.defaultKind, imp.source))
		if err != nil {
			imp.fail(result, rel, "submit", err)
			continue
		}
		if res.Deduplicated {
			result.Deduplicated++
			continue
		}
		result.Imported++
		result.FactIDs = append(result.FactIDs, res.FactID)
		imp.recordAliases(ctx, result, rel, parsed.Aliases)
	}

	result.Duration = time.Since(start)
	imp.log.Info("import finished",
		zap.String("dir", dir),
		zap.Int("imported", result.Imported),
		zap.Int("deduplicated", result.Deduplicated),
		zap.Int("failed", result.Failed))
	return result, nil
}

// recordAliases adds link display texts to the subjects they point at. A
// rejected alias (for example one another entity already owns) is logged and
// does not fail the note.
func (imp *Importer) recordAliases(ctx context.Context, result *Result, rel string, aliases map[string][]string) {
	up, ok := imp.sub.(EntityUpdater)
	if !ok || len(aliases) == 0 {
		return
	}
	names := make([]string, 0, len(aliases))
	for name := range aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := up.UpdateEntity(ctx, name, factstore.EntityUpdate{Aliases: aliases[name]}); err != nil {
			imp.log.Warn("import: alias not recorded",
				zap.String("file", rel),
				zap.String("entity", name),
				zap.Strings("aliases", aliases[name]),
				zap.Error(err))
			continue
		}
		result.Aliases += len(aliases[name])
	}
}

func (imp *Importer) fail(result *Result, rel, stage string, err error) {
	imp.log.Warn("import: skipping note", zap.String("file", rel), zap.String("stage", stage), zap.Error(err))
	result.Failed++
	result.Errors = append(result.Errors, fmt.Sprintf("%s: %s: %v", rel, stage, err))
}

// collectMarkdownFiles walks dirPath and returns all .md / .markdown files found.
// Hidden directories (e.g. .obsidian, .git) are skipped.
func collectMarkdownFiles(dirPath string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dirPath && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if ext == ".md" || ext == ".markdown" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
