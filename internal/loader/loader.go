// Package loader reads documents and prompt templates from disk.
//
// Documents are the .md files of a directory, filtered by include and exclude
// glob patterns matched against the base name. Prompts are the .txt files of
// a directory; a prompt's name is its file stem. Both lists are sorted by
// name, and files that are empty after trimming whitespace are skipped.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/llmscore/internal/errors"
	"github.com/Iron-Ham/llmscore/internal/logging"
	"github.com/Iron-Ham/llmscore/internal/matrix"
)

// File extensions recognized by the loader.
const (
	DocumentExt = ".md"
	PromptExt   = ".txt"
)

// Loader reads inputs through an afero filesystem so tests can run against
// memory.
type Loader struct {
	fs      afero.Fs
	include []glob.Glob
	exclude []glob.Glob
	logger  *logging.Logger
}

// New compiles the include and exclude patterns. An empty include list
// matches every document.
func New(fs afero.Fs, include, exclude []string, logger *logging.Logger) (*Loader, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	inc, err := compile(include)
	if err != nil {
		return nil, err
	}
	exc, err := compile(exclude)
	if err != nil {
		return nil, err
	}
	return &Loader{fs: fs, include: inc, exclude: exc, logger: logger}, nil
}

func compile(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, errors.NewValidationError("invalid glob pattern").WithValue(p).WithCause(err)
		}
		out = append(out, g)
	}
	return out, nil
}

func (l *Loader) selected(name string) bool {
	for _, g := range l.exclude {
		if g.Match(name) {
			return false
		}
	}
	if len(l.include) == 0 {
		return true
	}
	for _, g := range l.include {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Documents loads the selected .md files in dir, sorted by name. It returns
// errors.ErrNoDocuments when nothing non-empty was found.
func (l *Loader) Documents(dir string) ([]matrix.Document, error) {
	names, err := l.list(dir, DocumentExt)
	if err != nil {
		return nil, err
	}

	var docs []matrix.Document
	for _, name := range names {
		if !l.selected(name) {
			l.logger.Debug("document filtered out", "name", name)
			continue
		}
		content, err := l.read(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if content == "" {
			l.logger.Warn("skipping empty document", "name", name)
			continue
		}
		docs = append(docs, matrix.Document{Name: name, Content: content})
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w in %s", errors.ErrNoDocuments, dir)
	}
	return docs, nil
}

// Prompts loads the .txt files in dir, sorted by name. When only is
// non-empty, just the prompts with those names are returned, in the order
// given; an unknown name is an error.
func (l *Loader) Prompts(dir string, only []string) ([]matrix.Prompt, error) {
	names, err := l.list(dir, PromptExt)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]matrix.Prompt, len(names))
	var all []matrix.Prompt
	for _, name := range names {
		p, err := l.Prompt(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, errors.ErrNoPrompts) {
				l.logger.Warn("skipping empty prompt", "name", name)
				continue
			}
			return nil, err
		}
		byName[p.Name] = p
		all = append(all, p)
	}

	if len(only) > 0 {
		picked := make([]matrix.Prompt, 0, len(only))
		for _, n := range only {
			n = strings.TrimSuffix(strings.TrimSpace(n), PromptExt)
			p, ok := byName[n]
			if !ok {
				return nil, errors.NewNotFoundError("prompt", n)
			}
			picked = append(picked, p)
		}
		return picked, nil
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%w in %s", errors.ErrNoPrompts, dir)
	}
	return all, nil
}

// Prompt loads a single prompt template file.
func (l *Loader) Prompt(path string) (matrix.Prompt, error) {
	body, err := l.read(path)
	if err != nil {
		return matrix.Prompt{}, err
	}
	if body == "" {
		return matrix.Prompt{}, fmt.Errorf("%w: %s is empty", errors.ErrNoPrompts, path)
	}
	base := filepath.Base(path)
	return matrix.Prompt{
		Name: strings.TrimSuffix(base, filepath.Ext(base)),
		Path: path,
		Body: body,
	}, nil
}

// list returns the sorted names of regular files in dir with extension ext.
func (l *Loader) list(dir, ext string) ([]string, error) {
	entries, err := afero.ReadDir(l.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("directory", dir).WithCause(err)
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ext) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (l *Loader) read(path string) (string, error) {
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewNotFoundError("file", path).WithCause(err)
		}
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
