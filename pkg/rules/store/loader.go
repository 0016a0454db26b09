package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"mercator-hq/spendguard/pkg/rules"
)

// DefaultMaxFileSize bounds a single rule file.
const DefaultMaxFileSize int64 = 1 << 20

// File is the on-disk rule document.
//
//	rules:
//	  - id: treasury-daily
//	    name: Treasury daily cap
//	    type: daily-limit
//	    scope: account
//	    appliesTo: ["acct-treasury"]
//	    priority: 10
//	    status: active
//	    enforced: true
//	    limit:
//	      amount: {amount: "10000000", currency: USD}
type File struct {
	Rules []*rules.Rule `yaml:"rules"`
}

// LoadError reports a rule file that could not be loaded.
type LoadError struct {
	FilePath string
	Message  string
	Cause    error
}

// Error returns the error message.
func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.FilePath, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.FilePath, e.Message)
}

// Unwrap returns the underlying cause.
func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Parse decodes and validates a rule document. Unknown keys are rejected so
// typos in rule files fail loudly.
func Parse(r io.Reader, name string) ([]*rules.Rule, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc File
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, &LoadError{FilePath: name, Message: "YAML parsing failed", Cause: err}
	}

	var errs []error
	for i, r := range doc.Rules {
		if r == nil {
			errs = append(errs, &LoadError{FilePath: name, Message: fmt.Sprintf("rules[%d] is empty", i)})
			continue
		}
		rules.Normalize(r)
		if err := rules.Validate(r); err != nil {
			errs = append(errs, &LoadError{FilePath: name, Message: fmt.Sprintf("rule %q", r.ID), Cause: err})
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return doc.Rules, nil
}

// LoadFile reads one rule file.
func LoadFile(path string) ([]*rules.Rule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{FilePath: path, Message: "failed to access file", Cause: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &LoadError{FilePath: path, Message: "not a regular file"}
	}
	if info.Size() > DefaultMaxFileSize {
		return nil, &LoadError{
			FilePath: path,
			Message:  fmt.Sprintf("file size %d bytes exceeds maximum %d bytes", info.Size(), DefaultMaxFileSize),
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{FilePath: path, Message: "failed to read file", Cause: err}
	}
	return Parse(bytes.NewReader(data), path)
}

// LoadPath reads a rule file, or every .yaml/.yml file under a directory in
// lexical order. Hidden files and directories are skipped.
func LoadPath(path string) ([]*rules.Rule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{FilePath: path, Message: "failed to access path", Cause: err}
	}
	if !info.IsDir() {
		return LoadFile(path)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != path && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".yaml", ".yml":
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, &LoadError{FilePath: path, Message: "failed to walk directory", Cause: err}
	}
	sort.Strings(files)

	var (
		all  []*rules.Rule
		errs []error
	)
	for _, f := range files {
		loaded, err := LoadFile(f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		all = append(all, loaded...)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return all, nil
}

// FileSource keeps a Store in sync with rule files on disk.
type FileSource struct {
	Path  string
	Store *Store

	// Activate promotes rules the files leave as drafts to active.
	Activate bool

	Logger *slog.Logger
}

// SourceName is the actor recorded on rules owned by the source.
func (f *FileSource) SourceName() string {
	return "file:" + f.Path
}

// Load reads the path and synchronizes the store. On any load or validation
// error the store is left untouched.
func (f *FileSource) Load(ctx context.Context) (*SyncResult, error) {
	loaded, err := LoadPath(f.Path)
	if err != nil {
		return nil, err
	}
	if f.Activate {
		for _, r := range loaded {
			if r.Status == rules.StatusDraft {
				r.Status = rules.StatusActive
			}
		}
	}
	return f.Store.Sync(ctx, loaded, f.SourceName())
}
