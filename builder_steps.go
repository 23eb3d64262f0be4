package productionline

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Azure/go-productionline/ctxlog"
	"github.com/bmatcuk/doublestar/v4"
)

// walkExclusions are never returned by Walk.
var walkExclusions = []string{"node_modules/**"}

// Walk returns the absolute paths of the files matching pattern in lexical order.
// Patterns prefixed by the source or output root are matched beneath that
// root, other relative patterns beneath the working directory. A pattern
// without glob metacharacters names a directory that is walked recursively.
func (b *Builder) Walk(pattern string) ([]string, error) {
	root, rel := ".", pattern
	if r, ok := underRoot(b.cfg.Source(), pattern); ok {
		root, rel = b.cfg.Source(), r
	} else if r, ok := underRoot(b.cfg.Output(), pattern); ok {
		root, rel = b.cfg.Output(), r
	} else if filepath.IsAbs(pattern) {
		root, rel = splitAbsPattern(pattern)
	}

	rel = strings.TrimPrefix(filepath.ToSlash(rel), "./")
	if !hasMagic(rel) {
		if rel == "." || rel == "" {
			rel = "**"
		} else {
			rel = strings.TrimSuffix(rel, "/") + "/**"
		}
	}
	if !doublestar.ValidatePattern(rel) {
		return nil, fmt.Errorf("walk: invalid pattern %q", pattern)
	}

	matches, err := doublestar.Glob(os.DirFS(root), rel, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", pattern, err)
	}

	absRoot := absPath(root)
	files := make([]string, 0, len(matches))
outer:
	for _, match := range matches {
		for _, exclusion := range walkExclusions {
			if ok, _ := doublestar.Match(exclusion, match); ok {
				continue outer
			}
		}
		files = append(files, filepath.Join(absRoot, filepath.FromSlash(match)))
	}
	slices.Sort(files)
	return files, nil
}

func hasMagic(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// splitAbsPattern separates the static directory prefix of an absolute pattern.
func splitAbsPattern(pattern string) (string, string) {
	dir := pattern
	for hasMagic(dir) {
		dir = filepath.Dir(dir)
	}
	rest, _ := underRoot(dir, pattern)
	return dir, rest
}

// ApplyHeader prefixes code with the configured header as a comment of the
// given file type (js, css or html). Unknown types are returned unchanged.
func (b *Builder) ApplyHeader(code, fileType string) string {
	comment, ok := renderComment(b.cfg.Header(), fileType)
	if !ok {
		return code
	}
	return comment + "\n" + code
}

// ApplyFooter appends the configured footer as a comment of the given file type.
func (b *Builder) ApplyFooter(code, fileType string) string {
	comment, ok := renderComment(b.cfg.Footer(), fileType)
	if !ok {
		return code
	}
	return code + "\n" + comment + "\n"
}

func renderComment(text, fileType string) (string, bool) {
	if text == "" {
		return "", false
	}
	lines := strings.Split(text, "\n")

	switch strings.ToLower(strings.TrimSpace(fileType)) {
	case "html":
		return "<!--\n" + strings.Join(lines, "\n") + "\n-->", true
	case "css", "js":
		if len(lines) == 1 {
			return "// " + lines[0], true
		}
		var sb strings.Builder
		sb.WriteString("/**\n")
		for _, line := range lines {
			sb.WriteString(" * " + line + "\n")
		}
		sb.WriteString(" */")
		return sb.String(), true
	default:
		return "", false
	}
}

// fileTypeOf maps an extension to the comment syntax used by ApplyHeader.
func fileTypeOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".htm", ".html":
		return "html"
	case ".css":
		return "css"
	case ".js", ".mjs", ".cjs":
		return "js"
	default:
		return ""
	}
}

// Clean registers a step that guarantees the output root exists and is empty.
func (b *Builder) Clean() int {
	output := b.cfg.Output()
	return b.AddTask("Cleaning "+output, Sync(func(ctx context.Context) error {
		return emptyDir(output)
	}))
}

// CopyAssets registers a step that copies every configured asset below the
// source root to the matching output location, in parallel.
func (b *Builder) CopyAssets() int {
	return b.AddTask("Copy Assets", Async(func(ctx context.Context, done Done) {
		assets := NewTaskQueue()
		for _, asset := range b.cfg.Assets() {
			src := b.assetPath(asset)
			dst := b.OutputDirectory(src)
			assets.Add(fmt.Sprintf("Copying %s to output.", asset), Sync(func(ctx context.Context) error {
				ctxlog.FromContext(ctx).Debug("copy asset", "from", src, "to", dst)
				return copyTree(src, dst)
			}))
		}
		go func() {
			done(assets.Run(ctx, WithParallelExecution()))
		}()
	}))
}

// CopyMatching registers a step that copies the source files matching
// pattern to the output root, applying header and footer by file type.
func (b *Builder) CopyMatching(name, pattern string) int {
	return b.AddTask(name, Sync(func(ctx context.Context) error {
		files, err := b.Walk(filepath.Join(b.cfg.Source(), filepath.FromSlash(pattern)))
		if err != nil {
			return err
		}
		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := b.copyWithBanner(file, b.OutputDirectory(file)); err != nil {
				return err
			}
		}
		ctxlog.FromContext(ctx).Debug("copied matching files", "pattern", pattern, "count", len(files))
		return nil
	}))
}

// Make registers the standard web pipeline: clean, copy assets, copy HTML.
func (b *Builder) Make() {
	b.Clean()
	b.CopyAssets()
	b.CopyMatching("Build HTML", "**/*.htm*")
}

func (b *Builder) copyWithBanner(src, dst string) error {
	fileType := fileTypeOf(src)
	if fileType == "" || (b.cfg.Header() == "" && b.cfg.Footer() == "") {
		return copyFile(src, dst)
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	content := b.ApplyFooter(b.ApplyHeader(string(data), fileType), fileType)
	return writeFile(dst, []byte(content))
}

func emptyDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("clean %s: %w", dir, err)
		}
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

// copyTree copies a file, or a directory recursively, from src to dst.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst)
	}

	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(p, target)
	})
}
