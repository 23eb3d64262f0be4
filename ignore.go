package productionline

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ignoreMatcher applies doublestar patterns to paths relative to a root. A
// pattern without a slash matches a base name at any depth, and a match on
// any parent directory ignores everything beneath it.
type ignoreMatcher struct {
	root     string
	patterns []string
}

func newIgnoreMatcher(root string, patterns []string) (*ignoreMatcher, error) {
	im := &ignoreMatcher{root: root}
	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(pattern)), "./")
		if pattern == "" {
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			return nil, ErrConfiguration.WithMessage(fmt.Sprintf("invalid ignore pattern %q", pattern))
		}
		im.patterns = append(im.patterns, pattern)
	}
	return im, nil
}

// Match reports whether p is ignored. p may be absolute or relative to the root.
func (im *ignoreMatcher) Match(p string) bool {
	if im == nil || len(im.patterns) == 0 {
		return false
	}

	rel := p
	if filepath.IsAbs(p) {
		r, err := filepath.Rel(im.root, p)
		if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			return false
		}
		rel = r
	}
	rel = filepath.ToSlash(rel)

	for candidate := rel; candidate != "." && candidate != "/" && candidate != ""; candidate = path.Dir(candidate) {
		for _, pattern := range im.patterns {
			subject := candidate
			if !strings.Contains(pattern, "/") {
				subject = path.Base(candidate)
			}
			if ok, _ := doublestar.Match(pattern, subject); ok {
				return true
			}
		}
	}
	return false
}
