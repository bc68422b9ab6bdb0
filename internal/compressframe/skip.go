package compressframe

import "github.com/ryanuber/go-glob"

// SkipPolicy decides whether a given entry should bypass compression
// entirely (spec §4.3 "compress-skip: files below a minimum size, or
// matching an exclude pattern, are stored with algorithm none").
type SkipPolicy struct {
	ExcludeGlobs []string
	MinSize      int64
}

// ShouldSkip reports whether path/size should be stored uncompressed.
func (p SkipPolicy) ShouldSkip(path string, size int64) bool {
	if p.MinSize > 0 && size < p.MinSize {
		return true
	}
	for _, pattern := range p.ExcludeGlobs {
		if glob.Glob(pattern, path) {
			return true
		}
	}
	return false
}
