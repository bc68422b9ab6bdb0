// Package volume implements VolumeManager (spec §4.6): the optical-media
// fill pipeline (image/ecc/write command templates), the medium-change
// protocol, and the staging-space preflight check. It is grounded directly
// on original_source/bar/bar/storage_optical.c, which the distilled spec
// summarizes; the teacher has no analogue (object storage has no concept of
// a physical medium), so the command-template shape follows the original's
// textMacro substitution table rather than any teacher file.
package volume

import (
	"strconv"
	"strings"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

// Macros is the substitution table for one command template invocation.
// Unset fields (an empty string, or Number/Sectors not set via
// WithNumber/WithSectors) are simply not substituted; a template
// referencing them is left with the literal placeholder intact (spec §4.6
// "Unknown placeholders are left intact").
type Macros struct {
	Device    string
	Directory string
	Image     string
	File      string
	Number    int
	Sectors   uint64

	hasNumber  bool
	hasSectors bool
}

// WithNumber sets the %number placeholder (distinguishing "0" from "unset").
func (m Macros) WithNumber(n int) Macros {
	m.Number = n
	m.hasNumber = true
	return m
}

// WithSectors sets the %sectors placeholder.
func (m Macros) WithSectors(s uint64) Macros {
	m.Sectors = s
	m.hasSectors = true
	return m
}

// placeholders are the only tokens this implementation recognizes, matching
// storage_optical.c's textMacro table (%device, %directory, %image, %file,
// %number, %sectors).
var placeholders = []string{"%device", "%directory", "%image", "%file", "%number", "%sectors"}

// Expand substitutes m's known placeholders into template, leaving any
// unknown "%xxx" token untouched.
func Expand(template string, m Macros) string {
	var pairs []string
	for _, kv := range [][2]string{{"%device", m.Device}, {"%directory", m.Directory}, {"%image", m.Image}, {"%file", m.File}} {
		if kv[1] != "" {
			pairs = append(pairs, kv[0], kv[1])
		}
	}
	if m.hasNumber {
		pairs = append(pairs, "%number", strconv.Itoa(m.Number))
	}
	if m.hasSectors {
		pairs = append(pairs, "%sectors", strconv.FormatUint(m.Sectors, 10))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// ValidateTemplate enforces spec §4.6's load-time check: a template that
// uses a required placeholder it cannot supply is TEMPLATE_INVALID at load
// time, not at run time. required lists the placeholders this particular
// command slot must be able to fill (e.g. imageCommand requires %image).
func ValidateTemplate(name, template string, required ...string) error {
	for _, r := range required {
		if !strings.Contains(template, r) {
			return barerr.New(barerr.KindTemplateInvalid, "%s command template %q is missing required placeholder %s", name, template, r)
		}
	}
	return nil
}
