// Package classify analyzes a shell command string and decides whether it is
// destructive, and if so which category and how severe, so the per-agent
// executor knows whether to snapshot first. It is a pure function over text:
// no filesystem access, no process spawning.
//
// The rule table mirrors the ordered-regex-list architecture used elsewhere
// in this codebase for pattern-driven classification (see pkg/tools'
// error-hint table): a declared, auditable data table rather than scattered
// if/else control flow.
package classify

import (
	"regexp"
	"strings"
)

// Category is the kind of destructive operation a command performs.
// Categories are checked in this declared order; the first category with a
// matching rule wins.
type Category string

const (
	CategoryDelete   Category = "delete"
	CategoryMove     Category = "move"
	CategoryFormat   Category = "format"
	CategoryTruncate Category = "truncate"
	CategoryRegistry Category = "registry"
	CategoryDatabase Category = "database"
	CategorySystem   Category = "system"
)

// categoryOrder is the first-match-wins check order. Preserved as a literal
// list rather than derived from map iteration, since map order is undefined
// and this order is load-bearing (P6).
var categoryOrder = []Category{
	CategoryDelete,
	CategoryMove,
	CategoryFormat,
	CategoryTruncate,
	CategoryRegistry,
	CategoryDatabase,
	CategorySystem,
}

// Severity ranks how dangerous a destructive command is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Analysis is the result of classifying one command string.
type Analysis struct {
	IsDestructive   bool     `json:"is_destructive"`
	Category        Category `json:"category,omitempty"`
	AffectedPaths   []string `json:"affected_paths,omitempty"`
	Severity        Severity `json:"severity,omitempty"`
	Description     string   `json:"description,omitempty"`
	RequiresBackup  bool     `json:"requires_backup"`
}

// safePatterns short-circuit to not-destructive when any one matches, before
// any category rule is evaluated.
var safePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bdir\s+`),
	regexp.MustCompile(`(?i)\bls\s+`),
	regexp.MustCompile(`(?i)\bGet-ChildItem\s+`),
	regexp.MustCompile(`(?i)\becho\s+.*>>\s+`),
	regexp.MustCompile(`(?i)\bcopy\s+`),
	regexp.MustCompile(`(?i)\bcp\s+`),
	regexp.MustCompile(`(?i)\bxcopy\s+`),
	regexp.MustCompile(`(?i)\brobocopy\s+`),
	regexp.MustCompile(`(?i)\brsync\s+`),
}

// rule pairs one regex with the category it signals. A rule's capture groups
// (if any) are taken as path-like tokens for AffectedPaths.
type rule struct {
	category Category
	pattern  *regexp.Regexp
}

// rules is the full per-category pattern set, preserved verbatim from the
// source tool's classification table (see DESIGN.md Open Question 2).
var rules = []rule{
	{CategoryDelete, regexp.MustCompile(`(?i)\b(del|erase)\s+(?:/[a-z]+\s+)*["']?([^"'>\s]+)["']?`)},
	{CategoryDelete, regexp.MustCompile(`(?i)\brd\s+(?:/[a-z]+\s+)*["']?([^"'>\s]+)["']?`)},
	{CategoryDelete, regexp.MustCompile(`(?i)\brmdir\s+(?:/[a-z]+\s+)*["']?([^"'>\s]+)["']?`)},
	{CategoryDelete, regexp.MustCompile(`(?i)\brm\s+(?:-[a-z]+\s+)*["']?([^"'>\s]+)["']?`)},
	{CategoryDelete, regexp.MustCompile(`(?i)\bRemove-Item\s+(?:-[a-zA-Z]+\s+)*["']?([^"'>\s]+)["']?`)},
	{CategoryDelete, regexp.MustCompile(`(?i)\bri\s+(?:-[a-zA-Z]+\s+)*["']?([^"'>\s]+)["']?`)},

	{CategoryMove, regexp.MustCompile(`(?i)\bmove\s+(?:/[a-z]+\s+)*["']?([^"'>\s]+)["']?\s+["']?([^"'>\s]+)["']?`)},
	{CategoryMove, regexp.MustCompile(`(?i)\bren\s+(?:/[a-z]+\s+)*["']?([^"'>\s]+)["']?`)},
	{CategoryMove, regexp.MustCompile(`(?i)\brename\s+(?:/[a-z]+\s+)*["']?([^"'>\s]+)["']?`)},
	{CategoryMove, regexp.MustCompile(`(?i)\bmv\s+(?:-[a-z]+\s+)*["']?([^"'>\s]+)["']?\s+["']?([^"'>\s]+)["']?`)},
	{CategoryMove, regexp.MustCompile(`(?i)\bMove-Item\s+(?:-[a-zA-Z]+\s+)*["']?([^"'>\s]+)["']?`)},
	{CategoryMove, regexp.MustCompile(`(?i)\bmi\s+(?:-[a-zA-Z]+\s+)*["']?([^"'>\s]+)["']?`)},
	{CategoryMove, regexp.MustCompile(`(?i)\bRename-Item\s+(?:-[a-zA-Z]+\s+)*["']?([^"'>\s]+)["']?`)},
	{CategoryMove, regexp.MustCompile(`(?i)\brni\s+(?:-[a-zA-Z]+\s+)*["']?([^"'>\s]+)["']?`)},

	{CategoryFormat, regexp.MustCompile(`(?i)\bformat\s+([a-zA-Z]:)`)},
	{CategoryFormat, regexp.MustCompile(`(?i)\bdiskpart\b`)},
	{CategoryFormat, regexp.MustCompile(`(?i)\bmkfs\.`)},
	{CategoryFormat, regexp.MustCompile(`(?i)\bfdisk\b`)},

	{CategoryTruncate, regexp.MustCompile(`(?i)\becho\s+(?:""|''|\.)\s*>\s*["']?([^"'>\s]+)["']?`)},
	{CategoryTruncate, regexp.MustCompile(`(?i)\bClear-Content\s+(?:-[a-zA-Z]+\s+)*["']?([^"'>\s]+)["']?`)},
	{CategoryTruncate, regexp.MustCompile(`(?i)\bclc\s+(?:-[a-zA-Z]+\s+)*["']?([^"'>\s]+)["']?`)},
	{CategoryTruncate, regexp.MustCompile(`(?i)\btruncate\s+(?:-[a-z]+\s+)*["']?([^"'>\s]+)["']?`)},
	{CategoryTruncate, regexp.MustCompile(`(?i)>\s*["']?([^"'>\s]+)["']?(?:[^>]|$)`)},

	{CategoryRegistry, regexp.MustCompile(`(?i)\breg\s+delete\b`)},
	{CategoryRegistry, regexp.MustCompile(`(?i)\breg\s+add\b.*/f`)},

	{CategoryDatabase, regexp.MustCompile(`(?i)\bDROP\s+(TABLE|DATABASE|SCHEMA)\b`)},
	{CategoryDatabase, regexp.MustCompile(`(?i)\bTRUNCATE\s+TABLE\b`)},
	{CategoryDatabase, regexp.MustCompile(`(?i)\bDELETE\s+FROM\b`)},

	{CategorySystem, regexp.MustCompile(`(?i)\bshutdown\b`)},
	{CategorySystem, regexp.MustCompile(`(?i)\breboot\b`)},
	{CategorySystem, regexp.MustCompile(`(?i)\binit\s+[0-6]`)},
	{CategorySystem, regexp.MustCompile(`(?i)\bsystemctl\s+(stop|disable|mask)`)},
	{CategorySystem, regexp.MustCompile(`(?i)\bsc\s+(stop|delete)\b`)},
}

var recursiveFlag = regexp.MustCompile(`(?i)(/s\b|-r\b|-rf\b|-recurse\b|-force\b)`)
var wildcardToken = regexp.MustCompile(`[*?]`)
var forcedMoveFlag = regexp.MustCompile(`(?i)(/y\b|-f\b|-force\b)`)

// systemPathPrefixes are matched case-insensitively against each affected
// path; any match escalates a delete to critical.
var systemPathPrefixes = []string{
	`C:\Windows`, `C:\Program Files`, `C:\Program Files (x86)`, `C:\System`,
	`C:\Boot`, `C:\Users\All Users`, `C:\ProgramData`,
	"/bin", "/sbin", "/usr/bin", "/usr/sbin", "/lib", "/etc", "/boot", "/sys", "/proc", "/root",
}

// Analyze classifies a command string. It never returns an error: an
// unrecognized command is simply not destructive.
func Analyze(command string) Analysis {
	for _, p := range safePatterns {
		if p.MatchString(command) {
			return Analysis{IsDestructive: false}
		}
	}

	for _, cat := range categoryOrder {
		for _, r := range rules {
			if r.category != cat {
				continue
			}
			m := r.pattern.FindStringSubmatch(command)
			if m == nil {
				continue
			}
			return buildAnalysis(cat, command, extractPaths(m))
		}
	}

	return Analysis{IsDestructive: false}
}

func extractPaths(match []string) []string {
	var paths []string
	for _, g := range match[1:] {
		g = strings.Trim(g, `"'`)
		if g == "" || strings.HasPrefix(g, "-") {
			continue
		}
		paths = append(paths, g)
	}
	return paths
}

func buildAnalysis(cat Category, command string, paths []string) Analysis {
	a := Analysis{
		IsDestructive: true,
		Category:      cat,
		AffectedPaths: paths,
		RequiresBackup: true,
	}

	switch cat {
	case CategoryDelete:
		a.Severity = SeverityMedium
		a.Description = "Deletes files or directories"
		if recursiveFlag.MatchString(command) {
			a.Severity = SeverityHigh
			a.Description = "Recursively deletes files or directories"
		}
		if wildcardToken.MatchString(command) {
			a.Severity = SeverityHigh
			a.Description = "Deletes multiple files using wildcards"
		}
		if pathUnderSystemPrefix(paths) {
			a.Severity = SeverityCritical
			a.Description = "Deletes system files or directories (CRITICAL)"
		}

	case CategoryMove:
		a.Severity = SeverityMedium
		a.Description = "Moves or renames files/directories"
		if forcedMoveFlag.MatchString(command) {
			a.Severity = SeverityHigh
			a.Description = "Forcefully moves/renames (may overwrite existing files)"
		}

	case CategoryFormat:
		a.Severity = SeverityCritical
		a.Description = "Formats disk or partition (ALL DATA WILL BE LOST)"
		a.RequiresBackup = false

	case CategoryTruncate:
		a.Severity = SeverityMedium
		a.Description = "Overwrites or clears file contents"

	case CategoryRegistry:
		a.Severity = SeverityHigh
		a.Description = "Modifies Windows registry"

	case CategoryDatabase:
		a.Severity = SeverityHigh
		a.Description = "Destructive database operation"

	case CategorySystem:
		a.Severity = SeverityCritical
		a.Description = "System-wide operation"
		a.RequiresBackup = false
	}

	return a
}

func pathUnderSystemPrefix(paths []string) bool {
	for _, p := range paths {
		lp := strings.ToLower(p)
		for _, prefix := range systemPathPrefixes {
			if strings.HasPrefix(lp, strings.ToLower(prefix)) {
				return true
			}
		}
	}
	return false
}
