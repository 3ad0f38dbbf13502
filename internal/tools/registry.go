// Package tools detects preferred command-line utilities on the host and
// maps them to capability tags that are suggested to workers.
package tools

import (
	"sort"
	"strings"

	"github.com/ShayCichocki/squad/pkg/models"
)

// Capability is a tag describing what a command-line tool is for.
type Capability string

const (
	Search      Capability = "search"
	FileFind    Capability = "file-find"
	FileView    Capability = "file-view"
	FileList    Capability = "file-list"
	TextReplace Capability = "text-replace"
	JSONProcess Capability = "json-process"
	YAMLProcess Capability = "yaml-process"
	DiffView    Capability = "diff-view"
	ProcessView Capability = "process-view"
	VCSHost     Capability = "vcs-host"
)

// Preferences lists, per capability, the executables to try in order.
// The first one found on PATH wins.
var Preferences = map[Capability][]string{
	Search:      {"rg", "ag", "ack", "grep"},
	FileFind:    {"fd", "fdfind", "find"},
	FileView:    {"bat", "batcat", "cat"},
	FileList:    {"eza", "exa", "ls"},
	TextReplace: {"sd", "sed"},
	JSONProcess: {"jq", "jaq"},
	YAMLProcess: {"yq"},
	DiffView:    {"delta", "diff"},
	ProcessView: {"procs", "ps"},
	VCSHost:     {"gh"},
}

// keywordTags selects capabilities from words in a work item.
var keywordTags = []struct {
	words []string
	tag   Capability
}{
	{[]string{"search", "grep", "find usages", "locate"}, Search},
	{[]string{"file", "find", "directory", "rename"}, FileFind},
	{[]string{"view", "read", "inspect", "display"}, FileView},
	{[]string{"replace", "rename", "substitute"}, TextReplace},
	{[]string{"json", "api", "payload"}, JSONProcess},
	{[]string{"yaml", "yml", "config", "manifest", "kubernetes"}, YAMLProcess},
	{[]string{"diff", "compare", "review"}, DiffView},
	{[]string{"process", "monitor", "performance"}, ProcessView},
	{[]string{"github", "pull request", "issue", "release"}, VCSHost},
}

// PathLookup resolves executables on PATH. exec.CommandRunner satisfies it.
type PathLookup interface {
	LookPath(name string) (string, error)
}

// Registry maps capabilities to the preferred command present on the host.
// It is immutable after Discover and safe for concurrent reads.
type Registry struct {
	best    map[Capability]string
	missing []Capability
}

// Discover walks every preference list once and records the first hit per
// capability. Capabilities with no hit are recorded as missing, not errors.
func Discover(lookup PathLookup) *Registry {
	r := &Registry{best: make(map[Capability]string)}
	for _, capability := range Capabilities() {
		found := false
		for _, name := range Preferences[capability] {
			if _, err := lookup.LookPath(name); err == nil {
				r.best[capability] = name
				found = true
				break
			}
		}
		if !found {
			r.missing = append(r.missing, capability)
		}
	}
	return r
}

// Capabilities returns every known capability in sorted order.
func Capabilities() []Capability {
	out := make([]Capability, 0, len(Preferences))
	for c := range Preferences {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BestFor returns the preferred command for a capability.
func (r *Registry) BestFor(c Capability) (string, bool) {
	cmd, ok := r.best[c]
	return cmd, ok
}

// All returns a copy of the capability to command mapping.
func (r *Registry) All() map[Capability]string {
	out := make(map[Capability]string, len(r.best))
	for k, v := range r.best {
		out[k] = v
	}
	return out
}

// Missing returns the capabilities for which no tool was found.
func (r *Registry) Missing() []Capability {
	return append([]Capability(nil), r.missing...)
}

// SuggestFor selects capabilities from the item's tags and keywords and
// returns the available command for each. Search and file-find are always
// suggested when available.
func (r *Registry) SuggestFor(item *models.WorkItem) map[Capability]string {
	wanted := map[Capability]bool{Search: true, FileFind: true}
	for _, tag := range item.Tags {
		if _, known := Preferences[Capability(strings.ToLower(tag))]; known {
			wanted[Capability(strings.ToLower(tag))] = true
		}
	}
	text := item.Keywords()
	for _, kt := range keywordTags {
		for _, w := range kt.words {
			if strings.Contains(text, w) {
				wanted[kt.tag] = true
				break
			}
		}
	}

	out := make(map[Capability]string, len(wanted))
	for c := range wanted {
		if cmd, ok := r.best[c]; ok {
			out[c] = cmd
		}
	}
	return out
}
