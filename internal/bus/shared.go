package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"
)

const sharedStateFile = "shared_state.json"

// Digest limits.
const (
	digestFiles     = 20
	digestErrors    = 5
	digestDecisions = 5
)

// TaskRecord is an entry in the completed-tasks log.
type TaskRecord struct {
	Agent     string    `json:"agent"`
	TaskID    string    `json:"task_id"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorRecord is an entry in the errors log.
type ErrorRecord struct {
	Agent     string    `json:"agent"`
	TaskID    string    `json:"task_id,omitempty"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// DecisionRecord is an entry in the decisions log.
type DecisionRecord struct {
	Agent     string    `json:"agent"`
	Decision  string    `json:"decision"`
	Rationale string    `json:"rationale,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SharedState is the append-only shared-context document.
type SharedState struct {
	TasksCompleted []TaskRecord `json:"tasks_completed"`
	// FilesModified is the union of touched files, least recently touched first.
	FilesModified []string `json:"files_modified"`
	// AgentKnowledge maps agent to key to value.
	AgentKnowledge map[string]map[string]string `json:"agent_knowledge"`
	ErrorsFound    []ErrorRecord                `json:"errors_found"`
	DecisionsMade  []DecisionRecord             `json:"decisions_made"`
	UpdatedAt      time.Time                    `json:"updated_at"`
}

func newSharedState() *SharedState {
	return &SharedState{AgentKnowledge: make(map[string]map[string]string)}
}

func (s *SharedState) clone() *SharedState {
	c := &SharedState{
		TasksCompleted: append([]TaskRecord(nil), s.TasksCompleted...),
		FilesModified:  append([]string(nil), s.FilesModified...),
		ErrorsFound:    append([]ErrorRecord(nil), s.ErrorsFound...),
		DecisionsMade:  append([]DecisionRecord(nil), s.DecisionsMade...),
		AgentKnowledge: make(map[string]map[string]string, len(s.AgentKnowledge)),
		UpdatedAt:      s.UpdatedAt,
	}
	for agent, kv := range s.AgentKnowledge {
		m := make(map[string]string, len(kv))
		for k, v := range kv {
			m[k] = v
		}
		c.AgentKnowledge[agent] = m
	}
	return c
}

// RecordTaskCompleted appends a completed-task record.
func (b *Bus) RecordTaskCompleted(agent, taskID, result string) error {
	return b.mutateShared(func(s *SharedState) {
		s.TasksCompleted = append(s.TasksCompleted, TaskRecord{
			Agent: agent, TaskID: taskID, Result: result, Timestamp: time.Now(),
		})
	})
}

// RecordFilesModified adds files to the touched set, moving re-touched files to the end.
func (b *Bus) RecordFilesModified(files ...string) error {
	if len(files) == 0 {
		return nil
	}
	return b.mutateShared(func(s *SharedState) {
		for _, f := range files {
			if f == "" {
				continue
			}
			for i, existing := range s.FilesModified {
				if existing == f {
					s.FilesModified = append(s.FilesModified[:i], s.FilesModified[i+1:]...)
					break
				}
			}
			s.FilesModified = append(s.FilesModified, f)
		}
	})
}

// ShareKnowledge stores a key/value contributed by an agent.
func (b *Bus) ShareKnowledge(agent, key, value string) error {
	return b.mutateShared(func(s *SharedState) {
		kv, ok := s.AgentKnowledge[agent]
		if !ok {
			kv = make(map[string]string)
			s.AgentKnowledge[agent] = kv
		}
		kv[key] = value
	})
}

// RecordError appends an error record.
func (b *Bus) RecordError(agent, taskID, errText string) error {
	return b.mutateShared(func(s *SharedState) {
		s.ErrorsFound = append(s.ErrorsFound, ErrorRecord{
			Agent: agent, TaskID: taskID, Error: errText, Timestamp: time.Now(),
		})
	})
}

// RecordDecision appends a decision record.
func (b *Bus) RecordDecision(agent, decision, rationale string) error {
	return b.mutateShared(func(s *SharedState) {
		s.DecisionsMade = append(s.DecisionsMade, DecisionRecord{
			Agent: agent, Decision: decision, Rationale: rationale, Timestamp: time.Now(),
		})
	})
}

// Snapshot returns a deep copy of the shared state.
func (b *Bus) Snapshot() *SharedState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shared.clone()
}

// SharedStatePath is where the shared state is persisted.
func (b *Bus) SharedStatePath() string {
	return b.sharedPath
}

// mutateShared applies fn and rewrites the document under the bus mutex.
func (b *Bus) mutateShared(fn func(*SharedState)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.shared)
	b.shared.UpdatedAt = time.Now()
	return b.saveSharedLocked()
}

func (b *Bus) saveSharedLocked() error {
	data, err := json.MarshalIndent(b.shared, "", "  ")
	if err != nil {
		return fmt.Errorf("encode shared state: %w", err)
	}
	tmp := b.sharedPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write shared state: %w", err)
	}
	if err := os.Rename(tmp, b.sharedPath); err != nil {
		return fmt.Errorf("replace shared state: %w", err)
	}
	return nil
}

func (b *Bus) loadShared() error {
	data, err := os.ReadFile(b.sharedPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read shared state: %w", err)
	}
	s := newSharedState()
	if err := json.Unmarshal(data, s); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(b.sharedPath), err)
	}
	if s.AgentKnowledge == nil {
		s.AgentKnowledge = make(map[string]map[string]string)
	}
	b.shared = s
	return nil
}

// Knowledge is one agent-contributed entry selected for a digest.
type Knowledge struct {
	Agent string
	Key   string
	Value string
}

// Digest is the slice of shared context included in a worker prompt.
type Digest struct {
	RecentFiles     []string
	RecentErrors    []ErrorRecord
	RecentDecisions []DecisionRecord
	Knowledge       []Knowledge
}

// Empty reports whether the digest has nothing to say.
func (d Digest) Empty() bool {
	return len(d.RecentFiles) == 0 && len(d.RecentErrors) == 0 &&
		len(d.RecentDecisions) == 0 && len(d.Knowledge) == 0
}

// Digest selects the most recent files, errors and decisions plus the
// knowledge whose key or value shares a word with the given text.
func (b *Bus) Digest(text string) Digest {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.shared
	d := Digest{
		RecentFiles:     tail(s.FilesModified, digestFiles),
		RecentErrors:    tail(s.ErrorsFound, digestErrors),
		RecentDecisions: tail(s.DecisionsMade, digestDecisions),
	}

	words := significantWords(text)
	agents := make([]string, 0, len(s.AgentKnowledge))
	for a := range s.AgentKnowledge {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	for _, agent := range agents {
		kv := s.AgentKnowledge[agent]
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			hay := strings.ToLower(k + " " + kv[k])
			for w := range words {
				if strings.Contains(hay, w) {
					d.Knowledge = append(d.Knowledge, Knowledge{Agent: agent, Key: k, Value: kv[k]})
					break
				}
			}
		}
	}
	return d
}

// Format renders the digest as a prompt section.
func (d Digest) Format() string {
	if d.Empty() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Shared context from other workers\n")
	if len(d.RecentFiles) > 0 {
		sb.WriteString("\nRecently modified files:\n")
		for _, f := range d.RecentFiles {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
	}
	if len(d.RecentErrors) > 0 {
		sb.WriteString("\nRecent errors:\n")
		for _, e := range d.RecentErrors {
			fmt.Fprintf(&sb, "- [%s] %s\n", e.Agent, e.Error)
		}
	}
	if len(d.RecentDecisions) > 0 {
		sb.WriteString("\nDecisions made:\n")
		for _, dec := range d.RecentDecisions {
			fmt.Fprintf(&sb, "- [%s] %s\n", dec.Agent, dec.Decision)
		}
	}
	if len(d.Knowledge) > 0 {
		sb.WriteString("\nRelevant knowledge:\n")
		for _, k := range d.Knowledge {
			fmt.Fprintf(&sb, "- [%s] %s: %s\n", k.Agent, k.Key, k.Value)
		}
	}
	return sb.String()
}

func tail[T any](s []T, n int) []T {
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return append([]T(nil), s...)
}

// significantWords returns the lowercased words of at least four letters.
func significantWords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 4 {
			words[w] = true
		}
	}
	return words
}
