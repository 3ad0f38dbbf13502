package runner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ShayCichocki/squad/internal/bus"
	"github.com/ShayCichocki/squad/internal/tools"
	"github.com/ShayCichocki/squad/pkg/models"
)

// PromptInput is everything a prompt is assembled from.
type PromptInput struct {
	Worker       *models.WorkerSpec
	Item         *models.WorkItem
	ContextFiles []ContextFile
	Tools        map[tools.Capability]string
	Digest       bus.Digest
	// Instructions is an extra section, e.g. a redundant variant's axis.
	Instructions string
}

// BuildPrompt renders the worker prompt.
func BuildPrompt(in PromptInput) string {
	var sb strings.Builder

	if in.Worker != nil && in.Worker.Role != "" {
		fmt.Fprintf(&sb, "You are %s. %s\n\n", in.Worker.ID, in.Worker.Role)
	}

	it := in.Item
	sb.WriteString("## Task\n\n")
	fmt.Fprintf(&sb, "Task ID: %s\n", it.ID)
	fmt.Fprintf(&sb, "Title: %s\n", it.Title)
	fmt.Fprintf(&sb, "Kind: %s\n", it.Kind)
	fmt.Fprintf(&sb, "Priority: %s\n", it.Priority)
	if len(it.Tags) > 0 {
		fmt.Fprintf(&sb, "Tags: %s\n", strings.Join(it.Tags, ", "))
	}
	if it.Body != "" {
		sb.WriteString("\n")
		sb.WriteString(it.Body)
		sb.WriteString("\n")
	}

	if in.Instructions != "" {
		sb.WriteString("\n## Approach\n\n")
		sb.WriteString(in.Instructions)
		sb.WriteString("\n")
	}

	if len(in.ContextFiles) > 0 {
		sb.WriteString("\n## Context files\n")
		for _, cf := range in.ContextFiles {
			fmt.Fprintf(&sb, "\n### %s\n```\n%s\n```\n", cf.Path, cf.Content)
		}
	}

	if len(in.Tools) > 0 {
		caps := make([]string, 0, len(in.Tools))
		for c := range in.Tools {
			caps = append(caps, string(c))
		}
		sort.Strings(caps)
		sb.WriteString("\n## Preferred command-line tools\n\n")
		for _, c := range caps {
			fmt.Fprintf(&sb, "- %s: `%s`\n", c, in.Tools[tools.Capability(c)])
		}
	}

	if !in.Digest.Empty() {
		sb.WriteString("\n")
		sb.WriteString(in.Digest.Format())
	}

	sb.WriteString("\nWork only inside the current directory. When finished, summarize what you changed and name every file you created or modified.\n")
	return sb.String()
}
