package runner

import (
	"regexp"
	"strings"

	"github.com/ShayCichocki/squad/pkg/models"
)

var (
	codeFence = regexp.MustCompile("(?s)```([\\w+#.-]*)[^\\n]*\\n(.*?)```")
	fileRef   = regexp.MustCompile("(?i)(?:created|modified|wrote|saved|updated)\\s+(?:file\\s+)?[`'\"]([^`'\"\\n]+)[`'\"]")
)

// ExtractArtifacts returns the fenced code blocks in output, then the file
// paths it reports as created or modified. Paths are deduplicated.
func ExtractArtifacts(output string) []models.Artifact {
	var artifacts []models.Artifact
	for _, m := range codeFence.FindAllStringSubmatch(output, -1) {
		lang := m[1]
		if lang == "" {
			lang = "text"
		}
		artifacts = append(artifacts, models.Artifact{
			Type:     models.ArtifactCodeBlock,
			Language: lang,
			Content:  strings.TrimSpace(m[2]),
		})
	}

	seen := make(map[string]bool)
	for _, m := range fileRef.FindAllStringSubmatch(output, -1) {
		p := strings.TrimSpace(m[1])
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		artifacts = append(artifacts, models.Artifact{
			Type:    models.ArtifactFilePath,
			Content: p,
		})
	}
	return artifacts
}
