package intent

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const defaultParserPrompt = `You turn natural-language browser instructions into a structured intent.

Call the submit_intent tool exactly once. Rules:
- kind is one of SEARCH, NAVIGATE, EXTRACT, FORM_FILL, SCREENSHOT. Use SEARCH when unsure.
- subject is the thing being looked for, without prices, counts or URLs.
- "under 50,000" becomes {"field":"PRICE_MAX","value":50000}; "above X" is PRICE_MIN;
  "rated 4+" is RATING_MIN; a required word is KEYWORD.
- "top 5" sets target_count to 5.
- urls lists every URL mentioned, with scheme.
- form_fields maps input names to values for FORM_FILL.
- screenshot is true when the user asks for a screenshot.

If tools are unavailable, answer with the same object as plain JSON and nothing else.`

// PromptManager loads the parser prompt from a directory of markdown files.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

// GetParserPrompt concatenates the prompt files in a fixed order. Unknown
// files follow in name order.
func (pm *PromptManager) GetParserPrompt() (string, error) {
	entries, err := os.ReadDir(pm.Directory)
	if err != nil {
		return "", fmt.Errorf("failed to read prompts directory: %w", err)
	}

	order := map[string]int{
		"intent_parser.md": 1,
		"filters.md":       2,
		"examples.md":      3,
		"user.md":          4,
	}

	sort.Slice(entries, func(i, j int) bool {
		oi, okI := order[entries[i].Name()]
		oj, okJ := order[entries[j].Name()]
		if okI && okJ {
			return oi < oj
		}
		if okI {
			return true
		}
		if okJ {
			return false
		}
		return entries[i].Name() < entries[j].Name()
	})

	var contents []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(pm.Directory, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Warning: Failed to read prompt file %s: %v", path, err)
			continue
		}
		contents = append(contents, string(data))
	}

	if len(contents) == 0 {
		return "", fmt.Errorf("no prompt files found in %s", pm.Directory)
	}
	return strings.Join(contents, "\n\n---\n\n"), nil
}

// DefaultParserPrompt is used when no prompt directory is configured.
func DefaultParserPrompt() string {
	return defaultParserPrompt
}
