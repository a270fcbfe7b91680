package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

func buildScenePrompt(story string, maxScenes int) string {
	return fmt.Sprintf(`You are a storyboard writer for short animated films. Split the story below into at most %d scenes, in story order.

Output ONLY valid JSON with this exact structure (no markdown, no explanation):
{"scenes": [{"description": "what happens, one or two sentences of narration", "visual_prompt": "a detailed image-generation prompt", "duration_seconds": 5}]}

Rules:
- description is read aloud as narration; keep it under 40 words
- visual_prompt describes one still frame: subject, setting, lighting, camera angle, art style
- duration_seconds between 2 and 20
- Do not invent characters that are not in the story

Story:
%s`, maxScenes, truncateRunes(story, 12000))
}

type sceneDraft struct {
	Description     string  `json:"description"`
	VisualPrompt    string  `json:"visual_prompt"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type scenesPayload struct {
	Scenes []sceneDraft `json:"scenes"`
}

var errNoJSON = errors.New("no JSON object in model output")

// parseScenes decodes model output, tolerating code fences and prose
// around the JSON object, and a bare top-level array.
func parseScenes(raw string) ([]sceneDraft, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "[") {
		var list []sceneDraft
		if err := json.Unmarshal([]byte(s), &list); err != nil {
			return nil, fmt.Errorf("decode scenes: %w", err)
		}
		return list, nil
	}

	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, errNoJSON
	}
	var p scenesPayload
	if err := json.Unmarshal([]byte(s[start:end+1]), &p); err != nil {
		return nil, fmt.Errorf("decode scenes: %w", err)
	}
	return p.Scenes, nil
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
