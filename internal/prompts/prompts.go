// Package prompts renders the chat messages sent to the text model.
package prompts

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/melodyforge/backend/internal/catalog"
	"github.com/melodyforge/backend/internal/genapi"
)

//go:embed templates.tmpl
var templatesSrc string

var templates = template.Must(template.New("prompts").Parse(templatesSrc))

// InstrumentalMarker must appear in every instrumental render prompt.
const InstrumentalMarker = "instrumental, no vocals"

type vars struct {
	Preset      catalog.Preset
	Brief       string
	Mode        string
	Content     string
	Lyrics      string
	EditRequest string
	UserLyrics  string
}

func render(name string, v vars) (string, error) {
	var b strings.Builder
	if err := templates.ExecuteTemplate(&b, name, v); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(b.String()), nil
}

func pair(system, user string, v vars) ([]genapi.Message, error) {
	sys, err := render(system, v)
	if err != nil {
		return nil, err
	}
	usr, err := render(user, v)
	if err != nil {
		return nil, err
	}
	return []genapi.Message{genapi.TextMessage("system", sys), genapi.TextMessage("user", usr)}, nil
}

func Lyrics(p catalog.Preset, brief string) ([]genapi.Message, error) {
	return pair("lyrics_system", "lyrics_user", vars{Preset: p, Brief: brief})
}

// Tags asks for style tags for content, which is lyrics or an instrumental description.
func Tags(p catalog.Preset, content string) ([]genapi.Message, error) {
	return pair("tags_system", "tags_user", vars{Preset: p, Mode: p.Mode, Content: content})
}

func Edit(lyrics, editRequest string) ([]genapi.Message, error) {
	return pair("edit_system", "edit_user", vars{Lyrics: lyrics, EditRequest: editRequest})
}

func Instrumental(p catalog.Preset, brief string) ([]genapi.Message, error) {
	return pair("instrumental_system", "instrumental_user", vars{Preset: p, Brief: brief})
}

func UserLyrics(p catalog.Preset, brief, raw string) ([]genapi.Message, error) {
	return pair("user_lyrics_system", "user_lyrics_user", vars{Preset: p, Brief: brief, UserLyrics: raw})
}

var (
	titleLine  = regexp.MustCompile(`(?im)^\s*(?:title|название)\s*:\s*(.+?)\s*$`)
	promptLine = regexp.MustCompile(`(?is)^\s*prompt\s*:\s*(.+)$`)
)

// ParseInstrumental splits a "Title:/Prompt:" answer. Without a Prompt line
// the whole text minus the title is used. The marker is appended when missing.
func ParseInstrumental(text string) (title, prompt string) {
	if m := titleLine.FindStringSubmatch(text); m != nil {
		title = strings.Trim(m[1], `"«» `)
	}
	prompt = strings.TrimSpace(text)
	for _, line := range strings.Split(text, "\n") {
		if m := promptLine.FindStringSubmatch(line); m != nil {
			prompt = strings.TrimSpace(m[1])
			break
		}
	}
	if prompt == strings.TrimSpace(text) {
		prompt = strings.TrimSpace(titleLine.ReplaceAllString(text, ""))
	}
	if !strings.Contains(strings.ToLower(prompt), InstrumentalMarker) {
		prompt = strings.TrimRight(prompt, " .,") + ", " + InstrumentalMarker
	}
	return title, prompt
}

// SplitLyricsTitle removes a leading "Название: ..." line from generated lyrics.
func SplitLyricsTitle(text string) (title, lyrics string) {
	lines := strings.SplitN(strings.TrimSpace(text), "\n", 2)
	if m := titleLine.FindStringSubmatch(lines[0]); m != nil {
		title = strings.Trim(m[1], `"«» `)
		if len(lines) == 2 {
			return title, strings.TrimSpace(lines[1])
		}
		return title, ""
	}
	return "", strings.TrimSpace(text)
}
