package prompts

import (
	"strings"
	"testing"

	"github.com/melodyforge/backend/internal/catalog"
)

var preset = catalog.Preset{
	ID: "p", Title: "День рождения", CategoryTitle: "Праздники", Description: "desc",
	Mode: catalog.ModeSong, ShortForm: true,
	Hints: catalog.Hints{Mood: "радостное", Vibe: "праздничный", Genre: "pop"},
}

func TestLyrics_RendersBriefAndHints(t *testing.T) {
	msgs, err := Lyrics(preset, "для Маши, 30 лет")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	user := msgs[1].Content[0].Text
	for _, want := range []string{"для Маши, 30 лет", "pop", "два куплета"} {
		if !strings.Contains(user, want) {
			t.Errorf("user prompt missing %q:\n%s", want, user)
		}
	}
}

func TestEdit_CarriesLyricsAndRequest(t *testing.T) {
	msgs, err := Edit("old lyrics", "сделай веселее")
	if err != nil {
		t.Fatal(err)
	}
	user := msgs[1].Content[0].Text
	if !strings.Contains(user, "old lyrics") || !strings.Contains(user, "сделай веселее") {
		t.Errorf("edit prompt = %q", user)
	}
}

func TestParseInstrumental(t *testing.T) {
	title, prompt := ParseInstrumental("Title: «Тихий вечер»\nPrompt: calm lo-fi beat, instrumental, no vocals")
	if title != "Тихий вечер" {
		t.Errorf("title = %q", title)
	}
	if prompt != "calm lo-fi beat, instrumental, no vocals" {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestParseInstrumental_AddsMarker(t *testing.T) {
	title, prompt := ParseInstrumental("Title: Rain\nsoft piano with rain sounds.")
	if title != "Rain" {
		t.Errorf("title = %q", title)
	}
	if prompt != "soft piano with rain sounds, "+InstrumentalMarker {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestSplitLyricsTitle(t *testing.T) {
	title, lyrics := SplitLyricsTitle("Название: Праздник\n[Verse]\nla la")
	if title != "Праздник" || lyrics != "[Verse]\nla la" {
		t.Errorf("got %q / %q", title, lyrics)
	}
	title, lyrics = SplitLyricsTitle("[Verse]\nla la")
	if title != "" || lyrics != "[Verse]\nla la" {
		t.Errorf("got %q / %q", title, lyrics)
	}
}
