// Package catalog loads the read-only preset catalog.
package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Generation modes.
const (
	ModeSong         = "song"
	ModeInstrumental = "instrumental"
	ModeUserLyrics   = "user_lyrics"
)

//go:embed presets.yaml
var defaultPresets []byte

type Hints struct {
	Mood  string `yaml:"mood" json:"mood"`
	Vibe  string `yaml:"vibe" json:"vibe"`
	Genre string `yaml:"genre" json:"genre"`
}

type Preset struct {
	ID              string `yaml:"id" json:"id"`
	Title           string `yaml:"title" json:"title"`
	Description     string `yaml:"description" json:"description"`
	CategoryID      string `yaml:"category_id" json:"category_id"`
	CategoryTitle   string `yaml:"category_title" json:"category_title"`
	Mode            string `yaml:"mode" json:"mode"`
	PriceAudio      int64  `yaml:"price_audio" json:"price_audio"`
	ShortForm       bool   `yaml:"short_form" json:"short_form"`
	Starter         bool   `yaml:"starter" json:"starter"`
	Hints           Hints  `yaml:"hints" json:"hints"`
	Recommendations string `yaml:"recommendations" json:"recommendations,omitempty"`
}

type Category struct {
	ID    string `yaml:"id" json:"id"`
	Title string `yaml:"title" json:"title"`
}

type file struct {
	Categories []Category `yaml:"categories"`
	Presets    []Preset   `yaml:"presets"`
}

// Catalog is immutable once loaded.
type Catalog struct {
	categories []Category
	presets    []Preset
	byID       map[string]Preset
}

// Load reads the catalog at path, or the built-in catalog when path is empty.
func Load(path string) (*Catalog, error) {
	data := defaultPresets
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read presets: %w", err)
		}
		data = b
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}
	titles := make(map[string]string, len(f.Categories))
	for _, c := range f.Categories {
		titles[c.ID] = c.Title
	}
	c := &Catalog{categories: f.Categories, byID: make(map[string]Preset, len(f.Presets))}
	for _, p := range f.Presets {
		if p.ID == "" {
			return nil, fmt.Errorf("preset %q: missing id", p.Title)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("preset %q: duplicate id", p.ID)
		}
		switch p.Mode {
		case "":
			p.Mode = ModeSong
		case ModeSong, ModeInstrumental, ModeUserLyrics:
		default:
			return nil, fmt.Errorf("preset %q: unknown mode %q", p.ID, p.Mode)
		}
		if p.PriceAudio <= 0 {
			return nil, fmt.Errorf("preset %q: price_audio must be positive", p.ID)
		}
		if p.CategoryTitle == "" {
			p.CategoryTitle = titles[p.CategoryID]
		}
		c.presets = append(c.presets, p)
		c.byID[p.ID] = p
	}
	return c, nil
}

// Get returns the preset with id, if any.
func (c *Catalog) Get(id string) (Preset, bool) {
	p, ok := c.byID[id]
	return p, ok
}

func (c *Catalog) Categories() []Category {
	return append([]Category(nil), c.categories...)
}

func (c *Catalog) ByCategory(categoryID string) []Preset {
	var out []Preset
	for _, p := range c.presets {
		if p.CategoryID == categoryID {
			out = append(out, p)
		}
	}
	return out
}

func (c *Catalog) All() []Preset {
	return append([]Preset(nil), c.presets...)
}

// Starter is the preset offered to first-time users.
func (c *Catalog) Starter() (Preset, bool) {
	for _, p := range c.presets {
		if p.Starter {
			return p, true
		}
	}
	return Preset{}, false
}
