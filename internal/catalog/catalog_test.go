package catalog

import "testing"

func TestLoad_Default(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, ok := c.Get("birthday_pop")
	if !ok {
		t.Fatal("birthday_pop missing")
	}
	if p.CategoryTitle != "Праздники" {
		t.Errorf("category title = %q", p.CategoryTitle)
	}
	if p.PriceAudio <= 0 {
		t.Errorf("price = %d", p.PriceAudio)
	}
	starter, ok := c.Starter()
	if !ok || starter.ID != "birthday_pop" {
		t.Errorf("starter = %+v", starter)
	}
	if _, ok := c.Get("nope"); ok {
		t.Error("unknown id resolved")
	}
	if got := len(c.ByCategory("mood")); got != 1 {
		t.Errorf("mood presets = %d, want 1", got)
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"duplicate": `
presets:
  - {id: a, title: A, price_audio: 1}
  - {id: a, title: B, price_audio: 1}`,
		"bad mode": `
presets:
  - {id: a, title: A, price_audio: 1, mode: opera}`,
		"no price": `
presets:
  - {id: a, title: A}`,
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParse_DefaultsModeToSong(t *testing.T) {
	c, err := Parse([]byte("presets:\n  - {id: a, title: A, price_audio: 100}\n"))
	if err != nil {
		t.Fatal(err)
	}
	p, _ := c.Get("a")
	if p.Mode != ModeSong {
		t.Errorf("mode = %q", p.Mode)
	}
}
