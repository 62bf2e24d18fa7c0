package genapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Text responses come in three shapes.
type textShape int

const (
	shapeUnknown textShape = iota
	shapeDirectText
	shapeChoices
	shapeNestedWrapper
)

// textBody is a text response decoded once at the boundary. Exactly one of
// text or nested is meaningful depending on shape.
type textBody struct {
	shape  textShape
	text   string
	nested json.RawMessage
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type choicesEnvelope struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

var errNoText = errors.New("no text in response")

// stringOrList decodes "x" or ["x", ...] and returns the first non-blank entry.
func stringOrList(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, strings.TrimSpace(s) != ""
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, item := range list {
			if strings.TrimSpace(item) != "" {
				return item, true
			}
		}
	}
	return "", false
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func classifyText(raw json.RawMessage) textBody {
	if s, ok := stringOrList(raw); ok {
		return textBody{shape: shapeDirectText, text: s}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return textBody{}
	}
	if _, ok := obj["choices"]; ok {
		var env choicesEnvelope
		if err := json.Unmarshal(raw, &env); err == nil && len(env.Choices) > 0 {
			if text, ok := messageContent(env.Choices[0].Message.Content); ok {
				return textBody{shape: shapeChoices, text: text}
			}
		}
	}
	for _, key := range []string{"result", "output"} {
		if v, ok := obj[key]; ok {
			if s, ok := stringOrList(v); ok {
				return textBody{shape: shapeDirectText, text: s}
			}
		}
	}
	for _, key := range []string{"result", "response", "data", "output"} {
		if v, ok := obj[key]; ok && isObject(v) {
			return textBody{shape: shapeNestedWrapper, nested: v}
		}
		// Some responses wrap the chat completion in a one-element list.
		var list []json.RawMessage
		if v, ok := obj[key]; ok && json.Unmarshal(v, &list) == nil && len(list) > 0 && isObject(list[0]) {
			return textBody{shape: shapeNestedWrapper, nested: list[0]}
		}
	}
	return textBody{}
}

// messageContent accepts either a plain string or a list of typed parts.
func messageContent(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, strings.TrimSpace(s) != ""
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", false
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "" || p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String(), strings.TrimSpace(b.String()) != ""
}

// ParseText reduces any known text response shape to plain text.
func ParseText(raw json.RawMessage) (string, error) {
	for depth := 0; depth < 4; depth++ {
		body := classifyText(raw)
		switch body.shape {
		case shapeDirectText, shapeChoices:
			return strings.TrimSpace(body.text), nil
		case shapeNestedWrapper:
			raw = body.nested
		default:
			return "", errNoText
		}
	}
	return "", errNoText
}

// Audio responses are a list or a dict of URL-bearing values.
type audioShape int

const (
	shapeURLList audioShape = iota + 1
	shapeURLDict
)

type audioItem struct {
	AudioURL       string `json:"audio_url"`
	URL            string `json:"url"`
	StreamAudioURL string `json:"stream_audio_url"`
}

func (a audioItem) best() string {
	for _, u := range []string{a.AudioURL, a.URL, a.StreamAudioURL} {
		if usableURL(u) {
			return u
		}
	}
	return ""
}

func usableURL(u string) bool {
	u = strings.TrimSpace(u)
	return strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://")
}

var urlDictKeys = []string{"urls", "audio_urls", "result", "output", "data", "response"}

func classifyAudio(raw json.RawMessage) (audioShape, []json.RawMessage, map[string]json.RawMessage) {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return shapeURLList, list, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		return shapeURLDict, nil, obj
	}
	return 0, nil, nil
}

func collectURLs(raw json.RawMessage, depth int, out []string) []string {
	if depth > 4 {
		return out
	}
	shape, list, obj := classifyAudio(raw)
	switch shape {
	case shapeURLList:
		for _, item := range list {
			var s string
			if json.Unmarshal(item, &s) == nil {
				if usableURL(s) {
					out = append(out, strings.TrimSpace(s))
				}
				continue
			}
			var ai audioItem
			if json.Unmarshal(item, &ai) == nil {
				if u := ai.best(); u != "" {
					out = append(out, strings.TrimSpace(u))
				}
			}
		}
	case shapeURLDict:
		var ai audioItem
		if json.Unmarshal(raw, &ai) == nil {
			if u := ai.best(); u != "" {
				out = append(out, strings.TrimSpace(u))
			}
		}
		for _, key := range urlDictKeys {
			if v, ok := obj[key]; ok {
				out = collectURLs(v, depth+1, out)
			}
		}
	}
	return out
}

var errTooFewURLs = errors.New("fewer than two audio urls")

// ParseAudio returns the first two distinct usable URLs in response order.
func ParseAudio(raw json.RawMessage) ([2]string, error) {
	var urls [2]string
	n := 0
	seen := map[string]bool{}
	for _, u := range collectURLs(raw, 0, nil) {
		if seen[u] {
			continue
		}
		seen[u] = true
		urls[n] = u
		n++
		if n == 2 {
			return urls, nil
		}
	}
	return [2]string{}, errTooFewURLs
}
