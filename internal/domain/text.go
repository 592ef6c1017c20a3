package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// LocalizedText is either a plain string or a set of translations keyed by language code.
// Catalogs may carry both shapes, so every reader goes through Resolve.
type LocalizedText struct {
	plain        string
	translations map[string]string
}

func Plain(s string) LocalizedText {
	return LocalizedText{plain: s}
}

func Translations(t map[string]string) LocalizedText {
	m := make(map[string]string, len(t))
	for k, v := range t {
		m[k] = v
	}
	return LocalizedText{translations: m}
}

func (t LocalizedText) IsZero() bool {
	return t.plain == "" && len(t.translations) == 0
}

// Resolve returns the text for lang, then for each fallback in order, then for any
// available translation (lowest language code first, for stable output).
func (t LocalizedText) Resolve(lang string, fallbacks ...string) string {
	if t.translations == nil {
		return t.plain
	}

	for _, l := range append([]string{lang}, fallbacks...) {
		if s, ok := t.translations[l]; ok && s != "" {
			return s
		}
	}

	if t.plain != "" {
		return t.plain
	}

	langs := make([]string, 0, len(t.translations))
	for l := range t.translations {
		langs = append(langs, l)
	}
	sort.Strings(langs)

	for _, l := range langs {
		if s := t.translations[l]; s != "" {
			return s
		}
	}

	return ""
}

// Key is a language independent identity of the text, used for duplicate detection.
func (t LocalizedText) Key() string {
	if t.translations == nil {
		return t.plain
	}

	b, _ := json.Marshal(t.translations) // map keys are sorted by encoding/json
	return string(b)
}

func (t LocalizedText) MarshalJSON() ([]byte, error) {
	if t.translations == nil {
		return json.Marshal(t.plain)
	}
	return json.Marshal(t.translations)
}

func (t *LocalizedText) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0, bytes.Equal(b, []byte("null")):
		*t = LocalizedText{}
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Plain(s)
		return nil
	case b[0] == '{':
		var m map[string]string
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		*t = LocalizedText{translations: m}
		return nil
	default:
		return fmt.Errorf("localized text: unexpected JSON %s", b)
	}
}
