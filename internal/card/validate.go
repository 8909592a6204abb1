// Package card classifies decoded character-card JSON into one of the three
// schema generations and normalizes it into a flat Record.
package card

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// SpecVersion is the schema generation of a card.
type SpecVersion int

const (
	V1 SpecVersion = 1
	V2 SpecVersion = 2
	V3 SpecVersion = 3
)

// String returns the form stored in the index ("1.0", "2.0", "3.0").
func (v SpecVersion) String() string {
	return fmt.Sprintf("%d.0", int(v))
}

// ParseSpecVersion accepts the stored form of a SpecVersion.
func ParseSpecVersion(s string) (SpecVersion, error) {
	switch s {
	case "1.0", "1":
		return V1, nil
	case "2.0", "2":
		return V2, nil
	case "3.0", "3":
		return V3, nil
	}
	return 0, fmt.Errorf("unknown spec version %q", s)
}

// ErrorKind classifies why a blob matched none of the schemas.
type ErrorKind string

const (
	InvalidSpec           ErrorKind = "invalid_spec"
	IncompleteV1          ErrorKind = "incomplete_v1"
	MissingRequiredFields ErrorKind = "missing_required_fields"
	UnknownStructure      ErrorKind = "unknown_structure"
)

// ValidationError reports a blob that failed every schema check.
type ValidationError struct {
	Kind   ErrorKind
	Spec   string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Spec != "" {
		return fmt.Sprintf("%s (spec %q): %s", e.Kind, e.Spec, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

type object map[string]json.RawMessage

// schemas are tried newest first; the first one that decodes wins.
var schemas = []struct {
	version SpecVersion
	decode  func(object) error
}{
	{V3, decodeV3},
	{V2, decodeV2},
	{V1, decodeV1},
}

// Validate returns the schema generation raw conforms to.
func Validate(raw []byte) (SpecVersion, error) {
	var obj object
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return 0, &ValidationError{Kind: UnknownStructure, Detail: "card is not an object"}
	}

	var last error
	for _, s := range schemas {
		if last = s.decode(obj); last == nil {
			return s.version, nil
		}
	}

	verr := &ValidationError{Detail: last.Error()}
	switch {
	case has(obj, "spec"):
		verr.Kind = InvalidSpec
		verr.Spec = rawText(obj["spec"])
	case has(obj, "name"):
		verr.Kind = IncompleteV1
	default:
		verr.Kind = MissingRequiredFields
	}
	return 0, verr
}

func decodeV3(obj object) error {
	if s, _ := stringField(obj, "spec"); s != "chara_card_v3" {
		return fmt.Errorf("spec must be 'chara_card_v3'")
	}

	raw, ok := obj["spec_version"]
	if !ok {
		return fmt.Errorf("spec_version must be a string or number")
	}
	var version float64
	switch kind(raw) {
	case 's':
		var s string
		_ = json.Unmarshal(raw, &s)
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("spec_version must be a valid number")
		}
		version = f
	case 'n':
		_ = json.Unmarshal(raw, &version)
	default:
		return fmt.Errorf("spec_version must be a string or number")
	}
	if version < 3.0 || version >= 4.0 {
		return fmt.Errorf("spec_version must be >= 3.0 and < 4.0")
	}

	if kind(obj["data"]) != 'o' {
		return fmt.Errorf("data object is required")
	}
	return nil
}

func decodeV2(obj object) error {
	if s, _ := stringField(obj, "spec"); s != "chara_card_v2" {
		return fmt.Errorf("spec must be 'chara_card_v2'")
	}
	if s, _ := stringField(obj, "spec_version"); s != "2.0" {
		return fmt.Errorf("spec_version must be '2.0'")
	}
	if kind(obj["data"]) != 'o' {
		return fmt.Errorf("data object is required")
	}

	var data object
	if err := json.Unmarshal(obj["data"], &data); err != nil {
		return fmt.Errorf("data object is required")
	}

	for _, f := range []string{"name", "description", "first_mes"} {
		if !has(data, f) {
			return fmt.Errorf("missing required field in data: %s", f)
		}
	}
	checks := []struct {
		field string
		want  byte
	}{
		{"name", 's'},
		{"description", 's'},
		{"first_mes", 's'},
		{"mes_example", 's'},
		{"alternate_greetings", 'a'},
		{"tags", 'a'},
		{"creator", 's'},
		{"character_version", 's'},
		{"extensions", 'o'},
	}
	for _, c := range checks {
		if kind(data[c.field]) != c.want {
			return fmt.Errorf("data.%s must be %s", c.field, kindName(c.want))
		}
	}

	for _, f := range []string{"personality", "scenario", "creator_notes", "system_prompt", "post_history_instructions"} {
		if has(data, f) && kind(data[f]) != 's' {
			return fmt.Errorf("data.%s must be a string if present", f)
		}
	}

	if book, ok := data["character_book"]; ok && kind(book) != 'z' {
		if kind(book) != 'o' {
			return fmt.Errorf("data.character_book must be an object if present")
		}
		var b object
		_ = json.Unmarshal(book, &b)
		for _, f := range []string{"extensions", "entries"} {
			if !has(b, f) {
				return fmt.Errorf("missing required field in character_book: %s", f)
			}
		}
		if kind(b["entries"]) != 'a' {
			return fmt.Errorf("character_book.entries must be an array")
		}
		if kind(b["extensions"]) != 'o' {
			return fmt.Errorf("character_book.extensions must be an object")
		}
	}
	return nil
}

var v1Fields = []string{"name", "description", "personality", "scenario", "first_mes", "mes_example"}

func decodeV1(obj object) error {
	for _, f := range v1Fields {
		if !has(obj, f) {
			return fmt.Errorf("missing required field: %s", f)
		}
		if kind(obj[f]) != 's' {
			return fmt.Errorf("field %s must be a string", f)
		}
	}
	return nil
}

// kind returns the JSON type of raw: 'o'bject, 'a'rray, 's'tring,
// 'n'umber, 'b'oolean, 'z' for null, or 0 when absent.
func kind(raw json.RawMessage) byte {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return 'o'
		case '[':
			return 'a'
		case '"':
			return 's'
		case 't', 'f':
			return 'b'
		case 'n':
			return 'z'
		default:
			return 'n'
		}
	}
	return 0
}

func kindName(k byte) string {
	switch k {
	case 'o':
		return "an object"
	case 'a':
		return "an array"
	case 's':
		return "a string"
	}
	return "a value"
}

func has(obj object, key string) bool {
	_, ok := obj[key]
	return ok
}

func stringField(obj object, key string) (string, bool) {
	raw, ok := obj[key]
	if !ok || kind(raw) != 's' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func rawText(raw json.RawMessage) string {
	if s, ok := stringField(object{"v": raw}, "v"); ok {
		return s
	}
	return string(raw)
}
