package card

import (
	"errors"
	"testing"
)

const v2Full = `{
	"spec": "chara_card_v2",
	"spec_version": "2.0",
	"data": {
		"name": "Bob",
		"description": "A builder",
		"personality": "",
		"scenario": "",
		"first_mes": "Hello",
		"mes_example": "",
		"creator_notes": "",
		"system_prompt": "",
		"post_history_instructions": "",
		"alternate_greetings": [],
		"tags": ["Tools"],
		"creator": "anon",
		"character_version": "1",
		"extensions": {}
	}
}`

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    SpecVersion
		wantErr ErrorKind
	}{
		{
			name: "v1 legacy fields",
			raw:  `{"name":"Alice","description":"","personality":"","scenario":"","first_mes":"","mes_example":""}`,
			want: V1,
		},
		{
			name: "v2 full card",
			raw:  v2Full,
			want: V2,
		},
		{
			name: "v3 string version",
			raw:  `{"spec":"chara_card_v3","spec_version":"3.1","data":{}}`,
			want: V3,
		},
		{
			name: "v3 numeric version",
			raw:  `{"spec":"chara_card_v3","spec_version":3,"data":{"name":"x"}}`,
			want: V3,
		},
		{
			name:    "v3 out of range",
			raw:     `{"spec":"chara_card_v3","spec_version":"5.0","data":{}}`,
			wantErr: InvalidSpec,
		},
		{
			name:    "v3 without data",
			raw:     `{"spec":"chara_card_v3","spec_version":"3.0"}`,
			wantErr: InvalidSpec,
		},
		{
			name:    "v2 wrong spec_version",
			raw:     `{"spec":"chara_card_v2","spec_version":"2.1","data":{}}`,
			wantErr: InvalidSpec,
		},
		{
			name:    "v2 missing extensions",
			raw:     `{"spec":"chara_card_v2","spec_version":"2.0","data":{"name":"a","description":"","first_mes":"","mes_example":"","alternate_greetings":[],"tags":[],"creator":"","character_version":""}}`,
			wantErr: InvalidSpec,
		},
		{
			name:    "v2 character book without entries",
			raw:     `{"spec":"chara_card_v2","spec_version":"2.0","data":{"name":"a","description":"","first_mes":"","mes_example":"","alternate_greetings":[],"tags":[],"creator":"","character_version":"","extensions":{},"character_book":{"extensions":{}}}}`,
			wantErr: InvalidSpec,
		},
		{
			name:    "v1 with non-string field",
			raw:     `{"name":"Alice","description":1,"personality":"","scenario":"","first_mes":"","mes_example":""}`,
			wantErr: IncompleteV1,
		},
		{
			name:    "object without known fields",
			raw:     `{"foo":"bar"}`,
			wantErr: MissingRequiredFields,
		},
		{
			name:    "array",
			raw:     `[1,2,3]`,
			wantErr: UnknownStructure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Validate([]byte(tt.raw))
			if tt.wantErr != "" {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("Validate() error = %v, want ValidationError", err)
				}
				if verr.Kind != tt.wantErr {
					t.Errorf("Kind = %v, want %v (%s)", verr.Kind, tt.wantErr, verr.Detail)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Validate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate_V2CharacterBook(t *testing.T) {
	raw := `{"spec":"chara_card_v2","spec_version":"2.0","data":{"name":"a","description":"","first_mes":"","mes_example":"","alternate_greetings":[],"tags":[],"creator":"","character_version":"","extensions":{},"character_book":{"entries":[],"extensions":{}}}}`

	got, err := Validate([]byte(raw))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got != V2 {
		t.Errorf("Validate() = %v, want %v", got, V2)
	}
}

func TestParseSpecVersion(t *testing.T) {
	for _, v := range []SpecVersion{V1, V2, V3} {
		got, err := ParseSpecVersion(v.String())
		if err != nil {
			t.Fatalf("ParseSpecVersion(%q) error = %v", v.String(), err)
		}
		if got != v {
			t.Errorf("ParseSpecVersion(%q) = %v, want %v", v.String(), got, v)
		}
	}
	if _, err := ParseSpecVersion("9.0"); err == nil {
		t.Error("ParseSpecVersion() expected error for 9.0")
	}
}
