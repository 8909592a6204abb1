package testutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"

	"cardshelf/internal/cardpng"
)

// BlankPNG returns a small valid PNG with no text chunks.
func BlankPNG(t testing.TB) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		img.Set(x, x, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding png: %v", err)
	}
	return buf.Bytes()
}

// CardPNG returns a PNG carrying card JSON under keyword ("chara" or "ccv3").
func CardPNG(t testing.TB, keyword cardpng.Keyword, cardJSON string) []byte {
	t.Helper()
	out, err := cardpng.Embed(BlankPNG(t), keyword, []byte(cardJSON))
	if err != nil {
		t.Fatalf("embedding %s chunk: %v", keyword, err)
	}
	return out
}

// V1Card returns a minimal v1 card JSON for name.
func V1Card(name, description string) string {
	return fmt.Sprintf(`{"name":%q,"description":%q,"personality":"","scenario":"","first_mes":"Hello, I am %s.","mes_example":""}`,
		name, description, name)
}

// V2Card returns a v2 card JSON for name with the given tags.
func V2Card(name, creator string, tags ...string) string {
	tagJSON := "[]"
	if len(tags) > 0 {
		var b bytes.Buffer
		b.WriteByte('[')
		for i, tag := range tags {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%q", tag)
		}
		b.WriteByte(']')
		tagJSON = b.String()
	}
	return fmt.Sprintf(`{"spec":"chara_card_v2","spec_version":"2.0","data":{"name":%q,"description":"A card.","personality":"","scenario":"","first_mes":"Hi.","mes_example":"","creator_notes":"","system_prompt":"","post_history_instructions":"","alternate_greetings":[],"tags":%s,"creator":%q,"character_version":"1","extensions":{}}}`,
		name, tagJSON, creator)
}
