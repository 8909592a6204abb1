// Package cardpng locates and decodes persona metadata embedded in PNG text chunks.
package cardpng

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidFormat is returned when the input is not a PNG stream.
var ErrInvalidFormat = errors.New("invalid png format")

// Signature is the fixed 8-byte PNG file header.
var Signature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// Keyword identifies which text chunk supplied the metadata.
type Keyword string

const (
	KeywordV3    Keyword = "ccv3"
	KeywordChara Keyword = "chara"
)

// SpecHint is the version guessed from marker fields. It is only a hint;
// the authoritative classification happens in the card package.
type SpecHint string

const (
	HintV1      SpecHint = "chara_card_v1"
	HintV2      SpecHint = "chara_card_v2"
	HintV3      SpecHint = "chara_card_v3"
	HintUnknown SpecHint = "unknown"
)

// Metadata is the decoded JSON payload of a card chunk.
type Metadata struct {
	Raw    json.RawMessage
	Hint   SpecHint
	Source Keyword
}

type textChunk struct {
	keyword Keyword
	text    []byte
}

// Parse walks the chunk stream of a PNG image and returns the embedded card
// metadata. A ccv3 chunk takes priority; a chara chunk is used only when no
// ccv3 chunk decodes. Returns (nil, nil) when the image carries no metadata.
func Parse(data []byte) (*Metadata, error) {
	chunks, err := collectTextChunks(data)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, want := range []Keyword{KeywordV3, KeywordChara} {
		for _, c := range chunks {
			if c.keyword != want {
				continue
			}
			meta, err := decodeChunk(c)
			if err != nil {
				lastErr = err
				continue
			}
			return meta, nil
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("decoding card chunk: %w", lastErr)
	}
	return nil, nil
}

// collectTextChunks gathers every ccv3/chara tEXt chunk in a single pass.
func collectTextChunks(data []byte) ([]textChunk, error) {
	if len(data) < len(Signature) || !bytes.Equal(data[:len(Signature)], Signature) {
		return nil, ErrInvalidFormat
	}

	var chunks []textChunk
	offset := len(Signature)
	for offset+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		typ := string(data[offset+4 : offset+8])
		start := offset + 8
		end := start + length
		if length < 0 || end > len(data) {
			// truncated payload, nothing further can be trusted
			break
		}

		if typ == "IEND" {
			break
		}
		if typ == "tEXt" {
			if c, ok := splitText(data[start:end]); ok {
				chunks = append(chunks, c)
			}
		}

		offset = end + 4
	}
	return chunks, nil
}

func splitText(payload []byte) (textChunk, bool) {
	i := bytes.IndexByte(payload, 0)
	if i < 0 {
		return textChunk{}, false
	}
	kw := Keyword(payload[:i])
	if kw != KeywordV3 && kw != KeywordChara {
		return textChunk{}, false
	}
	return textChunk{keyword: kw, text: payload[i+1:]}, true
}

func decodeChunk(c textChunk) (*Metadata, error) {
	decoded, err := decodeBase64(bytes.TrimSpace(c.text))
	if err != nil {
		return nil, fmt.Errorf("%s chunk: base64: %w", c.keyword, err)
	}
	if !json.Valid(decoded) {
		return nil, fmt.Errorf("%s chunk: payload is not valid json", c.keyword)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(decoded, &probe); err != nil {
		return nil, fmt.Errorf("%s chunk: payload is not a json object: %w", c.keyword, err)
	}
	return &Metadata{
		Raw:    json.RawMessage(decoded),
		Hint:   detectHint(probe),
		Source: c.keyword,
	}, nil
}

// decodeBase64 accepts standard base64 with or without '=' padding.
func decodeBase64(text []byte) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(string(text))
	if err == nil {
		return decoded, nil
	}
	if raw, rerr := base64.RawStdEncoding.DecodeString(string(bytes.TrimRight(text, "="))); rerr == nil {
		return raw, nil
	}
	return nil, err
}

var legacyFields = []string{"name", "description", "personality", "scenario", "first_mes", "mes_example"}

func detectHint(obj map[string]json.RawMessage) SpecHint {
	var spec string
	if raw, ok := obj["spec"]; ok {
		_ = json.Unmarshal(raw, &spec)
	}
	switch spec {
	case string(HintV3):
		return HintV3
	case string(HintV2):
		return HintV2
	}
	for _, f := range legacyFields {
		if _, ok := obj[f]; !ok {
			return HintUnknown
		}
	}
	return HintV1
}
