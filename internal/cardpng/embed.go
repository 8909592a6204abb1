package cardpng

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Embed returns a copy of the PNG stream with a tEXt chunk carrying
// base64(payload) under keyword, inserted just before IEND. Existing chunks
// with the same keyword are dropped.
func Embed(data []byte, keyword Keyword, payload []byte) ([]byte, error) {
	if len(data) < len(Signature) || !bytes.Equal(data[:len(Signature)], Signature) {
		return nil, ErrInvalidFormat
	}

	var out bytes.Buffer
	out.Write(Signature)

	offset := len(Signature)
	inserted := false
	for offset+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		typ := string(data[offset+4 : offset+8])
		end := offset + 8 + length + 4
		if end > len(data) {
			return nil, fmt.Errorf("truncated %s chunk at offset %d: %w", typ, offset, ErrInvalidFormat)
		}

		if typ == "IEND" && !inserted {
			writeTextChunk(&out, keyword, payload)
			inserted = true
		}
		if typ == "tEXt" {
			if c, ok := splitText(data[offset+8 : offset+8+length]); ok && c.keyword == keyword {
				offset = end
				continue
			}
		}
		out.Write(data[offset:end])
		offset = end
	}

	if !inserted {
		return nil, fmt.Errorf("missing IEND chunk: %w", ErrInvalidFormat)
	}
	return out.Bytes(), nil
}

func writeTextChunk(w *bytes.Buffer, keyword Keyword, payload []byte) {
	body := make([]byte, 0, len(keyword)+1+base64.StdEncoding.EncodedLen(len(payload)))
	body = append(body, keyword...)
	body = append(body, 0)
	body = base64.StdEncoding.AppendEncode(body, payload)

	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(body)))
	copy(hdr[4:], "tEXt")
	w.Write(hdr[:])
	w.Write(body)

	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(body)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	w.Write(sum[:])
}
