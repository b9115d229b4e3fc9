package message

import (
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Text decodes Content according to its encoding tag. Binary content is returned as-is.
func (m *Message) Text() string {
	switch m.Encoding {
	case MessageEncoding.UCS2:
		out, err := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder().Bytes(m.Content)
		if err != nil {
			return string(m.Content)
		}
		return string(out)
	case MessageEncoding.Latin1:
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(m.Content)
		if err != nil {
			return string(m.Content)
		}
		return string(out)
	default:
		return string(m.Content)
	}
}

// EncodeText converts UTF-8 text into content bytes for enc.
func EncodeText(text string, enc Encoding) ([]byte, error) {
	switch enc {
	case MessageEncoding.UCS2:
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(text))
	case MessageEncoding.Latin1:
		return charmap.ISO8859_1.NewEncoder().Bytes([]byte(text))
	default:
		return []byte(text), nil
	}
}

// BestEncoding picks GSM7 for text representable in the GSM 03.38 sets and UCS2 otherwise.
func BestEncoding(text string) Encoding {
	for _, r := range text {
		if !gsm0338BasicSet[r] && !gsm0338ExtendedSet[r] {
			return MessageEncoding.UCS2
		}
	}
	return MessageEncoding.GSM7
}
