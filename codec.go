package rewind

import (
	"encoding/hex"
	"strings"
)

// Value markers inside updated_values. A bare JSON null cannot be stored
// because json_patch treats it as "remove this key", so NULL and binary
// values are wrapped in single-key tagged objects instead.
const (
	nullTag = "null"
	hexTag  = "hex"
)

// Encode converts a native column value into its JSON-safe token: NULL
// becomes {"null": 1}, binary becomes {"hex": "<uppercase hex>"}, and every
// other value passes through as its native JSON equivalent.
func Encode(v any) any {
	switch v := v.(type) {
	case nil:
		return map[string]any{nullTag: 1}
	case []byte:
		return map[string]any{hexTag: strings.ToUpper(hex.EncodeToString(v))}
	default:
		return v
	}
}

// Decode is the inverse of Encode. A token that is not a marker object is
// returned unchanged. A hex marker whose payload is not a valid hex string
// fails with *DecodeError rather than being passed through.
//
// A column whose legitimate value is an object shaped like a marker is
// indistinguishable from an encoded NULL or blob; the markers are reserved.
func Decode(tok any) (any, error) {
	m, ok := tok.(map[string]any)
	if !ok {
		return tok, nil
	}
	if _, ok := m[nullTag]; ok {
		return nil, nil
	}
	if payload, ok := m[hexTag]; ok {
		s, ok := payload.(string)
		if !ok {
			return nil, &DecodeError{Token: tok, Reason: "hex marker payload is not a string"}
		}
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, &DecodeError{Token: tok, Reason: "hex marker payload is not valid hex"}
		}
		return b, nil
	}
	return tok, nil
}

// decodeValues decodes every token in an encoded diff or state map.
func decodeValues(encoded map[string]any) (map[string]any, error) {
	decoded := make(map[string]any, len(encoded))
	for k, tok := range encoded {
		v, err := Decode(tok)
		if err != nil {
			return nil, err
		}
		decoded[k] = v
	}
	return decoded, nil
}
