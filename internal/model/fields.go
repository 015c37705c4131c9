package model

import (
	"fmt"
	"strconv"
	"strings"
)

type (
	Field struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}

	// Fields keeps the sender's field order.
	Fields []Field
)

// FieldKey canonicalises a field key: numeric keys in decimal or 0x form
// compare equal ("0x02" == "2").
func FieldKey(key string) string {
	key = strings.TrimSpace(key)
	if n, err := strconv.ParseInt(key, 0, 64); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return key
}

func (f Fields) Len() int {
	return len(f)
}

func (f Fields) Has(key string) bool {
	key = FieldKey(key)
	for _, field := range f {
		if FieldKey(field.Key) == key {
			return true
		}
	}
	return false
}

func (f Fields) String() string {
	if len(f) == 0 {
		return ""
	}
	parts := make([]string, 0, len(f))
	for _, field := range f {
		parts = append(parts, fmt.Sprintf("%s: %v", field.Key, field.Value))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
