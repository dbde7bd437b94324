package core

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodeImage decodes a base64 screenshot, accepting the data URL form
// ("data:image/jpeg;base64,..."). An empty value yields no bytes.
func DecodeImage(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if strings.HasPrefix(value, "data:") {
		if i := strings.Index(value, ";base64,"); i >= 0 {
			value = value[i+len(";base64,"):]
		}
	}
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: image must be base64 encoded", ErrInvalidInput)
	}
	return data, nil
}
