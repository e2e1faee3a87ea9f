package esp

import (
	"encoding/json"
	"fmt"
	"os"
)

const stubGreeting = "OHAI"

// Stub is a flasher stub image in esptool's JSON layout. Text and Data are
// base64 in the file.
type Stub struct {
	Entry     uint32 `json:"entry"`
	Text      []byte `json:"text"`
	TextStart uint32 `json:"text_start"`
	Data      []byte `json:"data"`
	DataStart uint32 `json:"data_start"`
}

// ParseStub decodes a stub JSON document.
func ParseStub(raw []byte) (*Stub, error) {
	var s Stub
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("esp: parse stub: %w", err)
	}
	if len(s.Text) == 0 || s.Entry == 0 {
		return nil, fmt.Errorf("esp: parse stub: missing text or entry point")
	}
	return &s, nil
}

// LoadStub reads a stub JSON file.
func LoadStub(path string) (*Stub, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("esp: read stub: %w", err)
	}
	return ParseStub(raw)
}
