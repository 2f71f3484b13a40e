package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/danmuck/regsync/internal/codec"
	"github.com/pelletier/go-toml/v2"
	"go.yaml.in/yaml/v3"
)

type format int

const (
	formatJSON format = iota
	formatYAML
	formatTOML
)

func formatOf(file string) (format, bool) {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".json":
		return formatJSON, true
	case ".yaml", ".yml":
		return formatYAML, true
	case ".toml":
		return formatTOML, true
	default:
		return 0, false
	}
}

// normalize turns an entry file into the JSON object payload codecs read.
// Blank files stay blank so the registry can report them as empty.
func normalize(f format, raw []byte) (codec.Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return codec.Payload{}, nil
	}
	switch f {
	case formatJSON:
		if !json.Valid(raw) {
			return nil, fmt.Errorf("loader: invalid json")
		}
		return codec.Payload(raw), nil
	case formatYAML:
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("loader: yaml: %w", err)
		}
		return marshalDoc(doc)
	case formatTOML:
		doc := map[string]any{}
		if err := toml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("loader: toml: %w", err)
		}
		return marshalDoc(doc)
	default:
		return nil, fmt.Errorf("loader: unknown format %d", f)
	}
}

func marshalDoc(doc any) (codec.Payload, error) {
	if doc == nil {
		return codec.Payload{}, nil
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("loader: convert to json: %w", err)
	}
	return codec.Payload(out), nil
}
