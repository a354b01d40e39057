package classifier

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
)

// File is the on-disk runner configuration.
type File struct {
	LabelGroups        []LabelRule  `json:"label_groups" validate:"dive"`
	RunnerNamePrefixes []PrefixRule `json:"runner_name_prefixes" validate:"dive"`
}

// Load returns DefaultRules for an empty path and otherwise parses and validates
// the file. An empty label_groups list keeps the default label table.
func Load(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read runner config %s: %w", path, err)
	}
	return Parse(b)
}

func Parse(b []byte) (Rules, error) {
	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return Rules{}, fmt.Errorf("decode runner config: %w", err)
	}
	if err := validator.New().Struct(f); err != nil {
		return Rules{}, fmt.Errorf("invalid runner config: %w", err)
	}
	if len(f.LabelGroups) == 0 {
		return NewRules(f.RunnerNamePrefixes, DefaultRules().labels), nil
	}
	return NewRules(f.RunnerNamePrefixes, f.LabelGroups), nil
}
