package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/matt-riley/formz/internal/core"
)

var errUnsupportedFixture = errors.New("unsupported fixture format")

// fixture is a self-contained form and course: everything the evaluators
// need for one run.
type fixture struct {
	Questions    []core.Question    `json:"questions"`
	Rules        []core.Rule        `json:"rules"`
	Items        []core.Item        `json:"items"`
	InvoiceRules []core.InvoiceRule `json:"invoiceRules"`
	Answers      core.Answers       `json:"answers"`
	Previous     []string           `json:"previous"`
	Draft        *core.InvoiceRule  `json:"draft"`
	Quantity     int                `json:"quantity"`
}

// loadFixture reads a JSON, YAML or TOML fixture. YAML and TOML documents are
// normalised to JSON first so answers decode with the same rules the HTTP
// API applies.
func loadFixture(path string) (fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fixture{}, fmt.Errorf("read fixture: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
	case ".yaml", ".yml":
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fixture{}, fmt.Errorf("parse yaml fixture: %w", err)
		}
		if data, err = json.Marshal(raw); err != nil {
			return fixture{}, fmt.Errorf("normalise yaml fixture: %w", err)
		}
	case ".toml":
		var raw map[string]any
		if err := toml.Unmarshal(data, &raw); err != nil {
			return fixture{}, fmt.Errorf("parse toml fixture: %w", err)
		}
		if data, err = json.Marshal(raw); err != nil {
			return fixture{}, fmt.Errorf("normalise toml fixture: %w", err)
		}
	default:
		return fixture{}, fmt.Errorf("%w: %q", errUnsupportedFixture, filepath.Ext(path))
	}

	return decodeFixture(data)
}

func decodeFixture(data []byte) (fixture, error) {
	var f fixture
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&f); err != nil {
		return fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	if f.Answers == nil {
		f.Answers = core.Answers{}
	}
	if f.Quantity < 0 {
		return fixture{}, errors.New("decode fixture: quantity must be >= 0")
	}
	return f, nil
}
