// Package script loads command scripts: ordered lists of device operations
// written in JSON or YAML and validated against Schema.
package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// ErrInvalidScript is returned when a script fails to parse or validate.
var ErrInvalidScript = errors.New("invalid script")

// Format is the encoding of a script file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Script is an ordered list of steps.
type Script struct {
	Name  string `json:"name,omitempty"`
	Steps []Step `json:"steps"`
}

// Step is one device operation.
type Step struct {
	Device   string `json:"device"`
	Op       string `json:"op"`
	Protocol *int   `json:"protocol,omitempty"`
}

// Loader reads and validates scripts.
type Loader struct {
	logger zerolog.Logger
	schema *gojsonschema.Schema
}

// NewLoader compiles Schema and returns a loader.
func NewLoader(logger zerolog.Logger) (*Loader, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(Schema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile script schema: %w", err)
	}
	return &Loader{
		logger: logger.With().Str("component", "script-loader").Logger(),
		schema: schema,
	}, nil
}

// FormatOf infers the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: unsupported file extension %q", ErrInvalidScript, filepath.Ext(path))
	}
}

// LoadFile reads a script from disk.
func (l *Loader) LoadFile(path string) (*Script, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script file: %w", err)
	}

	s, err := l.Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	l.logger.Debug().
		Str("path", path).
		Str("script", s.Name).
		Int("steps", len(s.Steps)).
		Msg("Loaded script")

	return s, nil
}

// Parse decodes and validates a script.
func (l *Loader) Parse(data []byte, format Format) (*Script, error) {
	doc := data
	if format == FormatYAML {
		converted, err := yamlToJSON(data)
		if err != nil {
			return nil, err
		}
		doc = converted
	}

	if err := l.validateSchema(doc); err != nil {
		return nil, err
	}

	var s Script
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	return &s, nil
}

func (l *Loader) validateSchema(doc []byte) error {
	result, err := l.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidScript, strings.Join(msgs, "; "))
	}
	return nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidScript)
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	return out, nil
}
