package source

import (
	"encoding/json"
	"fmt"
)

// New creates a source based on kind and a generic configuration map.
// This is the central extension point for adding new source types.
//
// Supported kinds:
//   - "http": Generic HTTP source
//   - "file": CSV file source
//
// Returns an error if kind is unknown or required fields are missing.
func New(kind string, config map[string]string) (Source, error) {
	switch kind {
	case "http":
		return newHTTP(config)
	case "file":
		return newFile(config)
	default:
		return nil, fmt.Errorf("unknown source kind: %s (must be http or file)", kind)
	}
}

// newHTTP creates a generic HTTP source from generic config.
func newHTTP(config map[string]string) (Source, error) {
	src := &HTTPSource{
		URL:           config["url"],
		Method:        config["method"],
		Body:          config["body"],
		RegionPath:    config["regionPath"],
		DatePath:      config["datePath"],
		ConfirmedPath: config["confirmedPath"],
		DeathsPath:    config["deathsPath"],
		RecoveredPath: config["recoveredPath"],
	}

	if headersJSON := config["headers"]; headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &src.Headers); err != nil {
			return nil, fmt.Errorf("invalid 'headers' JSON: %w", err)
		}
	}
	if varsJSON := config["templateVars"]; varsJSON != "" {
		if err := json.Unmarshal([]byte(varsJSON), &src.TemplateVars); err != nil {
			return nil, fmt.Errorf("invalid 'templateVars' JSON: %w", err)
		}
	}

	if err := src.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("http source config: %w", err)
	}
	return src, nil
}

// newFile creates a CSV file source from generic config.
func newFile(config map[string]string) (Source, error) {
	path := config["path"]
	if path == "" {
		return nil, fmt.Errorf("file source requires 'path' config")
	}

	src := &FileSource{Path: path}
	if mapJSON := config["columnMap"]; mapJSON != "" {
		if err := json.Unmarshal([]byte(mapJSON), &src.ColumnMap); err != nil {
			return nil, fmt.Errorf("invalid 'columnMap' JSON: %w", err)
		}
	}
	return src, nil
}
