// Package monitor checks the shape of checkout request bodies against JSON
// schema contracts before they are decoded.
package monitor

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Contract names, one per embedded schema file.
const (
	ContractBeginCheckout = "begin_checkout"
	ContractContact       = "contact"
	ContractPassengers    = "passengers"
)

//go:embed schemas/*.json
var embedded embed.FS

// ContractMonitor validates request bodies against named JSON schemas.
type ContractMonitor struct {
	schemas map[string]*gojsonschema.Schema
}

// NewContractMonitor compiles the built-in request contracts.
func NewContractMonitor() (*ContractMonitor, error) {
	return LoadContracts(embedded, "schemas")
}

// LoadContracts compiles every *.json file in dir of fsys. The contract name
// is the file name without extension.
func LoadContracts(fsys fs.FS, dir string) (*ContractMonitor, error) {
	files, err := fs.Glob(fsys, path.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("monitor: no schemas in %s", dir)
	}

	cm := &ContractMonitor{schemas: make(map[string]*gojsonschema.Schema, len(files))}
	for _, file := range files {
		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, err
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("error loading or compiling schema %s: %w", file, err)
		}
		cm.schemas[strings.TrimSuffix(path.Base(file), ".json")] = schema
	}
	return cm, nil
}

// Contracts lists the loaded contract names.
func (cm *ContractMonitor) Contracts() []string {
	names := make([]string, 0, len(cm.schemas))
	for name := range cm.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks requestBody against the named contract.
// It returns true if valid, or false and the violations if not. The error is
// reserved for an unknown contract or a body that is not JSON.
func (cm *ContractMonitor) Validate(contract string, requestBody []byte) (bool, []string, error) {
	schema, ok := cm.schemas[contract]
	if !ok {
		return false, nil, fmt.Errorf("monitor: unknown contract %q", contract)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(requestBody))
	if err != nil {
		return false, nil, fmt.Errorf("error during validation: %w", err)
	}
	if result.Valid() {
		return true, nil, nil
	}

	var violations []string
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}
	return false, violations, nil
}

// FormatErrors joins violations into a single message.
func FormatErrors(violations []string) string {
	if len(violations) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(violations, "; ")
}
