package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"fleetsync/internal/offline"
	"gopkg.in/yaml.v3"
)

// batchFile is the YAML accepted by `fleetctl enqueue --file`:
//
//	operations:
//	  - kind: mileage.update
//	    payload:
//	      vehicleId: veh_1
//	      odometer: 120400
type batchFile struct {
	Operations []batchEntry `yaml:"operations"`
}

type batchEntry struct {
	Kind    string         `yaml:"kind"`
	Payload map[string]any `yaml:"payload"`
}

type pendingWrite struct {
	Kind    offline.Kind
	Payload json.RawMessage
}

func parseBatch(r io.Reader) ([]pendingWrite, error) {
	var file batchFile
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("batch file is empty")
		}
		return nil, fmt.Errorf("parse batch file: %w", err)
	}
	if len(file.Operations) == 0 {
		return nil, fmt.Errorf("batch file has no operations")
	}

	writes := make([]pendingWrite, 0, len(file.Operations))
	for i, entry := range file.Operations {
		kind, err := parseKind(entry.Kind)
		if err != nil {
			return nil, fmt.Errorf("operations[%d]: %w", i, err)
		}
		payload := entry.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("operations[%d]: encode payload: %w", i, err)
		}
		writes = append(writes, pendingWrite{Kind: kind, Payload: raw})
	}
	return writes, nil
}

func parseKind(value string) (offline.Kind, error) {
	kind := offline.Kind(strings.TrimSpace(value))
	if !kind.Known() {
		return "", fmt.Errorf("unknown operation kind %q", value)
	}
	return kind, nil
}
