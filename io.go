package main

import (
	"fmt"
	"os"

	"github.com/chop-dbhi/icd-lookup/internal/query"
)

// readNormalizer loads a term dictionary from file, or returns the embedded
// one when no file is configured.
func readNormalizer(file string) (*query.Normalizer, error) {
	if file == "" {
		return query.Default(), nil
	}

	// Get term dictionary
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("error reading terms file: %w", err)
	}

	// Parse YAML data
	dictionary, err := query.ParseDictionary(data)
	if err != nil {
		return nil, err
	}

	return query.NewNormalizer(dictionary), nil
}
