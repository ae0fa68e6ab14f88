package config

import (
	"bytes"
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dmitrymomot/receiptkit/pkg/subscription"
)

// LoadCatalog reads the tier catalog from a YAML file. An empty path yields
// the built-in catalog, which carries limits and legacy amounts but no prices.
func LoadCatalog(path string) (subscription.Catalog, error) {
	if path == "" {
		return subscription.DefaultCatalog().Normalize()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return subscription.Catalog{}, errors.Join(ErrReadingCatalog, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and normalizes a YAML catalog. Unknown keys are rejected
// so a typo in a price section fails at startup instead of silently
// resolving every price to the default tier.
func ParseCatalog(data []byte) (subscription.Catalog, error) {
	var c subscription.Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return subscription.Catalog{}, errors.Join(ErrParsingCatalog, err)
	}
	return c.Normalize()
}
