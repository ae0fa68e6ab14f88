package config

import "errors"

var (
	ErrParsingConfig     = errors.New("failed to parse environment variables into config")
	ErrConfigNotLoaded   = errors.New("configuration has not been loaded")
	ErrNilPointer        = errors.New("nil pointer provided to config loader")
	ErrReadingCatalog    = errors.New("failed to read billing catalog file")
	ErrParsingCatalog    = errors.New("failed to parse billing catalog")
	ErrInvalidBillingCfg = errors.New("invalid billing configuration")
)
