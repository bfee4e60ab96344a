package domain

import "errors"

var (
	ErrInvalidQuery             = errors.New("invalid query")
	ErrDataSourceUnavailable    = errors.New("data source unavailable")
	ErrCatalogUnavailable       = errors.New("catalog unavailable")
	ErrFranchiseExpansionFailed = errors.New("franchise expansion failed")
	ErrAllSourcesUnavailable    = errors.New("all sources unavailable")
	ErrGameNotFound             = errors.New("game not found")
	ErrCircuitOpen              = errors.New("circuit open")
)
