// backend/src/parsers/parser.go
package parsers

import (
	"io"

	"github.com/username/cryptofolio/backend/src/models"
)

// Normalizer converts one exchange's raw export into canonical trades.
// Implementations are pure: the same input always yields the same result.
type Normalizer interface {
	// Source is the import source tag persisted with every trade.
	Source() string
	// Parse reads a CSV export. Header mismatches fail before any row is read.
	Parse(file io.Reader) (*models.NormalizeResult, error)
}
