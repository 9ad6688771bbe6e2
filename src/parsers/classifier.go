// backend/src/parsers/classifier.go
package parsers

import (
	"fmt"
	"io"
	"strings"

	"github.com/username/cryptofolio/backend/src/parsers/csvformat"
	"github.com/username/cryptofolio/backend/src/parsers/cryptocom"
	"github.com/username/cryptofolio/backend/src/parsers/kraken"
)

// ErrFormatMismatch is returned when a file matches no known export.
var ErrFormatMismatch = csvformat.ErrFormatMismatch

var formats = []csvformat.Format{
	kraken.LedgerFormat,
	cryptocom.TradeFormat,
}

// Classify returns the source tag whose export format the headers match.
func Classify(headers []string) (string, error) {
	for _, format := range formats {
		if format.Matches(headers) {
			return format.Source, nil
		}
	}
	expected := make([]string, 0, len(formats))
	for _, format := range formats {
		expected = append(expected, fmt.Sprintf("%s (%s)", format.Label, strings.Join(format.Required, ", ")))
	}
	return "", fmt.Errorf("%w: expected one of %s", ErrFormatMismatch, strings.Join(expected, "; "))
}

// ClassifyReader classifies a CSV by its header row.
func ClassifyReader(file io.Reader) (string, error) {
	headers, err := csvformat.ReadHeaders(file)
	if err != nil {
		return "", err
	}
	return Classify(headers)
}

// RequireFormat checks headers against one source's export.
func RequireFormat(source string, headers []string) error {
	source = NormalizeSource(source)
	for _, format := range formats {
		if format.Source == source {
			return format.Check(headers)
		}
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedSource, source)
}
