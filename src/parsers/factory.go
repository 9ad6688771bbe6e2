// backend/src/parsers/factory.go
package parsers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/username/cryptofolio/backend/src/assets"
	"github.com/username/cryptofolio/backend/src/parsers/cryptocom"
	"github.com/username/cryptofolio/backend/src/parsers/kraken"
)

const (
	SourceKraken    = kraken.Source
	SourceCryptoCom = cryptocom.Source
)

// ErrUnsupportedSource is returned for a source tag with no normalizer.
var ErrUnsupportedSource = errors.New("unsupported import source")

// Sources lists the supported import source tags.
func Sources() []string {
	return []string{SourceKraken, SourceCryptoCom}
}

// NormalizeSource maps user spellings such as "Crypto.com" onto a source tag.
func NormalizeSource(source string) string {
	s := strings.ToLower(strings.TrimSpace(source))
	switch s {
	case "crypto.com", "crypto_com", "crypto-com", "cdc":
		return SourceCryptoCom
	}
	return s
}

// GetNormalizer returns the normalizer for a source tag.
func GetNormalizer(source string, registry *assets.Registry) (Normalizer, error) {
	switch NormalizeSource(source) {
	case SourceKraken:
		return kraken.NewNormalizer(registry), nil
	case SourceCryptoCom:
		return cryptocom.NewNormalizer(registry), nil
	default:
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedSource, source, strings.Join(Sources(), ", "))
	}
}
