/*
source.go - Random key material generation

PURPOSE:
  RandomKeySource is the collaborator the engine calls only when inventory
  must be replenished. The default implementation generates grouped random
  strings (e.g. XXXXX-XXXXX-XXXXX-XXXXX) from crypto/rand.

CONFIGURATION ERRORS:
  An invalid format (empty charset, zero groups) fails construction with a
  typed ConfigError. The source never emits a sentinel marker string in
  place of a key: a generator that cannot generate is a startup failure,
  not a special value for downstream code to trip over.

SEE ALSO:
  - factory/format.go: Builds a source from a JSON config
  - inventory.go: Replenishment using a source
*/
package keys

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// =============================================================================
// RANDOM KEY SOURCE
// =============================================================================

// RandomKeySource produces fresh key material. Implementations must return
// an error rather than any sentinel value when generation fails.
type RandomKeySource interface {
	Generate() (string, error)
}

// KeyFormat describes the shape of generated keys.
type KeyFormat struct {
	Charset   string // alphabet to draw from
	GroupLen  int    // characters per group
	Groups    int    // number of groups
	Separator string // between groups, may be empty
}

// DefaultKeyFormat matches the classic 4x5 license key shape.
var DefaultKeyFormat = KeyFormat{
	Charset:   "ABCDEFGHJKLMNPQRSTUVWXYZ23456789", // no 0/O, 1/I lookalikes
	GroupLen:  5,
	Groups:    4,
	Separator: "-",
}

// FormatSource generates keys in a fixed format from crypto/rand.
type FormatSource struct {
	format KeyFormat
}

// NewFormatSource validates the format and returns a source. Invalid
// configuration is a construction-time ConfigError, never a bad key later.
func NewFormatSource(f KeyFormat) (*FormatSource, error) {
	if len(f.Charset) == 0 {
		return nil, &ConfigError{Field: "charset", Reason: "must not be empty"}
	}
	if f.GroupLen < 1 {
		return nil, &ConfigError{Field: "group_len", Reason: fmt.Sprintf("%d is not positive", f.GroupLen)}
	}
	if f.Groups < 1 {
		return nil, &ConfigError{Field: "groups", Reason: fmt.Sprintf("%d is not positive", f.Groups)}
	}
	if seen := map[rune]bool{}; true {
		for _, r := range f.Charset {
			if seen[r] {
				return nil, &ConfigError{Field: "charset", Reason: fmt.Sprintf("repeated character %q", r)}
			}
			seen[r] = true
		}
	}
	return &FormatSource{format: f}, nil
}

func (fs *FormatSource) Generate() (string, error) {
	charset := []rune(fs.format.Charset)
	max := big.NewInt(int64(len(charset)))

	groups := make([]string, fs.format.Groups)
	for g := range groups {
		var sb strings.Builder
		for i := 0; i < fs.format.GroupLen; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("random source: %w", err)
			}
			sb.WriteRune(charset[n.Int64()])
		}
		groups[g] = sb.String()
	}
	return strings.Join(groups, fs.format.Separator), nil
}
