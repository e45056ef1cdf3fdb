/*
Package factory provides JSON to Go key-format conversion.

PURPOSE:
  Converts JSON key-format definitions into keys.KeyFormat objects and
  ready-to-use key sources. This enables format configuration without code
  changes - operators can define formats in JSON and the factory builds
  the proper Go structs.

WHY JSON?
  - Non-developers can change key shapes
  - Easy integration with an admin UI
  - Version control for format definitions
  - Database storage of format configs

JSON SCHEMA:
  {
    "charset": "ABCDEFGHJKLMNPQRSTUVWXYZ23456789",
    "group_length": 4,
    "groups": 5,
    "separator": "-"
  }

VALIDATION:
  Invalid configuration is a deployment mistake, not a runtime condition,
  so every problem surfaces as a typed keys.ConfigError at startup - the
  process refuses to boot rather than silently minting weak keys.

USAGE:
  factory := NewFormatFactory()

  // From JSON string
  source, err := factory.ParseFormat(jsonString)

  // From the built-in default
  source, err := factory.ParseFormat(factory.DefaultFormatJSON())

  // Use in system
  inventory := keys.NewInventoryService(store, source)

SEE ALSO:
  - keys/source.go: KeyFormat and FormatSource definitions
  - keys/inventory.go: Replenish, the main consumer of a source
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/warp/keyvault/keys"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// FormatJSON is the JSON representation of a key format.
type FormatJSON struct {
	Charset     string `json:"charset,omitempty"`
	GroupLength int    `json:"group_length,omitempty"`
	Groups      int    `json:"groups,omitempty"`
	Separator   string `json:"separator,omitempty"`
}

// =============================================================================
// FORMAT FACTORY
// =============================================================================

// FormatFactory converts JSON format definitions into key sources.
type FormatFactory struct{}

// NewFormatFactory creates a new format factory.
func NewFormatFactory() *FormatFactory {
	return &FormatFactory{}
}

// ParseFormat parses a JSON string into a ready-to-use key source.
func (f *FormatFactory) ParseFormat(jsonStr string) (*keys.FormatSource, error) {
	var fj FormatJSON
	if err := json.Unmarshal([]byte(jsonStr), &fj); err != nil {
		return nil, &keys.ConfigError{
			Field:  "format",
			Reason: fmt.Sprintf("failed to parse format JSON: %v", err),
		}
	}
	return f.FromJSON(fj)
}

// FromJSON converts FormatJSON to a key source. Omitted fields take the
// defaults from keys.DefaultKeyFormat; anything explicitly set is validated
// by keys.NewFormatSource.
func (f *FormatFactory) FromJSON(fj FormatJSON) (*keys.FormatSource, error) {
	format := keys.DefaultKeyFormat
	if fj.Charset != "" {
		format.Charset = fj.Charset
	}
	if fj.GroupLength != 0 {
		format.GroupLen = fj.GroupLength
	}
	if fj.Groups != 0 {
		format.Groups = fj.Groups
	}
	if fj.Separator != "" {
		format.Separator = fj.Separator
	}
	return keys.NewFormatSource(format)
}

// ToJSON converts a KeyFormat back to its JSON representation.
func (f *FormatFactory) ToJSON(format keys.KeyFormat) FormatJSON {
	return FormatJSON{
		Charset:     format.Charset,
		GroupLength: format.GroupLen,
		Groups:      format.Groups,
		Separator:   format.Separator,
	}
}

// =============================================================================
// PRESET FORMATS
// =============================================================================

// DefaultFormatJSON returns the built-in retail-style format: four groups
// of five characters from an ambiguity-free alphabet.
func DefaultFormatJSON() string {
	b, _ := json.Marshal(FormatJSON{
		Charset:     keys.DefaultKeyFormat.Charset,
		GroupLength: keys.DefaultKeyFormat.GroupLen,
		Groups:      keys.DefaultKeyFormat.Groups,
		Separator:   keys.DefaultKeyFormat.Separator,
	})
	return string(b)
}

// CompactFormatJSON returns a shorter format suited to manually-typed
// trial keys: three groups of four characters.
func CompactFormatJSON() string {
	b, _ := json.Marshal(FormatJSON{
		Charset:     keys.DefaultKeyFormat.Charset,
		GroupLength: 4,
		Groups:      3,
		Separator:   "-",
	})
	return string(b)
}
