// Package classify holds pure helpers for sector/industry validation and
// logo references. No I/O, no store access.
package classify

import (
	"fmt"
	"strings"
)

// sectors is the accepted GICS-style sector set.
var sectors = map[string]bool{
	"Basic Materials":        true,
	"Communication Services": true,
	"Consumer Cyclical":      true,
	"Consumer Defensive":     true,
	"Energy":                 true,
	"Financial Services":     true,
	"Healthcare":             true,
	"Industrials":            true,
	"Real Estate":            true,
	"Technology":             true,
	"Utilities":              true,
}

// ValidSector reports whether s is a known sector name.
func ValidSector(s string) bool {
	return sectors[strings.TrimSpace(s)]
}

// Valid reports whether a (sector, industry) pair passes classification.
// Industries are free-form but must be non-empty and plausibly short.
func Valid(sector, industry string) bool {
	industry = strings.TrimSpace(industry)
	if !ValidSector(sector) {
		return false
	}
	return industry != "" && len(industry) <= 64
}

// LogoAssetNames returns the local asset filenames a symbol's logo may be
// stored under, by naming convention.
func LogoAssetNames(symbol string) []string {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	return []string{sym + ".webp", sym + ".png", sym + ".svg"}
}

// FallbackLogoURL builds the deterministic placeholder logo for a symbol.
// Purely computed, so repairing a missing logo needs no outbound call.
func FallbackLogoURL(symbol string) string {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	return fmt.Sprintf("https://assets.parqet.com/logos/symbol/%s?format=png", sym)
}
