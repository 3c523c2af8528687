package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValid(t *testing.T) {
	assert.True(t, Valid("Technology", "Semiconductors"))
	assert.True(t, Valid(" Healthcare ", "Biotechnology"))
	assert.False(t, Valid("Tech", "Semiconductors"), "unknown sector")
	assert.False(t, Valid("Technology", ""), "empty industry")
	assert.False(t, Valid("Technology", strings.Repeat("x", 65)), "industry too long")
	assert.False(t, Valid("", ""))
}

func TestLogoHelpers(t *testing.T) {
	names := LogoAssetNames("aapl")
	assert.Contains(t, names, "AAPL.webp")
	assert.Contains(t, names, "AAPL.png")

	url := FallbackLogoURL(" nvda ")
	assert.Equal(t, "https://assets.parqet.com/logos/symbol/NVDA?format=png", url)
}
