package pricing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ignatij/genflow/pkg/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const table = `
currency: USD
models:
  image-pro:
    per_resolution:
      1K: 0.04
      2K: 0.08
      4K: 0.16
  video-fast:
    per_second: 0.1
    audio_multiplier: 1.5
  llm-small:
    base: 0.002
`

func TestTablePrice(t *testing.T) {
	tbl, err := pricing.ParseTable([]byte(table))
	require.NoError(t, err)
	assert.Equal(t, "USD", tbl.Currency)

	assert.InDelta(t, 0.08, tbl.Price(pricing.Params{Model: "image-pro", Resolution: "2K"}), 1e-9)
	assert.InDelta(t, 0.8, tbl.Price(pricing.Params{Model: "video-fast", Duration: 8}), 1e-9)
	assert.InDelta(t, 1.2, tbl.Price(pricing.Params{Model: "video-fast", Duration: 8, Audio: true}), 1e-9)
	assert.InDelta(t, 0.002, tbl.Price(pricing.Params{Model: "llm-small"}), 1e-9)
	assert.Zero(t, tbl.Price(pricing.Params{Model: "unknown"}))

	// pure: same input, same price
	p := pricing.Params{Model: "video-fast", Duration: 5, Audio: true}
	assert.Equal(t, tbl.Func()(p), tbl.Func()(p))
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(table), 0o600))
	tbl, err := pricing.LoadTable(path)
	require.NoError(t, err)
	assert.Len(t, tbl.Models, 3)

	_, err = pricing.LoadTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = pricing.ParseTable([]byte("models: [not, a, map]"))
	assert.Error(t, err)
}
