// Package pricing turns a model and its generation parameters into a price.
// Price values live in a YAML file maintained outside the code.
package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Params are the inputs that influence a node's price.
type Params struct {
	Model      string
	Resolution string
	Duration   float64 // Seconds, for video and audio models
	Audio      bool
}

// Func is a pure price function.
type Func func(p Params) float64

// ModelPrice is the price entry of one model. Exactly how a model is billed
// depends on which fields are set: a flat Base, a per-resolution price, a
// per-second rate, and an optional audio multiplier.
type ModelPrice struct {
	Base            float64            `yaml:"base"`
	PerResolution   map[string]float64 `yaml:"per_resolution"`
	PerSecond       float64            `yaml:"per_second"`
	AudioMultiplier float64            `yaml:"audio_multiplier"`
}

// Table is a price table keyed by model id.
type Table struct {
	Currency string                `yaml:"currency"`
	Models   map[string]ModelPrice `yaml:"models"`
}

// LoadTable reads a YAML price table.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading pricing file: %w", err)
	}
	return ParseTable(data)
}

// ParseTable decodes a YAML price table.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("error parsing pricing YAML: %w", err)
	}
	if t.Models == nil {
		t.Models = make(map[string]ModelPrice)
	}
	return &t, nil
}

// Price returns the price of one generation. Unknown models cost zero.
func (t *Table) Price(p Params) float64 {
	if t == nil {
		return 0
	}
	m, ok := t.Models[p.Model]
	if !ok {
		return 0
	}
	price := m.Base
	if p.Resolution != "" {
		price += m.PerResolution[p.Resolution]
	}
	if p.Duration > 0 {
		price += m.PerSecond * p.Duration
	}
	if p.Audio && m.AudioMultiplier > 0 {
		price *= m.AudioMultiplier
	}
	return price
}

// Func exposes the table as a price function.
func (t *Table) Func() Func {
	return t.Price
}

// Free prices everything at zero.
func Free(Params) float64 { return 0 }
