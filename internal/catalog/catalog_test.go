package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/till/internal/money"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	c := Default()
	require.Greater(t, c.Len(), 0)

	p, ok := c.Lookup("COFFEE-12")
	require.True(t, ok)
	assert.Equal(t, int64(350), p.Price.Int64())

	water, ok := c.Lookup("water-500")
	require.True(t, ok, "lookup should normalize case")
	assert.Equal(t, Unlimited, water.InitialStock)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "catalog.yaml", `
products:
  - sku: tea-1
    name: Green Tea
    price: 275
    initial_stock: 5
  - sku: SODA
    name: Soda
    price: 150
`)
	c, err := Load(path)
	require.NoError(t, err)

	tea, ok := c.Lookup("TEA-1")
	require.True(t, ok)
	assert.Equal(t, "Green Tea", tea.Name)
	assert.Equal(t, money.New(275), tea.Price)
	assert.Equal(t, 5, tea.InitialStock)

	soda, _ := c.Lookup("SODA")
	assert.Equal(t, Unlimited, soda.InitialStock, "missing stock means unlimited")

	assert.Equal(t, []string{"SODA", "TEA-1"}, c.SKUs())
	assert.Equal(t, "TEA-1", c.Products()[0].SKU, "products keep declaration order")
}

func TestLoad_YAML_UnknownFieldRejected(t *testing.T) {
	path := writeFile(t, "catalog.yaml", `
products:
  - sku: TEA
    name: Tea
    price: 275
    colour: green
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_YAML_FractionalPriceRejected(t *testing.T) {
	path := writeFile(t, "catalog.yaml", `
products:
  - sku: TEA
    name: Tea
    price: 2.75
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_CUE(t *testing.T) {
	path := writeFile(t, "catalog.cue", `
products: [
	{sku: "BAGEL", name: "Plain Bagel", price: 250, initial_stock: 12},
	{sku: "JUICE", name: "Orange Juice", price: 425},
]
`)
	c, err := Load(path)
	require.NoError(t, err)

	bagel, ok := c.Lookup("BAGEL")
	require.True(t, ok)
	assert.Equal(t, 12, bagel.InitialStock)

	juice, ok := c.Lookup("JUICE")
	require.True(t, ok)
	assert.Equal(t, Unlimited, juice.InitialStock, "schema default applies")
}

func TestLoad_CUE_SchemaViolation(t *testing.T) {
	path := writeFile(t, "catalog.cue", `
products: [
	{sku: "BAGEL", name: "Plain Bagel", price: 0},
]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog:")
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := writeFile(t, "catalog.json", `{}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		products []Product
	}{
		{"empty sku", []Product{{SKU: " ", Name: "X", Price: money.New(1)}}},
		{"empty name", []Product{{SKU: "A", Price: money.New(1)}}},
		{"zero price", []Product{{SKU: "A", Name: "A"}}},
		{"bad stock", []Product{{SKU: "A", Name: "A", Price: money.New(1), InitialStock: -2}}},
		{"duplicate", []Product{
			{SKU: "A", Name: "A", Price: money.New(1)},
			{SKU: "a", Name: "A2", Price: money.New(1)},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.products)
			assert.Error(t, err)
		})
	}
}

func TestNew_NormalizesNames(t *testing.T) {
	// "Cafe" + combining acute accent normalizes to the precomposed form.
	c, err := New([]Product{{SKU: "CAFE", Name: "Cafe\u0301", Price: money.New(100)}})
	require.NoError(t, err)

	p, _ := c.Lookup("CAFE")
	assert.Equal(t, "Caf\u00e9", p.Name)
}
