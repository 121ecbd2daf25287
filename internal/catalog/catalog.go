// Package catalog holds the authoritative product list. Cart prices are
// always looked up here by SKU; callers never supply a price.
//
// Catalogs load from YAML (.yaml, .yml) or CUE (.cue) files. CUE files are
// unified with an embedded schema, so constraint violations are reported
// with file positions before any product reaches the register.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/roach88/till/internal/money"
)

//go:embed schema.cue
var schemaCUE string

//go:embed default.yaml
var defaultYAML []byte

// Unlimited is the stock level meaning "never runs out".
const Unlimited = -1

// Product is a sellable catalog entry.
type Product struct {
	SKU          string      `json:"sku"`
	Name         string      `json:"name"`
	Price        money.Cents `json:"price"`
	InitialStock int         `json:"initialStock"`
}

// Catalog is an immutable SKU-indexed product set.
// Safe for concurrent reads.
type Catalog struct {
	bySKU map[string]Product
	order []string
}

// ErrDuplicateSKU is returned when two products share a SKU.
var ErrDuplicateSKU = errors.New("catalog: duplicate sku")

// fileProduct is the on-disk shape shared by YAML and CUE files.
type fileProduct struct {
	SKU          string `yaml:"sku" json:"sku"`
	Name         string `yaml:"name" json:"name"`
	Price        int64  `yaml:"price" json:"price"`
	InitialStock *int   `yaml:"initial_stock" json:"initial_stock"`
}

type file struct {
	Products []fileProduct `yaml:"products" json:"products"`
}

// New builds a catalog from products, normalizing SKUs and names to NFC.
// Product order is preserved for display.
func New(products []Product) (*Catalog, error) {
	c := &Catalog{bySKU: make(map[string]Product, len(products))}
	for i, p := range products {
		p.SKU = NormalizeSKU(p.SKU)
		p.Name = strings.TrimSpace(norm.NFC.String(p.Name))
		if p.SKU == "" {
			return nil, fmt.Errorf("catalog: product %d: sku is required", i)
		}
		if p.Name == "" {
			return nil, fmt.Errorf("catalog: product %s: name is required", p.SKU)
		}
		if p.Price.Int64() <= 0 {
			return nil, fmt.Errorf("catalog: product %s: price must be positive, got %d", p.SKU, p.Price.Int64())
		}
		if p.InitialStock < Unlimited {
			return nil, fmt.Errorf("catalog: product %s: initial stock must be >= -1, got %d", p.SKU, p.InitialStock)
		}
		if _, dup := c.bySKU[p.SKU]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSKU, p.SKU)
		}
		c.bySKU[p.SKU] = p
		c.order = append(c.order, p.SKU)
	}
	return c, nil
}

// NormalizeSKU trims, NFC-normalizes and upper-cases a SKU.
func NormalizeSKU(sku string) string {
	return strings.ToUpper(strings.TrimSpace(norm.NFC.String(sku)))
}

// Default returns the built-in demo catalog.
func Default() *Catalog {
	c, err := ParseYAML(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded default catalog is invalid: %v", err))
	}
	return c
}

// Load reads a catalog file, choosing the format by extension.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".cue":
		return ParseCUE(path, data)
	default:
		return nil, fmt.Errorf("catalog: unsupported file extension %q (want .yaml, .yml or .cue)", filepath.Ext(path))
	}
}

// ParseYAML parses a YAML catalog with strict field validation.
func ParseYAML(data []byte) (*Catalog, error) {
	var f file
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	return fromFile(f)
}

// ParseCUE unifies a CUE catalog with the embedded schema and decodes it.
// filename is used only for error positions.
func ParseCUE(filename string, data []byte) (*Catalog, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("catalog: compile schema: %w", err)
	}

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	unified := schema.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var f file
	if err := unified.Decode(&f); err != nil {
		return nil, formatCUEError(err)
	}
	return fromFile(f)
}

func fromFile(f file) (*Catalog, error) {
	products := make([]Product, 0, len(f.Products))
	for _, fp := range f.Products {
		stock := Unlimited
		if fp.InitialStock != nil {
			stock = *fp.InitialStock
		}
		products = append(products, Product{
			SKU:          fp.SKU,
			Name:         fp.Name,
			Price:        money.New(fp.Price),
			InitialStock: stock,
		})
	}
	return New(products)
}

// formatCUEError flattens a CUE error list into one error with positions.
func formatCUEError(err error) error {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		msg := e.Error()
		if pos := e.Position(); pos.IsValid() {
			msg = fmt.Sprintf("%s:%d:%d: %s", pos.Filename(), pos.Line(), pos.Column(), msg)
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("catalog: %w", err)
	}
	return fmt.Errorf("catalog: %s", strings.Join(msgs, "; "))
}

// Lookup returns the product for sku.
func (c *Catalog) Lookup(sku string) (Product, bool) {
	p, ok := c.bySKU[NormalizeSKU(sku)]
	return p, ok
}

// Has reports whether sku is in the catalog.
func (c *Catalog) Has(sku string) bool {
	_, ok := c.Lookup(sku)
	return ok
}

// Products returns all products in declaration order.
func (c *Catalog) Products() []Product {
	out := make([]Product, 0, len(c.order))
	for _, sku := range c.order {
		out = append(out, c.bySKU[sku])
	}
	return out
}

// SKUs returns all SKUs sorted lexically.
func (c *Catalog) SKUs() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	sort.Strings(out)
	return out
}

// Len returns the number of products.
func (c *Catalog) Len() int { return len(c.order) }
