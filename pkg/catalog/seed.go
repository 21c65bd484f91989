package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"storefront/pkg/domain"
	"storefront/pkg/storage"
)

// SeedDocument is the bootstrap catalog. The format is internal and may
// change freely.
type SeedDocument struct {
	Items         []domain.CatalogItem  `yaml:"items"`
	RoleDiscounts []domain.RoleDiscount `yaml:"roleDiscounts"`
}

// Seeder produces the bootstrap catalog.
type Seeder interface {
	Load(ctx context.Context) (SeedDocument, error)
}

// ParseSeed decodes and validates a YAML seed document.
func ParseSeed(data []byte) (SeedDocument, error) {
	var doc SeedDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return SeedDocument{}, fmt.Errorf("parse seed: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.Items))
	for i, item := range doc.Items {
		if err := ValidateItem(item); err != nil {
			return SeedDocument{}, fmt.Errorf("seed item %d: %w", i, err)
		}
		if _, dup := seen[item.ID]; dup {
			return SeedDocument{}, fmt.Errorf("seed item %d: duplicate id %q", i, item.ID)
		}
		seen[item.ID] = struct{}{}
	}
	for _, d := range doc.RoleDiscounts {
		if d.DiscountPercent < 0 || d.DiscountPercent > 100 {
			return SeedDocument{}, fmt.Errorf("seed discount for %s: %w", d.Role, ErrInvalidDiscount)
		}
	}
	return doc, nil
}

// ValidateItem checks the fields every catalog row must carry.
func ValidateItem(item domain.CatalogItem) error {
	switch {
	case strings.TrimSpace(item.ID) == "":
		return fmt.Errorf("%w: id required", ErrInvalidItem)
	case !item.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, item.Kind)
	case strings.TrimSpace(item.Title) == "":
		return fmt.Errorf("%w: title required", ErrInvalidItem)
	case item.Price < 0:
		return fmt.Errorf("%w: negative price", ErrInvalidItem)
	case item.StockCount != nil && *item.StockCount < 0:
		return fmt.Errorf("%w: negative stock", ErrInvalidItem)
	}
	return nil
}

// StaticSeed serves an in-memory document.
type StaticSeed SeedDocument

func (s StaticSeed) Load(context.Context) (SeedDocument, error) {
	return SeedDocument(s), nil
}

// FileSeed reads a YAML seed document from disk.
type FileSeed struct {
	Path string
}

func (f FileSeed) Load(context.Context) (SeedDocument, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return SeedDocument{}, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ObjectSeed reads a YAML seed document from object storage.
type ObjectSeed struct {
	Objects storage.ObjectStore
	Key     string
}

func (o ObjectSeed) Load(ctx context.Context) (SeedDocument, error) {
	if o.Objects == nil {
		return SeedDocument{}, errors.New("object seed requires an object store")
	}
	data, err := o.Objects.Get(ctx, o.Key)
	if err != nil {
		return SeedDocument{}, fmt.Errorf("fetch seed object %s: %w", o.Key, err)
	}
	return ParseSeed(data)
}
