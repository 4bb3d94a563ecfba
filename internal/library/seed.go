package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/libagent/pkg/models"
)

// SeedFile is the YAML layout accepted by Seed.
type SeedFile struct {
	Collections []SeedCollection `yaml:"collections"`
	Items       []SeedItem       `yaml:"items"`
}

// SeedCollection declares a collection.
type SeedCollection struct {
	Key    string `yaml:"key"`
	Name   string `yaml:"name"`
	Parent string `yaml:"parent"`
}

// SeedItem declares an item. Authors are "First Last" strings.
type SeedItem struct {
	Key         string   `yaml:"key"`
	Type        string   `yaml:"type"`
	Title       string   `yaml:"title"`
	Authors     []string `yaml:"authors"`
	Date        string   `yaml:"date"`
	Venue       string   `yaml:"venue"`
	DOI         string   `yaml:"doi"`
	URL         string   `yaml:"url"`
	Abstract    string   `yaml:"abstract"`
	Fulltext    string   `yaml:"fulltext"`
	Tags        []string `yaml:"tags"`
	Collections []string `yaml:"collections"`
}

// SeedFromFile loads a seed file into b.
func SeedFromFile(ctx context.Context, b Backend, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return Seed(ctx, b, f)
}

// Seed loads collections and items into b. Items whose key already exists
// are skipped, so seeding is repeatable. It returns the number of items added.
func Seed(ctx context.Context, b Backend, r io.Reader) (int, error) {
	var seed SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("failed to parse seed file: %w", err)
	}

	for _, c := range seed.Collections {
		if c.Key != "" {
			if _, err := b.Collection(ctx, c.Key); err == nil {
				continue
			}
		}
		if err := b.CreateCollection(ctx, &models.Collection{Key: c.Key, Name: c.Name, ParentKey: c.Parent}); err != nil {
			return 0, fmt.Errorf("collection %q: %w", c.Name, err)
		}
	}

	added := 0
	for _, s := range seed.Items {
		if s.Key != "" {
			if _, err := b.Item(ctx, s.Key); err == nil {
				continue
			}
		}
		paper := models.Paper{Authors: s.Authors}
		item := &models.Item{
			Key:         s.Key,
			ItemType:    models.ItemType(s.Type),
			Title:       s.Title,
			Creators:    paper.ToItem().Creators,
			Date:        s.Date,
			Venue:       s.Venue,
			DOI:         s.DOI,
			URL:         s.URL,
			Abstract:    s.Abstract,
			Fulltext:    s.Fulltext,
			Tags:        s.Tags,
			Collections: s.Collections,
		}
		if err := b.AddItem(ctx, item); err != nil {
			return added, fmt.Errorf("item %q: %w", s.Title, err)
		}
		added++
	}
	return added, nil
}
