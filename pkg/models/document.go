// Package models defines the data types shared by the agent loop, its tools
// and its stores.
package models

import (
	"strconv"
	"strings"
	"time"
)

// ItemType is the bibliographic type of a library item.
type ItemType string

const (
	ItemJournalArticle  ItemType = "journalArticle"
	ItemBook            ItemType = "book"
	ItemBookSection     ItemType = "bookSection"
	ItemConferencePaper ItemType = "conferencePaper"
	ItemPreprint        ItemType = "preprint"
	ItemThesis          ItemType = "thesis"
	ItemReport          ItemType = "report"
	ItemWebpage         ItemType = "webpage"
	ItemNote            ItemType = "note"
)

// Creator is an author or editor of an item.
type Creator struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name"`
	Role      string `json:"role,omitempty"`
}

// Name returns "First Last", or just the last name.
func (c Creator) Name() string {
	if c.FirstName == "" {
		return c.LastName
	}
	return c.FirstName + " " + c.LastName
}

// Item is one entry of the document library.
type Item struct {
	// Key is the stable library key.
	Key string `json:"key"`

	ItemType ItemType  `json:"item_type"`
	Title    string    `json:"title"`
	Creators []Creator `json:"creators,omitempty"`
	Abstract string    `json:"abstract,omitempty"`

	// Date is free-form as entered, typically "2017" or "2017-06-12".
	Date  string `json:"date,omitempty"`
	Venue string `json:"venue,omitempty"`
	DOI   string `json:"doi,omitempty"`
	URL   string `json:"url,omitempty"`

	// ExternalID is the identifier of the source an imported item came from.
	ExternalID string `json:"external_id,omitempty"`

	Tags        []string `json:"tags,omitempty"`
	Collections []string `json:"collections,omitempty"`

	// Fulltext is the extracted document text. It is only loaded on request.
	Fulltext string `json:"-"`

	DateAdded    time.Time `json:"date_added"`
	DateModified time.Time `json:"date_modified"`
}

// Year returns the leading four-digit year of Date, or "".
func (i *Item) Year() string {
	if len(i.Date) < 4 {
		return ""
	}
	for _, r := range i.Date[:4] {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return i.Date[:4]
}

// HasTag reports whether the item carries tag, ignoring case.
func (i *Item) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// CreatorSummary formats creators for listings: "A", "A and B" or "A et al.".
func (i *Item) CreatorSummary() string {
	switch len(i.Creators) {
	case 0:
		return ""
	case 1:
		return i.Creators[0].LastName
	case 2:
		return i.Creators[0].LastName + " and " + i.Creators[1].LastName
	default:
		return i.Creators[0].LastName + " et al."
	}
}

// ItemBrief is the compact form of an item returned by searches.
type ItemBrief struct {
	Key      string   `json:"key"`
	Title    string   `json:"title"`
	Creators string   `json:"creators,omitempty"`
	Year     string   `json:"year,omitempty"`
	ItemType ItemType `json:"item_type"`
}

// Brief returns the compact form of the item.
func (i *Item) Brief() ItemBrief {
	return ItemBrief{
		Key:      i.Key,
		Title:    i.Title,
		Creators: i.CreatorSummary(),
		Year:     i.Year(),
		ItemType: i.ItemType,
	}
}

// Note is a user note, standalone or attached to a parent item.
type Note struct {
	Key       string    `json:"key"`
	ParentKey string    `json:"parent_key,omitempty"`
	Title     string    `json:"title"`
	Markdown  string    `json:"markdown"`
	HTML      string    `json:"html"`
	Tags      []string  `json:"tags,omitempty"`
	DateAdded time.Time `json:"date_added"`
}

// Collection groups items. Collections nest through ParentKey.
type Collection struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	ParentKey string `json:"parent_key,omitempty"`
	ItemCount int    `json:"item_count"`
}

// Paper is a publication found in an external index, not yet in the library.
type Paper struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Authors       []string `json:"authors,omitempty"`
	Year          int      `json:"year,omitempty"`
	Venue         string   `json:"venue,omitempty"`
	Abstract      string   `json:"abstract,omitempty"`
	DOI           string   `json:"doi,omitempty"`
	URL           string   `json:"url,omitempty"`
	CitationCount int      `json:"citation_count,omitempty"`
}

// ToItem converts the paper into a library item ready for import.
func (p *Paper) ToItem() *Item {
	item := &Item{
		ItemType:   ItemJournalArticle,
		Title:      p.Title,
		Abstract:   p.Abstract,
		Venue:      p.Venue,
		DOI:        p.DOI,
		URL:        p.URL,
		ExternalID: p.ID,
	}
	if p.Venue == "" {
		item.ItemType = ItemPreprint
	}
	if p.Year > 0 {
		item.Date = strconv.Itoa(p.Year)
	}
	for _, a := range p.Authors {
		item.Creators = append(item.Creators, creatorFromName(a))
	}
	return item
}

// creatorFromName splits "Ada Lovelace" into first and last name.
func creatorFromName(name string) Creator {
	name = strings.TrimSpace(name)
	idx := strings.LastIndexByte(name, ' ')
	if idx < 0 {
		return Creator{LastName: name, Role: "author"}
	}
	return Creator{FirstName: name[:idx], LastName: name[idx+1:], Role: "author"}
}
