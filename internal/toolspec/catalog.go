package toolspec

// ToolID identifies a known tool. The set is closed; names the model sends
// that do not map to a ToolID resolve to ToolUnknown.
type ToolID int

const (
	ToolUnknown ToolID = iota
	ToolSearchLibrary
	ToolGetItemMetadata
	ToolGetItemFulltext
	ToolCreateNote
	ToolDeleteNote
	ToolListCollections
	ToolCreateCollection
	ToolAddItemToCollection
	ToolRemoveItemFromCollection
	ToolGenerateTags
	ToolApplyTags
	ToolSearchExternalPapers
	ToolImportPaper
	ToolGetCitations
	ToolWebSearch
	ToolReadWebPage
)

var toolNames = [...]string{
	ToolUnknown:                  "unknown",
	ToolSearchLibrary:            "search_library",
	ToolGetItemMetadata:          "get_item_metadata",
	ToolGetItemFulltext:          "get_item_fulltext",
	ToolCreateNote:               "create_note",
	ToolDeleteNote:               "delete_note",
	ToolListCollections:          "list_collections",
	ToolCreateCollection:         "create_collection",
	ToolAddItemToCollection:      "add_item_to_collection",
	ToolRemoveItemFromCollection: "remove_item_from_collection",
	ToolGenerateTags:             "generate_tags",
	ToolApplyTags:                "apply_tags",
	ToolSearchExternalPapers:     "search_external_papers",
	ToolImportPaper:              "import_paper",
	ToolGetCitations:             "get_citations",
	ToolWebSearch:                "web_search",
	ToolReadWebPage:              "read_web_page",
}

var toolsByName = func() map[string]ToolID {
	m := make(map[string]ToolID, len(toolNames))
	for id, name := range toolNames {
		if ToolID(id) == ToolUnknown {
			continue
		}
		m[name] = ToolID(id)
	}
	return m
}()

// String returns the wire name of the tool.
func (id ToolID) String() string {
	if id < 0 || int(id) >= len(toolNames) {
		return toolNames[ToolUnknown]
	}
	return toolNames[id]
}

// ParseToolID maps a wire name to its ToolID.
func ParseToolID(name string) (ToolID, bool) {
	id, ok := toolsByName[name]
	if !ok {
		return ToolUnknown, false
	}
	return id, true
}

// AllTools lists every known tool in declaration order.
func AllTools() []ToolID {
	ids := make([]ToolID, 0, len(toolNames)-1)
	for id := ToolSearchLibrary; int(id) < len(toolNames); id++ {
		ids = append(ids, id)
	}
	return ids
}

// Argument structs. Schemas are reflected from these types, so struct tags
// are the single source of the structural and semantic constraints.

type SearchLibraryArgs struct {
	Query         string   `json:"query" jsonschema:"minLength=1" jsonschema_description:"Free-text query matched against titles, creators, abstracts and tags"`
	Limit         int      `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50,description=Maximum number of items to return (default 10)"`
	ItemType      string   `json:"item_type,omitempty" jsonschema:"enum=journalArticle,enum=book,enum=bookSection,enum=conferencePaper,enum=preprint,enum=thesis,enum=report,enum=webpage,enum=note"`
	CollectionKey string   `json:"collection_key,omitempty" jsonschema:"description=Restrict results to one collection"`
	Tags          []string `json:"tags,omitempty" jsonschema:"description=Every listed tag must be present on the item"`
}

type GetItemMetadataArgs struct {
	ItemKey string `json:"item_key" jsonschema:"minLength=1,description=Library key of the item"`
}

type GetItemFulltextArgs struct {
	ItemKey  string `json:"item_key" jsonschema:"minLength=1"`
	MaxChars int    `json:"max_chars,omitempty" jsonschema:"minimum=100,maximum=100000,description=Truncate the returned text to this many characters"`
}

type CreateNoteArgs struct {
	ParentItemKey string   `json:"parent_item_key,omitempty" jsonschema:"description=Attach the note to this item; omit for a standalone note"`
	Title         string   `json:"title" jsonschema:"minLength=1,maxLength=300"`
	Content       string   `json:"content" jsonschema:"minLength=1,description=Note body in Markdown"`
	Tags          []string `json:"tags,omitempty"`
}

type DeleteNoteArgs struct {
	NoteKey string `json:"note_key" jsonschema:"minLength=1"`
}

type ListCollectionsArgs struct {
	ParentKey string `json:"parent_key,omitempty" jsonschema:"description=List only sub-collections of this collection"`
}

type CreateCollectionArgs struct {
	Name      string `json:"name" jsonschema:"minLength=1,maxLength=200"`
	ParentKey string `json:"parent_key,omitempty"`
}

type AddItemToCollectionArgs struct {
	ItemKey       string `json:"item_key" jsonschema:"minLength=1"`
	CollectionKey string `json:"collection_key" jsonschema:"minLength=1"`
}

type RemoveItemFromCollectionArgs struct {
	ItemKey       string `json:"item_key" jsonschema:"minLength=1"`
	CollectionKey string `json:"collection_key" jsonschema:"minLength=1"`
}

type GenerateTagsArgs struct {
	ItemKey string `json:"item_key" jsonschema:"minLength=1"`
	MaxTags int    `json:"max_tags,omitempty" jsonschema:"minimum=1,maximum=20"`
}

type ApplyTagsArgs struct {
	ItemKey string   `json:"item_key" jsonschema:"minLength=1"`
	Tags    []string `json:"tags" jsonschema:"minItems=1,maxItems=50"`
}

type SearchExternalPapersArgs struct {
	Query string `json:"query" jsonschema:"minLength=1"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=25"`
	Year  string `json:"year,omitempty" jsonschema:"pattern=^[0-9]{4}(-[0-9]{4})?$,description=Publication year or range such as 2019-2023"`
}

type ImportPaperArgs struct {
	PaperID       string `json:"paper_id" jsonschema:"minLength=1,description=External paper identifier (DOI or provider id)"`
	CollectionKey string `json:"collection_key,omitempty"`
}

type GetCitationsArgs struct {
	PaperID   string `json:"paper_id" jsonschema:"minLength=1"`
	Direction string `json:"direction,omitempty" jsonschema:"enum=citations,enum=references,description=citations lists papers citing this one; references lists papers it cites"`
	Limit     int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100"`
}

type WebSearchArgs struct {
	Query string `json:"query" jsonschema:"minLength=1"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=10"`
}

type ReadWebPageArgs struct {
	URL      string `json:"url" jsonschema:"minLength=1,format=uri"`
	MaxChars int    `json:"max_chars,omitempty" jsonschema:"minimum=100,maximum=100000"`
}

// Catalog returns the entries for every known tool.
func Catalog() []Entry {
	return []Entry{
		{ID: ToolSearchLibrary, Sensitivity: SensitivityRead, Args: SearchLibraryArgs{},
			Description: "Search the user's document library and return matching items with their keys."},
		{ID: ToolGetItemMetadata, Sensitivity: SensitivityRead, Args: GetItemMetadataArgs{},
			Description: "Return the full bibliographic metadata of one library item."},
		{ID: ToolGetItemFulltext, Sensitivity: SensitivityRead, Args: GetItemFulltextArgs{},
			Description: "Return the indexed full text of one library item."},
		{ID: ToolCreateNote, Sensitivity: SensitivityWrite, Args: CreateNoteArgs{},
			Description: "Create a note from Markdown, optionally attached to an item."},
		{ID: ToolDeleteNote, Sensitivity: SensitivityDestructive, Args: DeleteNoteArgs{},
			Description: "Permanently delete a note."},
		{ID: ToolListCollections, Sensitivity: SensitivityRead, Args: ListCollectionsArgs{},
			Description: "List collections in the library."},
		{ID: ToolCreateCollection, Sensitivity: SensitivityWrite, Args: CreateCollectionArgs{},
			Description: "Create a new collection."},
		{ID: ToolAddItemToCollection, Sensitivity: SensitivityWrite, Args: AddItemToCollectionArgs{},
			Description: "Add an existing item to a collection."},
		{ID: ToolRemoveItemFromCollection, Sensitivity: SensitivityDestructive, Args: RemoveItemFromCollectionArgs{},
			Description: "Remove an item from a collection. The item stays in the library."},
		{ID: ToolGenerateTags, Sensitivity: SensitivityRead, Args: GenerateTagsArgs{},
			Description: "Suggest subject tags for an item from its title and abstract."},
		{ID: ToolApplyTags, Sensitivity: SensitivityWrite, Args: ApplyTagsArgs{},
			Description: "Add tags to an item."},
		{ID: ToolSearchExternalPapers, Sensitivity: SensitivityRead, Args: SearchExternalPapersArgs{},
			Description: "Search an external scholarly index for papers not yet in the library."},
		{ID: ToolImportPaper, Sensitivity: SensitivityWrite, Args: ImportPaperArgs{},
			Description: "Import an external paper into the library."},
		{ID: ToolGetCitations, Sensitivity: SensitivityRead, Args: GetCitationsArgs{},
			Description: "List papers citing, or referenced by, an external paper."},
		{ID: ToolWebSearch, Sensitivity: SensitivityRead, Args: WebSearchArgs{},
			Description: "Search the web."},
		{ID: ToolReadWebPage, Sensitivity: SensitivityRead, Args: ReadWebPageArgs{},
			Description: "Fetch a web page and return its readable text."},
	}
}
