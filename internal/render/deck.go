// Package render turns compiled slide tables into a deck document and
// publishes it to object storage under a content address.
package render

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	"github.com/arkilian/tabledeck/internal/cache"
	deckerrors "github.com/arkilian/tabledeck/internal/errors"
	"github.com/arkilian/tabledeck/internal/storage"
	"github.com/arkilian/tabledeck/pkg/types"
)

// DeckVersion is the version of the deck document layout.
const DeckVersion = 1

// Deck is the rendered document: every slide as an ordered grid of display
// strings, ready for a presentation template to fill in.
type Deck struct {
	Version   int         `json:"version"`
	ProjectID string      `json:"project_id"`
	Template  string      `json:"template,omitempty"`
	Slides    []DeckSlide `json:"slides"`
}

// DeckSlide is one slide of a deck.
type DeckSlide struct {
	Number  int       `json:"slide_number"`
	Title   string    `json:"slide_title"`
	Columns []string  `json:"columns"`
	Rows    []DeckRow `json:"rows"`
}

// DeckRow is one table row. Spanning rows carry only Label; other rows carry
// one display string per column.
type DeckRow struct {
	Label     string   `json:"label"`
	Header    bool     `json:"header,omitempty"`
	Spanning  bool     `json:"spanning,omitempty"`
	Cells     []string `json:"cells,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
}

// Build lays out the slide tables as a deck.
func Build(projectID, template string, tables []types.SlideTable) *Deck {
	deck := &Deck{
		Version:   DeckVersion,
		ProjectID: projectID,
		Template:  template,
		Slides:    make([]DeckSlide, 0, len(tables)),
	}
	for _, st := range tables {
		slide := DeckSlide{Number: st.SlideNumber, Title: st.Title}
		if st.Table != nil {
			slide.Columns = make([]string, len(st.Table.Columns))
			for i, c := range st.Table.Columns {
				slide.Columns[i] = c.Label
			}
			for _, r := range st.Table.Rows {
				row := DeckRow{
					Label:     r.Label,
					Header:    r.IsGroupHeader,
					Spanning:  r.IsGroupHeader && r.SpansAllColumns,
					Rationale: r.Rationale,
				}
				if !row.Spanning {
					row.Cells = make([]string, len(st.Table.Columns))
					for i, c := range st.Table.Columns {
						row.Cells[i] = r.Cell(c.Key).Display
					}
				}
				slide.Rows = append(slide.Rows, row)
			}
		}
		deck.Slides = append(deck.Slides, slide)
	}
	return deck
}

// Encode serialises a deck as snappy-compressed JSON. The encoding is
// deterministic: equal decks produce equal bytes.
func Encode(deck *Deck) ([]byte, error) {
	raw, err := json.Marshal(deck)
	if err != nil {
		return nil, fmt.Errorf("render: encode deck: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// Decode reverses Encode.
func Decode(data []byte) (*Deck, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("render: decompress deck: %w", err)
	}
	var deck Deck
	if err := json.Unmarshal(raw, &deck); err != nil {
		return nil, fmt.Errorf("render: decode deck: %w", err)
	}
	return &deck, nil
}

// Fingerprint returns the 128-bit murmur3 hash of data as hex.
func Fingerprint(data []byte) string {
	h1, h2 := murmur3.Sum128(data)
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], h1)
	binary.BigEndian.PutUint64(buf[8:], h2)
	return hex.EncodeToString(buf[:])
}

// ObjectPath returns the storage path of a deck with the given fingerprint.
func ObjectPath(projectID, fingerprint string) string {
	return path.Join("decks", projectID, fingerprint+".deck.sz")
}

// ProjectPrefix returns the storage prefix holding every deck of a project.
func ProjectPrefix(projectID string) string {
	return path.Join("decks", projectID) + "/"
}

// DeckRenderer implements the orchestrator's Renderer by writing encoded
// decks to object storage. Identical decks map to the same object, so
// re-publishing an unchanged deck does not upload again.
type DeckRenderer struct {
	store storage.ObjectStorage
	decks *cache.DeckCache
}

// NewDeckRenderer creates a renderer writing to store.
func NewDeckRenderer(store storage.ObjectStorage) *DeckRenderer {
	return &DeckRenderer{store: store}
}

// WithCache keeps published and downloaded decks in c.
func (r *DeckRenderer) WithCache(c *cache.DeckCache) *DeckRenderer {
	r.decks = c
	return r
}

// Render builds, encodes and stores the deck.
func (r *DeckRenderer) Render(ctx context.Context, projectID string, tables []types.SlideTable, template string) (types.Artifact, error) {
	data, err := Encode(Build(projectID, template, tables))
	if err != nil {
		return types.Artifact{}, err
	}

	fp := Fingerprint(data)
	objectPath := ObjectPath(projectID, fp)
	artifact := types.Artifact{
		Path:        objectPath,
		Fingerprint: fp,
		Size:        int64(len(data)),
	}

	exists, err := r.store.Exists(ctx, objectPath)
	if err != nil {
		return types.Artifact{}, deckerrors.NewStorageError(deckerrors.CodeUploadFailed,
			fmt.Sprintf("checking %s", objectPath), err)
	}
	if !exists {
		etag, err := r.store.Put(ctx, objectPath, data)
		if err != nil {
			return types.Artifact{}, deckerrors.NewStorageError(deckerrors.CodeUploadFailed,
				fmt.Sprintf("uploading %s", objectPath), err)
		}
		artifact.ETag = etag
	}
	if r.decks != nil {
		r.decks.Put(objectPath, data)
	}
	return artifact, nil
}

// Load reads and decodes the deck stored at objectPath.
func (r *DeckRenderer) Load(ctx context.Context, objectPath string) (*Deck, error) {
	if r.decks != nil {
		if data, ok := r.decks.Get(objectPath); ok {
			return Decode(data)
		}
	}
	data, err := r.store.Get(ctx, objectPath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, deckerrors.Wrap(deckerrors.ErrCategoryStorage, deckerrors.CodeObjectNotFound,
				fmt.Sprintf("deck %s not found", objectPath), err)
		}
		return nil, deckerrors.NewStorageError(deckerrors.CodeDownloadFailed,
			fmt.Sprintf("downloading %s", objectPath), err)
	}
	deck, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if r.decks != nil {
		r.decks.Put(objectPath, data)
	}
	return deck, nil
}

// Purge removes every stored deck of a project.
func (r *DeckRenderer) Purge(ctx context.Context, projectID string) (int, error) {
	if r.decks != nil {
		r.decks.RemovePrefix(ProjectPrefix(projectID))
	}
	res, err := storage.NewBatchDeleter(r.store, 4).DeletePrefix(ctx, ProjectPrefix(projectID))
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return res.Deleted, fmt.Errorf("render: %d of %d deck deletes failed", len(res.Errors), len(res.Errors)+res.Deleted)
	}
	return res.Deleted, nil
}
