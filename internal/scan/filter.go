package scan

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/ChamsBouzaiene/verdict/internal/recorder"
)

// FilterTranscripts narrows a transcript listing to those whose id or
// metadata match a bleve query string (e.g. `task:arithmetic epoch:2`).
// Order of the surviving infos is preserved. An empty query matches all.
func FilterTranscripts(infos []recorder.TranscriptInfo, query string) ([]recorder.TranscriptInfo, error) {
	if query == "" {
		return infos, nil
	}

	index, err := bleve.NewMemOnly(buildTranscriptMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript filter index: %w", err)
	}
	defer index.Close()

	batch := index.NewBatch()
	for _, info := range infos {
		doc := map[string]any{"id": info.ID, "source": info.Source}
		for k, v := range info.Metadata {
			doc[k] = v
		}
		if err := batch.Index(info.ID, doc); err != nil {
			return nil, fmt.Errorf("failed to index transcript %s: %w", info.ID, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		return nil, fmt.Errorf("failed to index transcripts: %w", err)
	}

	q := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequest(q)
	req.Size = len(infos)
	res, err := index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("transcript filter query failed: %w", err)
	}

	matched := map[string]bool{}
	for _, hit := range res.Hits {
		matched[hit.ID] = true
	}
	var out []recorder.TranscriptInfo
	for _, info := range infos {
		if matched[info.ID] {
			out = append(out, info)
		}
	}
	return out, nil
}

func buildTranscriptMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	idField := bleve.NewTextFieldMapping()
	idField.Analyzer = keyword.Name
	idField.Store = false
	idField.Index = true
	docMapping.AddFieldMappingsAt("id", idField)

	sourceField := bleve.NewTextFieldMapping()
	sourceField.Analyzer = standard.Name
	sourceField.Store = false
	sourceField.Index = true
	docMapping.AddFieldMappingsAt("source", sourceField)

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}
