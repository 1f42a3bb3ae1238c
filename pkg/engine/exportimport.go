package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/assocmem/core/pkg/assocerr"
	"github.com/assocmem/core/pkg/assocgraph"
	"github.com/assocmem/core/pkg/metadata"
	"github.com/assocmem/core/pkg/scope"
)

const exportFormatVersion = 1

// ExportedMemory is the export-envelope shape of one memory, carrying
// its own timestamps (spec §8 scenario: "timestamps preserved from the
// export").
type ExportedMemory struct {
	ID          string         `json:"id" yaml:"id"`
	Content     string         `json:"content" yaml:"content"`
	Scope       string         `json:"scope" yaml:"scope"`
	Tags        []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Category    string         `json:"category,omitempty" yaml:"category,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"updated_at"`
	AccessedAt  time.Time      `json:"accessed_at" yaml:"accessed_at"`
	AccessCount int64          `json:"access_count" yaml:"access_count"`
}

// ExportedAssociation is the export-envelope shape of one edge.
type ExportedAssociation struct {
	SourceID      string    `json:"source_id" yaml:"source_id"`
	TargetID      string    `json:"target_id" yaml:"target_id"`
	Type          string    `json:"type" yaml:"type"`
	Strength      float64   `json:"strength" yaml:"strength"`
	AutoGenerated bool      `json:"auto_generated" yaml:"auto_generated"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
}

// ExportEnvelope is the versioned export document (spec §5's
// "Persisted state layout" export format).
type ExportEnvelope struct {
	FormatVersion   int                   `json:"format_version" yaml:"format_version"`
	ExportTimestamp time.Time             `json:"export_timestamp" yaml:"export_timestamp"`
	ScopeFilter     string                `json:"scope_filter,omitempty" yaml:"scope_filter,omitempty"`
	TotalMemories   int                   `json:"total_memories" yaml:"total_memories"`
	Memories        []ExportedMemory      `json:"memories" yaml:"memories"`
	Associations    []ExportedAssociation `json:"associations,omitempty" yaml:"associations,omitempty"`
}

// ExportInput parameterizes Export.
type ExportInput struct {
	Filter              scope.Filter
	ScopeLabel          string
	IncludeAssociations bool
	Format              string // "json" or "yaml"
	Compression         bool
}

// ExportResult carries either the raw serialized payload (optionally
// gzip+base64'd) or a file path, matching spec §6's "export_data or
// file_path" duality; this implementation always returns the payload
// and leaves writing it to a file_path to the caller.
type ExportResult struct {
	Payload       []byte
	ExportedCount int
}

// Export implements spec §6 "export".
func (e *Engine) Export(ctx context.Context, in ExportInput) (*ExportResult, error) {
	mems, err := e.metadata.List(ctx, in.Filter, 1_000_000, 0)
	if err != nil {
		return nil, err
	}

	env := ExportEnvelope{
		FormatVersion:   exportFormatVersion,
		ExportTimestamp: time.Now().UTC(),
		ScopeFilter:     in.ScopeLabel,
		TotalMemories:   len(mems),
	}
	for _, m := range mems {
		env.Memories = append(env.Memories, ExportedMemory{
			ID: m.ID, Content: m.Content, Scope: m.Scope, Tags: m.Tags, Category: m.Category,
			Metadata: m.Metadata, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
			AccessedAt: m.AccessedAt, AccessCount: m.AccessCount,
		})
	}

	if in.IncludeAssociations {
		seen := make(map[string]bool)
		for _, m := range mems {
			for _, a := range e.graph.EdgesOf(m.ID, assocgraph.DirOut, 0) {
				key := a.SourceID + "|" + a.TargetID + "|" + a.Type
				if seen[key] {
					continue
				}
				seen[key] = true
				env.Associations = append(env.Associations, ExportedAssociation{
					SourceID: a.SourceID, TargetID: a.TargetID, Type: a.Type,
					Strength: a.Strength, AutoGenerated: a.AutoGenerated, CreatedAt: a.CreatedAt,
				})
			}
		}
	}

	var raw []byte
	var err2 error
	switch in.Format {
	case "yaml":
		raw, err2 = yaml.Marshal(env)
	default:
		raw, err2 = json.Marshal(env)
	}
	if err2 != nil {
		return nil, assocerr.Wrap("engine.export", assocerr.KindInternal, err2)
	}

	if in.Compression {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(raw); err != nil {
			return nil, assocerr.Wrap("engine.export", assocerr.KindInternal, err)
		}
		if err := gz.Close(); err != nil {
			return nil, assocerr.Wrap("engine.export", assocerr.KindInternal, err)
		}
		encoded := make([]byte, base64.StdEncoding.EncodedLen(buf.Len()))
		base64.StdEncoding.Encode(encoded, buf.Bytes())
		raw = encoded
	}

	return &ExportResult{Payload: raw, ExportedCount: len(mems)}, nil
}

// MergeStrategy controls how Import reconciles incoming records
// against existing ones (spec §6 "import").
type MergeStrategy string

const (
	SkipDuplicates MergeStrategy = "skip_duplicates"
	Overwrite      MergeStrategy = "overwrite"
	CreateVersions MergeStrategy = "create_versions"
	MergeMetadata  MergeStrategy = "merge_metadata"
)

// ImportInput parameterizes Import.
type ImportInput struct {
	Payload           []byte
	Format            string // "json" or "yaml"
	Compressed        bool
	MergeStrategy     MergeStrategy
	TargetScopePrefix string
	ValidateData      bool
}

// ImportResult reports per-record outcomes.
type ImportResult struct {
	ImportedCount int
	SkippedCount  int
	ErrorCount    int
}

// Import implements spec §6 "import".
func (e *Engine) Import(ctx context.Context, in ImportInput) (*ImportResult, error) {
	raw := in.Payload
	if in.Compressed {
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(raw)))
		n, err := base64.StdEncoding.Decode(decoded, raw)
		if err != nil {
			return nil, assocerr.Wrap("engine.import", assocerr.KindValidation, err)
		}
		gz, err := gzip.NewReader(bytes.NewReader(decoded[:n]))
		if err != nil {
			return nil, assocerr.Wrap("engine.import", assocerr.KindValidation, err)
		}
		defer gz.Close()
		raw, err = io.ReadAll(gz)
		if err != nil {
			return nil, assocerr.Wrap("engine.import", assocerr.KindValidation, err)
		}
	}

	var env ExportEnvelope
	var err error
	switch in.Format {
	case "yaml":
		err = yaml.Unmarshal(raw, &env)
	default:
		err = json.Unmarshal(raw, &env)
	}
	if err != nil {
		return nil, assocerr.Wrap("engine.import", assocerr.KindValidation, err)
	}

	if in.ValidateData {
		for _, m := range env.Memories {
			if m.ID == "" || m.Content == "" {
				return nil, assocerr.New("engine.import", assocerr.KindValidation, "memory missing id or content")
			}
		}
	}

	res := &ImportResult{}
	for _, em := range env.Memories {
		sc := em.Scope
		if in.TargetScopePrefix != "" {
			sc = in.TargetScopePrefix + "/" + sc
		}

		existing, getErr := e.metadata.Get(ctx, em.ID)
		exists := getErr == nil

		switch in.MergeStrategy {
		case SkipDuplicates:
			if exists {
				res.SkippedCount++
				continue
			}
		case MergeMetadata:
			if exists {
				merged := cloneMeta(existing.Metadata)
				for k, v := range em.Metadata {
					merged[k] = v
				}
				em.Metadata = merged
				em.ID = existing.ID
			}
		case CreateVersions:
			if exists {
				em.ID = fmt.Sprintf("%s-v%d", em.ID, time.Now().UnixNano())
			}
		case Overwrite:
			// fall through: Put below replaces unconditionally.
		}

		m := &metadata.Memory{
			ID: em.ID, Content: em.Content, Scope: sc, Tags: em.Tags, Category: em.Category,
			Metadata: em.Metadata, CreatedAt: em.CreatedAt, UpdatedAt: em.UpdatedAt,
			AccessedAt: em.AccessedAt, AccessCount: em.AccessCount,
		}
		if m.Metadata == nil {
			m.Metadata = map[string]any{}
		}
		m.Metadata["scope"] = sc

		if err := e.metadata.Put(ctx, m); err != nil {
			res.ErrorCount++
			continue
		}
		if err := e.graph.AddNode(ctx, m.ID); err != nil {
			e.log.Warn("import: graph node add failed", "id", m.ID, "err", err)
		}
		if e.embedder != nil {
			if vec, err := e.embedder.Embed(ctx, m.Content); err == nil {
				if err := e.vectors.Upsert(ctx, m.ID, vec, sc, ""); err != nil {
					e.log.Warn("import: vector upsert failed", "id", m.ID, "err", err)
				}
			}
		}
		res.ImportedCount++
	}

	for _, a := range env.Associations {
		if err := e.graph.AddEdge(ctx, a.SourceID, a.TargetID, a.Type, a.Strength, a.AutoGenerated); err != nil {
			e.log.Warn("import: edge add failed", "src", a.SourceID, "dst", a.TargetID, "err", err)
		}
	}

	return res, nil
}
