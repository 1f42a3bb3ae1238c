package engine

import (
	"context"
	"testing"

	"github.com/assocmem/core/pkg/assocgraph"
)

func TestExportImportRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, err := e.Store(ctx, StoreInput{Content: "export content alpha", Scope: "a/b", Tags: []string{"t1"}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Store(ctx, StoreInput{Content: "export content beta", Scope: "a/b"})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.graph.AddEdge(ctx, a.Memory.ID, b.Memory.ID, "semantic", 0.8, false); err != nil {
		t.Fatal(err)
	}

	exp, err := e.Export(ctx, ExportInput{Format: "json", IncludeAssociations: true})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if exp.ExportedCount != 2 {
		t.Errorf("ExportedCount = %d, want 2", exp.ExportedCount)
	}

	e2 := newTestEngine(t)
	res, err := e2.Import(ctx, ImportInput{Payload: exp.Payload, Format: "json", MergeStrategy: SkipDuplicates, ValidateData: true})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.ImportedCount != 2 {
		t.Errorf("ImportedCount = %d, want 2", res.ImportedCount)
	}

	got, err := e2.Get(ctx, a.Memory.ID, false)
	if err != nil {
		t.Fatalf("Get(imported a): %v", err)
	}
	if got.Memory.Content != "export content alpha" {
		t.Errorf("imported content = %q, want original", got.Memory.Content)
	}
	if len(e2.graph.EdgesOf(a.Memory.ID, assocgraph.DirBoth, 0)) == 0 {
		t.Error("imported association missing")
	}
}

func TestExportIncludesGzipCompression(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.Store(ctx, StoreInput{Content: "some content", Scope: "a/b"}); err != nil {
		t.Fatal(err)
	}

	exp, err := e.Export(ctx, ExportInput{Format: "json", Compression: true})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	res, err := e.Import(ctx, ImportInput{Payload: exp.Payload, Format: "json", Compressed: true, MergeStrategy: Overwrite})
	if err != nil {
		t.Fatalf("Import(compressed): %v", err)
	}
	if res.ImportedCount != 1 {
		t.Errorf("ImportedCount = %d, want 1", res.ImportedCount)
	}
}

func TestImportValidateDataRejectsMissingFields(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	payload := []byte(`{"format_version":1,"total_memories":1,"memories":[{"id":"","content":""}]}`)
	_, err := e.Import(ctx, ImportInput{Payload: payload, Format: "json", ValidateData: true, MergeStrategy: Overwrite})
	if err == nil {
		t.Error("Import with ValidateData should reject a memory missing id/content")
	}
}

func TestImportSkipDuplicatesLeavesExistingUntouched(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, err := e.Store(ctx, StoreInput{Content: "original", Scope: "a/b"})
	if err != nil {
		t.Fatal(err)
	}
	exp, err := e.Export(ctx, ExportInput{Format: "json"})
	if err != nil {
		t.Fatal(err)
	}

	res, err := e.Import(ctx, ImportInput{Payload: exp.Payload, Format: "json", MergeStrategy: SkipDuplicates})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.SkippedCount != 1 || res.ImportedCount != 0 {
		t.Errorf("Import(SkipDuplicates) = %+v, want skipped=1 imported=0", res)
	}

	got, err := e.Get(ctx, a.Memory.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Memory.Content != "original" {
		t.Errorf("content = %q, want unchanged original", got.Memory.Content)
	}
}
