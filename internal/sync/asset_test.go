package sync

import (
	"testing"
	"time"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestFilterSince(t *testing.T) {
	records := []AssetRecord{
		{Path: "a/-/a-1.0.0.tgz", LastModified: ts("2024-01-01T00:00:00Z")},
		{Path: "b/-/b-1.0.0.tgz", LastModified: ts("2024-02-01T00:00:00Z")},
		{Path: "c/-/c-1.0.0.tgz", LastModified: ts("2024-02-01T00:00:00Z")},
		{Path: "d/-/d-1.0.0.tgz", LastModified: ts("2024-03-01T00:00:00Z")},
	}

	tests := []struct {
		name      string
		cursor    *Cursor
		wantPaths []string
	}{
		{
			name:      "no cursor selects everything",
			cursor:    nil,
			wantPaths: []string{"a/-/a-1.0.0.tgz", "b/-/b-1.0.0.tgz", "c/-/c-1.0.0.tgz", "d/-/d-1.0.0.tgz"},
		},
		{
			name:      "strictly newer records selected",
			cursor:    &Cursor{LastSync: ts("2024-01-15T00:00:00Z")},
			wantPaths: []string{"b/-/b-1.0.0.tgz", "c/-/c-1.0.0.tgz", "d/-/d-1.0.0.tgz"},
		},
		{
			name: "tie-break excludes seen identities at the cursor",
			cursor: &Cursor{
				LastSync:     ts("2024-02-01T00:00:00Z"),
				SeenAtCursor: []string{"b/-/b-1.0.0.tgz"},
			},
			wantPaths: []string{"c/-/c-1.0.0.tgz", "d/-/d-1.0.0.tgz"},
		},
		{
			name: "everything seen yields only newer",
			cursor: &Cursor{
				LastSync:     ts("2024-02-01T00:00:00Z"),
				SeenAtCursor: []string{"b/-/b-1.0.0.tgz", "c/-/c-1.0.0.tgz"},
			},
			wantPaths: []string{"d/-/d-1.0.0.tgz"},
		},
		{
			name:      "cursor beyond newest selects nothing",
			cursor:    &Cursor{LastSync: ts("2024-04-01T00:00:00Z")},
			wantPaths: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterSince(records, tt.cursor)
			if len(got) != len(tt.wantPaths) {
				t.Fatalf("got %d records, want %d", len(got), len(tt.wantPaths))
			}
			for i, record := range got {
				if record.Path != tt.wantPaths[i] {
					t.Errorf("record %d = %q, want %q", i, record.Path, tt.wantPaths[i])
				}
			}
		})
	}
}

func TestFilterSinceKeepsUnknownTimestamps(t *testing.T) {
	records := []AssetRecord{
		{Path: "broken/-/broken-1.0.0.tgz"}, // zero LastModified
		{Path: "old/-/old-1.0.0.tgz", LastModified: ts("2023-01-01T00:00:00Z")},
	}
	cursor := &Cursor{LastSync: ts("2024-06-01T00:00:00Z")}

	got := FilterSince(records, cursor)
	if len(got) != 1 || got[0].Path != "broken/-/broken-1.0.0.tgz" {
		t.Errorf("asset with unknown timestamp must always be selected, got %v", got)
	}
}

func TestFilterSinceIsDeterministic(t *testing.T) {
	records := []AssetRecord{
		{Path: "x", LastModified: ts("2024-02-01T00:00:00Z")},
		{Path: "y", LastModified: ts("2024-02-01T00:00:00Z")},
	}
	cursor := &Cursor{LastSync: ts("2024-02-01T00:00:00Z"), SeenAtCursor: []string{"x"}}

	first := FilterSince(records, cursor)
	second := FilterSince(records, cursor)
	if len(first) != 1 || len(second) != 1 || first[0].Path != second[0].Path {
		t.Errorf("filter is not deterministic: %v vs %v", first, second)
	}
}

func TestPartition(t *testing.T) {
	records := make([]AssetRecord, 25)
	for i := range records {
		records[i] = AssetRecord{Path: string(rune('a' + i))}
	}

	batches := Partition(records, 10)
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	wantSizes := []int{10, 10, 5}
	for i, batch := range batches {
		if len(batch) != wantSizes[i] {
			t.Errorf("batch %d has %d records, want %d", i, len(batch), wantSizes[i])
		}
	}

	// relative order preserved across batch boundaries
	i := 0
	for _, batch := range batches {
		for _, record := range batch {
			if record.Path != records[i].Path {
				t.Fatalf("order broken at index %d", i)
			}
			i++
		}
	}
}

func TestPartitionEdgeCases(t *testing.T) {
	if got := Partition(nil, 10); got != nil {
		t.Errorf("Partition(nil) = %v, want nil", got)
	}
	if got := Partition([]AssetRecord{{Path: "a"}}, 0); got != nil {
		t.Errorf("Partition with size 0 = %v, want nil", got)
	}
	one := Partition([]AssetRecord{{Path: "a"}}, 10)
	if len(one) != 1 || len(one[0]) != 1 {
		t.Errorf("single record should give one batch of one, got %v", one)
	}
}
