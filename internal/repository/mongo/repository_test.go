package mongo

import (
	"reflect"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"torrentjobs/internal/domain"
)

// ---------------------------------------------------------------------------
// toDoc / fromDoc
// ---------------------------------------------------------------------------

func TestToDocFromDoc(t *testing.T) {
	now := time.Date(2026, 2, 19, 10, 0, 0, 0, time.UTC)
	record := domain.JobRecord{
		ID:        "d2354e",
		CallerID:  "req-1",
		Name:      "Big Buck Bunny",
		Source:    domain.MagnetSource("magnet:?xt=urn:btih:d2354e"),
		Status:    domain.JobDownloading,
		LastError: "",
		CreatedAt: now,
		UpdatedAt: now.Add(time.Minute),
	}

	got := fromDoc(toDoc(record))
	if !reflect.DeepEqual(got, record) {
		t.Fatalf("got %+v\nwant %+v", got, record)
	}
}

func TestToDocMetafileSource(t *testing.T) {
	doc := toDoc(domain.JobRecord{ID: "x", Status: domain.JobPaused, Source: domain.MetafileSource("/m/x.torrent")})
	if doc.Metafile != "/m/x.torrent" || doc.Magnet != "" {
		t.Fatalf("unexpected source fields: %+v", doc)
	}
	if doc.CreatedAt == 0 || doc.UpdatedAt == 0 {
		t.Fatalf("zero timestamps should default to now: %+v", doc)
	}
}

func TestFromDocsEmpty(t *testing.T) {
	got := fromDocs(nil)
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", got)
	}
}

func TestJobDocBSONTags(t *testing.T) {
	raw, err := bson.Marshal(jobDoc{ID: "a", Status: "paused", Removed: true, CreatedAt: 1, UpdatedAt: 2})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"_id", "status", "removed", "createdAt", "updatedAt", "name"} {
		if _, ok := m[key]; !ok {
			t.Fatalf("missing key %q in %v", key, m)
		}
	}
	for _, key := range []string{"callerId", "magnet", "metafile", "lastError"} {
		if _, ok := m[key]; ok {
			t.Fatalf("empty %q should be omitted", key)
		}
	}
}

// ---------------------------------------------------------------------------
// listQuery
// ---------------------------------------------------------------------------

func TestListQuery(t *testing.T) {
	tests := []struct {
		name   string
		filter domain.RecordFilter
		want   bson.M
	}{
		{"default hides removed", domain.RecordFilter{}, bson.M{"removed": bson.M{"$ne": true}}},
		{"include removed", domain.RecordFilter{IncludeRemoved: true}, bson.M{}},
		{
			"status",
			domain.RecordFilter{Status: domain.JobCompleted},
			bson.M{"status": "completed", "removed": bson.M{"$ne": true}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := listQuery(tt.filter); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("listQuery = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimeFromUnix(t *testing.T) {
	got := timeFromUnix(1700000000)
	if got.Location() != time.UTC || got.Unix() != 1700000000 {
		t.Fatalf("timeFromUnix = %v", got)
	}
}
