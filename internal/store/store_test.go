package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
	"github.com/bryanchriswhite/PlateStreamer/internal/detect"
	"github.com/bryanchriswhite/PlateStreamer/internal/session"
)

func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "detections.db"),
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(plate string, offset time.Duration) Record {
	return Record{SessionID: "s1", Source: "file:a.mp4", Text: plate, Confidence: 0.9, DetectedAt: base.Add(offset)}
}

func TestInsertAndRange(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := at("ABC123", time.Minute)
	rec.BBox = [4]int{1, 2, 3, 4}
	rec.FrameSeq = 42
	if err := s.Insert(ctx, rec, at("XYZ789", 2*time.Minute), at("OLD001", -time.Hour)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := s.Range(ctx, base, base.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Range() returned %d records, want 2", len(got))
	}
	if got[0].Text != "ABC123" || got[1].Text != "XYZ789" {
		t.Errorf("Range() order = %s, %s, want ABC123, XYZ789", got[0].Text, got[1].Text)
	}
	if got[0].ID == "" {
		t.Error("Insert() did not assign an ID")
	}
	if got[0].BBox != [4]int{1, 2, 3, 4} || got[0].FrameSeq != 42 {
		t.Errorf("record = %+v, want bbox and frame_seq preserved", got[0])
	}
	if !got[0].DetectedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("DetectedAt = %v, want %v", got[0].DetectedAt, base.Add(time.Minute))
	}
}

func TestDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := at("ABC123", 0)
	rec.ID = "fixed-id"
	if err := s.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := s.Delete(ctx, "fixed-id"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "fixed-id"); !apperr.IsCode(err, apperr.NotFound) {
		t.Errorf("second Delete() error = %v, want NotFound", err)
	}
	got, _ := s.Range(ctx, base.Add(-time.Hour), base.Add(time.Hour))
	if len(got) != 0 {
		t.Errorf("Range() after delete = %+v, want empty", got)
	}
}

func TestFollowingPlates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	recs := []Record{
		at("CAR1", -2*time.Hour), // before window
		at("SUBJ", 0),
		at("CAR2", time.Minute),
		at("CAR3", 2*time.Minute),
		at("SUBJ", 3*time.Minute),
		at("CAR2", 4*time.Minute),
		at("SUBJ", 5*time.Minute),
		at("CAR4", 6*time.Minute), // after the last sighting
	}
	if err := s.Insert(ctx, recs...); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := s.FollowingPlates(ctx, "SUBJ", time.Hour, base.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("FollowingPlates() error = %v", err)
	}
	want := []string{"CAR2", "CAR3"}
	if len(got) != len(want) {
		t.Fatalf("FollowingPlates() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("FollowingPlates()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	none, err := s.FollowingPlates(ctx, "NOBODY", time.Hour, base)
	if err != nil || len(none) != 0 {
		t.Errorf("FollowingPlates(NOBODY) = %v, %v, want empty", none, err)
	}
}

func TestPublishStoresKeptDetections(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ev := session.Event{
		SessionID: "sess",
		Source:    "device:0",
		FrameSeq:  7,
		Timestamp: base,
		Detections: []detect.Detection{
			{Text: "ABC123", Confidence: 0.8},
			{Text: "XYZ789", Confidence: 0.6},
		},
	}
	if err := s.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	got, _ := s.Range(ctx, base, base)
	if len(got) != 2 {
		t.Fatalf("Range() = %d records, want 2", len(got))
	}
	if got[0].SessionID != "sess" || got[0].Source != "device:0" || got[0].FrameSeq != 7 {
		t.Errorf("record = %+v, want event metadata", got[0])
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "mongo"}); err == nil {
		t.Error("Open(mongo) error = nil, want error")
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: "postgres"}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("rebind() = %q", got)
	}
	lite := &SQLStore{driver: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("rebind() = %q", got)
	}
}
