package alpr

import (
	"context"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
)

func TestDetect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.URL.Query().Get("country"); got != "eu" {
			t.Errorf("country = %q, want eu", got)
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			t.Errorf("FormFile(image) error = %v", err)
		} else {
			file.Close()
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"version":2,"processing_time_ms":12.5,"results":[
			{"plate":"ABC123","confidence":91.5,"coordinates":[{"x":10,"y":20},{"x":50,"y":22},{"x":48,"y":40},{"x":9,"y":38}]},
			{"plate":"XYZ789","confidence":64}
		]}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/v2/recognize", "eu", time.Second)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	dets, err := c.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 64, 48)))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("Detect() returned %d detections, want 2", len(dets))
	}
	if dets[0].Text != "ABC123" || dets[0].Confidence != 0.915 {
		t.Errorf("dets[0] = %+v, want ABC123 @ 0.915", dets[0])
	}
	if dets[0].BBox != [4]int{9, 20, 50, 40} {
		t.Errorf("dets[0].BBox = %v, want [9 20 50 40]", dets[0].BBox)
	}
	if dets[1].BBox != [4]int{} {
		t.Errorf("dets[1].BBox = %v, want zero box", dets[1].BBox)
	}
}

func TestDetectServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "", time.Second)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = c.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	if !apperr.IsCode(err, apperr.ProcessingFailure) {
		t.Errorf("Detect() error = %v, want ProcessingFailure", err)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New("not a url", "", 0); err == nil {
		t.Error("New(bad url) error = nil, want error")
	}
}
