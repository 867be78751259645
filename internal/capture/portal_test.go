package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

func TestParseResponse(t *testing.T) {
	results := map[string]dbus.Variant{"session_handle": dbus.MakeVariant("/org/freedesktop/portal/desktop/session/1_1/s")}

	got, err := parseResponse([]interface{}{uint32(0), results})
	if err != nil {
		t.Fatalf("parseResponse() error = %v", err)
	}
	h, err := sessionHandle(got)
	if err != nil || h != "/org/freedesktop/portal/desktop/session/1_1/s" {
		t.Errorf("sessionHandle() = %q, %v", h, err)
	}

	if _, err := parseResponse([]interface{}{uint32(1), results}); err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Errorf("parseResponse(1) error = %v, want cancelled", err)
	}
	if _, err := parseResponse([]interface{}{uint32(2)}); err == nil {
		t.Error("parseResponse(2) error = nil, want denied")
	}
	if _, err := parseResponse(nil); err == nil {
		t.Error("parseResponse(nil) error = nil, want error")
	}
	if _, err := sessionHandle(map[string]dbus.Variant{}); err == nil {
		t.Error("sessionHandle(empty) error = nil, want error")
	}
}

func TestFirstStream(t *testing.T) {
	props := map[string]dbus.Variant{
		"size": dbus.MakeVariant([]interface{}{int32(1920), int32(1080)}),
	}
	results := map[string]dbus.Variant{
		"streams": dbus.MakeVariant([][]interface{}{{uint32(42), props}}),
	}
	got, err := firstStream(results)
	if err != nil {
		t.Fatalf("firstStream() error = %v", err)
	}
	if got != (castStream{Node: 42, Width: 1920, Height: 1080}) {
		t.Errorf("firstStream() = %+v", got)
	}

	// struct wrapped in a generic slice, no size property
	results = map[string]dbus.Variant{
		"streams": dbus.MakeVariant([]interface{}{[]interface{}{uint32(7)}}),
	}
	got, err = firstStream(results)
	if err != nil || got.Node != 7 || got.Width != 0 {
		t.Errorf("firstStream() = %+v, %v, want node 7 without size", got, err)
	}

	if _, err := firstStream(map[string]dbus.Variant{}); err == nil {
		t.Error("firstStream(no streams) error = nil, want error")
	}
}

func TestGstArgs(t *testing.T) {
	args := strings.Join(gstArgs(42, 1280, 720, 15), " ")
	for _, want := range []string{
		"pipewiresrc path=42",
		"video/x-raw,format=RGBA,width=1280,height=720,framerate=15/1",
		"fdsink fd=1",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("gstArgs() = %q, missing %q", args, want)
		}
	}
}

func TestRestoreToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "portal_token")
	if got := loadRestoreToken(path); got != "" {
		t.Errorf("loadRestoreToken(missing) = %q", got)
	}
	saveRestoreToken(path, "tok-123")
	if got := loadRestoreToken(path); got != "tok-123" {
		t.Errorf("loadRestoreToken() = %q, want tok-123", got)
	}
	if got := loadRestoreToken(""); got != "" {
		t.Errorf("loadRestoreToken(\"\") = %q", got)
	}
}

func TestReadRGBA(t *testing.T) {
	pix := bytes.Repeat([]byte{1, 2, 3, 255}, 6)
	r := bytes.NewReader(pix)

	img, err := readRGBA(r, 3, 2, "test")
	if err != nil {
		t.Fatalf("readRGBA() error = %v", err)
	}
	if img.Bounds() != image.Rect(0, 0, 3, 2) || img.Pix[4] != 1 {
		t.Errorf("readRGBA() = %v %v", img.Bounds(), img.Pix[:8])
	}
	if _, err := readRGBA(r, 3, 2, "test"); err != io.EOF {
		t.Errorf("readRGBA() at end = %v, want io.EOF", err)
	}
	if _, err := readRGBA(bytes.NewReader(pix[:5]), 3, 2, "test"); err != io.EOF {
		t.Errorf("readRGBA() short = %v, want io.EOF", err)
	}
}

func TestAwaitFirstFrame(t *testing.T) {
	want := image.NewRGBA(image.Rect(0, 0, 1, 1))
	got, err := awaitFirstFrame(context.Background(), func() (*image.RGBA, error) { return want, nil })
	if err != nil || got != want {
		t.Errorf("awaitFirstFrame() = %v, %v", got, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	block := make(chan struct{})
	defer close(block)
	_, err = awaitFirstFrame(ctx, func() (*image.RGBA, error) {
		<-block
		return nil, io.EOF
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("awaitFirstFrame() error = %v, want deadline exceeded", err)
	}
}
