package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := Wrap(errors.New("no such file"), SourceUnavailable, "open source").
		WithMetadata("descriptor", "file:/tmp/x.mp4")

	msg := err.Error()
	for _, want := range []string{"[source_unavailable]", "open source", "descriptor", "caused by: no such file"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestIsCodeThroughWrapping(t *testing.T) {
	inner := New(InvalidConfig, "frame_skip must be >= 1")
	outer := fmt.Errorf("update: %w", inner)

	if !IsCode(outer, InvalidConfig) {
		t.Error("IsCode(outer, InvalidConfig) = false, want true")
	}
	if IsCode(outer, DecodeFailure) {
		t.Error("IsCode(outer, DecodeFailure) = true, want false")
	}
	if IsCode(errors.New("plain"), InvalidConfig) {
		t.Error("IsCode(plain, InvalidConfig) = true, want false")
	}
}

func TestIsCodeNested(t *testing.T) {
	err := Wrap(New(DecodeFailure, "bad jpeg"), ProcessingFailure, "submit")
	if !IsCode(err, DecodeFailure) {
		t.Error("IsCode(nested, DecodeFailure) = false, want true")
	}
	if CodeOf(err) != ProcessingFailure {
		t.Errorf("CodeOf = %v, want %v", CodeOf(err), ProcessingFailure)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{New(InvalidConfig, "x"), http.StatusBadRequest},
		{New(StateError, "x"), http.StatusConflict},
		{New(ProcessingFailure, "x"), http.StatusInternalServerError},
		{New(NotFound, "x"), http.StatusNotFound},
		{errors.New("x"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
