// Package alpr is a detect.Capability backed by an OpenALPR compatible HTTP
// recognition service.
package alpr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
	"github.com/bryanchriswhite/PlateStreamer/internal/detect"
	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
)

// Response is the body returned by the recognise endpoint
type Response struct {
	Version        float32  `json:"version"`
	DataType       string   `json:"data_type"`
	EpochTime      float64  `json:"epoch_time"`
	ImgWidth       int      `json:"img_width"`
	ImgHeight      int      `json:"img_height"`
	ProcessingTime float64  `json:"processing_time_ms"`
	Results        []Result `json:"results"`
}

// Result is one recognised plate. Confidence is a percentage.
type Result struct {
	Plate       string  `json:"plate"`
	Confidence  float64 `json:"confidence"`
	Region      string  `json:"region"`
	Coordinates []Point `json:"coordinates"`
}

// Point is a plate corner
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Client posts frames to the recognition service
type Client struct {
	endpoint string
	country  string
	http     *http.Client
}

// New creates a client for endpoint, e.g. http://alpr:8080/v2/recognize
func New(endpoint, country string, timeout time.Duration) (*Client, error) {
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid alpr url %q: %w", endpoint, err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		country:  country,
		http:     &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the capability name
func (c *Client) Name() string { return "alpr" }

// Close is a no-op
func (c *Client) Close() error { return nil }

// Detect uploads img and converts the results to detections
func (c *Client) Detect(ctx context.Context, img image.Image) ([]detect.Detection, error) {
	payload, err := detect.EncodePayload(img)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	u, _ := url.Parse(c.endpoint)
	if c.country != "" {
		q := u.Query()
		q.Set("country", c.country)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ProcessingFailure, "alpr request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.Newf(apperr.ProcessingFailure, "alpr returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(err, apperr.ProcessingFailure, "invalid alpr response")
	}

	logger.WithComponent("alpr").Debug().
		Int("results", len(out.Results)).
		Float64("processing_ms", out.ProcessingTime).
		Msg("Recognition complete")

	return toDetections(out.Results), nil
}

func toDetections(results []Result) []detect.Detection {
	dets := make([]detect.Detection, 0, len(results))
	for _, r := range results {
		conf := r.Confidence / 100
		if conf > 1 {
			conf = 1
		}
		if conf < 0 {
			conf = 0
		}
		dets = append(dets, detect.Detection{
			Text:       r.Plate,
			Confidence: conf,
			BBox:       boundingBox(r.Coordinates),
		})
	}
	return dets
}

func boundingBox(pts []Point) [4]int {
	if len(pts) == 0 {
		return [4]int{}
	}
	box := [4]int{pts[0].X, pts[0].Y, pts[0].X, pts[0].Y}
	for _, p := range pts[1:] {
		box[0] = min(box[0], p.X)
		box[1] = min(box[1], p.Y)
		box[2] = max(box[2], p.X)
		box[3] = max(box[3], p.Y)
	}
	return box
}
