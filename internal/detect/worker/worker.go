// Package worker runs a recogniser as a long-lived subprocess and talks to
// it with length-prefixed msgpack messages over stdin and stdout.
//
// Request:  {"frame_data": <jpeg bytes>, "width": W, "height": H, "meta": {"seq": N, "timestamp": RFC3339Nano}}
// Response: {"detections": [{"text", "confidence", "bbox": [x1,y1,x2,y2]}], "error": ""}
//
// Each message is preceded by its length as a 4 byte big-endian integer.
package worker

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
	"github.com/bryanchriswhite/PlateStreamer/internal/detect"
	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
	"github.com/vmihailenco/msgpack/v5"
)

// maxMessageSize bounds a single response from the worker
const maxMessageSize = 16 << 20

// Config describes the worker process
type Config struct {
	Command      string
	Args         []string
	Env          []string
	Timeout      time.Duration // per request, defaults to 5s
	WriteTimeout time.Duration // defaults to 2s
}

type request struct {
	FrameData []byte      `msgpack:"frame_data"`
	Width     int         `msgpack:"width"`
	Height    int         `msgpack:"height"`
	Meta      requestMeta `msgpack:"meta"`
}

type requestMeta struct {
	Seq       uint64 `msgpack:"seq"`
	Timestamp string `msgpack:"timestamp"`
}

type response struct {
	Detections []wireDetection `msgpack:"detections"`
	Error      string          `msgpack:"error"`
}

type wireDetection struct {
	Text       string     `msgpack:"text"`
	Confidence float64    `msgpack:"confidence"`
	BBox       [4]float64 `msgpack:"bbox"`
}

// Worker is a detect.Capability backed by a subprocess. Requests are
// serialised; a timed out or broken process is killed and respawned on the
// next request.
type Worker struct {
	cfg Config

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	exited chan struct{}
	seq    uint64
}

// New creates a worker. The process is started lazily on first use.
func New(cfg Config) (*Worker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("worker command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &Worker{cfg: cfg}, nil
}

// Name returns the capability name
func (w *Worker) Name() string {
	return "worker:" + w.cfg.Command
}

// Start spawns the process if it is not already running
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ensureRunning()
}

func (w *Worker) ensureRunning() error {
	if w.cmd != nil {
		select {
		case <-w.exited:
			logger.WithComponent("worker").Warn().Str("command", w.cfg.Command).Msg("Worker process exited, respawning")
			w.reset()
		default:
			return nil
		}
	}

	cmd := exec.Command(w.cfg.Command, w.cfg.Args...)
	if len(w.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), w.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker %s: %w", w.cfg.Command, err)
	}

	w.cmd = cmd
	w.stdin = stdin
	w.stdout = bufio.NewReader(stdout)
	w.exited = make(chan struct{})

	go logStderr(stderr, w.cfg.Command)
	go func(cmd *exec.Cmd, exited chan struct{}) {
		err := cmd.Wait()
		close(exited)
		logger.WithComponent("worker").Debug().Err(err).Int("pid", cmd.Process.Pid).Msg("Worker process exited")
	}(cmd, w.exited)

	logger.WithComponent("worker").Info().
		Str("command", w.cfg.Command).
		Strs("args", w.cfg.Args).
		Int("pid", cmd.Process.Pid).
		Msg("Worker process started")
	return nil
}

// reset kills the current process and forgets it
func (w *Worker) reset() {
	if w.cmd == nil {
		return
	}
	w.stdin.Close()
	w.cmd.Process.Kill()
	<-w.exited
	w.cmd = nil
	w.stdin = nil
	w.stdout = nil
}

// Detect sends img to the worker and waits for its detections
func (w *Worker) Detect(ctx context.Context, img image.Image) ([]detect.Detection, error) {
	payload, err := detect.EncodePayload(img)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureRunning(); err != nil {
		return nil, apperr.Wrap(err, apperr.ProcessingFailure, "worker unavailable")
	}

	w.seq++
	b := img.Bounds()
	req := request{
		FrameData: payload,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Meta: requestMeta{
			Seq:       w.seq,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		},
	}

	data, err := msgpack.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal msgpack request: %w", err)
	}

	if err := w.write(ctx, data); err != nil {
		w.reset()
		return nil, err
	}

	resp, err := w.read(ctx)
	if err != nil {
		w.reset()
		return nil, err
	}
	if resp.Error != "" {
		return nil, apperr.Newf(apperr.ProcessingFailure, "worker reported: %s", resp.Error)
	}

	dets := make([]detect.Detection, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		dets = append(dets, detect.Detection{
			Text:       strings.TrimSpace(d.Text),
			Confidence: d.Confidence,
			BBox:       [4]int{int(d.BBox[0]), int(d.BBox[1]), int(d.BBox[2]), int(d.BBox[3])},
		})
	}
	return dets, nil
}

// write sends one length-prefixed message, bounded by WriteTimeout
func (w *Worker) write(ctx context.Context, data []byte) error {
	stdin := w.stdin
	writeErr := make(chan error, 1)
	go func() {
		frame := make([]byte, 4+len(data))
		binary.BigEndian.PutUint32(frame, uint32(len(data)))
		copy(frame[4:], data)
		if _, err := stdin.Write(frame); err != nil {
			writeErr <- fmt.Errorf("failed to write to stdin: %w", err)
			return
		}
		writeErr <- nil
	}()

	select {
	case err := <-writeErr:
		return err
	case <-time.After(w.cfg.WriteTimeout):
		return fmt.Errorf("stdin write timeout (worker may be hung)")
	case <-ctx.Done():
		return fmt.Errorf("request cancelled during write: %w", ctx.Err())
	}
}

// read waits for one length-prefixed response, bounded by Timeout
func (w *Worker) read(ctx context.Context) (*response, error) {
	stdout := w.stdout
	type result struct {
		resp *response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		lengthBuf := make([]byte, 4)
		if _, err := io.ReadFull(stdout, lengthBuf); err != nil {
			done <- result{err: fmt.Errorf("failed to read length prefix: %w", err)}
			return
		}
		n := binary.BigEndian.Uint32(lengthBuf)
		if n > maxMessageSize {
			done <- result{err: fmt.Errorf("worker message of %d bytes exceeds limit", n)}
			return
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(stdout, msg); err != nil {
			done <- result{err: fmt.Errorf("failed to read msgpack data: %w", err)}
			return
		}
		var resp response
		if err := msgpack.Unmarshal(msg, &resp); err != nil {
			done <- result{err: fmt.Errorf("failed to unmarshal msgpack response: %w", err)}
			return
		}
		done <- result{resp: &resp}
	}()

	timer := time.NewTimer(w.cfg.Timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-timer.C:
		return nil, fmt.Errorf("worker did not answer within %v", w.cfg.Timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
	}
}

// Close stops the worker process
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd != nil {
		logger.WithComponent("worker").Info().Int("pid", w.cmd.Process.Pid).Msg("Stopping worker process")
	}
	w.reset()
	return nil
}

// logStderr maps the worker's log levels onto ours
func logStderr(r io.Reader, command string) {
	log := logger.WithComponent("worker")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			log.Error().Str("command", command).Str("log", line).Msg("Worker error")
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			log.Warn().Str("command", command).Str("log", line).Msg("Worker warning")
		default:
			log.Debug().Str("command", command).Str("log", line).Msg("Worker log")
		}
	}
}
