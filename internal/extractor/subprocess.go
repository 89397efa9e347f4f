package extractor

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/imcatta/poselink/internal/types"
)

// SubprocessModel bridges to a pose-estimation worker running as a child
// process: one JSON request line on stdin per frame, one JSON response
// line on stdout, stderr forwarded to the log.
//
// The worker owns the actual model (MediaPipe or equivalent); this side
// only does transport. Infer is synchronous and single-flight: the
// governor never has more than one cycle outstanding, and a mutex keeps
// the stdio protocol honest if anyone else calls in.
type SubprocessModel struct {
	command string
	args    []string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr io.ReadCloser

	mu     sync.Mutex
	nextID uint64
	wg     sync.WaitGroup
}

// frameRequest is one stdin line to the worker
type frameRequest struct {
	ID     uint64 `json:"id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	// Data is the raw RGB24 frame, base64 encoded
	Data string `json:"data"`
}

// frameResponse is one stdout line from the worker
type frameResponse struct {
	ID        uint64           `json:"id"`
	Detected  bool             `json:"detected"`
	Landmarks []types.Landmark `json:"landmarks"`
	Error     string           `json:"error,omitempty"`
}

// NewSubprocessModel creates a model bridge for the given worker command
func NewSubprocessModel(command string, args []string) (*SubprocessModel, error) {
	if command == "" {
		return nil, fmt.Errorf("worker command is required")
	}
	return &SubprocessModel{command: command, args: args}, nil
}

// Start spawns the worker process and wires its pipes
func (m *SubprocessModel) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd != nil {
		return fmt.Errorf("pose worker already started")
	}

	cmd := exec.Command(m.command, m.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start pose worker: %w", err)
	}

	m.cmd = cmd
	m.stdin = stdin
	m.stdout = bufio.NewReaderSize(stdout, 1<<20)
	m.stderr = stderr

	m.wg.Add(1)
	go m.logStderr()

	slog.Info("pose worker spawned",
		"command", m.command,
		"pid", cmd.Process.Pid,
	)

	return nil
}

// Infer sends one frame to the worker and waits for its response line
func (m *SubprocessModel) Infer(frame types.Frame) (types.KeypointSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd == nil {
		return types.KeypointSet{}, fmt.Errorf("pose worker not started")
	}

	m.nextID++
	req := frameRequest{
		ID:     m.nextID,
		Width:  frame.Width,
		Height: frame.Height,
		Data:   base64.StdEncoding.EncodeToString(frame.Data),
	}

	line, err := json.Marshal(req)
	if err != nil {
		return types.KeypointSet{}, fmt.Errorf("failed to marshal frame request: %w", err)
	}
	line = append(line, '\n')

	if _, err := m.stdin.Write(line); err != nil {
		return types.KeypointSet{}, fmt.Errorf("failed to write to pose worker: %w", err)
	}

	respLine, err := m.stdout.ReadBytes('\n')
	if err != nil {
		return types.KeypointSet{}, fmt.Errorf("failed to read from pose worker: %w", err)
	}

	var resp frameResponse
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return types.KeypointSet{}, fmt.Errorf("failed to parse pose worker response: %w", err)
	}

	if resp.Error != "" {
		return types.KeypointSet{}, fmt.Errorf("pose worker error: %s", resp.Error)
	}
	if !resp.Detected || len(resp.Landmarks) == 0 {
		return types.KeypointSet{}, ErrNoPose
	}

	return types.KeypointSet{Landmarks: resp.Landmarks}, nil
}

// Close terminates the worker process
func (m *SubprocessModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd == nil {
		return nil
	}

	// Closing stdin lets the worker exit cleanly; kill if it lingers
	m.stdin.Close()
	err := m.cmd.Wait()
	m.wg.Wait()

	if err != nil {
		slog.Warn("pose worker exited with error", "error", err)
	} else {
		slog.Info("pose worker exited cleanly", "pid", m.cmd.Process.Pid)
	}

	m.cmd = nil
	return nil
}

// logStderr forwards worker stderr lines to the log, mapping the worker's
// level tags where present
func (m *SubprocessModel) logStderr() {
	defer m.wg.Done()

	scanner := bufio.NewScanner(m.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			slog.Error("pose worker error", "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			slog.Warn("pose worker warning", "log", line)
		default:
			slog.Debug("pose worker log", "log", line)
		}
	}
}

// containsAny checks if string contains any of the given substrings
func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
