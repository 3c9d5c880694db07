package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/b2renger/ComfyQ/internal/model"
	"github.com/b2renger/ComfyQ/internal/workflow"
)

const (
	promptPath    = "/prompt"
	historyPath   = "/history/"
	statsPath     = "/system_stats"
	interruptPath = "/interrupt"
	eventsPath    = "/ws"

	requestTimeout = 30 * time.Second
)

// ErrNoOutput is returned by History when the engine reports an execution
// as finished but its history entry carries no image outputs. The engine
// swallows node errors this way, so the caller must treat it as a failure.
var ErrNoOutput = fmt.Errorf("execution finished without producing output")

// Client talks to a single ComfyUI instance. A fresh client id is minted
// per process so the engine routes websocket events for our submissions
// back to our stream and nobody else's.
type Client struct {
	baseURL  string
	hostPort string
	clientID string
	httpc    *http.Client
	logger   *slog.Logger
}

// NewClient builds a client for the engine listening at host:port.
func NewClient(host string, port int, logger *slog.Logger) *Client {
	hostPort := net.JoinHostPort(host, strconv.Itoa(port))
	return &Client{
		baseURL:  "http://" + hostPort,
		hostPort: hostPort,
		clientID: uuid.NewString(),
		httpc:    &http.Client{Timeout: requestTimeout},
		logger:   logger,
	}
}

// ClientID returns the identifier sent with every submission and used to
// subscribe to the event stream.
func (c *Client) ClientID() string { return c.clientID }

type promptRequest struct {
	Prompt   workflow.Graph `json:"prompt"`
	ClientID string         `json:"client_id"`
}

type promptResponse struct {
	PromptID string `json:"prompt_id"`
	Number   int    `json:"number"`
}

// Submit enqueues a rendered workflow graph and returns the engine's
// correlation id for it.
func (c *Client) Submit(ctx context.Context, g workflow.Graph) (string, error) {
	body, err := json.Marshal(promptRequest{Prompt: g, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+promptPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit prompt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("submit prompt: engine returned %d: %s", resp.StatusCode, readShort(resp.Body))
	}

	var pr promptResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("decode prompt response: %w", err)
	}
	if pr.PromptID == "" {
		return "", fmt.Errorf("submit prompt: engine returned no prompt id")
	}

	c.logger.Debug("prompt submitted", "correlation_id", pr.PromptID, "queue_number", pr.Number)
	return pr.PromptID, nil
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []model.ResultRef `json:"images"`
	} `json:"outputs"`
	Status struct {
		Completed bool   `json:"completed"`
		StatusStr string `json:"status_str"`
	} `json:"status"`
}

// History asks the engine whether the execution identified by correlationID
// has finished. It reports (nil, false, nil) while the entry is absent,
// which is how ComfyUI signals work still in flight. A present entry with
// image outputs yields the first output; a present entry without any is a
// failed execution and returns ErrNoOutput.
func (c *Client) History(ctx context.Context, correlationID string) (*model.ResultRef, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+historyPath+correlationID, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build history request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("fetch history: engine returned %d: %s", resp.StatusCode, readShort(resp.Body))
	}

	var entries map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, false, fmt.Errorf("decode history: %w", err)
	}

	entry, ok := entries[correlationID]
	if !ok {
		return nil, false, nil
	}

	// Walk output nodes in a stable order so repeated polls agree on
	// which image counts as "the" result.
	nodeIDs := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)
	for _, id := range nodeIDs {
		if imgs := entry.Outputs[id].Images; len(imgs) > 0 {
			ref := imgs[0]
			return &ref, true, nil
		}
	}

	return nil, true, ErrNoOutput
}

// Health probes the engine's stats endpoint. Any 200 means the HTTP server
// inside the engine is up and answering.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+statsPath, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: engine returned %d", resp.StatusCode)
	}
	return nil
}

// Interrupt asks the engine to abort whatever it is currently executing.
func (c *Client) Interrupt(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+interruptPath, nil)
	if err != nil {
		return fmt.Errorf("build interrupt request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("interrupt: engine returned %d", resp.StatusCode)
	}
	return nil
}

func readShort(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(bytes.TrimSpace(b))
}
