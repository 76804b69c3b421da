package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Event is one raw server-sent event from the child's /event stream.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// SubscribeEvents opens the child's server-sent event stream and decodes
// each data frame onto the returned channel. The channel closes when the
// stream ends or ctx is cancelled.
func (c *Client) SubscribeEvents(ctx context.Context) (<-chan Event, error) {
	base := c.ServerURL()
	if base == "" {
		return nil, fmt.Errorf("runner: child not started")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/event", nil)
	if err != nil {
		return nil, fmt.Errorf("runner: build event request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setAuth(req)

	// The stream outlives the default client timeout.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("runner: open event stream: %w", err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("runner: event stream status %d", resp.StatusCode)
	}

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		var data strings.Builder
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "data:"):
				data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			case line == "":
				if data.Len() == 0 {
					continue
				}
				var ev Event
				if err := json.Unmarshal([]byte(data.String()), &ev); err == nil {
					select {
					case events <- ev:
					case <-ctx.Done():
						return
					}
				}
				data.Reset()
			}
		}
	}()
	return events, nil
}
