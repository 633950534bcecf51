// Package gateway is the client-facing proxy surface: the /v1 endpoints,
// the control-plane hook client and the SSE rendering of final streams.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// hookTimeout bounds one hook invocation; a silent control plane means
// "no change", never a stalled request.
const hookTimeout = 10 * time.Second

// HookClient posts hook payloads to the control plane. Every failure mode
// degrades to nil (no change).
type HookClient struct {
	baseURL string
	client  *http.Client
}

// NewHookClient builds a client for the control plane at baseURL.
func NewHookClient(baseURL string) *HookClient {
	return &HookClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: hookTimeout},
	}
}

// Invoke posts one hook payload and returns the replacement payload, or nil
// for no change.
func (h *HookClient) Invoke(ctx context.Context, hookName string, payload map[string]interface{}) map[string]interface{} {
	body, err := json.Marshal(payload)
	if err != nil {
		logrus.Errorf("Hook %s: marshal payload: %v", hookName, err)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/hooks/%s", h.baseURL, hookName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		logrus.Errorf("Hook %s: build request: %v", hookName, err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		logrus.Warnf("Hook %s unreachable, continuing without policy: %v", hookName, err)
		return nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		logrus.Warnf("Hook %s: read response: %v", hookName, err)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		logrus.Warnf("Hook %s returned %d: %s", hookName, resp.StatusCode, raw)
		return nil
	}

	var replacement map[string]interface{}
	if err := json.Unmarshal(raw, &replacement); err != nil {
		// "null" and non-object bodies mean no change.
		return nil
	}
	return replacement
}
