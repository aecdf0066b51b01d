package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AgentRequest is the body of POST /run on an agent.
type AgentRequest struct {
	Command   string            `json:"command"`
	Env       map[string]string `json:"env"`
	Dir       string            `json:"dir,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
}

// AgentResponse is the agent's answer to an AgentRequest.
type AgentResponse struct {
	AgentID  string `json:"agent_id,omitempty"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AgentRunner delegates commands to a remote agent over HTTP.
type AgentRunner struct {
	BaseURL string
	Client  *http.Client
}

// NewAgentRunner creates a runner for the agent at baseURL.
func NewAgentRunner(baseURL string) *AgentRunner {
	return &AgentRunner{BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{}}
}

// Run posts the command to the agent and waits for its result.
func (r *AgentRunner) Run(ctx context.Context, cmd Command) (CommandResult, error) {
	body, err := json.Marshal(AgentRequest{
		Command:   cmd.Line,
		Env:       cmd.Env,
		Dir:       cmd.Dir,
		TimeoutMS: cmd.Timeout.Milliseconds(),
	})
	if err != nil {
		return CommandResult{}, err
	}

	if cmd.Timeout > 0 {
		// leave the agent room to report its own timeout first
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout+5*time.Second)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return CommandResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return CommandResult{ExitCode: -1}, ErrCommandTimeout
		}
		return CommandResult{}, fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return CommandResult{}, fmt.Errorf("agent returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	var out AgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CommandResult{}, fmt.Errorf("decode agent response: %w", err)
	}
	res := CommandResult{ExitCode: out.ExitCode, Output: []byte(out.Output), Agent: out.AgentID}
	if out.TimedOut {
		return res, ErrCommandTimeout
	}
	if out.Error != "" {
		return res, errors.New(out.Error)
	}
	return res, nil
}
