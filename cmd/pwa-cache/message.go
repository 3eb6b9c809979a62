package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MessageCmd posts a control message, e.g. to roll clients onto a waiting
// release without waiting for them to reload.
type MessageCmd struct {
	Type  string        `arg:"" enum:"SKIP_WAITING,CLEAR_CACHE" help:"Message type (SKIP_WAITING or CLEAR_CACHE)."`
	URL   string        `default:"http://localhost:8080" env:"PWA_CACHE_URL" help:"Base URL of the running service."`
	Token string        `env:"PWA_CACHE_CONTROL_TOKEN" help:"Bearer token for the control channel."`
	Wait  time.Duration `default:"30s" help:"Request timeout."`
}

// Run posts the message and prints the service's reply.
func (c *MessageCmd) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Wait)
	defer cancel()

	body, err := json.Marshal(map[string]string{"type": c.Type})
	if err != nil {
		return err
	}
	endpoint := strings.TrimSuffix(c.URL, "/") + "/__pwa/message"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting message: %w", err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("reading reply: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("message rejected: %s: %s", resp.Status, bytes.TrimSpace(reply))
	}
	fmt.Println(string(bytes.TrimSpace(reply)))
	return nil
}
