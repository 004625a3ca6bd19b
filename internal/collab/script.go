package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/quizpilot/quizpilot/internal/scoring"
)

// Script collaborators shell out to configured commands. The request is
// written to stdin as JSON, the response read from stdout as JSON. A non-zero
// exit is a transient failure unless the command prints {"permanent": true}.

type scriptError struct {
	Permanent bool   `json:"permanent"`
	Message   string `json:"message"`
}

func runScript(ctx context.Context, argv []string, in, out any) error {
	if len(argv) == 0 {
		return Permanent(fmt.Errorf("collaborator command not configured"))
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return Permanent(fmt.Errorf("failed to encode request: %w", err))
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var se scriptError
		if jsonErr := json.Unmarshal(stdout.Bytes(), &se); jsonErr == nil && se.Permanent {
			return Permanent(fmt.Errorf("%s: %s", argv[0], se.Message))
		}
		return fmt.Errorf("%s failed: %w (stderr: %s)", argv[0], err, stderr.String())
	}

	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		return fmt.Errorf("failed to decode %s output: %w", argv[0], err)
	}
	return nil
}

// ScriptGenerator generates content via an external command.
type ScriptGenerator struct {
	Command []string
}

func (g *ScriptGenerator) Generate(ctx context.Context, template, topic string) (Content, error) {
	req := map[string]string{"template": template, "topic": topic}
	var out Content
	if err := runScript(ctx, g.Command, req, &out); err != nil {
		return Content{}, err
	}
	return out, nil
}

// ScriptRenderer renders via an external command.
type ScriptRenderer struct {
	Command []string
}

func (r *ScriptRenderer) Render(ctx context.Context, req RenderRequest) (RenderResult, error) {
	var out RenderResult
	if err := runScript(ctx, r.Command, req, &out); err != nil {
		return RenderResult{}, err
	}
	if out.VideoPath == "" {
		return RenderResult{}, Permanent(fmt.Errorf("renderer returned no video path"))
	}
	return out, nil
}

// ScriptUploader uploads via an external command.
type ScriptUploader struct {
	Command []string
}

func (u *ScriptUploader) Upload(ctx context.Context, req UploadRequest) (string, error) {
	var out struct {
		VideoID string `json:"video_id"`
	}
	if err := runScript(ctx, u.Command, req, &out); err != nil {
		return "", err
	}
	if out.VideoID == "" {
		return "", fmt.Errorf("uploader returned no video id")
	}
	return out.VideoID, nil
}

// ScriptAnalytics fetches metrics via an external command.
type ScriptAnalytics struct {
	Command []string
}

func (a *ScriptAnalytics) FetchMetrics(ctx context.Context, videoID string, lookback time.Duration) (scoring.Bundle, error) {
	req := map[string]any{
		"video_id":      videoID,
		"lookback_days": int(lookback.Hours() / 24),
	}
	var out scoring.Bundle
	if err := runScript(ctx, a.Command, req, &out); err != nil {
		return scoring.Bundle{}, err
	}
	return out, nil
}
