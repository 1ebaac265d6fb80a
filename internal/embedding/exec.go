package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/mattn/go-shellwords"

	"github.com/keyvox-labs/keyvox-core/internal/audio"
	"github.com/keyvox-labs/keyvox-core/internal/config"
)

type execBackend struct {
	cmd []string
	cfg config.EmbeddingConfig
}

type execFeatures struct {
	Frames int       `json:"frames"`
	Bands  int       `json:"bands"`
	Data   []float32 `json:"data"`
}

type execResult struct {
	Embedding []float32 `json:"embedding"`
}

// NewExecBackend shells out to an external model runner. The runner receives
// the feature matrix as a JSON file and must print {"embedding": [...]} on
// stdout.
func NewExecBackend(cfg config.EmbeddingConfig) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse embedding command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("embedding command is empty")
	}
	return &execBackend{cmd: args, cfg: cfg}, nil
}

func (b *execBackend) Load(_ context.Context) error {
	if _, err := exec.LookPath(b.cmd[0]); err != nil {
		return fmt.Errorf("embedding command not found: %w", err)
	}
	if b.cfg.ModelPath != "" {
		if _, err := os.Stat(b.cfg.ModelPath); err != nil {
			return fmt.Errorf("embedding model not readable: %w", err)
		}
	}
	return nil
}

func (b *execBackend) Embed(ctx context.Context, features audio.FeatureMatrix) ([]float32, error) {
	file, err := os.CreateTemp("", "keyvox_features_*.json")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	payload := execFeatures{Frames: features.Frames, Bands: features.Bands, Data: features.Data}
	if err := json.NewEncoder(file).Encode(payload); err != nil {
		return nil, fmt.Errorf("write features: %w", err)
	}

	args := append([]string{}, b.cmd[1:]...)
	args = append(args, "--features", file.Name())
	if b.cfg.ModelPath != "" {
		args = append(args, "--model", b.cfg.ModelPath)
	}

	command := exec.CommandContext(ctx, b.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("embedding command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(resp.Embedding) != b.cfg.Dim {
		return nil, fmt.Errorf("embedding dimension %d, expected %d", len(resp.Embedding), b.cfg.Dim)
	}
	return resp.Embedding, nil
}
