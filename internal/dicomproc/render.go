package dicomproc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Renderer converts a DICOM buffer into a JPEG rendering.
type Renderer interface {
	RenderJPEG(ctx context.Context, dicomBytes []byte) ([]byte, error)
}

// CommandRenderer shells out to an external conversion tool (dcmj2pnm
// compatible: `tool --write-jpeg <in> <out>`). The pipeline never decodes
// pixels itself.
type CommandRenderer struct {
	Command string
}

func (r *CommandRenderer) RenderJPEG(ctx context.Context, dicomBytes []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "ingest-render-*")
	if err != nil {
		return nil, fmt.Errorf("create render tempdir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input.dcm")
	out := filepath.Join(dir, "output.jpg")
	if err := os.WriteFile(in, dicomBytes, 0o600); err != nil {
		return nil, fmt.Errorf("write render input: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.Command, "--write-jpeg", in, out)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", r.Command, err, output)
	}

	jpeg, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read render output: %w", err)
	}
	return jpeg, nil
}
