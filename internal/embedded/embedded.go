package embedded

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jeanhaley32/sapphire-bee/internal/constants"
)

//go:embed Dockerfile
var Dockerfile []byte

// ImageBuilder builds an image from a context directory.
type ImageBuilder interface {
	BuildImage(ctx context.Context, image, contextDir string, out io.Writer) error
}

// BuildImage builds the agent image from the embedded Dockerfile.
func BuildImage(ctx context.Context, b ImageBuilder, imageName string, out io.Writer) error {
	tempDir, err := os.MkdirTemp("", "bee-build-*")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	dockerfilePath := filepath.Join(tempDir, "Dockerfile")
	if err := os.WriteFile(dockerfilePath, Dockerfile, constants.PublicFilePermissions); err != nil {
		return fmt.Errorf("failed to write Dockerfile: %w", err)
	}

	return b.BuildImage(ctx, imageName, tempDir, out)
}
