package harness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"
)

// BinaryName is the file name of the built CLI.
const BinaryName = "latbench"

// ResolveBinary returns the expected binary path inside outDir.
func ResolveBinary(outDir string) string {
	return filepath.Join(outDir, BinaryName)
}

// Build compiles the latbench CLI from the module rooted at sourceDir
// into outDir and returns the binary path.
func Build(
	ctx context.Context,
	logger *zap.Logger,
	sourceDir, outDir string,
) (string, error) {
	binPath, err := filepath.Abs(ResolveBinary(outDir))
	if err != nil {
		return "", fmt.Errorf("resolve binary path: %w", err)
	}

	logger.Info("building latbench",
		zap.String("source_dir", sourceDir),
		zap.String("binary", binPath),
	)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", binPath, "./cmd/latbench")
	cmd.Dir = sourceDir
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("build latbench: %w", err)
	}

	if _, err := os.Stat(binPath); err != nil {
		return "", fmt.Errorf("build latbench: binary not found at %s", binPath)
	}

	logger.Info("latbench built", zap.String("binary", binPath))

	return binPath, nil
}
