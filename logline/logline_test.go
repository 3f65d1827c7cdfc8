package logline

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDrainFlushesFinalUnterminatedLine(t *testing.T) {
	dir := t.TempDir()
	logger := zerolog.New(io.Discard).Level(zerolog.Disabled)

	r := strings.NewReader("first\nsecond\nthird-no-newline")
	Drain(r, logger, "svc", Stdout, dir)

	contents, err := os.ReadFile(filepath.Join(dir, "svc.stdout.txt"))
	require.NoError(t, err)
	require.Equal(t, "first\nsecond\nthird-no-newline\n", string(contents))
}

func TestDrainFileIsExclusive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svc.stderr.txt")
	require.NoError(t, os.WriteFile(path, []byte("pre-existing"), 0o644))

	logger := zerolog.New(io.Discard).Level(zerolog.Disabled)
	Drain(strings.NewReader("line\n"), logger, "svc", Stderr, dir)

	// The drain must not have clobbered the pre-existing file.
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "pre-existing", string(contents))
}
