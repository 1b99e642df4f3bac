package main

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/example/bloodgroup/internal/bloodgroup"
	"github.com/example/bloodgroup/internal/inference"
	"github.com/example/bloodgroup/internal/nn"
	"github.com/example/bloodgroup/internal/nn/nntest"
)

func writePNG(t *testing.T, dir, name string, shade uint8) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 20, 30))
	for i := range img.Pix {
		img.Pix[i] = shade + uint8(i%7)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestClassifyFilesPrintsInArgumentOrder(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writePNG(t, dir, "a.png", 10),
		writePNG(t, dir, "b.png", 120),
		writePNG(t, dir, "c.png", 200),
	}
	svc := inference.NewService(nntest.Classifier(t, nntest.SmallArchitecture, 3))

	var out bytes.Buffer
	require.NoError(t, classifyFiles(context.Background(), svc, files, 2, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, len(files))
	for i, line := range lines {
		fields := strings.Fields(line)
		require.Len(t, fields, 3)
		assert.Equal(t, files[i], fields[0])
		assert.True(t, bloodgroup.IsLabel(fields[1]), fields[1])
	}
}

func TestClassifyFilesReportsFailures(t *testing.T) {
	dir := t.TempDir()
	good := writePNG(t, dir, "good.png", 50)
	text := filepath.Join(dir, "note.txt")
	require.NoError(t, os.WriteFile(text, []byte("not an image"), 0o600))
	missing := filepath.Join(dir, "missing.png")

	svc := inference.NewService(nntest.Classifier(t, nntest.SmallArchitecture, 3))
	var out bytes.Buffer
	err := classifyFiles(context.Background(), svc, []string{good, text, missing}, 0, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 3 files failed")
	assert.Contains(t, err.Error(), "note.txt")
	assert.Contains(t, out.String(), "good.png")
}

func TestInspectWeights(t *testing.T) {
	arch := nntest.SmallArchitecture
	path := nntest.WriteFile(t, nntest.RandomTensors(arch, 5))

	var out bytes.Buffer
	require.NoError(t, inspectWeights(path, arch, &out))
	assert.Contains(t, out.String(), "fingerprint: ")
	assert.Contains(t, out.String(), nn.FC2Weight)
	assert.Contains(t, out.String(), "format: safetensors")
}

func TestInspectWeightsListsProblems(t *testing.T) {
	arch := nntest.SmallArchitecture
	tensors := nntest.RandomTensors(arch, 5)
	delete(tensors, nn.FC2Weight)
	delete(tensors, nn.FC2Bias)
	path := nntest.WriteFile(t, tensors)

	var out bytes.Buffer
	err := inspectWeights(path, arch, &out)
	var loadErr *nn.WeightLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, out.String(), "invalid: missing tensor fc2.weight")
	assert.Contains(t, out.String(), "invalid: missing tensor fc2.bias")
}

func TestAppCommands(t *testing.T) {
	app := newApp()
	names := make([]string, 0, len(app.Commands))
	for _, cmd := range app.Commands {
		names = append(names, cmd.Name)
	}
	assert.ElementsMatch(t, []string{"serve", "classify", "weights", "admin"}, names)

	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out
	app.ExitErrHandler = func(*cli.Context, error) {}
	assert.Error(t, app.Run([]string{"bloodgroup", "weights", "inspect"}))
}
