package files

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskUploader(t *testing.T) {
	dir := t.TempDir()
	u, err := NewDiskUploader(dir, "http://localhost:8080/uploads")
	require.NoError(t, err)

	url, err := u.Upload(context.Background(), []byte("fake scan"), "image/png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://localhost:8080/uploads/"))
	assert.True(t, strings.HasSuffix(url, ".png"))

	name := url[strings.LastIndex(url, "/")+1:]
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Equal(t, []byte("fake scan"), data)
}

func TestDiskUploaderUnknownContentType(t *testing.T) {
	u, err := NewDiskUploader(t.TempDir(), "http://localhost/uploads")
	require.NoError(t, err)

	url, err := u.Upload(context.Background(), []byte{0x1, 0x2}, "application/x-whatever")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(url, ".bin"))
}

func TestDiskUploaderRejectsEmptyPayload(t *testing.T) {
	u, err := NewDiskUploader(t.TempDir(), "http://localhost/uploads")
	require.NoError(t, err)

	_, err = u.Upload(context.Background(), nil, "image/png")
	assert.Error(t, err)
}
