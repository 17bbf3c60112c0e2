package recorder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeTask(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"line_A", "line_A"},
		{"line A/B", "line_A_B"},
		{"検査ライン1", "検査ライン1"},
		{"  ", ""},
		{"ｘ", "_"}, // 全角英字は置き換え
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeTask(tt.in), tt.in)
	}
}

func TestVideoFileName(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.Local)

	assert.Equal(t, "VID_20260304_050607.mp4", VideoFileName(now, "", ""))
	assert.Equal(t, "VID_20260304_050607.avi", VideoFileName(now, "", "avi"))
	assert.Equal(t, "20260304_line_1.mp4", VideoFileName(now, "line 1", ".mp4"))
}

func TestSnapshotFileName(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 89*int(time.Millisecond), time.Local)

	assert.Equal(t, "SNAP_20260304_050607_089.jpg", SnapshotFileName(now, ".jpg"))
	assert.Equal(t, "SNAP_20260304_050607_089.png", SnapshotFileName(now, "png"))
}

func TestUniquePath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "videos")

	p, err := UniquePath(dir, "a.mp4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a.mp4"), p)
	require.NoError(t, os.WriteFile(p, nil, 0644))

	p, err = UniquePath(dir, "a.mp4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a_1.mp4"), p)
	require.NoError(t, os.WriteFile(p, nil, 0644))

	p, err = UniquePath(dir, "a.mp4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a_2.mp4"), p)
}
