package corpus

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeNote(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSplitFrontMatter(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantFront map[string]any
		wantBody  string
		wantErr   bool
	}{
		{
			name:     "no front matter",
			raw:      "# Title\nbody",
			wantBody: "# Title\nbody",
		},
		{
			name:      "front matter",
			raw:       "---\ntitle: Harvest\ntags: 3\n---\nbody text\n",
			wantFront: map[string]any{"title": "Harvest", "tags": 3},
			wantBody:  "body text\n",
		},
		{
			name:      "crlf",
			raw:       "---\r\ntitle: X\r\n---\r\nbody",
			wantFront: map[string]any{"title": "X"},
			wantBody:  "body",
		},
		{
			name:      "no trailing newline",
			raw:       "---\ntitle: X\n---",
			wantFront: map[string]any{"title": "X"},
			wantBody:  "",
		},
		{
			name:    "unterminated",
			raw:     "---\ntitle: X\nbody",
			wantErr: true,
		},
		{
			name:    "invalid yaml",
			raw:     "---\ntitle: [x\n---\nbody",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			front, body, err := SplitFrontMatter([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFront, front)
			assert.Equal(t, tt.wantBody, body)
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	day := float64(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Unix())

	tests := []struct {
		name string
		in   any
		want float64
		ok   bool
	}{
		{"date", "2024-03-01", day, true},
		{"rfc3339", "2024-03-01T00:00:00Z", day, true},
		{"unix int", 1700000000, 1700000000, true},
		{"unix float", 1.5, 1.5, true},
		{"time", time.Unix(42, 0), 42, true},
		{"garbage", "yesterday", 0, false},
		{"nil", nil, 0, false},
		{"nan", math.NaN(), 0, false},
		{"inf", math.Inf(1), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTimestamp(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}
}

func TestLoader_Load(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "b/harvest.md", "---\ntitle: Harvest Notes\ndate: 2024-03-01\nmood: calm\n---\n# Ignored heading\nwheat and barley\n")
	writeNote(t, root, "a.md", "# Taboshi\n\ngreen sprouts\n")
	stem := writeNote(t, root, "plain.txt", "no heading here")
	writeNote(t, root, "image.png", "binary")
	writeNote(t, root, ".hidden/secret.md", "# Secret")
	writeNote(t, root, "broken.md", "---\ntitle: x\n")

	mtime := time.Unix(1700000000, 0)
	require.NoError(t, os.Chtimes(stem, mtime, mtime))

	docs, err := NewLoader(root).Load()
	require.NoError(t, err)
	require.Len(t, docs, 3)

	assert.Equal(t, "a.md", docs[0].ID)
	assert.Equal(t, "Taboshi", docs[0].Metadata[KeyTitle])
	assert.Equal(t, "# Taboshi\n\ngreen sprouts", docs[0].Text)

	assert.Equal(t, "b/harvest.md", docs[1].ID)
	assert.Equal(t, "Harvest Notes", docs[1].Metadata[KeyTitle])
	assert.Equal(t, "calm", docs[1].Metadata["mood"])
	assert.Equal(t, "b/harvest.md", docs[1].Metadata[KeyPath])
	assert.InDelta(t, float64(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Unix()), docs[1].Metadata[KeyTimestamp], 1e-6)

	assert.Equal(t, "plain.txt", docs[2].ID)
	assert.Equal(t, "plain", docs[2].Metadata[KeyTitle])
	assert.InDelta(t, 1700000000.0, docs[2].Metadata[KeyTimestamp], 1e-3)
}

func TestLoader_Extensions(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "a.md", "alpha")
	writeNote(t, root, "b.TXT", "beta")

	docs, err := NewLoader(root, WithExtensions(".txt")).Load()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b.TXT", docs[0].ID)
}

func TestLoader_MissingRoot(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "nope")).Load()
	assert.Error(t, err)

	file := writeNote(t, t.TempDir(), "f.md", "x")
	_, err = NewLoader(file).Load()
	assert.Error(t, err)
}
