package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOfflinePage_Default(t *testing.T) {
	p, err := loadOfflinePage("")
	require.NoError(t, err)

	body, err := p.render(offlineData{
		URL:     "https://menu.example/menu.html?table=<4>",
		Version: "2024.06.1",
		At:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Contains(t, string(body), "You are offline")
	require.Contains(t, string(body), "table=&lt;4&gt;")
	require.Contains(t, string(body), "Version 2024.06.1")
	require.Contains(t, string(body), "2024-06-01 12:00:00 UTC")
}

func TestOfflinePage_CustomTemplateWithSprig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.html")
	require.NoError(t, os.WriteFile(path, []byte(`<p>{{ .Method | lower }} {{ .URL | upper }}</p>`), 0o600))

	p, err := loadOfflinePage(path)
	require.NoError(t, err)

	body, err := p.render(offlineData{Method: "GET", URL: "https://menu.example/"})
	require.NoError(t, err)
	require.Equal(t, "<p>get HTTPS://MENU.EXAMPLE/</p>", string(body))
}

func TestOfflinePage_RestrictedHelpersRemoved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.html")
	require.NoError(t, os.WriteFile(path, []byte(`{{ env "HOME" }}`), 0o600))

	_, err := loadOfflinePage(path)
	require.Error(t, err)
}

func TestOfflinePage_MissingFile(t *testing.T) {
	_, err := loadOfflinePage(filepath.Join(t.TempDir(), "missing.html"))
	require.Error(t, err)
}
