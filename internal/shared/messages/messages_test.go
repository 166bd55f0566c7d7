package messages

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRender(t *testing.T) {
	got := Defaults().RelinkRequired.Render(map[string]string{"institution": "Chase"})
	want := "We lost access to Chase. Reconnect to keep your balances up to date."
	if got.Body != want {
		t.Errorf("Render() body = %q, want %q", got.Body, want)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantTitle string
		wantBody  string
		wantErr   bool
	}{
		{
			name:      "override both",
			content:   `{"relink_required":{"title":"Reconecte","body":"Perdemos acesso a {institution}."}}`,
			wantTitle: "Reconecte",
			wantBody:  "Perdemos acesso a {institution}.",
		},
		{
			name:      "partial keeps defaults",
			content:   `{"relink_required":{"title":"Heads up"}}`,
			wantTitle: "Heads up",
			wantBody:  Defaults().RelinkRequired.Body,
		},
		{
			name:    "invalid json",
			content: `{`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "messages.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}

			msgs, err := Load(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if msgs.RelinkRequired.Title != tt.wantTitle || msgs.RelinkRequired.Body != tt.wantBody {
				t.Errorf("Load() = %+v", msgs.RelinkRequired)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("Load() expected error for missing file")
	}
}
