package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CoteTommy/Weft-App-sub000/internal/config"
)

func TestDir(t *testing.T) {
	t.Setenv("WEFT_HOME", "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".weft", "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestPaths(t *testing.T) {
	tests := []struct {
		name   string
		got    string
		suffix string
	}{
		{"socket", SocketPath("test"), filepath.Join("profiles", "test", "weftd.sock")},
		{"db", DBPath("test"), filepath.Join("profiles", "test", "weft.db")},
		{"log", LogPath("test"), filepath.Join("profiles", "test", "logs", "weftd.log")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.HasSuffix(tt.got, tt.suffix) {
				t.Errorf("path = %q, want suffix %s", tt.got, tt.suffix)
			}
		})
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("WEFT_HOME", t.TempDir())
	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("test"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() || info.Mode().Perm() != 0700 {
		t.Errorf("log dir mode = %v, want drwx------", info.Mode())
	}
}

func TestResolve(t *testing.T) {
	t.Setenv("WEFT_HOME", t.TempDir())
	t.Setenv(ProfileEnv, "")
	if got := Resolve(""); got != DefaultProfileName {
		t.Errorf("Resolve() without config = %q, want main", got)
	}
	cfg := config.Default()
	cfg.DefaultProfile = "work"
	if err := config.Save(ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve() = %q, want work", got)
	}
	t.Setenv(ProfileEnv, "shared")
	if got := Resolve(""); got != "shared" {
		t.Errorf("Resolve() = %q, want $%s to beat config", got, ProfileEnv)
	}
	if got := Resolve("other"); got != "other" {
		t.Errorf("Resolve(other) = %q, want flag to win", got)
	}
}
