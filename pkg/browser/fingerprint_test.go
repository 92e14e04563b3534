package browser

import "testing"

func TestFingerprint(t *testing.T) {
	base := Config{Executable: "/usr/bin/chromium", Headless: true, Args: []string{"--a", "--b"}}

	tests := []struct {
		name  string
		other Config
		equal bool
	}{
		{"identical", Config{Executable: "/usr/bin/chromium", Headless: true, Args: []string{"--a", "--b"}}, true},
		{"different executable", Config{Executable: "/usr/bin/chrome", Headless: true, Args: []string{"--a", "--b"}}, false},
		{"headful", Config{Executable: "/usr/bin/chromium", Headless: false, Args: []string{"--a", "--b"}}, false},
		{"debug", Config{Executable: "/usr/bin/chromium", Headless: true, Debug: true, Args: []string{"--a", "--b"}}, false},
		{"reordered args", Config{Executable: "/usr/bin/chromium", Headless: true, Args: []string{"--b", "--a"}}, false},
		{"extra arg", Config{Executable: "/usr/bin/chromium", Headless: true, Args: []string{"--a", "--b", "--c"}}, false},
		{"arg boundary", Config{Executable: "/usr/bin/chromium", Headless: true, Args: []string{"--a--b"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := base.Fingerprint() == tt.other.Fingerprint()
			if got != tt.equal {
				t.Fatalf("fingerprint equality = %v, want %v", got, tt.equal)
			}
		})
	}
}

func TestFingerprint_NilAndEmptyArgsMatch(t *testing.T) {
	a := Config{Executable: "x", Headless: true}
	b := Config{Executable: "x", Headless: true, Args: []string{}}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("nil and empty args should share a fingerprint")
	}
}

func TestClone_DoesNotShareArgs(t *testing.T) {
	a := Config{Args: []string{"--a"}}
	b := a.Clone()
	b.Args[0] = "--changed"
	if a.Args[0] != "--a" {
		t.Fatalf("Clone shared the args slice")
	}
}
