package match

import "testing"

func TestGlob(t *testing.T) {
	tests := []struct {
		s, pattern string
		want       bool
	}{
		{"https://a.example/api/user/sub", "*", true},
		{"https://a.example/api/user/sub", "", true},
		{"https://a.example/api/user/sub", "*/user/*", true},
		{"https://a.example/api/user/sub", "https://a.example/*", true},
		{"https://a.example/api/user/sub", "*sub", true},
		{"https://a.example/api/user/sub", "*/admin/*", false},
		{"https://a.example/x", "https://a.example/x", true},
		{"https://a.example/x", "https://a.example/y", false},
		{"abc", "a*b*c", true},
		{"ac", "a*b*c", false},
	}
	for _, tt := range tests {
		if got := Glob(tt.s, tt.pattern); got != tt.want {
			t.Errorf("Glob(%q, %q) = %v, want %v", tt.s, tt.pattern, got, tt.want)
		}
	}
}

func TestURLModes(t *testing.T) {
	u := "https://panel.example/user/dashboard"
	tests := []struct {
		pattern string
		want    bool
	}{
		{"prefix:https://panel.example/user", true},
		{"prefix:https://other", false},
		{"regex:/user/(dashboard|index)$", true},
		{"regex:(", false},
		{"exact:" + u, true},
		{"glob:*/dashboard", true},
		{"*/dashboard", true},
	}
	for _, tt := range tests {
		if got := URL(u, tt.pattern); got != tt.want {
			t.Errorf("URL(%q) = %v, want %v", tt.pattern, got, tt.want)
		}
	}
}
