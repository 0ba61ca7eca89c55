package jsonpath

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

const doc = `{
  "code": 0,
  "data": {
    "user": {"name": "demo", "token": "abcdefghijkl"},
    "links": ["https://x/one", "https://x/two"],
    "dotted.key": true
  }
}`

func TestLookup(t *testing.T) {
	root := gjson.Parse(doc)
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"data.user.token", "abcdefghijkl", true},
		{"data.links.1", "https://x/two", true},
		{"data.links.5", "", false},
		{"data.links.x", "", false},
		{"data.missing.token", "", false},
		{"code.more", "", false},
	}
	for _, tt := range tests {
		got, ok := LookupString(root, Parse(tt.path))
		if ok != tt.ok || got != tt.want {
			t.Errorf("LookupString(%q) = %q,%v want %q,%v", tt.path, got, ok, tt.want, tt.ok)
		}
	}

	if _, ok := LookupString(root, Parse("code")); ok {
		t.Error("number must not be returned as string")
	}
	if v, ok := Lookup(root, Parse("code")); !ok || v.Int() != 0 {
		t.Error("Lookup should return non-string values")
	}
}

func TestFindNaturalOrder(t *testing.T) {
	root := gjson.Parse(`{"b":{"url":"https://h/sub/2"},"a":{"url":"https://h/sub/1"}}`)
	p, v, ok := Find(root, func(_ Path, _ string, v gjson.Result) bool {
		return v.Type == gjson.String && strings.Contains(v.Str, "/sub/")
	})
	if !ok {
		t.Fatal("not found")
	}
	if p.String() != "b.url" || v.Str != "https://h/sub/2" {
		t.Fatalf("got %s=%s, want first key in document order", p, v.Str)
	}
}

func TestFindInArray(t *testing.T) {
	root := gjson.Parse(`{"list":[{"x":1},{"token":"zzzzzzzzzzzz"}]}`)
	p, _, ok := Find(root, func(_ Path, key string, _ gjson.Result) bool { return key == "token" })
	if !ok || p.String() != "list.1.token" {
		t.Fatalf("got %v %v", p, ok)
	}
}

func TestPathChildDoesNotAlias(t *testing.T) {
	base := Parse("a.b")
	x := base.Child("x")
	y := base.Child("y")
	if x.String() != "a.b.x" || y.String() != "a.b.y" {
		t.Fatalf("aliasing: %s %s", x, y)
	}
	if Parse("") != nil {
		t.Fatal("empty path should be nil")
	}
}
