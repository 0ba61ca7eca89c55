package resolver

import (
	"errors"
	"testing"

	"subrefresh/pkg/model"
)

func TestRoundTrip(t *testing.T) {
	urls := []string{
		"https://sub.example/api/v1/client/subscribe?token=abc123",
		"http://sub.example/sub?token=abc123",
		"https://sub.example:8443/sub?token=abc123",
		"http://1.2.3.4:9000/p?token=abc123def456",
		"https://sub.example/sub?token=b64Token==",
		"https://sub.example/sub?token=abc&flag=clash&target=v2",
		"https://sub.example/s/abc123def",
		"https://sub.example:2096/link/abc123def?clash=1",
		"https://[2001:db8::1]:8443/sub?token=v6",
		"https://[2001:db8::1]/sub?token=v6",
		"https://sub.example/sub?token=ab%2Bcd",
		"https://sub.example/sub?token=ab%2Bcd%26ef&target=clash",
		"https://sub.example/sub?token=a+b",
		"https://sub.example/sub?token=ab%2bcd",
		"https://sub.example/link/ab%2Bcd",
	}
	for _, raw := range urls {
		c, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q): %v", raw, err)
		}
		got, err := Build(c, "")
		if err != nil {
			t.Fatalf("Build(%q): %v", raw, err)
		}
		if got != raw {
			t.Errorf("round trip %q -> %q", raw, got)
		}
	}
}

func TestParseComponents(t *testing.T) {
	tests := []struct {
		raw  string
		want model.SubscriptionURLComponents
	}{
		{"https://old.example:9000/sub?token=x", model.SubscriptionURLComponents{
			Protocol: "https", Host: "old.example", Port: 9000, Path: "/sub", TokenParamName: "token", Token: "x",
		}},
		{"http://h.example/api/sub/t0k3n", model.SubscriptionURLComponents{
			Protocol: "http", Host: "h.example", Port: 80, Path: "/api/sub", TokenParamName: "token", Token: "t0k3n", TokenInPath: true,
		}},
		{"https://h.example/t0k3n", model.SubscriptionURLComponents{
			Protocol: "https", Host: "h.example", Port: 443, Path: "/", TokenParamName: "token", Token: "t0k3n", TokenInPath: true,
		}},
		// 查询参数优先于路径末段
		{"https://h.example/sub/seg?token=q", model.SubscriptionURLComponents{
			Protocol: "https", Host: "h.example", Port: 443, Path: "/sub/seg", TokenParamName: "token", Token: "q",
		}},
	}
	for _, tt := range tests {
		got, err := Parse(tt.raw)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for _, raw := range []string{"not a url", "https://h.example/", "https://h.example", "ftp://h.example/sub?token=x", "https://h.example:99999/sub?token=x"} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q) should fail", raw)
		}
	}
	if _, err := Parse("https://h.example/"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("want ErrTokenNotFound, got %v", err)
	}
}

func TestBuildRequiresAllComponents(t *testing.T) {
	full := model.SubscriptionURLComponents{Protocol: "https", Host: "h", Port: 443, Path: "/sub", TokenParamName: "token", Token: "t"}
	mutate := []func(c *model.SubscriptionURLComponents){
		func(c *model.SubscriptionURLComponents) { c.Protocol = "" },
		func(c *model.SubscriptionURLComponents) { c.Host = "" },
		func(c *model.SubscriptionURLComponents) { c.Port = 0 },
		func(c *model.SubscriptionURLComponents) { c.Path = "" },
		func(c *model.SubscriptionURLComponents) { c.TokenParamName = "" },
		func(c *model.SubscriptionURLComponents) { c.Token = "" },
	}
	for i, m := range mutate {
		c := full
		m(&c)
		if _, err := Build(c, ""); !errors.Is(err, ErrIncompleteComponents) {
			t.Errorf("%d: err = %v, want ErrIncompleteComponents", i, err)
		}
	}

	noToken := full
	noToken.Token = ""
	got, err := Build(noToken, "explicit")
	if err != nil || got != "https://h/sub?token=explicit" {
		t.Fatalf("explicit token: %q %v", got, err)
	}
	got, err = Build(full, "override")
	if err != nil || got != "https://h/sub?token=override" {
		t.Fatalf("override token: %q %v", got, err)
	}
}

func TestUpdateHostAndPort(t *testing.T) {
	in := model.SubscriptionURLComponents{Protocol: "https", Host: "old.example", Port: 9000, Path: "/sub", TokenParamName: "token"}
	got, err := UpdateHostAndPort(in, "https://1.2.3.4:8888/sub?token=x")
	if err != nil {
		t.Fatal(err)
	}
	want := model.SubscriptionURLComponents{Protocol: "https", Host: "1.2.3.4", Port: 8888, Path: "/sub", TokenParamName: "token"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if in.Host != "old.example" || in.Port != 9000 {
		t.Fatal("input components were mutated")
	}

	got, err = UpdateHostAndPort(in, "http://new.example/other/path?x=1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Host != "new.example" || got.Port != 80 || got.Path != "/sub" || got.Protocol != "https" || got.TokenParamName != "token" {
		t.Fatalf("only host/port may change: %+v", got)
	}

	if _, err := UpdateHostAndPort(in, "/relative"); err == nil {
		t.Fatal("relative url should fail")
	}
}

func TestReplaceTokenAndTemplate(t *testing.T) {
	c := model.SubscriptionURLComponents{Protocol: "https", Host: "h", Port: 443, Path: "/sub", TokenParamName: "token", Token: "old"}
	n := ReplaceToken(c, "new")
	if c.Token != "old" || n.Token != "new" {
		t.Fatal("ReplaceToken must return a new value")
	}

	u, err := FromTemplate("https://1.1.1.1:9000/p?token={token}", "abc")
	if err != nil || u != "https://1.1.1.1:9000/p?token=abc" {
		t.Fatalf("FromTemplate = %q %v", u, err)
	}
	if _, err := FromTemplate("https://h/p", "abc"); !errors.Is(err, ErrIncompleteComponents) {
		t.Fatalf("err = %v", err)
	}
	if _, err := FromTemplate("https://h/p?token={token}", ""); !errors.Is(err, ErrIncompleteComponents) {
		t.Fatalf("err = %v", err)
	}
}

func TestTokenEncoding(t *testing.T) {
	tests := []struct {
		raw   string
		token string
	}{
		{"https://sub.example/sub?token=ab%2Bcd", "ab+cd"},
		{"https://sub.example/sub?token=ab%2Bcd%26ef", "ab+cd&ef"},
		{"https://sub.example/sub?token=a%20b", "a b"},
		{"https://sub.example/link/ab%2Bcd", "ab+cd"},
	}
	for _, tt := range tests {
		c, err := Parse(tt.raw)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.raw, err)
		}
		if c.Token != tt.token {
			t.Errorf("Parse(%q).Token = %q, want %q", tt.raw, c.Token, tt.token)
		}
	}

	// 解码后的 + 重建时必须转义，否则服务端会解码为空格
	c := model.SubscriptionURLComponents{Protocol: "https", Host: "h", Port: 443, Path: "/sub", TokenParamName: "token", Token: "ab+cd"}
	got, err := Build(c, "")
	if err != nil || got != "https://h/sub?token=ab%2Bcd" {
		t.Fatalf("Build = %q %v", got, err)
	}

	// 替换令牌后不再沿用旧令牌的原始编码
	orig, err := Parse("https://h/sub?token=a+b")
	if err != nil {
		t.Fatal(err)
	}
	got, err = Build(ReplaceToken(orig, "x+y"), "")
	if err != nil || got != "https://h/sub?token=x%2By" {
		t.Fatalf("Build after ReplaceToken = %q %v", got, err)
	}
	got, err = Build(orig, "x+y")
	if err != nil || got != "https://h/sub?token=x%2By" {
		t.Fatalf("Build with override = %q %v", got, err)
	}

	u, err := FromTemplate("https://h/p?token={token}", "ab+cd&ef")
	if err != nil || u != "https://h/p?token=ab%2Bcd%26ef" {
		t.Fatalf("FromTemplate query = %q %v", u, err)
	}
	u, err = FromTemplate("https://h/link/{token}?clash=1", "a/b")
	if err != nil || u != "https://h/link/a%2Fb?clash=1" {
		t.Fatalf("FromTemplate path = %q %v", u, err)
	}
}
