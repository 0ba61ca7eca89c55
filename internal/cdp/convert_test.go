package cdp

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/mafredri/cdp/protocol/network"

	"subrefresh/pkg/traffic"
)

func TestToHeader(t *testing.T) {
	h := ToHeader(network.Headers(`{"Content-Type":"application/json","Authorization":"Bearer abc"}`))
	if h.Get("content-type") != "application/json" || h.Get("AUTHORIZATION") != "Bearer abc" {
		t.Fatalf("headers = %v", h)
	}
	if len(ToHeader(nil)) != 0 {
		t.Fatal("nil headers should convert to an empty map")
	}
}

func TestFromRequestAndApplyResponse(t *testing.T) {
	rt := network.ResourceTypeXHR
	body := `{"a":1}`
	ev := &network.RequestWillBeSentReply{
		RequestID: "42",
		Request: network.Request{
			URL:      "https://panel.example/api/user/sub",
			Method:   "POST",
			Headers:  network.Headers(`{"Cookie":"sid=1"}`),
			PostData: &body,
		},
		Type: rt,
	}
	ex := FromRequest(ev)
	if ex.ID != "42" || ex.Method != "POST" || !ex.IsXHR() || ex.RequestBody != body || ex.RequestHeaders.Get("cookie") != "sid=1" {
		t.Fatalf("exchange = %+v", ex)
	}

	ApplyResponse(&ex, &network.ResponseReceivedReply{
		RequestID: "42",
		Type:      network.ResourceTypeXHR,
		Response:  network.Response{Status: 200, Headers: network.Headers(`{"Content-Type":"application/json"}`)},
	})
	if ex.Status != 200 || ex.ResponseHeaders.Get("content-type") != "application/json" {
		t.Fatalf("exchange = %+v", ex)
	}
}

func TestApplyExtraInfo(t *testing.T) {
	ex := FromRequest(&network.RequestWillBeSentReply{
		RequestID: "7",
		Request: network.Request{
			URL:     "https://panel.example/api/user/sub",
			Method:  "GET",
			Headers: network.Headers(`{"Content-Type":"application/json","Accept":"*/*"}`),
		},
	})
	if ex.RequestHeaders.Has("cookie") {
		t.Fatal("renderer headers should not carry cookies")
	}

	ApplyExtraInfo(&ex, &network.RequestWillBeSentExtraInfoReply{
		RequestID: "7",
		Headers:   network.Headers(`{"Cookie":"sid=1; theme=dark","Accept":"application/json"}`),
	})
	if ex.RequestHeaders.Get("cookie") != "sid=1; theme=dark" {
		t.Fatalf("cookie not merged: %v", ex.RequestHeaders)
	}
	if ex.RequestHeaders.Get("content-type") != "application/json" || ex.RequestHeaders.Get("accept") != "application/json" {
		t.Fatalf("headers = %v", ex.RequestHeaders)
	}

	var empty traffic.NetworkExchange
	ApplyExtraInfo(&empty, &network.RequestWillBeSentExtraInfoReply{Headers: network.Headers(`{"Cookie":"a=b"}`)})
	if empty.RequestHeaders.Get("cookie") != "a=b" {
		t.Fatalf("headers = %v", empty.RequestHeaders)
	}
}

func TestDecodeBody(t *testing.T) {
	enc := base64.StdEncoding.EncodeToString([]byte("hello"))
	if DecodeBody(enc, true) != "hello" {
		t.Fatal("base64 body not decoded")
	}
	if DecodeBody("plain", false) != "plain" {
		t.Fatal("plain body changed")
	}
	if DecodeBody("%%%", true) != "%%%" {
		t.Fatal("undecodable body should be kept as is")
	}
}

func TestParseStorageDump(t *testing.T) {
	got := ParseStorageDump(`{"token":"abc","user":"{\"token\":\"x\"}"}`)
	if got["token"] != "abc" || got["user"] != `{"token":"x"}` {
		t.Fatalf("storage = %v", got)
	}
	if len(ParseStorageDump("not json")) != 0 {
		t.Fatal("invalid dump should give empty map")
	}
}

func TestToCookies(t *testing.T) {
	got := ToCookies([]network.Cookie{{Name: "sid", Value: "1", Domain: ".panel.example", Path: "/"}})
	if len(got) != 1 || got[0].Name != "sid" || got[0].Domain != ".panel.example" {
		t.Fatalf("cookies = %+v", got)
	}
}

func TestExpressionsQuoteSelector(t *testing.T) {
	expr := visibleExpr(`a[href*="logout"]`)
	if !strings.Contains(expr, `"a[href*=\"logout\"]"`) {
		t.Fatalf("selector not quoted: %s", expr)
	}
	if !strings.Contains(storageExpr("localStorage"), "window.localStorage") {
		t.Fatal("storage area not referenced")
	}
}
