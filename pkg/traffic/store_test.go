package traffic

import (
	"sync"
	"testing"
	"time"
)

func exchange(url, method, rt string, body string) NetworkExchange {
	ex := NewExchange(url, method, 200)
	ex.ResourceType = rt
	ex.ResponseBody = body
	return ex
}

func TestFilterPreservesOrder(t *testing.T) {
	s := NewStore()
	s.Append(exchange("https://a.example/api/user/sub", "GET", "XHR", ""))
	s.Append(exchange("https://a.example/logo.png", "GET", "Image", ""))
	s.Append(exchange("https://a.example/api/token", "POST", "Fetch", ""))
	s.Append(exchange("https://a.example/api/user/info", "DELETE", "XHR", ""))

	got := s.Filter(Filter{Methods: []string{"get", "POST"}, ResourceTypes: []string{"xhr", "fetch"}})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].URL != "https://a.example/api/user/sub" || got[1].URL != "https://a.example/api/token" {
		t.Fatalf("order not preserved: %v, %v", got[0].URL, got[1].URL)
	}

	got = s.Filter(Filter{URLGlob: "*/api/*"})
	if len(got) != 3 {
		t.Fatalf("glob len = %d, want 3", len(got))
	}

	if got := s.Filter(Filter{URLGlob: "*/nothing/*"}); len(got) != 0 {
		t.Fatalf("expected empty result, got %d", len(got))
	}
}

func TestAppendKeepsDuplicates(t *testing.T) {
	s := NewStore()
	ex := exchange("https://a.example/x", "GET", "XHR", "")
	s.Append(ex)
	s.Append(ex)
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	if s.LastAppend().IsZero() {
		t.Fatal("LastAppend not updated")
	}
}

func TestFindByKeyword(t *testing.T) {
	s := NewStore()
	s.Append(exchange("https://A.example/API/User/Sub?Token=AbC", "GET", "XHR", `{"token":"AbCdEf"}`))
	s.Append(exchange("https://a.example/home", "GET", "Document", `<html>abcdef</html>`))

	if got := s.FindByKeyword("user/sub", TargetURL); len(got) != 1 {
		t.Errorf("url host/path search should ignore case, got %d", len(got))
	}
	if got := s.FindByKeyword("Token=AbC", TargetURL); len(got) != 1 {
		t.Errorf("query search should match exact case, got %d", len(got))
	}
	if got := s.FindByKeyword("token=abc", TargetURL); len(got) != 0 {
		t.Errorf("query search must be case-sensitive, got %d", len(got))
	}
	if got := s.FindByKeyword("AbCdEf", TargetResponseBody); len(got) != 1 {
		t.Errorf("body search got %d, want 1", len(got))
	}
	if got := s.FindByKeyword("ABCDEF", TargetResponseBody); len(got) != 0 {
		t.Errorf("body search must be case-sensitive, got %d", len(got))
	}
}

func TestConcurrentAppendAndSnapshot(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Append(exchange("https://a.example/x", "GET", "XHR", ""))
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()
	if s.Len() != 400 {
		t.Fatalf("Len = %d, want 400", s.Len())
	}
}

func TestWatch(t *testing.T) {
	s := NewStore()
	ch, cancel := s.Watch(4)
	s.Append(exchange("https://a.example/api/login", "POST", "XHR", ""))
	select {
	case ex := <-ch:
		if ex.URL != "https://a.example/api/login" {
			t.Fatalf("unexpected exchange %s", ex.URL)
		}
	case <-time.After(time.Second):
		t.Fatal("watch did not deliver")
	}
	cancel()
	cancel()
	s.Append(exchange("https://a.example/other", "GET", "XHR", ""))
	select {
	case ex := <-ch:
		t.Fatalf("delivered after cancel: %s", ex.URL)
	default:
	}
}

func TestHeader(t *testing.T) {
	h := make(Header)
	h.Set("Cookie", "a=b")
	if h.Get("cookie") != "a=b" || !h.Has("COOKIE") {
		t.Fatal("header lookup should be case-insensitive")
	}
	c := h.Clone()
	c.Set("cookie", "x")
	if h.Get("cookie") != "a=b" {
		t.Fatal("clone shares storage")
	}
}
