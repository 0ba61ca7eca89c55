package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"subrefresh/internal/config"
	"subrefresh/internal/session"
	"subrefresh/internal/storage"
	"subrefresh/pkg/model"
	"subrefresh/pkg/traffic"
)

const proxiesBody = "proxies:\n  - {name: a}\n  - {name: b}\n  - {name: c}\n"

// fakeDriver 模拟用户在浏览器中登录：跳转后页面离开登录页并产生订阅接口请求
type fakeDriver struct {
	store   *traffic.Store
	apiURL  string
	apiBody string

	mu  sync.Mutex
	url string
}

func (d *fakeDriver) Navigate(_ context.Context, url string) error {
	d.mu.Lock()
	d.url = "https://panel.example/dashboard"
	d.mu.Unlock()
	go func() {
		time.Sleep(5 * time.Millisecond)
		ex := traffic.NewExchange(d.apiURL, "GET", 200)
		ex.ResourceType = traffic.ResourceXHR
		ex.RequestHeaders.Set("Cookie", "sid=1")
		ex.ResponseBody = d.apiBody
		d.store.Append(ex)
	}()
	return nil
}

func (d *fakeDriver) CurrentURL(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.url == "" {
		return "about:blank", nil
	}
	return d.url, nil
}

func (d *fakeDriver) ElementVisible(context.Context, string) (bool, error) { return false, nil }

func (d *fakeDriver) Cookies(context.Context) ([]model.Cookie, error) {
	return []model.Cookie{{Name: "sid", Value: "1"}}, nil
}

func (d *fakeDriver) Capture(ctx context.Context, site model.SiteID) (model.Credentials, error) {
	cookies, _ := d.Cookies(ctx)
	return model.Credentials{Site: site, Cookies: cookies, LocalStorage: map[string]string{}}, nil
}

func (d *fakeDriver) Close() error { return nil }

type fixture struct {
	srv   *httptest.Server
	repo  *storage.Store
	opens int
	pipe  *Pipeline
	sub   string
}

func newFixture(t *testing.T, subBody string) *fixture {
	t.Helper()
	f := &fixture{sub: subBody}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/user/sub", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "sid=1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"message":"not logged in"}`)
			return
		}
		_, _ = io.WriteString(w, f.apiBody())
	})
	mux.HandleFunc("/sub", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, f.sub)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	repo, err := storage.Open(storage.Config{Dsn: "file::memory:", Prefix: "t_"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	f.repo = repo

	sessions := session.NewManager(func(ctx context.Context, store *traffic.Store) (session.Driver, error) {
		f.opens++
		return &fakeDriver{store: store, apiURL: f.srv.URL + "/api/user/sub", apiBody: f.apiBody()}, nil
	}, nil)

	f.pipe = New(Config{
		Sessions: sessions,
		Repo:     repo,
		Browser: config.Browser{
			LoginTimeout:   2 * time.Second,
			SettleDelay:    30 * time.Millisecond,
			SettleMax:      500 * time.Millisecond,
			CookiePollTick: 5 * time.Millisecond,
		},
		Pipeline: config.Pipeline{ValidateTimeout: 2 * time.Second, ReplayTimeout: 2 * time.Second},
	})
	return f
}

func (f *fixture) apiBody() string {
	return `{"data":{"token":"abc123def456","url":"` + f.srv.URL + `/sub?token=abc123def456"}}`
}

func site() config.Site {
	return config.Site{ID: "panel", LoginURL: "https://panel.example/login"}
}

func TestRefreshThroughBrowserThenReplay(t *testing.T) {
	f := newFixture(t, proxiesBody)
	ctx := context.Background()

	out, err := f.pipe.Refresh(ctx, site())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	want := f.srv.URL + "/sub?token=abc123def456"
	if out.URL != want || !out.Validation.Valid || out.Validation.NodeCount != 3 {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Descriptor.TokenFieldPath != "data.token" || out.Descriptor.AuthSource != model.AuthCookie {
		t.Fatalf("descriptor = %+v", out.Descriptor)
	}
	if f.opens != 1 {
		t.Fatalf("browser opened %d times", f.opens)
	}

	stored, url, err := f.repo.Components(ctx, "panel")
	if err != nil || url != want || stored.Token != "abc123def456" {
		t.Fatalf("stored components = %+v %q %v", stored, url, err)
	}

	// 第二次直接回放已保存的接口
	out2, err := f.pipe.Refresh(ctx, site())
	if err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if out2.URL != want || f.opens != 1 {
		t.Fatalf("second refresh should not open a browser: opens=%d outcome=%+v", f.opens, out2)
	}
	if out.Run == out2.Run {
		t.Fatal("each refresh needs its own run id")
	}

	h, err := f.repo.History(ctx, "panel", 0)
	if err != nil || len(h) != 2 {
		t.Fatalf("history = %+v %v", h, err)
	}
}

func TestRefreshValidationFailureIsNotPersisted(t *testing.T) {
	f := newFixture(t, "proxies: []\n")
	_, err := f.pipe.Refresh(context.Background(), site())
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if _, err := f.repo.Descriptor(context.Background(), "panel"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("descriptor must not be saved after failed validation: %v", err)
	}
	h, _ := f.repo.History(context.Background(), "panel", 0)
	if len(h) != 1 || h[0].Valid {
		t.Fatalf("history = %+v", h)
	}
}

func TestReuseExistingSubscription(t *testing.T) {
	f := newFixture(t, proxiesBody)
	ctx := context.Background()
	url := f.srv.URL + "/sub?token=old"
	c := model.SubscriptionURLComponents{Protocol: "http", Host: "127.0.0.1", Port: 1, Path: "/sub", TokenParamName: "token", Token: "old"}
	if err := f.repo.SaveComponents(ctx, "panel", url, c); err != nil {
		t.Fatal(err)
	}
	out, err := f.pipe.Refresh(ctx, site())
	if err != nil {
		t.Fatal(err)
	}
	if out.URL != url || f.opens != 0 {
		t.Fatalf("existing subscription should be reused: opens=%d outcome=%+v", f.opens, out)
	}
}

func TestRefreshNotDetected(t *testing.T) {
	f := newFixture(t, proxiesBody)
	f.pipe.sessions = session.NewManager(func(ctx context.Context, store *traffic.Store) (session.Driver, error) {
		return &fakeDriver{store: store, apiURL: "https://panel.example/static/app.js", apiBody: `{}`}, nil
	}, nil)
	_, err := f.pipe.Refresh(context.Background(), site())
	if !errors.Is(err, ErrNotDetected) {
		t.Fatalf("err = %v, want ErrNotDetected", err)
	}
}

func TestRefreshAllContinuesAfterFailure(t *testing.T) {
	f := newFixture(t, proxiesBody)
	f.pipe.opts.InterSiteDelay = 10 * time.Millisecond
	broken := config.Site{ID: "broken", LoginURL: "https://broken.example/login"}

	calls := 0
	f.pipe.sessions = session.NewManager(func(ctx context.Context, store *traffic.Store) (session.Driver, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("browser unavailable")
		}
		return &fakeDriver{store: store, apiURL: f.srv.URL + "/api/user/sub", apiBody: f.apiBody()}, nil
	}, nil)

	results, err := f.pipe.RefreshAll(context.Background(), []config.Site{broken, site()})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Err == nil || results[1].Err != nil || results[1].Outcome.URL == "" {
		t.Fatalf("results = %+v", results)
	}
}

func TestSettle(t *testing.T) {
	store := traffic.NewStore()
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				store.Append(traffic.NewExchange("https://p/x", "GET", 200))
			}
		}
	}()
	defer close(stop)

	start := time.Now()
	if err := Settle(context.Background(), store, 50*time.Millisecond, 120*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatal("settle should wait for the cap while traffic keeps arriving")
	}

	quiet := traffic.NewStore()
	start = time.Now()
	if err := Settle(context.Background(), quiet, 20*time.Millisecond, time.Second); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d < 20*time.Millisecond || d > 500*time.Millisecond {
		t.Fatalf("quiet store settled after %s", d)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Settle(ctx, quiet, time.Second, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
