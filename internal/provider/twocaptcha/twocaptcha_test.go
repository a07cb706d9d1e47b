package twocaptcha

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"captcha_engine/internal/config"
	"captcha_engine/internal/model"
)

type fakeAPI struct {
	t *testing.T

	mu        sync.Mutex
	forms     []map[string]string
	reports   []string
	notReady  int32
	answer    any
	balance   string
	polls     atomic.Int32
	balanceNo atomic.Int32
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	switch r.URL.Path {
	case "/in.php":
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		f.mu.Lock()
		f.forms = append(f.forms, form)
		f.mu.Unlock()
		if form["key"] != "secret" {
			_, _ = w.Write([]byte(`{"status":0,"request":"ERROR_WRONG_USER_KEY"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":1,"request":"777"}`))
	case "/res.php":
		q := r.URL.Query()
		switch q.Get("action") {
		case "get":
			if q.Get("id") != "777" {
				f.t.Errorf("polled id %q", q.Get("id"))
			}
			if f.polls.Add(1) <= f.notReady {
				_, _ = w.Write([]byte(`{"status":0,"request":"CAPCHA_NOT_READY"}`))
				return
			}
			b, _ := json.Marshal(map[string]any{"status": 1, "request": f.answer})
			_, _ = w.Write(b)
		case "reportgood", "reportbad":
			f.mu.Lock()
			f.reports = append(f.reports, q.Get("action")+":"+q.Get("id"))
			f.mu.Unlock()
			_, _ = w.Write([]byte(`{"status":1,"request":"OK_REPORT_RECORDED"}`))
		case "getbalance":
			f.balanceNo.Add(1)
			_, _ = w.Write([]byte(f.balance))
		}
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAPI) form(i int) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forms[i]
}

func (f *fakeAPI) reported() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reports...)
}

func newTestProvider(t *testing.T, api *fakeAPI) (*Provider, func()) {
	t.Helper()
	api.t = t
	srv := httptest.NewServer(api)
	p := New(config.ProviderConfig{
		Name:           "2captcha",
		APIKey:         "secret",
		BaseURL:        srv.URL + "/",
		PollIntervalMs: 1,
	}, nil)
	return p, srv.Close
}

func TestSolveImage_PollsUntilReady(t *testing.T) {
	api := &fakeAPI{notReady: 2, answer: "w93k"}
	p, done := newTestProvider(t, api)
	defer done()

	ans, err := p.SolveImage(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("SolveImage: %v", err)
	}
	if ans.Text != "w93k" || ans.TaskID != "777" {
		t.Fatalf("answer = %+v", ans)
	}
	if api.polls.Load() != 3 {
		t.Fatalf("polls = %d, want 3", api.polls.Load())
	}
	form := api.form(0)
	if form["method"] != "base64" || form["json"] != "1" || form["body"] != model.EncodeBase64Image([]byte("img")) {
		t.Fatalf("submit form = %v", form)
	}
}

func TestSolveToken(t *testing.T) {
	api := &fakeAPI{answer: "03AGdBq2"}
	p, done := newTestProvider(t, api)
	defer done()

	ans, err := p.SolveToken(context.Background(), model.TypeHcaptcha, "https://site", "sk-1")
	if err != nil || ans.Text != "03AGdBq2" {
		t.Fatalf("SolveToken = %+v, %v", ans, err)
	}
	if _, err := p.SolveToken(context.Background(), model.TypeRecaptcha, "https://site", "gk"); err != nil {
		t.Fatalf("recaptcha: %v", err)
	}
	h, g := api.form(0), api.form(1)
	if h["method"] != "hcaptcha" || h["sitekey"] != "sk-1" || h["pageurl"] != "https://site" {
		t.Fatalf("hcaptcha form = %v", h)
	}
	if g["method"] != "userrecaptcha" || g["googlekey"] != "gk" {
		t.Fatalf("recaptcha form = %v", g)
	}
	if _, err := p.SolveToken(context.Background(), model.TypeSlider, "u", "k"); err == nil {
		t.Fatalf("slider token accepted")
	}
}

func TestSolveClick(t *testing.T) {
	api := &fakeAPI{answer: []map[string]string{{"x": "39", "y": "59"}, {"x": "252", "y": "72"}}}
	p, done := newTestProvider(t, api)
	defer done()

	ans, err := p.SolveClick(context.Background(), []byte("img"), "click the cats")
	if err != nil {
		t.Fatalf("SolveClick: %v", err)
	}
	if want := []model.Point{{X: 39, Y: 59}, {X: 252, Y: 72}}; !reflect.DeepEqual(ans.Points, want) {
		t.Fatalf("points = %v", ans.Points)
	}
	if f := api.form(0); f["coordinatescaptcha"] != "1" || f["textinstructions"] != "click the cats" {
		t.Fatalf("click form = %v", f)
	}
}

func TestParsePoints_LegacyString(t *testing.T) {
	pts, err := parsePoints(json.RawMessage(`"coordinates:x=10,y=20;x=30,y=40"`))
	if err != nil {
		t.Fatalf("parsePoints: %v", err)
	}
	if want := []model.Point{{X: 10, Y: 20}, {X: 30, Y: 40}}; !reflect.DeepEqual(pts, want) {
		t.Fatalf("points = %v", pts)
	}
	if _, err := parsePoints(json.RawMessage(`"coordinates:"`)); err == nil {
		t.Fatalf("empty coordinates accepted")
	}
}

func TestSubmitRejected(t *testing.T) {
	api := &fakeAPI{}
	api.t = t
	srv := httptest.NewServer(api)
	defer srv.Close()

	p := New(config.ProviderConfig{APIKey: "wrong", BaseURL: srv.URL, PollIntervalMs: 1}, nil)
	_, err := p.SolveImage(context.Background(), []byte("img"))
	if err == nil || !strings.Contains(err.Error(), "ERROR_WRONG_USER_KEY") {
		t.Fatalf("err = %v", err)
	}
}

func TestEnvelopeDecoding(t *testing.T) {
	var body atomic.Value
	body.Store(`{"status":1,"request":"555"}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.URL.Path == "/in.php" {
			_, _ = w.Write([]byte(`{"status":1,"request":"555"}`))
			return
		}
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
	defer srv.Close()
	p := New(config.ProviderConfig{APIKey: "secret", BaseURL: srv.URL, PollIntervalMs: 1}, nil)

	// json served as text/html still decodes
	body.Store(`{"status":1,"request":"k7x2"}`)
	ans, err := p.SolveImage(context.Background(), []byte("img"))
	if err != nil || ans.Text != "k7x2" || ans.TaskID != "555" {
		t.Fatalf("answer = %+v, err = %v", ans, err)
	}

	body.Store(`<html>maintenance</html>`)
	_, err = p.SolveImage(context.Background(), []byte("img"))
	if err == nil || !strings.Contains(err.Error(), "decode response") {
		t.Fatalf("err = %v, want decode error", err)
	}
}

func TestPollHonoursContext(t *testing.T) {
	api := &fakeAPI{notReady: 1 << 30}
	p, done := newTestProvider(t, api)
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.SolveImage(ctx, []byte("img"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestReportAndAvailability(t *testing.T) {
	api := &fakeAPI{balance: "3.75"}
	p, done := newTestProvider(t, api)
	defer done()
	ctx := context.Background()

	if err := p.Report(ctx, "777", false); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if got := api.reported(); len(got) != 1 || got[0] != "reportbad:777" {
		t.Fatalf("reports = %v", got)
	}

	bal, err := p.Balance(ctx)
	if err != nil || bal != 3.75 {
		t.Fatalf("Balance = %v, %v", bal, err)
	}
	if !p.Available(ctx) || !p.Available(ctx) {
		t.Fatalf("expected available")
	}
	// one explicit Balance call plus one cached availability refresh
	if n := api.balanceNo.Load(); n != 2 {
		t.Fatalf("balance calls = %d", n)
	}

	empty := &fakeAPI{balance: "0"}
	q, done2 := newTestProvider(t, empty)
	defer done2()
	if q.Available(ctx) {
		t.Fatalf("zero balance reported available")
	}
	if !q.Supports(model.TypeImage) || q.Supports(model.TypeSlider) || q.Supports(model.TypeGesture) {
		t.Fatalf("supported types mismatch")
	}
}
