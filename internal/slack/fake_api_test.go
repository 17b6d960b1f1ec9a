package slack

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/slack-go/slack"
)

type fakeChannel struct {
	ID   string
	Name string
}

// fakeSlackAPI serves the Web API methods the package calls
type fakeSlackAPI struct {
	t   *testing.T
	srv *httptest.Server

	// channels holds pages of conversations.list results per type
	channels  map[string][][]fakeChannel
	postError string

	mu     sync.Mutex
	counts map[string]int
	posts  []url.Values
}

func newFakeSlackAPI(t *testing.T) *fakeSlackAPI {
	t.Helper()
	f := &fakeSlackAPI{
		t:        t,
		channels: make(map[string][][]fakeChannel),
		counts:   make(map[string]int),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSlackAPI) client() *slack.Client {
	return slack.New("xoxb-test", f.apiURL())
}

func (f *fakeSlackAPI) apiURL() slack.Option {
	return slack.OptionAPIURL(f.srv.URL + "/")
}

func (f *fakeSlackAPI) calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[method]
}

func (f *fakeSlackAPI) postedMessages() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.posts...)
}

func (f *fakeSlackAPI) serve(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	method := strings.TrimPrefix(r.URL.Path, "/")

	f.mu.Lock()
	f.counts[method]++
	f.mu.Unlock()

	switch method {
	case "conversations.list":
		f.listConversations(w, r)
	case "chat.postMessage":
		f.mu.Lock()
		f.posts = append(f.posts, r.Form)
		f.mu.Unlock()
		if f.postError != "" {
			writeJSON(w, map[string]interface{}{"ok": false, "error": f.postError})
			return
		}
		writeJSON(w, map[string]interface{}{"ok": true, "channel": r.FormValue("channel"), "ts": "1700000000.000100"})
	default:
		writeJSON(w, map[string]interface{}{"ok": false, "error": "unknown_method"})
	}
}

func (f *fakeSlackAPI) listConversations(w http.ResponseWriter, r *http.Request) {
	pages := f.channels[r.FormValue("types")]
	page := 0
	if c := r.FormValue("cursor"); c != "" {
		page, _ = strconv.Atoi(c)
	}

	var channels []map[string]string
	if page < len(pages) {
		for _, c := range pages[page] {
			channels = append(channels, map[string]string{"id": c.ID, "name": c.Name})
		}
	}
	next := ""
	if page+1 < len(pages) {
		next = strconv.Itoa(page + 1)
	}
	writeJSON(w, map[string]interface{}{
		"ok":                true,
		"channels":          channels,
		"response_metadata": map[string]string{"next_cursor": next},
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
