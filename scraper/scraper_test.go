package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func row(id, title, date, clock string, class ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<tr class="infinite-item" id="%s">`, id)
	fmt.Fprintf(&b, `<td class="liste_wide min992"><b>%s</b><br>%s<br>%s</td>`, title, date, clock)
	b.WriteString(`<td class="liste_wide min992 holdinfo">`)
	for _, c := range class {
		b.WriteString(c + "<br>")
	}
	b.WriteString(`</td></tr>`)
	return b.String()
}

func listing(rows ...string) string {
	return `<html><body><table>` + strings.Join(rows, "") + `</table></body></html>`
}

func TestPageURL(t *testing.T) {
	tests := []struct {
		index int
		want  string
	}{
		{0, "https://example.test/proc_liste.asp?pid=01"},
		{1, "https://example.test/proc_liste.asp?liste=liste1&forrigetype=203&seson=0&scroll=0&pid=01"},
		{3, "https://example.test/proc_liste.asp?liste=liste1&forrigetype=203&seson=0&scroll=2&pid=01"},
	}
	for _, tt := range tests {
		if got := PageURL("https://example.test/proc_liste.asp", tt.index); got != tt.want {
			t.Errorf("PageURL(%d) = %q, want %q", tt.index, got, tt.want)
		}
	}
}

func TestFetchPaginatesUntilNoNewRows(t *testing.T) {
	pages := map[string]string{
		"":  listing(row("1", "A", "Lør 10. jul 2021", "10:00"), row("2", "B", "Lør 10. jul 2021", "11:00")),
		"0": listing(row("3", "C", "Søn 11. jul 2021", "10:00")),
		"1": listing(row("3", "C", "Søn 11. jul 2021", "10:00")),
	}
	var requests atomic.Int32
	var sawCookie atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if _, err := r.Cookie("session"); err == nil {
			sawCookie.Store(true)
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		body, ok := pages[r.URL.Query().Get("scroll")]
		if !ok {
			t.Errorf("unexpected request %s", r.URL)
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	s, err := New(srv.Client(), Config{BaseURL: srv.URL + "/proc_liste.asp", Attempts: 1}, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Fetch() pages = %d, want 2", len(got))
	}
	if n := requests.Load(); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
	if !sawCookie.Load() {
		t.Error("session cookie was not sent back on later pages")
	}

	raws, err := s.Extract(got)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	var ids []string
	for _, r := range raws {
		ids = append(ids, r.Token)
	}
	if want := []string{"1", "2", "3"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("Extract() ids = %v, want %v", ids, want)
	}
}

func TestFetchStopsAtMaxPages(t *testing.T) {
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := n.Add(1)
		fmt.Fprint(w, listing(row(fmt.Sprint(i), "A", "Lør 10. jul 2021", "10:00")))
	}))
	defer srv.Close()

	s, err := New(srv.Client(), Config{BaseURL: srv.URL, MaxPages: 3, Attempts: 1}, testLogger)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(got) != 3 || n.Load() != 3 {
		t.Errorf("Fetch() pages = %d, requests = %d, want 3 and 3", len(got), n.Load())
	}
}

func TestFetchClientErrorIsNotRetried(t *testing.T) {
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s, err := New(srv.Client(), Config{BaseURL: srv.URL, Attempts: 5}, testLogger)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Fetch(context.Background())
	if !IsFetchError(err) {
		t.Fatalf("Fetch() error = %v, want FetchError", err)
	}
	if n.Load() != 1 {
		t.Errorf("requests = %d, want 1", n.Load())
	}
}

func TestFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s, err := New(srv.Client(), Config{BaseURL: srv.URL, Attempts: 1}, testLogger)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Fetch(context.Background())
	if !IsFetchError(err) {
		t.Fatalf("Fetch() error = %v, want FetchError", err)
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error %q should carry the status", err)
	}
}

func TestFetchRejectsOversizedPage(t *testing.T) {
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		fmt.Fprint(w, listing(row("1", "A", "Lør 10. jul 2021", "10:00")))
	}))
	defer srv.Close()

	s, err := New(srv.Client(), Config{BaseURL: srv.URL, Attempts: 3, MaxBodySize: 64}, testLogger)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Fetch(context.Background())
	if !IsFetchError(err) {
		t.Fatalf("Fetch() error = %v, want FetchError", err)
	}
	if !strings.Contains(err.Error(), "exceeds 64 bytes") {
		t.Errorf("error %q should mention the size limit", err)
	}
	if n.Load() != 1 {
		t.Errorf("requests = %d, want 1", n.Load())
	}
}

func TestExtract(t *testing.T) {
	body := listing(
		row("hold_1", "Beginner Lesson", "Lør 10. jul 2021", "10:00 - 11:00", "Sted: Bane 3", "Ledige pladser: 4", "Træner: Anna"),
		`<tr class="infinite-item"><td class="liste_wide min992">No id<br>Lør 10. jul 2021<br>10:00</td></tr>`,
	)

	raws, err := Extract([]Page{{URL: "p0", Body: []byte(body)}})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(raws) != 2 {
		t.Fatalf("Extract() = %d records, want 2", len(raws))
	}

	first := raws[0]
	if first.Token != "hold_1" {
		t.Errorf("Token = %q", first.Token)
	}
	if want := []string{"Beginner Lesson", "Lør 10. jul 2021", "10:00 - 11:00"}; !reflect.DeepEqual(first.MainInfo, want) {
		t.Errorf("MainInfo = %q, want %q", first.MainInfo, want)
	}
	if want := []string{"Sted: Bane 3", "Træner: Anna"}; !reflect.DeepEqual(first.ClassInfo, want) {
		t.Errorf("ClassInfo = %q, want %q", first.ClassInfo, want)
	}
	if first.Capacity != "4" {
		t.Errorf("Capacity = %q, want 4", first.Capacity)
	}
	if raws[1].Token != "" {
		t.Errorf("row without id should have empty token, got %q", raws[1].Token)
	}
}

func TestExtractCapacity(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"plain", "Ledige pladser: 4", "4"},
		{"free of total", "Ledige pladser: 3 af 12", "3"},
		{"no number", "Ledige pladser: ingen", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := listing(row("1", "A", "Lør 10. jul 2021", "10:00", "Sted: Bane 1", tt.line))
			raws, err := Extract([]Page{{URL: "p0", Body: []byte(body)}})
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if len(raws) != 1 || raws[0].Capacity != tt.want {
				t.Errorf("Capacity = %+v, want %q", raws, tt.want)
			}
		})
	}
}

func TestExtractWithoutTable(t *testing.T) {
	_, err := Extract([]Page{{URL: "p0", Body: []byte("<html><body><p>Vedligeholdelse</p></body></html>")}})
	if !IsExtractError(err) {
		t.Fatalf("Extract() error = %v, want ExtractError", err)
	}
}

func TestExtractEmptyTable(t *testing.T) {
	raws, err := Extract([]Page{{URL: "p0", Body: []byte(listing())}})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(raws) != 0 {
		t.Errorf("Extract() = %d records, want 0", len(raws))
	}
}
