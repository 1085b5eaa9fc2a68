package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(contextFor("/"))

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := FromContext(contextFor("/?limit=50&offset=10"))

	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := FromContext(contextFor("/?limit=5000"))
	if p.Limit != MaxLimit {
		t.Errorf("expected limit clamped to %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_InvalidValues(t *testing.T) {
	p := FromContext(contextFor("/?limit=abc&offset=-4"))
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit for garbage, got %d", p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected negative offset clamped to 0, got %d", p.Offset)
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 5, Params{Limit: 2, Offset: 0})
	if resp.Total != 5 {
		t.Errorf("expected total 5, got %d", resp.Total)
	}
	if !resp.HasMore {
		t.Error("expected has_more on first page of 5")
	}

	last := NewResponse([]string{"e"}, 5, Params{Limit: 2, Offset: 4})
	if last.HasMore {
		t.Error("did not expect has_more on last page")
	}
}

func TestParams_Offsets(t *testing.T) {
	tests := []struct {
		name     string
		params   Params
		wantNext int
		wantPrev int
	}{
		{"first page", Params{Limit: 10, Offset: 0}, 10, 0},
		{"middle page", Params{Limit: 10, Offset: 10}, 20, 0},
		{"partial offset", Params{Limit: 10, Offset: 15}, 25, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.params.NextOffset(); got != tt.wantNext {
				t.Errorf("NextOffset() = %d, want %d", got, tt.wantNext)
			}
			if got := tt.params.PreviousOffset(); got != tt.wantPrev {
				t.Errorf("PreviousOffset() = %d, want %d", got, tt.wantPrev)
			}
		})
	}
}

func linkMap(links []Link) map[string]string {
	m := make(map[string]string)
	for _, l := range links {
		m[l.Relation] = l.URL
	}
	return m
}

func TestParams_Links_FirstPage(t *testing.T) {
	m := linkMap(Params{Limit: 10, Offset: 0}.Links("/api/v1/mpps", 25))

	if m["self"] != "/api/v1/mpps?limit=10&offset=0" {
		t.Errorf("unexpected self link %q", m["self"])
	}
	if m["next"] != "/api/v1/mpps?limit=10&offset=10" {
		t.Errorf("unexpected next link %q", m["next"])
	}
	if _, ok := m["previous"]; ok {
		t.Error("did not expect 'previous' link on first page")
	}
}

func TestParams_Links_LastPage(t *testing.T) {
	m := linkMap(Params{Limit: 10, Offset: 20}.Links("/api/v1/mpps", 25))

	if _, ok := m["next"]; ok {
		t.Error("did not expect 'next' link on last page")
	}
	if m["previous"] != "/api/v1/mpps?limit=10&offset=10" {
		t.Errorf("unexpected previous link %q", m["previous"])
	}
}

func TestParams_Links_NoResults(t *testing.T) {
	links := Params{Limit: 10, Offset: 0}.Links("/api/v1/mpps", 0)
	if len(links) != 1 {
		t.Fatalf("expected 1 link (self only), got %d", len(links))
	}
	if links[0].Relation != "self" {
		t.Errorf("expected 'self', got %q", links[0].Relation)
	}
}
