package decision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ChuLiYu/screening-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var criteria = types.Criteria{
	Inclusion: []string{"randomized controlled trial", "adults"},
	Exclusion: []string{"animal model"},
}

func TestKeyword(t *testing.T) {
	tests := []struct {
		name  string
		study types.Study
		want  types.Decision
	}{
		{
			name:  "exclusion wins over inclusion",
			study: types.Study{ID: "1", Title: "A randomized controlled trial in an animal model"},
			want:  types.DecisionExclude,
		},
		{
			name:  "inclusion from keywords",
			study: types.Study{ID: "2", Title: "Sleep outcomes", Keywords: []string{"Adults"}},
			want:  types.DecisionInclude,
		},
		{
			name:  "no match",
			study: types.Study{ID: "3", Title: "A survey of librarians"},
			want:  types.DecisionMaybe,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Keyword{}.Decide(context.Background(), tt.study, criteria)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Decision)
			assert.NotEmpty(t, out.Rationale)
			assert.NoError(t, CheckOutcome(out))
		})
	}
}

func TestKeywordRejectsMissingTitle(t *testing.T) {
	_, err := Keyword{}.Decide(context.Background(), types.Study{ID: "x"}, criteria)
	assert.ErrorIs(t, err, types.ErrPermanentValidation)
}

func TestFunc(t *testing.T) {
	boom := types.Transient("decide", errors.New("rate limited"))
	d := Func(func(context.Context, types.Study, types.Criteria) (types.Outcome, error) {
		return types.Outcome{}, boom
	})
	_, err := d.Decide(context.Background(), types.Study{}, criteria)
	assert.ErrorIs(t, err, types.ErrTransient)
}

func TestCheckOutcome(t *testing.T) {
	assert.NoError(t, CheckOutcome(types.Outcome{Decision: types.DecisionMaybe, Confidence: 0}))
	// a malformed answer is retried like any other decider failure
	assert.ErrorIs(t, CheckOutcome(types.Outcome{Decision: "yes"}), types.ErrTransient)
	assert.ErrorIs(t, CheckOutcome(types.Outcome{Decision: types.DecisionInclude, Confidence: 1.5}), types.ErrTransient)
}

// chatServer answers every request with status and, for 200, a chat
// completion whose content is content.
func chatServer(t *testing.T, status int, content string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "screen-model", body["model"])

		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":"nope"}`))
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestHTTP(t *testing.T, srv *httptest.Server) *HTTP {
	t.Helper()
	d, err := NewHTTP(HTTPConfig{BaseURL: srv.URL + "/v1/", Model: "screen-model", APIKey: "secret"}, srv.Client(), nil)
	require.NoError(t, err)
	return d
}

func TestHTTPDecide(t *testing.T) {
	srv, calls := chatServer(t, http.StatusOK, `{"decision":"include","confidence":0.82,"rationale":"adult RCT"}`)
	d := newTestHTTP(t, srv)

	out, err := d.Decide(context.Background(), types.Study{ID: "s1", Title: "Trial"}, criteria)
	require.NoError(t, err)
	assert.Equal(t, types.Outcome{Decision: types.DecisionInclude, Confidence: 0.82, Rationale: "adult RCT"}, out)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestHTTPErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		content string
		want    types.ErrorKind
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, want: types.KindTransient},
		{name: "server error", status: http.StatusBadGateway, want: types.KindTransient},
		{name: "request timeout", status: http.StatusRequestTimeout, want: types.KindTransient},
		{name: "bad request", status: http.StatusBadRequest, want: types.KindPermanentValidation},
		{name: "unknown decision", status: http.StatusOK, content: `{"decision":"yes","confidence":0.5,"rationale":"r"}`, want: types.KindTransient},
		{name: "confidence out of range", status: http.StatusOK, content: `{"decision":"maybe","confidence":3,"rationale":"r"}`, want: types.KindTransient},
		{name: "not json", status: http.StatusOK, content: `I think include`, want: types.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := chatServer(t, tt.status, tt.content)
			_, err := newTestHTTP(t, srv).Decide(context.Background(), types.Study{ID: "s1", Title: "Trial"}, criteria)
			require.Error(t, err)
			assert.Equal(t, tt.want, types.KindOf(err))
		})
	}
}

func TestHTTPNetworkErrorIsTransient(t *testing.T) {
	srv, _ := chatServer(t, http.StatusOK, "")
	d := newTestHTTP(t, srv)
	srv.Close()

	_, err := d.Decide(context.Background(), types.Study{ID: "s1", Title: "Trial"}, criteria)
	assert.ErrorIs(t, err, types.ErrTransient)
}

func TestHTTPMissingTitleNeverCallsServer(t *testing.T) {
	srv, calls := chatServer(t, http.StatusOK, "")
	_, err := newTestHTTP(t, srv).Decide(context.Background(), types.Study{ID: "s1"}, criteria)
	assert.ErrorIs(t, err, types.ErrPermanentValidation)
	assert.Zero(t, atomic.LoadInt32(calls))
}

func TestUserPrompt(t *testing.T) {
	p := userPrompt(types.Study{Title: "T", Abstract: "A", Keywords: []string{"k1", "k2"}, Year: 2021}, criteria)
	assert.True(t, strings.Contains(p, "- animal model"))
	assert.True(t, strings.Contains(p, "Keywords: k1, k2"))
	assert.True(t, strings.Contains(p, "Year: 2021"))
}

func TestNewHTTPRequiresBaseURL(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{}, nil, nil)
	assert.Error(t, err)
}
