package filter

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/proxylite/pkg/flow"
)

func sample() []flow.Record {
	ok, notFound, boom := 200, 404, 503
	return []flow.Record{
		{
			Sequence: 1, Host: "api.example.com", Method: "GET", URL: "https://api.example.com/users",
			StatusCode: &ok,
			RawRequest: &flow.RawRequest{Headers: http.Header{"Authorization": {"Bearer abc"}}},
			RawResponse: &flow.RawResponse{
				Headers: http.Header{"Content-Type": {"application/json"}},
				Body:    []byte(`{"name":"alice"}`),
			},
		},
		{
			Sequence: 2, Host: "api.example.com", Method: "POST", URL: "https://api.example.com/login",
			StatusCode: &notFound,
			RawRequest: &flow.RawRequest{Body: []byte("user=bob&pass=secret")},
		},
		{Sequence: 3, Host: "cdn.example.net", Method: "GET", URL: "https://cdn.example.net/app.js", StatusCode: &boom},
		{Sequence: 4, Host: "tracker.test", Method: "CONNECT", URL: "tracker.test:443"},
	}
}

func seqs(recs []flow.Record) []int64 {
	out := []int64{}
	for _, r := range recs {
		out = append(out, r.Sequence)
	}
	return out
}

func TestParseAndMatch(t *testing.T) {
	tests := []struct {
		expr string
		want []int64
	}{
		{"", []int64{1, 2, 3, 4}},
		{"~m get", []int64{1, 3}},
		{"~s 4", []int64{2}},
		{"~s pending", []int64{4}},
		{"~d example.com", []int64{1, 2}},
		{"~u login", []int64{2}},
		{"login", []int64{2}},
		{"~h authorization", []int64{1}},
		{"~h content-type:json", []int64{1}},
		{"~h content-type:xml", []int64{}},
		{"~b alice", []int64{1}},
		{"~b SECRET", []int64{2}},
		{"~m GET & ~s 5", []int64{3}},
		{"~s 2 | ~s 5", []int64{1, 3}},
		{"!~d example", []int64{4}},
		{"!(~m GET | ~m POST)", []int64{4}},
		{"~d example & !(~s 4 | ~s 5)", []int64{1}},
		{`~u "app.js"`, []int64{3}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := Parse(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, seqs(Apply(f, sample())))
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{
		"~",
		"~x foo",
		"~m",
		"(~m GET",
		"~m GET &",
		`~u "open`,
		"~m GET )",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := Parse(expr)
			assert.Error(t, err)
		})
	}
}
