package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPost(t *testing.T) {
	var gotBody []byte
	var gotSig, gotCT string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		gotSig = r.Header.Get("X-Signature")
		gotCT = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"received":true}`))
	}))
	defer srv.Close()

	tr := NewTransport()
	status, respBody, err := tr.Post(context.Background(), srv.URL, map[string]string{
		"Content-Type": "application/json",
		"X-Signature":  "sha256=abc",
	}, []byte(`{"jobId":"x"}`))

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, `{"jobId":"x"}`, string(gotBody))
	assert.Equal(t, "sha256=abc", gotSig)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, `{"received":true}`, string(respBody))
}

func TestPost_DoesNotFollowRedirects(t *testing.T) {
	redirected := false
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		redirected = true
	}))
	defer target.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer srv.Close()

	tr := NewTransport()
	status, _, err := tr.Post(context.Background(), srv.URL, nil, []byte(`{}`))

	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, status)
	assert.False(t, redirected, "redirect was followed")
}

func TestPost_BoundsResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 256*1024))
	}))
	defer srv.Close()

	tr := NewTransport()
	_, respBody, err := tr.Post(context.Background(), srv.URL, nil, []byte(`{}`))

	require.NoError(t, err)
	assert.Len(t, respBody, maxResponseBodySize)
}
