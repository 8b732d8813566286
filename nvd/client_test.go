package nvd

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vsftpdPayload = `{
  "resultsPerPage": 1, "startIndex": 0, "totalResults": 1,
  "vulnerabilities": [{"cve": {
    "id": "CVE-2011-2523",
    "descriptions": [
      {"lang": "es", "value": "puerta trasera"},
      {"lang": "en", "value": "vsftpd 2.3.4 contains a backdoor"}
    ],
    "references": [{"url": "https://example.org/advisory"}],
    "metrics": {
      "cvssMetricV31": [{"source": "nvd", "type": "Primary", "cvssData": {"version": "3.1", "baseScore": 9.8, "baseSeverity": "CRITICAL"}}],
      "cvssMetricV2": [{"source": "nvd", "type": "Primary", "cvssData": {"version": "2.0", "baseScore": 10.0}, "baseSeverity": "HIGH"}]
    }
  }}]
}`

func TestKeywordSearch(t *testing.T) {
	var gotQuery, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("apiKey")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(vsftpdPayload))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithAPIKey("secret"))
	resp, err := c.KeywordSearch(context.Background(), "vsftpd 2.3.4", 10)
	require.NoError(t, err)

	assert.Equal(t, "keywordSearch=vsftpd+2.3.4&resultsPerPage=10", gotQuery)
	assert.Equal(t, "secret", gotKey)
	require.Len(t, resp.Vulnerabilities, 1)

	item := resp.Vulnerabilities[0].CVE
	assert.Equal(t, "vsftpd 2.3.4 contains a backdoor", item.EnglishDescription())
	score, ok := item.BestScore()
	require.True(t, ok)
	assert.Equal(t, 9.8, score.Value)
	assert.Equal(t, "3.1", score.Version)
	assert.Equal(t, []string{"https://example.org/advisory"}, item.ReferenceURLs())
}

func TestReferenceURLsWithoutReferences(t *testing.T) {
	assert.Nil(t, CveItem{ID: "CVE-2020-0001"}.ReferenceURLs())
}

func TestBestScorePreference(t *testing.T) {
	v2only := CveItem{Metrics: Metrics{CvssMetricV2: []CvssMetric{{CvssData: CvssData{Version: "2.0", BaseScore: 5.0}, BaseSeverity: "MEDIUM"}}}}
	s, ok := v2only.BestScore()
	require.True(t, ok)
	assert.Equal(t, 5.0, s.Value)
	assert.Equal(t, "MEDIUM", s.Severity)

	v30 := CveItem{Metrics: Metrics{
		CvssMetricV30: []CvssMetric{{CvssData: CvssData{Version: "3.0", BaseScore: 7.5}}},
		CvssMetricV2:  []CvssMetric{{CvssData: CvssData{Version: "2.0", BaseScore: 5.0}}},
	}}
	s, _ = v30.BestScore()
	assert.Equal(t, "3.0", s.Version)

	_, ok = CveItem{}.BestScore()
	assert.False(t, ok)
}

func TestStatusErrors(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusForbidden, http.StatusInternalServerError} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		_, err := NewClient(WithBaseURL(srv.URL)).KeywordSearch(context.Background(), "x", 1)
		srv.Close()

		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, code, se.Code)
		assert.Equal(t, code != http.StatusInternalServerError, se.RateLimited())
	}
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewClient(WithBaseURL(srv.URL), WithTimeout(20*time.Millisecond)).KeywordSearch(context.Background(), "x", 1)
	assert.Error(t, err)
}

func TestGetCVENotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "CVE-0000-0000", r.URL.Query().Get("cveId"))
		_, _ = w.Write([]byte(`{"vulnerabilities": []}`))
	}))
	defer srv.Close()

	_, ok, err := NewClient(WithBaseURL(srv.URL)).GetCVE(context.Background(), "CVE-0000-0000")
	require.NoError(t, err)
	assert.False(t, ok)
}
