package nvd

// =============== Types ===============

// Response is the top-level NVD CVE API 2.0 payload.
type Response struct {
	ResultsPerPage  int          `json:"resultsPerPage"`
	StartIndex      int          `json:"startIndex"`
	TotalResults    int          `json:"totalResults"`
	Format          string       `json:"format"`
	Version         string       `json:"version"`
	Timestamp       string       `json:"timestamp"`
	Vulnerabilities []DefCVEItem `json:"vulnerabilities"`
}

// DefCVEItem wraps one entry of "vulnerabilities".
type DefCVEItem struct {
	CVE CveItem `json:"cve"`
}

// CveItem is a CVE record per the NVD schema, reduced to the fields the
// enrichment pipeline reads.
type CveItem struct {
	ID               string       `json:"id"`
	SourceIdentifier string       `json:"sourceIdentifier"`
	VulnStatus       string       `json:"vulnStatus"`
	Published        string       `json:"published"`
	LastModified     string       `json:"lastModified"`
	Descriptions     []LangString `json:"descriptions"`
	References       []Reference  `json:"references"`
	Metrics          Metrics      `json:"metrics,omitempty"`
	Weaknesses       []Weakness   `json:"weaknesses,omitempty"`
}

type LangString struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type Reference struct {
	URL    string   `json:"url"`
	Source string   `json:"source,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

type Weakness struct {
	Source      string       `json:"source"`
	Type        string       `json:"type"`
	Description []LangString `json:"description"`
}

// Metrics groups the CVSS blocks by version.
type Metrics struct {
	CvssMetricV31 []CvssMetric `json:"cvssMetricV31,omitempty"`
	CvssMetricV30 []CvssMetric `json:"cvssMetricV30,omitempty"`
	CvssMetricV2  []CvssMetric `json:"cvssMetricV2,omitempty"`
}

// CvssMetric covers the v2 and v3.x metric shapes; v2 carries its severity
// outside cvssData.
type CvssMetric struct {
	Source              string   `json:"source"`
	Type                string   `json:"type"`
	CvssData            CvssData `json:"cvssData"`
	BaseSeverity        string   `json:"baseSeverity,omitempty"`
	ExploitabilityScore float64  `json:"exploitabilityScore,omitempty"`
	ImpactScore         float64  `json:"impactScore,omitempty"`
}

type CvssData struct {
	Version      string  `json:"version"`
	VectorString string  `json:"vectorString"`
	BaseScore    float64 `json:"baseScore"`
	BaseSeverity string  `json:"baseSeverity,omitempty"`
}

// Score is a selected base score and the CVSS version it came from.
type Score struct {
	Value    float64
	Version  string
	Severity string
	Vector   string
}

// BestScore returns the preferred base score: v3.1, then v3.0, then v2.0.
// The first metric entry of the first present version is used.
func (c CveItem) BestScore() (Score, bool) {
	for _, set := range [][]CvssMetric{c.Metrics.CvssMetricV31, c.Metrics.CvssMetricV30, c.Metrics.CvssMetricV2} {
		if len(set) == 0 {
			continue
		}
		m := set[0]
		sev := m.CvssData.BaseSeverity
		if sev == "" {
			sev = m.BaseSeverity
		}
		return Score{
			Value:    m.CvssData.BaseScore,
			Version:  m.CvssData.Version,
			Severity: sev,
			Vector:   m.CvssData.VectorString,
		}, true
	}
	return Score{}, false
}

// EnglishDescription returns the "en" description, or the first one.
func (c CveItem) EnglishDescription() string {
	for _, d := range c.Descriptions {
		if d.Lang == "en" {
			return d.Value
		}
	}
	if len(c.Descriptions) > 0 {
		return c.Descriptions[0].Value
	}
	return ""
}

// ReferenceURLs lists the reference links in order, or nil when there are
// none.
func (c CveItem) ReferenceURLs() []string {
	if len(c.References) == 0 {
		return nil
	}
	urls := make([]string, 0, len(c.References))
	for _, r := range c.References {
		urls = append(urls, r.URL)
	}
	return urls
}
