package nvd

// Response is one page of the NVD CVE API 2.0. Only the fields the pipeline
// reads are decoded; everything else is ignored.
type Response struct {
	ResultsPerPage  int    `json:"resultsPerPage"`
	StartIndex      int    `json:"startIndex"`
	TotalResults    int    `json:"totalResults"`
	Timestamp       string `json:"timestamp"`
	Vulnerabilities []struct {
		CVE struct {
			ID           string     `json:"id"`
			LastModified string     `json:"lastModified"`
			Weaknesses   []Weakness `json:"weaknesses"`
		} `json:"cve"`
	} `json:"vulnerabilities"`
}

type Weakness struct {
	Source      string `json:"source"`
	Type        string `json:"type"`
	Description []struct {
		Lang  string `json:"lang"`
		Value string `json:"value"`
	} `json:"description"`
}
