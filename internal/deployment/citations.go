package deployment

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// MaxCitations bounds the citations kept per document.
const MaxCitations = 10

// Citation is a verbatim quote from a document with the model's confidence
// that it answers the query.
type Citation struct {
	Text            string  `json:"text"`
	ConfidenceScore float64 `json:"confidence_score"`
}

// CitationList is the JSON shape the search prompt asks the model for.
type CitationList struct {
	Zitate []Citation `json:"zitate"`
}

var (
	codeFence      = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
	trailingCommas = regexp.MustCompile(`,\s*([}\]])`)
)

// ParseCitations decodes a model reply into a CitationList. Malformed JSON
// is repaired first; citations with an empty text or a confidence outside
// (0, 1) are dropped and at most MaxCitations are kept.
func ParseCitations(raw string) (CitationList, error) {
	repaired, err := RepairJSON(raw)
	if err != nil {
		return CitationList{}, err
	}

	var list CitationList
	if err := json.Unmarshal([]byte(repaired), &list); err != nil {
		return CitationList{}, fmt.Errorf("failed to decode citations: %w", err)
	}

	kept := make([]Citation, 0, len(list.Zitate))
	for _, c := range list.Zitate {
		c.Text = strings.TrimSpace(c.Text)
		if c.Text == "" || c.ConfidenceScore <= 0 || c.ConfidenceScore >= 1 {
			continue
		}
		kept = append(kept, c)
		if len(kept) == MaxCitations {
			break
		}
	}
	return CitationList{Zitate: kept}, nil
}

// RepairJSON returns raw unchanged when it already parses. Otherwise it
// strips markdown fences and trailing commas and finally hands the text to
// jsonrepair.
func RepairJSON(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if json.Valid([]byte(raw)) {
		return raw, nil
	}

	repaired := raw
	if m := codeFence.FindStringSubmatch(repaired); m != nil {
		repaired = m[1]
	}
	if start := strings.IndexAny(repaired, "{["); start > 0 {
		repaired = repaired[start:]
	}
	repaired = trailingCommas.ReplaceAllString(repaired, "$1")
	if json.Valid([]byte(repaired)) {
		return repaired, nil
	}

	fixed, err := jsonrepair.JSONRepair(repaired)
	if err != nil {
		return "", fmt.Errorf("failed to repair JSON: %w", err)
	}
	if !json.Valid([]byte(fixed)) {
		return "", fmt.Errorf("JSON still invalid after repair")
	}
	return fixed, nil
}
