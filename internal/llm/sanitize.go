package llm

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/lexai-io/contract-intel/internal/docstore"
)

// rawResult is the shape an LLM response is expected to parse into,
// before safe-default coercion.
type rawResult struct {
	Summary     interface{} `json:"summary"`
	RiskScore   interface{} `json:"riskScore"`
	RiskLevel   interface{} `json:"riskLevel"`
	Clauses     interface{} `json:"clauses"`
	Obligations struct {
		YourObligations       interface{} `json:"yourObligations"`
		OtherPartyObligations interface{} `json:"otherPartyObligations"`
	} `json:"obligations"`
	Parties  interface{}            `json:"parties"`
	KeyDates map[string]interface{} `json:"keyDates"`
}

// Sanitize defensively parses content into a docstore.Result, applying
// the safe defaults from §4.7. Parsing never fails: an uninterpretable
// response still produces a well-formed Result with placeholder values,
// per the design note that sanitisation is part of the contract, not a
// fallback.
func Sanitize(content string) docstore.Result {
	raw, ok := parseJSONObject(content)
	res := docstore.Result{
		Obligations: docstore.Obligations{
			YourObligations:       []string{},
			OtherPartyObligations: []string{},
		},
		Clauses:  []string{},
		Parties:  []string{},
		KeyDates: map[string]any{},
	}
	if !ok {
		res.Summary = "Analysis could not be parsed from the model response."
		res.RiskScore = 50
		res.RiskLevel = docstore.RiskMedium
		return res
	}

	res.Summary = coerceNonEmptyString(raw.Summary, "No summary was produced.")
	res.RiskScore = coerceRiskScore(raw.RiskScore)
	res.RiskLevel = coerceRiskLevel(raw.RiskLevel, res.RiskScore)
	res.Clauses = coerceStringSlice(raw.Clauses)
	res.Parties = coerceStringSlice(raw.Parties)
	res.Obligations.YourObligations = coerceStringSlice(raw.Obligations.YourObligations)
	res.Obligations.OtherPartyObligations = coerceStringSlice(raw.Obligations.OtherPartyObligations)
	if raw.KeyDates != nil {
		res.KeyDates = raw.KeyDates
	}
	return res
}

// parseJSONObject tries, in order: a direct JSON parse, extraction from a
// fenced code block, and the substring between the first '{' and the
// last '}' (§4.7).
func parseJSONObject(content string) (rawResult, bool) {
	var r rawResult
	if err := json.Unmarshal([]byte(content), &r); err == nil {
		return r, true
	}

	if block, ok := extractFencedBlock(content); ok {
		if err := json.Unmarshal([]byte(block), &r); err == nil {
			return r, true
		}
	}

	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			if err := json.Unmarshal([]byte(content[start:end+1]), &r); err == nil {
				return r, true
			}
		}
	}

	return rawResult{}, false
}

func extractFencedBlock(content string) (string, bool) {
	const fence = "```"
	start := strings.Index(content, fence)
	if start < 0 {
		return "", false
	}
	rest := content[start+len(fence):]
	if i := strings.Index(rest, "\n"); i >= 0 {
		rest = rest[i+1:]
	}
	end := strings.Index(rest, fence)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

func coerceNonEmptyString(v interface{}, placeholder string) string {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}

func coerceRiskScore(v interface{}) int {
	var score float64
	switch n := v.(type) {
	case float64:
		score = n
	case int:
		score = float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 50
		}
		score = f
	default:
		return 50
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return int(score)
}

// coerceRiskLevel validates against the known enum; if invalid, derives
// the level from the (already-coerced) risk score.
func coerceRiskLevel(v interface{}, score int) docstore.RiskLevel {
	if s, ok := v.(string); ok {
		switch docstore.RiskLevel(strings.ToLower(s)) {
		case docstore.RiskLow, docstore.RiskMedium, docstore.RiskHigh, docstore.RiskCritical:
			return docstore.RiskLevel(strings.ToLower(s))
		}
	}
	switch {
	case score <= 25:
		return docstore.RiskLow
	case score <= 50:
		return docstore.RiskMedium
	case score <= 75:
		return docstore.RiskHigh
	default:
		return docstore.RiskCritical
	}
}

func coerceStringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
