package results

import (
	"encoding/csv"
	"io"
	"math"
	"strconv"

	"github.com/sqlbench/api/internal/models"
)

var csvHeader = []string{
	"candidate_id", "endpoint", "provider", "model", "prompt_id", "sample_query",
	"repetition", "temperature", "sql", "score",
}

// WriteScoresCSV writes one row per scored candidate. Unscored candidates have an empty score.
func WriteScoresCSV(w io.Writer, entries []models.ScoredCandidate) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for _, e := range entries {
		c := e.Candidate
		var endpoint, provider, model, promptID, sample string
		if c.Endpoint != nil {
			endpoint, provider, model = c.Endpoint.Name, string(c.Endpoint.Provider), c.Endpoint.Model
		}
		if c.Prompt != nil {
			promptID = c.Prompt.ID.String()
			if c.Prompt.SampleQuery != nil {
				sample = c.Prompt.SampleQuery.Name
			}
		}
		score := ""
		if !math.IsNaN(e.Score) {
			score = strconv.FormatFloat(e.Score, 'f', 3, 64)
		}

		if err := cw.Write([]string{
			c.ID.String(), endpoint, provider, model, promptID, sample,
			strconv.Itoa(c.Repetition), strconv.FormatFloat(c.Temperature, 'f', -1, 64), c.SQL, score,
		}); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
