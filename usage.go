package fastmodel

import (
	"sync"
	"time"
)

// Usage is the token accounting of one generation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Statistics are cumulative over the lifetime of a session.
type Statistics struct {
	Generations               int
	FailedGenerations         int
	CumulativeInputTokens     int
	CumulativeOutputTokens    int
	CumulativeDurationSeconds float64
	TokensPerSecond           float64
}

type statistics struct {
	mu    sync.Mutex
	stats Statistics
}

func (st *statistics) record(usage Usage, elapsed time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.stats.Generations++
	st.stats.CumulativeInputTokens += usage.InputTokens
	st.stats.CumulativeOutputTokens += usage.OutputTokens
	st.stats.CumulativeDurationSeconds += elapsed.Seconds()
	if st.stats.CumulativeDurationSeconds > 0 {
		st.stats.TokensPerSecond = float64(st.stats.CumulativeOutputTokens) / st.stats.CumulativeDurationSeconds
	}
}

func (st *statistics) recordFailure() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.stats.FailedGenerations++
}

func (st *statistics) snapshot() Statistics {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stats
}

// GetStatistics returns the cumulative generation statistics of the session.
func (s *Session) GetStatistics() Statistics {
	return s.statistics.snapshot()
}

func (s *Session) usage(prompt string, output string) Usage {
	u := Usage{
		InputTokens:  s.tokenizer.CountTokens(prompt),
		OutputTokens: s.tokenizer.CountTokens(output),
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}
