package feedback

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// maxEventLine bounds one JSONL record.
const maxEventLine = 4 << 20

// ReplayResult is the outcome of rebuilding counters from a log.
type ReplayResult struct {
	Counters *Counters
	Events   int
	// Skipped counts undecodable lines, typically a torn final write.
	Skipped int
}

// Replay rebuilds counters from a JSONL event log.
func Replay(r io.Reader) (ReplayResult, error) {
	res := ReplayResult{Counters: NewCounters()}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			res.Skipped++
			continue
		}
		res.Counters.Apply(ev)
		res.Events++
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("reading event log: %w", err)
	}
	return res, nil
}
