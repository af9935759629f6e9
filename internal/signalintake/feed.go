package signalintake

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"github.com/rs/zerolog/log"

	"tradeengine/internal/tradestate"
)

// ReadJSONLFeed decodes newline-delimited JSON Signal records from r and
// emits each onto the returned channel until r is exhausted or ctx is
// cancelled. It is the minimal concrete upstream FilteringSource wraps:
// chat-transport ingestion and natural-language parsing of signal text
// remain out of scope, so this assumes a separate process has already
// turned raw signal text into Signal records.
//
// The producer writing these records must set received_at itself: a
// record with it omitted decodes to the zero time, which FilteringSource
// will always judge older than max_lag_sec and discard as stale whenever
// that check is enabled.
func ReadJSONLFeed(ctx context.Context, r io.Reader) <-chan tradestate.Signal {
	out := make(chan tradestate.Signal, 64)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var sig tradestate.Signal
			if err := json.Unmarshal(line, &sig); err != nil {
				log.Warn().Err(err).Msg("dropping malformed signal feed line")
				continue
			}
			select {
			case out <- sig:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Error().Err(err).Msg("signal feed reader stopped")
		}
	}()
	return out
}
