package gateway

import "strings"

// echoHistorySize is how many recent agent utterances are kept for echo
// detection.
const echoHistorySize = 10

// echoOverlapThreshold is the word-overlap ratio above which an input
// transcription is treated as the device hearing its own speaker.
const echoOverlapThreshold = 0.5

// EchoFilter suppresses input transcriptions that are really the agent's own
// voice leaking from the device speaker back into the microphone. It keeps a
// ring of the most recent agent utterances and flags inputs that match one of
// them exactly, as a substring, or by significant word overlap.
//
// EchoFilter is owned by the downlink goroutine and is not safe for
// concurrent use.
type EchoFilter struct {
	recent []string
}

// NewEchoFilter returns an empty filter.
func NewEchoFilter() *EchoFilter {
	return &EchoFilter{}
}

// Observe records an agent utterance for future echo comparisons.
func (f *EchoFilter) Observe(output string) {
	output = strings.ToLower(strings.TrimSpace(output))
	if output == "" {
		return
	}
	f.recent = append(f.recent, output)
	if len(f.recent) > echoHistorySize {
		f.recent = f.recent[len(f.recent)-echoHistorySize:]
	}
}

// IsEcho reports whether input matches a recent agent utterance.
func (f *EchoFilter) IsEcho(input string) bool {
	input = strings.ToLower(strings.TrimSpace(input))
	if input == "" {
		return false
	}
	inputWords := wordSet(input)
	for _, output := range f.recent {
		if input == output || strings.Contains(output, input) || strings.Contains(input, output) {
			return true
		}
		outputWords := wordSet(output)
		if len(inputWords) == 0 || len(outputWords) == 0 {
			continue
		}
		overlap := 0
		for w := range inputWords {
			if _, ok := outputWords[w]; ok {
				overlap++
			}
		}
		denom := len(inputWords)
		if len(outputWords) > denom {
			denom = len(outputWords)
		}
		if float64(overlap)/float64(denom) > echoOverlapThreshold {
			return true
		}
	}
	return false
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		set[w] = struct{}{}
	}
	return set
}
