package gateway

import "testing"

func TestEchoFilter_IsEcho(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		outputs []string
		input   string
		want    bool
	}{
		{
			name:    "exact match",
			outputs: []string{"You have three tasks today."},
			input:   "you have three tasks today.",
			want:    true,
		},
		{
			name:    "input is substring of output",
			outputs: []string{"Sure, I added milk to your shopping list."},
			input:   "added milk to your shopping",
			want:    true,
		},
		{
			name:    "output is substring of input",
			outputs: []string{"one moment"},
			input:   "one moment please",
			want:    true,
		},
		{
			name:    "majority word overlap",
			outputs: []string{"your dentist appointment is at three pm tomorrow"},
			input:   "dentist appointment at three pm tomorrow",
			want:    true,
		},
		{
			name:    "unrelated input passes",
			outputs: []string{"You have three tasks today."},
			input:   "what is the weather like",
			want:    false,
		},
		{
			name:    "minor overlap passes",
			outputs: []string{"I added a reminder for your dentist appointment tomorrow"},
			input:   "delete the grocery task please",
			want:    false,
		},
		{
			name:  "no history passes everything",
			input: "hello there",
			want:  false,
		},
		{
			name:    "empty input is never echo",
			outputs: []string{"hello there"},
			input:   "   ",
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := NewEchoFilter()
			for _, out := range tt.outputs {
				f.Observe(out)
			}
			if got := f.IsEcho(tt.input); got != tt.want {
				t.Errorf("IsEcho(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestEchoFilter_HistoryIsBounded(t *testing.T) {
	t.Parallel()

	f := NewEchoFilter()
	f.Observe("the very first utterance about quantum squirrels")
	for i := 0; i < echoHistorySize; i++ {
		f.Observe("filler")
	}

	if f.IsEcho("the very first utterance about quantum squirrels") {
		t.Error("utterance evicted from the ring should no longer count as echo")
	}
	if !f.IsEcho("filler") {
		t.Error("recent utterance should still count as echo")
	}
}
