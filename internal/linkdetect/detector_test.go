// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package linkdetect

import (
	"strings"
	"testing"
	"time"
)

// TestContainsLink verifies hostname detection on typical chat messages.
func TestContainsLink(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{text: "free nitro at discord-gift.com claim now", want: true},
		{text: "https://steamcommunity.ru/tradeoffer", want: true},
		{text: "see sub.domain.example.org for details", want: true},
		{text: "DISCORD.GG/abc", want: true},
		{text: "punycode xn--80ak6aa92e.xn--p1ai works", want: true},
		{text: "hello world", want: false},
		{text: "", want: false},
		{text: "the end. new sentence", want: false},
		{text: "version 1.2.3 released", want: false},
		{text: "e.g. this", want: false},
		{text: "-bad-.com", want: false},
		{text: "...", want: false},
		{text: "a.b", want: false},
	}

	d := New()
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := d.ContainsLink(tt.text); got != tt.want {
				t.Errorf("ContainsLink(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

// TestContainsLink_NoDotShortCircuit verifies dot-free text is rejected
// regardless of length.
func TestContainsLink_NoDotShortCircuit(t *testing.T) {
	d := New()
	text := strings.Repeat("a-", 100000)
	if d.ContainsLink(text) {
		t.Error("text without a dot should never match")
	}
}

// TestContainsLink_HostileInput verifies large adversarial input is scanned
// in bounded time.
func TestContainsLink_HostileInput(t *testing.T) {
	d := New()
	text := strings.Repeat("a-a.", 50000) + "!"

	start := time.Now()
	_ = d.ContainsLink(text)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("scan took %v", elapsed)
	}
}
