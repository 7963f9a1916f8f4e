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

// Package linkdetect is the cheap prefilter that decides whether a message
// is worth sending to the classifier at all.
package linkdetect

import (
	"regexp"
	"strings"
)

// hostnamePattern matches a DNS hostname token: one or more labels of 1-63
// alphanumerics with inner hyphens, each followed by a dot, then a TLD of
// 2-63 letters or a punycode label.
//
// Go's regexp is RE2, so matching is linear in the input length even for
// hostile text.
var hostnamePattern = regexp.MustCompile(
	`(?i)\b(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+(?:[a-z]{2,63}|xn--[a-z0-9-]{1,59})\b`,
)

// Detector reports whether text contains something that looks like a link.
type Detector struct {
	pattern *regexp.Regexp
}

// New returns a Detector using the hostname pattern.
func New() *Detector {
	return &Detector{pattern: hostnamePattern}
}

// ContainsLink reports whether text contains a hostname-like token.
func (d *Detector) ContainsLink(text string) bool {
	// Most messages have no dot at all.
	if !strings.Contains(text, ".") {
		return false
	}
	return d.pattern.MatchString(text)
}
