/*
Copyright 2023 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package herald

import (
	"regexp"
	"strings"
)

var (
	sentencePattern = regexp.MustCompile(`[^.!?]+(?:[.!?]+["')\]]*|$)`)
	lengthMarkers   = regexp.MustCompile(`(?i)\b\d+\s*(chars?|characters?|words?|mots?)\b`)
	trailingNumber  = regexp.MustCompile(`\b\d+\b[^.!?]*$`)
	bracketed       = regexp.MustCompile(`\[.*?\]`)
	parenthesized   = regexp.MustCompile(`\(.*?\)`)
)

// closingLine is appended when text was cut short so listeners know the
// narration ended on purpose.
const closingLine = "That's the latest."

// OptimizeForVoice turns article text into something pleasant to narrate. It
// keeps whole sentences up to wordLimit words, strips truncation markers such
// as "[+1234 chars]" and asides in brackets or parentheses, and always ends on
// punctuation.
func OptimizeForVoice(text string, wordLimit int) string {
	var kept []string
	var words, total int
	full := true
	for _, sentence := range sentencePattern.FindAllString(text, -1) {
		n := len(strings.Fields(sentence))
		total += n
		if !full || words+n > wordLimit {
			full = false
			continue
		}
		kept = append(kept, strings.TrimSpace(sentence))
		words += n
	}

	out := strings.Join(kept, " ")
	out = lengthMarkers.ReplaceAllString(out, "")
	out = strings.TrimSpace(trailingNumber.ReplaceAllString(out, ""))
	out = bracketed.ReplaceAllString(out, "")
	out = parenthesized.ReplaceAllString(out, "")
	out = strings.Join(strings.Fields(out), " ")

	if !strings.HasSuffix(out, ".") && !strings.HasSuffix(out, "!") && !strings.HasSuffix(out, "?") {
		out += "."
	}
	if words < total {
		out += " " + closingLine
	}
	return out
}
