// Copyright 2025 Kadir Pekel
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

// Package intent extracts, persists, and exposes structured change-intent
// records parsed out of Worker responses.
package intent

import (
	"regexp"
	"strconv"
	"strings"
)

// Headers configures the section/sub-section header text the parser looks
// for, so a deployment can localize them without touching the parser
// itself. Defaults match the reference corpus's Japanese headers.
type Headers struct {
	Section        string
	Goal           string
	Rationale      string
	ExpectedChange string
	NonGoals       string
	Risk           string
	RelatedADR     string
	Implementation string
}

// DefaultHeaders returns the section headers used throughout the reference
// corpus.
func DefaultHeaders() Headers {
	return Headers{
		Section:        "変更意図 (Intent)",
		Goal:           "目標 (Goal)",
		Rationale:      "理由 (Rationale)",
		ExpectedChange: "期待される変更 (Expected Change)",
		NonGoals:       "非目標 (Non-Goals)",
		Risk:           "リスク (Risk)",
		RelatedADR:     "関連ADR (Related ADR)",
		Implementation: "実装内容",
	}
}

// Parsed is the raw result of scanning a Worker response for an intent
// block, before it is merged with ancillary fields (task id, commits) into
// a persisted statestore.Intent.
type Parsed struct {
	Found          bool
	// Explicit is true when the full intent section header was present,
	// false when the record was reconstructed from the implementation
	// section alone.
	Explicit       bool
	Goal           string
	Rationale      string
	ExpectedChange []string
	NonGoals       []string
	Risk           []string
	// RelatedADR is the ADR number named in the intent block, 0 if none.
	RelatedADR int
}

var headingPattern = regexp.MustCompile(`(?m)^#{2,3}\s*(.+?)\s*$`)

// Parse scans response for the literal intent section and its
// sub-sections. Each sub-section's body runs to the next ##/### boundary.
// Bulleted bodies yield list values; a list field with a paragraph body
// yields a one-element list holding the trimmed text, and Goal and
// Rationale keep only their first paragraph.
func Parse(response string, h Headers) Parsed {
	sections := splitSections(response)

	sectionBody, ok := findSection(sections, h.Section)
	if !ok {
		return fallback(response, h)
	}

	subsections := splitSections(sectionBody)
	result := Parsed{Found: true, Explicit: true}

	if body, ok := findSection(subsections, h.Goal); ok {
		result.Goal = strings.TrimSpace(firstParagraph(body))
	}
	if body, ok := findSection(subsections, h.Rationale); ok {
		result.Rationale = strings.TrimSpace(firstParagraph(body))
	}
	if body, ok := findSection(subsections, h.ExpectedChange); ok {
		result.ExpectedChange = bulletsOrLines(body)
	}
	if body, ok := findSection(subsections, h.NonGoals); ok {
		result.NonGoals = bulletsOrLines(body)
	}
	if body, ok := findSection(subsections, h.Risk); ok {
		result.Risk = bulletsOrLines(body)
	}
	if body, ok := findSection(subsections, h.RelatedADR); ok {
		result.RelatedADR = parseADRReference(body)
	}
	if result.RelatedADR == 0 {
		result.RelatedADR = parseADRReference(sectionBody)
	}

	return result
}

var adrReferencePattern = regexp.MustCompile(`(?i)(?:関連ADR|related\s+adr|adr)[-:\s#]*0*(\d+)`)

// parseADRReference pulls an ADR number out of text ("関連ADR: 0007",
// "related ADR #7", "ADR-0007"), 0 when none is present.
func parseADRReference(text string) int {
	m := adrReferencePattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// fallback produces a minimal intent from the implementation section's
// first 200 characters, used when no explicit intent block is present but
// a commit hash was extracted elsewhere.
func fallback(response string, h Headers) Parsed {
	sections := splitSections(response)
	body, ok := findSection(sections, h.Implementation)
	if !ok {
		return Parsed{}
	}
	trimmed := strings.TrimSpace(body)
	if r := []rune(trimmed); len(r) > 200 {
		trimmed = string(r[:200])
	}
	return Parsed{Found: true, Goal: trimmed}
}

type section struct {
	heading string
	body    string
}

// splitSections breaks text into headed blocks at the shallowest heading
// level present, each running to the next heading of that same level.
// Deeper headings stay embedded in their parent's body so a second call to
// splitSections on that body can split them in turn.
func splitSections(text string) []section {
	locs := headingPattern.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	levels := make([]int, len(locs))
	minLevel := 3
	for i, loc := range locs {
		level := 0
		for _, c := range text[loc[0]:loc[1]] {
			if c != '#' {
				break
			}
			level++
		}
		levels[i] = level
		if level < minLevel {
			minLevel = level
		}
	}
	var out []section
	for i, loc := range locs {
		if levels[i] != minLevel {
			continue
		}
		headingStart, headingEnd := loc[2], loc[3]
		bodyStart := loc[1]
		bodyEnd := len(text)
		for j := i + 1; j < len(locs); j++ {
			if levels[j] == minLevel {
				bodyEnd = locs[j][0]
				break
			}
		}
		out = append(out, section{
			heading: text[headingStart:headingEnd],
			body:    text[bodyStart:bodyEnd],
		})
	}
	return out
}

func findSection(sections []section, heading string) (string, bool) {
	for _, s := range sections {
		if strings.EqualFold(strings.TrimSpace(s.heading), strings.TrimSpace(heading)) {
			return s.body, true
		}
	}
	return "", false
}

func firstParagraph(body string) string {
	parts := strings.SplitN(strings.TrimSpace(body), "\n\n", 2)
	return strings.TrimSpace(parts[0])
}

var bulletPattern = regexp.MustCompile(`(?m)^\s*[-*]\s+(.+)$`)

func bulletsOrLines(body string) []string {
	matches := bulletPattern.FindAllStringSubmatch(body, -1)
	if len(matches) > 0 {
		out := make([]string, 0, len(matches))
		for _, m := range matches {
			out = append(out, strings.TrimSpace(m[1]))
		}
		return out
	}
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return nil
	}
	return []string{trimmed}
}
