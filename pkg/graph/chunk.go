package graph

import (
	"regexp"
	"sort"
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/magpie-ai/magpie/internal/util"
	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/loader"
)

// sentenceSpan is one packing unit of the chunker: a sentence, a
// numeric listing run or a markdown table, addressed by rune offsets
// into the parsed text.
type sentenceSpan struct {
	start int
	end   int
}

var tableDelimRe = regexp.MustCompile(`^\s*\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)+\|?\s*$`)

// buildChunks splits parsed document text into token-bounded chunks.
// Sentences are packed greedily up to maxTokens; overlapTokens worth of
// tail sentences are repeated at the head of the following chunk. Once
// a chunk holds at least half its budget it is cut at the next page
// boundary instead of crossing it. Offsets in the returned chunks are
// rune offsets into parsed.Text.
func buildChunks(
	parsed *loader.ParsedDocument,
	documentID string,
	encoder string,
	maxTokens int,
	overlapTokens int,
) ([]common.Chunk, error) {
	if parsed == nil || !utf8.ValidString(parsed.Text) {
		return nil, &common.InvalidDocumentError{
			DocumentID: documentID,
			Reason:     "parsed text is not valid UTF-8",
		}
	}

	enc, err := tiktoken.GetEncoding(encoder)
	if err != nil {
		return nil, err
	}

	runes := []rune(parsed.Text)
	spans := splitIntoSentenceSpans(runes)
	if len(spans) == 0 {
		return nil, &common.InvalidDocumentError{
			DocumentID: documentID,
			Reason:     "no extractable text",
		}
	}

	spanTokens := make([]int, len(spans))
	for i, s := range spans {
		spanTokens[i] = len(enc.Encode(string(runes[s.start:s.end]), nil, nil))
	}
	spanPages := pagesForSpans(spans, parsed.Pages)

	var chunks []common.Chunk
	carryFrom := -1

	i := 0
	for i < len(spans) {
		novelStart := i
		textStart := novelStart
		if carryFrom >= 0 && carryFrom < novelStart {
			textStart = carryFrom
		}

		tokens := 0
		for j := textStart; j < novelStart; j++ {
			tokens += spanTokens[j]
		}

		end := novelStart
		for end < len(spans) {
			if end > novelStart {
				if tokens+spanTokens[end] > maxTokens {
					break
				}
				if spanPages[end] != spanPages[end-1] && tokens >= maxTokens/2 {
					break
				}
			}
			tokens += spanTokens[end]
			end++
		}

		id, err := util.NewID()
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, common.Chunk{
			ID:           id,
			DocumentID:   documentID,
			Index:        len(chunks),
			Text:         string(runes[spans[textStart].start:spans[end-1].end]),
			Start:        spans[textStart].start,
			End:          spans[end-1].end,
			OverlapStart: spans[novelStart].start,
		})

		carryFrom = -1
		if overlapTokens > 0 && end < len(spans) {
			carried := 0
			k := end
			for k > novelStart {
				if carried+spanTokens[k-1] > overlapTokens {
					break
				}
				carried += spanTokens[k-1]
				k--
			}
			if k < end {
				carryFrom = k
			}
		}

		i = end
	}

	return chunks, nil
}

// pagesForSpans maps every span to the page its first rune falls on.
// Without page hints every span lands on page zero.
func pagesForSpans(spans []sentenceSpan, pages []loader.PageSpan) []int {
	result := make([]int, len(spans))
	if len(pages) == 0 {
		return result
	}
	for i, s := range spans {
		idx := sort.Search(len(pages), func(j int) bool {
			return pages[j].Start > s.start
		}) - 1
		if idx < 0 {
			idx = 0
		}
		result[i] = pages[idx].Number
	}
	return result
}

// splitIntoSentenceSpans segments text into sentence spans. Paragraph
// breaks (blank lines) always end a sentence; markdown tables become a
// single span; numeric listings such as "1. First item" do not break.
func splitIntoSentenceSpans(runes []rune) []sentenceSpan {
	lines := splitLineSpans(runes)

	var sentences []sentenceSpan
	open := -1
	openEnd := -1

	flush := func() {
		if open >= 0 && openEnd > open {
			sentences = append(sentences, sentenceSpan{start: open, end: openEnd})
		}
		open = -1
	}

	scanLine := func(ts, te int) {
		pieceStart := ts
		for j := ts; j < te; j++ {
			r := runes[j]
			if r != '.' && r != '!' && r != '?' {
				continue
			}

			// "1. First item" style listing markers are not sentence ends.
			if j > ts && unicode.IsDigit(runes[j-1]) && j+1 < te && runes[j+1] == ' ' {
				continue
			}

			k := j + 1
			for k < te && (runes[k] == '.' || runes[k] == '!' || runes[k] == '?') {
				k++
			}
			for k < te && isClosingMark(runes[k]) {
				k++
			}

			if open < 0 {
				open = pieceStart
			}
			openEnd = k
			flush()

			pieceStart = k
			for pieceStart < te && unicode.IsSpace(runes[pieceStart]) {
				pieceStart++
			}
			j = pieceStart - 1
		}
		if pieceStart < te {
			if open < 0 {
				open = pieceStart
			}
			openEnd = te
		}
	}

	inTable := false
	tableStart, tableEnd := 0, 0

	for i := 0; i < len(lines); i++ {
		ts, te := trimSpan(runes, lines[i])
		blank := ts >= te

		if !inTable && !blank && hasPipe(runes, ts, te) {
			if i+1 < len(lines) {
				nts, nte := trimSpan(runes, lines[i+1])
				if nts < nte && tableDelimRe.MatchString(string(runes[nts:nte])) {
					flush()
					inTable = true
					tableStart, tableEnd = ts, te
					continue
				}
			}
			flush()
			sentences = append(sentences, sentenceSpan{start: ts, end: te})
			continue
		}

		if inTable {
			if blank || !hasPipe(runes, ts, te) {
				sentences = append(sentences, sentenceSpan{start: tableStart, end: tableEnd})
				inTable = false
				if !blank {
					scanLine(ts, te)
				}
				continue
			}
			tableEnd = te
			continue
		}

		if blank {
			flush()
			continue
		}

		scanLine(ts, te)
	}

	if inTable {
		sentences = append(sentences, sentenceSpan{start: tableStart, end: tableEnd})
	}
	flush()

	return sentences
}

func splitLineSpans(runes []rune) []sentenceSpan {
	var lines []sentenceSpan
	start := 0
	for i, r := range runes {
		if r == '\n' {
			lines = append(lines, sentenceSpan{start: start, end: i})
			start = i + 1
		}
	}
	return append(lines, sentenceSpan{start: start, end: len(runes)})
}

func trimSpan(runes []rune, ln sentenceSpan) (int, int) {
	s, e := ln.start, ln.end
	for s < e && unicode.IsSpace(runes[s]) {
		s++
	}
	for e > s && unicode.IsSpace(runes[e-1]) {
		e--
	}
	return s, e
}

func hasPipe(runes []rune, start, end int) bool {
	for i := start; i < end; i++ {
		if runes[i] == '|' {
			return true
		}
	}
	return false
}

func isClosingMark(r rune) bool {
	return r == '"' || r == '\'' || r == ')' || r == ']' || r == '}'
}
