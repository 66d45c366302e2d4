package subtitle

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// cue is one timed text entry. Times are in milliseconds.
type cue struct {
	start    int64
	end      int64
	id       string
	settings string
	text     string
	// pos is the byte offset of the cue block in the source.
	pos int64
}

var errTiming = errors.New("invalid cue timing")

// parseTimestamp parses [hh:]mm:ss(,|.)mmm.
func parseTimestamp(s string) (int64, error) {
	s = strings.TrimSpace(s)
	frac := int64(0)
	if i := strings.IndexAny(s, ",."); i >= 0 {
		ms := s[i+1:]
		if len(ms) == 0 || len(ms) > 3 {
			return 0, fmt.Errorf("%w: %q", errTiming, s)
		}
		v, err := strconv.ParseInt(ms, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errTiming, s)
		}
		for n := len(ms); n < 3; n++ {
			v *= 10
		}
		frac = v
		s = s[:i]
	}

	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", errTiming, s)
	}
	var total int64
	for _, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("%w: %q", errTiming, s)
		}
		total = total*60 + v
	}
	return total*1000 + frac, nil
}

// parseTiming parses "start --> end [settings]".
func parseTiming(line string) (start, end int64, settings string, err error) {
	l, r, ok := strings.Cut(line, "-->")
	if !ok {
		return 0, 0, "", errTiming
	}
	r = strings.TrimSpace(r)
	endField, settings, _ := strings.Cut(r, " ")
	if start, err = parseTimestamp(l); err != nil {
		return 0, 0, "", err
	}
	if end, err = parseTimestamp(endField); err != nil {
		return 0, 0, "", err
	}
	if end < start {
		end = start
	}
	return start, end, strings.TrimSpace(settings), nil
}

type block struct {
	lines []string
	pos   int64
}

// blocks splits data into blank-line separated blocks.
func blocks(data []byte) []block {
	var out []block
	var cur *block
	var pos int64

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for sc.Scan() {
		raw := sc.Bytes()
		lineStart := pos
		pos += int64(len(raw)) + 1
		line := strings.TrimRight(string(raw), "\r")
		if strings.TrimSpace(line) == "" {
			cur = nil
			continue
		}
		if cur == nil {
			out = append(out, block{pos: lineStart})
			cur = &out[len(out)-1]
		}
		cur.lines = append(cur.lines, line)
	}
	return out
}

func trimBOM(data []byte) []byte {
	return bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
}

// parseSubRip parses a SubRip document. Blocks without a valid timing line
// are skipped.
func parseSubRip(data []byte) ([]cue, int) {
	var cues []cue
	skipped := 0
	for _, b := range blocks(trimBOM(data)) {
		lines := b.lines
		id := ""
		if len(lines) > 1 && !strings.Contains(lines[0], "-->") {
			id = strings.TrimSpace(lines[0])
			lines = lines[1:]
		}
		start, end, _, err := parseTiming(lines[0])
		if err != nil {
			skipped++
			continue
		}
		cues = append(cues, cue{
			start: start,
			end:   end,
			id:    id,
			text:  strings.Join(lines[1:], "\n"),
			pos:   b.pos,
		})
	}
	sortCues(cues)
	return cues, skipped
}

// parseWebVTT parses a WebVTT document. The header, NOTE, STYLE and REGION
// blocks are dropped.
func parseWebVTT(data []byte) ([]cue, int, error) {
	bs := blocks(trimBOM(data))
	if len(bs) == 0 || !isVTTHeader(bs[0].lines[0]) {
		return nil, 0, errors.New("missing WEBVTT header")
	}

	var cues []cue
	skipped := 0
	for _, b := range bs[1:] {
		lines := b.lines
		switch first := lines[0]; {
		case strings.HasPrefix(first, "NOTE"), first == "STYLE", first == "REGION":
			continue
		}
		id := ""
		if !strings.Contains(lines[0], "-->") {
			if len(lines) < 2 {
				skipped++
				continue
			}
			id = lines[0]
			lines = lines[1:]
		}
		start, end, settings, err := parseTiming(lines[0])
		if err != nil {
			skipped++
			continue
		}
		cues = append(cues, cue{
			start:    start,
			end:      end,
			id:       id,
			settings: settings,
			text:     strings.Join(lines[1:], "\n"),
			pos:      b.pos,
		})
	}
	sortCues(cues)
	return cues, skipped, nil
}

func isVTTHeader(line string) bool {
	return line == "WEBVTT" || strings.HasPrefix(line, "WEBVTT ") || strings.HasPrefix(line, "WEBVTT\t")
}

func sortCues(cues []cue) {
	sort.SliceStable(cues, func(i, j int) bool { return cues[i].start < cues[j].start })
}
