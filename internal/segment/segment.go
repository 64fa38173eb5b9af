// Package segment turns plain text or SSML-like markup into an ordered list
// of speakable segments, each carrying its own prosody settings. It is a pure
// function of its input: no I/O, deterministic output, and characters are
// never dropped (unknown or malformed tags degrade to literal text).
package segment

import (
	"regexp"
	"strconv"
	"strings"
)

// Settings are the prosody controls attached to a segment.
type Settings struct {
	Rate     float64 // speaking rate multiplier, 1.0 = normal
	Pitch    float64 // pitch multiplier, 1.0 = normal
	Volume   float64 // 0..2, 1.0 = normal
	Emphasis string  // "", "strong", "moderate", "reduced"
	Pause    float64 // seconds of silence after the segment
}

// DefaultSettings is the baseline every segment inherits from.
func DefaultSettings() Settings {
	return Settings{Rate: 1.0, Pitch: 1.0, Volume: 1.0}
}

// Segment is one speakable span of text with resolved prosody.
type Segment struct {
	Text     string
	Settings Settings
}

var (
	tagRe    = regexp.MustCompile(`^<(/?)([a-zA-Z][a-zA-Z0-9-]*)((?:\s+[a-zA-Z-]+\s*=\s*"[^"]*")*)\s*(/?)>`)
	attrRe   = regexp.MustCompile(`([a-zA-Z-]+)\s*=\s*"([^"]*)"`)
	speakRe  = regexp.MustCompile(`(?s)^\s*<speak[^>]*>(.*)</speak>\s*$`)
	numberRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)`)
)

type frame struct {
	tag       string
	settings  Settings
	interpret string // say-as interpret-as value, "" for other tags
}

// Split parses input into ordered segments. Plain text with no markup yields
// a single segment with the base settings. Tag-local attributes override the
// enclosing settings for the tag's span only.
func Split(input string, base Settings) []Segment {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	if m := speakRe.FindStringSubmatch(input); m != nil {
		input = m[1]
	}
	if !strings.Contains(input, "<") {
		return []Segment{{Text: strings.TrimSpace(input), Settings: base}}
	}

	var (
		out     []Segment
		text    strings.Builder
		stack   []frame
		current = base
	)

	flush := func() {
		t := strings.TrimSpace(text.String())
		text.Reset()
		if t != "" {
			out = append(out, Segment{Text: t, Settings: current})
		}
	}

	for i := 0; i < len(input); {
		j := strings.IndexByte(input[i:], '<')
		if j < 0 {
			text.WriteString(input[i:])
			break
		}
		text.WriteString(input[i : i+j])
		i += j

		m := tagRe.FindStringSubmatch(input[i:])
		if m == nil {
			// not a well-formed tag: keep the '<' as literal text
			text.WriteByte('<')
			i++
			continue
		}
		closing := m[1] == "/"
		name := strings.ToLower(m[2])
		attrs := parseAttrs(m[3])
		selfClosed := m[4] == "/"
		i += len(m[0])

		if closing {
			depth := matchingFrame(stack, name)
			if depth < 0 {
				// unmatched closing tag degrades to literal text
				text.WriteString(m[0])
				continue
			}
			if name == "say-as" {
				spoken := sayAsText(strings.TrimSpace(text.String()), stack[depth].interpret)
				text.Reset()
				text.WriteString(spoken)
			}
			flush()
			current = stack[depth].settings
			stack = stack[:depth]
			if name == "p" {
				out = append(out, Segment{Text: " ", Settings: withPause(current, 0.5)})
			}
			continue
		}

		switch name {
		case "speak":
			// wrapper already handled; stray opener is ignored
		case "break":
			flush()
			out = append(out, Segment{Text: " ", Settings: withPause(current, breakDuration(attrs["time"]))})
		case "p", "s":
			if !selfClosed {
				flush()
				stack = append(stack, frame{tag: name, settings: current})
			}
		case "emphasis":
			if !selfClosed {
				flush()
				stack = append(stack, frame{tag: name, settings: current})
				level := attrs["level"]
				if level == "" {
					level = "moderate"
				}
				current.Emphasis = level
			}
		case "say-as":
			if !selfClosed {
				flush()
				stack = append(stack, frame{tag: name, settings: current,
					interpret: strings.ToLower(strings.TrimSpace(attrs["interpret-as"]))})
			}
		case "phoneme":
			// pronunciation hints are not forwarded; the inner text is spoken as-is
			if !selfClosed {
				flush()
				stack = append(stack, frame{tag: name, settings: current})
			}
		case "prosody":
			if !selfClosed {
				flush()
				stack = append(stack, frame{tag: name, settings: current})
				if v, ok := attrs["rate"]; ok {
					current.Rate = rateValue(v)
				}
				if v, ok := attrs["pitch"]; ok {
					current.Pitch = pitchValue(v)
				}
				if v, ok := attrs["volume"]; ok {
					current.Volume = volumeValue(v)
				}
			}
		default:
			// unknown tag degrades to literal text
			text.WriteString(m[0])
		}
	}
	flush()
	return out
}

// PlainText joins the speakable text of segments into a single string.
func PlainText(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// EstimateDuration approximates spoken length in seconds at the given words
// per minute, honoring per-segment rate and explicit pauses.
func EstimateDuration(segments []Segment, wordsPerMinute float64) float64 {
	if wordsPerMinute <= 0 {
		wordsPerMinute = 150
	}
	var total float64
	for _, s := range segments {
		words := float64(len(strings.Fields(s.Text)))
		rate := s.Settings.Rate
		if rate <= 0 {
			rate = 1.0
		}
		total += words / (wordsPerMinute * rate) * 60
		total += s.Settings.Pause
	}
	return total
}

func matchingFrame(stack []frame, tag string) int {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].tag == tag {
			return i
		}
	}
	return -1
}

func withPause(s Settings, pause float64) Settings {
	s.Pause = pause
	return s
}

func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(s, -1) {
		attrs[strings.ToLower(m[1])] = m[2]
	}
	return attrs
}

// maxBreakSeconds caps a single break pause; longer requested times clamp.
const maxBreakSeconds = 10.0

func breakDuration(timeStr string) float64 {
	if timeStr == "" {
		return 0.25
	}
	lower := strings.ToLower(strings.TrimSpace(timeStr))
	m := numberRe.FindStringSubmatch(lower)
	if m == nil {
		return 0.25
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0.25
	}
	if strings.HasSuffix(lower, "ms") {
		value /= 1000
	}
	return clamp(value, 0, maxBreakSeconds)
}

func rateValue(s string) float64 {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x-slow":
		return 0.5
	case "slow":
		return 0.75
	case "medium":
		return 1.0
	case "fast":
		return 1.25
	case "x-fast":
		return 1.5
	}
	return scaledValue(s, 1.0)
}

func pitchValue(s string) float64 {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x-low":
		return 0.5
	case "low":
		return 0.75
	case "medium":
		return 1.0
	case "high":
		return 1.25
	case "x-high":
		return 1.5
	}
	lower := strings.ToLower(strings.TrimSpace(s))
	if strings.HasSuffix(lower, "hz") {
		if v, err := strconv.ParseFloat(strings.TrimSuffix(lower, "hz"), 64); err == nil {
			// normalized against a 200Hz speaking baseline
			return v / 200
		}
	}
	return scaledValue(s, 1.0)
}

func volumeValue(s string) float64 {
	lower := strings.ToLower(strings.TrimSpace(s))
	switch lower {
	case "silent":
		return 0.0
	case "x-soft":
		return 0.25
	case "soft":
		return 0.5
	case "medium":
		return 0.75
	case "loud":
		return 1.0
	case "x-loud":
		return 1.25
	}
	if strings.HasSuffix(lower, "db") {
		if v, err := strconv.ParseFloat(strings.TrimSuffix(lower, "db"), 64); err == nil {
			return clamp(1+v/20, 0, 2)
		}
	}
	return scaledValue(s, 1.0)
}

// scaledValue parses "85%", "1.5x", or a bare number into a multiplier.
func scaledValue(s string, fallback float64) float64 {
	lower := strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.HasSuffix(lower, "%"):
		if v, err := strconv.ParseFloat(strings.TrimSuffix(lower, "%"), 64); err == nil {
			return v / 100
		}
	case strings.HasSuffix(lower, "x"):
		if v, err := strconv.ParseFloat(strings.TrimSuffix(lower, "x"), 64); err == nil {
			return v
		}
	default:
		if v, err := strconv.ParseFloat(lower, 64); err == nil {
			return v
		}
	}
	return fallback
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
