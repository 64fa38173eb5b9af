package segment

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	clockRe    = regexp.MustCompile(`(\d{1,2}):(\d{2})(?::(\d{2}))?`)
	nonDigitRe = regexp.MustCompile(`\D`)
)

var smallNumbers = []string{
	"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
	"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
	"seventeen", "eighteen", "nineteen",
}

var dateLayouts = []string{"2006-01-02", "01/02/2006", "January 2, 2006", "Jan 2, 2006"}

// sayAsText renders the content of a say-as span the way it should be spoken.
// Unrecognized interpretations pass the text through unchanged.
func sayAsText(text, interpretAs string) string {
	switch interpretAs {
	case "", "characters":
		return strings.Join(strings.Split(text, ""), " ")
	case "digits":
		return spokenDigits(text)
	case "number":
		return spokenNumber(text)
	case "date":
		return spokenDate(text)
	case "time":
		return spokenTime(text)
	case "telephone":
		return spokenTelephone(text)
	case "currency":
		return spokenCurrency(text)
	}
	return text
}

func spokenDigits(text string) string {
	var words []string
	for _, r := range text {
		switch {
		case r >= '0' && r <= '9':
			words = append(words, smallNumbers[r-'0'])
		case r == ' ':
		default:
			words = append(words, string(r))
		}
	}
	return strings.Join(words, " ")
}

func spokenNumber(text string) string {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || n < 0 || n >= len(smallNumbers) {
		return text
	}
	return smallNumbers[n]
}

func spokenDate(text string) string {
	trimmed := strings.TrimSpace(text)
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, trimmed); err == nil {
			return d.Format("January 2, 2006")
		}
	}
	return text
}

func spokenTime(text string) string {
	m := clockRe.FindStringSubmatch(text)
	if m == nil {
		return text
	}
	hour, _ := strconv.Atoi(m[1])
	if hour > 23 {
		return text
	}
	period := "AM"
	if hour >= 12 {
		period = "PM"
	}
	display := hour
	switch {
	case hour == 0:
		display = 12
	case hour > 12:
		display = hour - 12
	}
	if m[3] != "" {
		return fmt.Sprintf("%d:%s:%s %s", display, m[2], m[3], period)
	}
	return fmt.Sprintf("%d:%s %s", display, m[2], period)
}

func spokenTelephone(text string) string {
	digits := nonDigitRe.ReplaceAllString(text, "")
	switch {
	case len(digits) == 10:
		return fmt.Sprintf("%s-%s-%s", digits[:3], digits[3:6], digits[6:])
	case len(digits) == 11 && digits[0] == '1':
		return fmt.Sprintf("1-%s-%s-%s", digits[1:4], digits[4:7], digits[7:])
	}
	return text
}

func spokenCurrency(text string) string {
	cleaned := strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(text))
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return text
	}
	return fmt.Sprintf("$%.2f", v)
}
