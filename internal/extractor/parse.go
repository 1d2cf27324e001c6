package extractor

import (
	"regexp"
	"strconv"
	"strings"
)

const number = `(\d{1,3}(?:,\d{2,3})+(?:\.\d+)?|\d+(?:\.\d+)?)`

var (
	pricePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:₹|\brs\.?|\binr|\busd|\$|€|£)\s*` + number),
		regexp.MustCompile(`(?i)` + number + `\s*(?:rupees?\b|₹|\binr\b|/-)`),
	}
	bareNumber = regexp.MustCompile(number)

	ratingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(\d(?:\.\d+)?)\s*out\s+of\s+5\b`),
		regexp.MustCompile(`(?i)(\d(?:\.\d+)?)\s*/\s*5\b`),
		regexp.MustCompile(`(?i)(\d(?:\.\d+)?)\s*(?:★|stars?\b)`),
		regexp.MustCompile(`(?i)\brat(?:ing|ed)\s*[:\s]\s*(\d(?:\.\d+)?)`),
	}

	spaces = regexp.MustCompile(`\s+`)
)

// ParsePrice finds the first currency-marked amount in text. It accepts ₹,
// Rs., INR, $, USD, € and £ prefixes, a trailing "rupees", and both Indian
// (1,20,000) and western (120,000) digit grouping.
func ParsePrice(text string) (float64, bool) {
	for _, re := range pricePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if v, ok := toNumber(m[1]); ok {
				return v, true
			}
		}
	}
	return 0, false
}

// parseLoosePrice is used on elements already known to hold a price, where
// the currency marker may be missing.
func parseLoosePrice(text string) (float64, bool) {
	if v, ok := ParsePrice(text); ok {
		return v, true
	}
	if m := bareNumber.FindString(text); m != "" {
		return toNumber(m)
	}
	return 0, false
}

// ParseRating finds a 0-5 rating such as "4.3 out of 5", "4/5" or "4 stars".
func ParseRating(text string) (float64, bool) {
	for _, re := range ratingPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil && v >= 0 && v <= 5 {
				return v, true
			}
		}
	}
	return 0, false
}

func toNumber(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func cleanText(s string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
