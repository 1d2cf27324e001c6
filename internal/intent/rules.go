package intent

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// RuleBased is the deterministic parser. It never returns an error.
type RuleBased struct{}

func NewRuleBased() *RuleBased {
	return &RuleBased{}
}

func (r *RuleBased) Name() string {
	return "rules"
}

const (
	currency = `(?:₹|rs\.?|inr|usd|\$|€|£)?`
	amount   = `(\d[\d,]*(?:\.\d+)?)\s*(k|thousand|lakhs?)?`
)

var (
	kindRules = []struct {
		kind Kind
		re   *regexp.Regexp
	}{
		{KindSearch, regexp.MustCompile(`(?i)\bsearch\b`)},
		{KindNavigate, regexp.MustCompile(`(?i)\b(?:navigate|go\s+to|open|visit)\b`)},
		{KindExtract, regexp.MustCompile(`(?i)\b(?:extract|scrape)\b`)},
		{KindFormFill, regexp.MustCompile(`(?i)\b(?:fill|submit)\b`)},
		{KindScreenshot, regexp.MustCompile(`(?i)\b(?:screenshot|screen\s+shot|capture)\b`)},
	}

	screenshotRe = regexp.MustCompile(`(?i)\b(?:screenshot|screen\s+shot)\b`)

	schemeURLRe = regexp.MustCompile(`(?i)\bhttps?://[^\s"'<>]+`)
	wwwURLRe    = regexp.MustCompile(`(?i)\bwww\.[^\s"'<>]+`)
	bareHostRe  = regexp.MustCompile(`(?i)\b[a-z0-9][a-z0-9-]*(?:\.[a-z0-9-]+)*\.(?:com|in|org|net|io|co|dev|ai|edu|gov|uk)(?:/[^\s"'<>]*)?\b`)

	betweenRe  = regexp.MustCompile(`(?i)\bbetween\s*` + currency + `\s*` + amount + `\s*(?:and|to|-)\s*` + currency + `\s*` + amount)
	priceMaxRe = regexp.MustCompile(`(?i)\b(?:under|below|less\s+than|cheaper\s+than|within|up\s*to|not\s+more\s+than|max(?:imum)?|budget(?:\s+of)?)\s*` + currency + `\s*` + amount)
	priceMinRe = regexp.MustCompile(`(?i)\b(?:over|above|more\s+than|at\s+least|min(?:imum)?|starting\s+(?:at|from))\s*` + currency + `\s*` + amount)

	ratedRe = regexp.MustCompile(`(?i)\b(?:rated|rating)\s*(?:of\s+)?(?:above|over|at\s+least|>=|>)?\s*(\d(?:\.\d+)?)`)
	starsRe = regexp.MustCompile(`(?i)\b(\d(?:\.\d+)?)\s*\+?\s*stars?\b(?:\s*(?:and\s+above|or\s+more|&\s*up))?`)

	countRe = regexp.MustCompile(`(?i)\b(?:top|first|best|list)\s+(\d+)\b|\b(\d+)\s+(?:results|items|products|links|entries)\b`)

	keywordRe = regexp.MustCompile(`(?i)\b(?:containing|mentioning|matching|with\s+keyword)\s+(?:"([^"]+)"|'([^']+)'|([\pL\d][\pL\d-]*))`)

	fieldRe = regexp.MustCompile(`(?i)\b([a-z][\w-]*)\s*[=:]\s*(?:"([^"]*)"|'([^']*)'|([^\s,;]+))`)

	searchVerbRe = regexp.MustCompile(`(?i)\bsearch(?:\s+for)?\s+(.*)$`)
	subjectStop  = regexp.MustCompile(`(?i)\s+(?:under|below|above|over|between|less\s+than|more\s+than|cheaper\s+than|within|up\s*to|at\s+least|and|with|on|in|from|at|top|containing|mentioning|matching|rated|priced|costing|sorted)\b|[,;!?]|\.(?:\s|$)`)
)

// Parse never fails; ambiguous text degrades to a SEARCH over the raw text.
func (r *RuleBased) Parse(_ context.Context, text string) (Intent, error) {
	raw := strings.TrimSpace(text)
	in := Intent{
		Kind:    KindSearch,
		Subject: raw,
		Source:  SourceRules,
	}

	matched := false
	for _, rule := range kindRules {
		if rule.re.MatchString(raw) {
			in.Kind = rule.kind
			matched = true
			break
		}
	}

	urls, rest := extractURLs(raw)
	in.URLs = urls

	filters, rest := extractFilters(rest)
	in.Filters = filters

	if m := countRe.FindStringSubmatch(rest); m != nil {
		digits := m[1]
		if digits == "" {
			digits = m[2]
		}
		if n, err := strconv.Atoi(digits); err == nil && n > 0 {
			in.TargetCount = &n
		}
	}

	in.Screenshot = screenshotRe.MatchString(raw)

	if in.Kind == KindFormFill {
		in.FormFields = extractFormFields(rest)
	}

	if matched && in.Kind == KindSearch {
		if subject := searchSubject(raw); subject != "" {
			in.Subject = subject
		}
	}
	if in.Subject == "" {
		in.Subject = raw
	}
	return in.sanitize(), nil
}

// sanitize drops every piece of in that would fail Validate, so free text
// always yields a usable intent.
func (in Intent) sanitize() Intent {
	if !in.Kind.Valid() {
		in.Kind = KindSearch
	}
	filters := in.Filters[:0:0]
	for _, f := range in.Filters {
		if f.validate() == nil {
			filters = append(filters, f)
		}
	}
	in.Filters = filters
	if in.TargetCount != nil && *in.TargetCount <= 0 {
		in.TargetCount = nil
	}
	urls := in.URLs[:0:0]
	for _, u := range in.URLs {
		if validURL(u) {
			urls = append(urls, u)
		}
	}
	in.URLs = urls
	for name := range in.FormFields {
		if strings.TrimSpace(name) == "" {
			delete(in.FormFields, name)
		}
	}
	if in.TimeoutMs < 0 {
		in.TimeoutMs = 0
	}
	if in.MaxRetries != nil && *in.MaxRetries < 0 {
		in.MaxRetries = nil
	}
	return in
}

// extractURLs returns every URL-shaped substring and the text with them removed.
func extractURLs(text string) ([]string, string) {
	var urls []string
	seen := make(map[string]bool)
	add := func(u string) {
		u = strings.TrimRight(u, ".,;:!?)]}'\"")
		if !validURL(u) || seen[u] {
			return
		}
		seen[u] = true
		urls = append(urls, u)
	}

	rest := schemeURLRe.ReplaceAllStringFunc(text, func(m string) string {
		add(m)
		return " "
	})
	rest = wwwURLRe.ReplaceAllStringFunc(rest, func(m string) string {
		add("https://" + m)
		return " "
	})

	var b strings.Builder
	last := 0
	for _, loc := range bareHostRe.FindAllStringIndex(rest, -1) {
		// e-mail addresses are not URLs
		if loc[0] > 0 && rest[loc[0]-1] == '@' {
			continue
		}
		add("https://" + rest[loc[0]:loc[1]])
		b.WriteString(rest[last:loc[0]])
		b.WriteString(" ")
		last = loc[1]
	}
	b.WriteString(rest[last:])
	return urls, b.String()
}

func extractFilters(text string) ([]Filter, string) {
	var filters []Filter
	rest := text

	var ratings []Filter
	for _, re := range []*regexp.Regexp{ratedRe, starsRe} {
		rest = re.ReplaceAllStringFunc(rest, func(m string) string {
			sub := re.FindStringSubmatch(m)
			if v, err := strconv.ParseFloat(sub[1], 64); err == nil && v <= 5 {
				ratings = append(ratings, Filter{Field: RatingMin, Number: v})
			}
			return " "
		})
	}

	rest = betweenRe.ReplaceAllStringFunc(rest, func(m string) string {
		sub := betweenRe.FindStringSubmatch(m)
		lo, okLo := parseAmount(sub[1], sub[2])
		hi, okHi := parseAmount(sub[3], sub[4])
		if okLo && okHi {
			if lo > hi {
				lo, hi = hi, lo
			}
			filters = append(filters, Filter{Field: PriceMax, Number: hi}, Filter{Field: PriceMin, Number: lo})
		}
		return " "
	})
	rest = priceMaxRe.ReplaceAllStringFunc(rest, func(m string) string {
		sub := priceMaxRe.FindStringSubmatch(m)
		if v, ok := parseAmount(sub[1], sub[2]); ok {
			filters = append(filters, Filter{Field: PriceMax, Number: v})
		}
		return " "
	})
	rest = priceMinRe.ReplaceAllStringFunc(rest, func(m string) string {
		sub := priceMinRe.FindStringSubmatch(m)
		if v, ok := parseAmount(sub[1], sub[2]); ok {
			filters = append(filters, Filter{Field: PriceMin, Number: v})
		}
		return " "
	})

	filters = append(filters, ratings...)

	rest = keywordRe.ReplaceAllStringFunc(rest, func(m string) string {
		sub := keywordRe.FindStringSubmatch(m)
		for _, kw := range sub[1:] {
			if kw = strings.TrimSpace(kw); kw != "" {
				filters = append(filters, Filter{Field: Keyword, Text: kw})
				break
			}
		}
		return " "
	})
	return filters, rest
}

func parseAmount(num, unit string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(num, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(unit) {
	case "k", "thousand":
		v *= 1_000
	case "lakh", "lakhs":
		v *= 100_000
	}
	return v, true
}

func extractFormFields(text string) map[string]string {
	fields := make(map[string]string)
	for _, m := range fieldRe.FindAllStringSubmatch(text, -1) {
		name := strings.ToLower(m[1])
		value := m[2]
		if value == "" {
			value = m[3]
		}
		if value == "" {
			value = m[4]
		}
		fields[name] = value
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func searchSubject(raw string) string {
	m := searchVerbRe.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	subject := m[1]
	if loc := subjectStop.FindStringIndex(subject); loc != nil {
		subject = subject[:loc[0]]
	}
	return strings.TrimSpace(subject)
}

// SortedFieldNames returns form field names in a stable order.
func SortedFieldNames(fields map[string]string) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
