package extractor

import (
	"bytes"
	"fmt"
	"html"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rahul/webpilot/internal/intent"
	"go.uber.org/zap"
)

// DefaultSnippetLength caps Record.Snippet, in runes.
const DefaultSnippetLength = 200

// Record is one normalised item pulled from a page.
type Record struct {
	Title   string   `json:"title"`
	Price   *float64 `json:"price,omitempty"`
	Link    string   `json:"link,omitempty"`
	Snippet string   `json:"snippet,omitempty"`
	Rating  *float64 `json:"rating,omitempty"`
}

// Query carries what the extractor needs from the intent and the plan.
type Query struct {
	Filters     []intent.Filter
	TargetCount *int
	// ItemSelector is a hint for the repeated result element.
	ItemSelector string
	// BaseURL resolves relative links.
	BaseURL string
}

// Extractor turns captured HTML into filtered Records. It never fails:
// malformed input yields zero Records.
type Extractor struct {
	Logger        *zap.Logger
	SnippetLength int
	policy        *bluemonday.Policy
}

func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		Logger:        logger,
		SnippetLength: DefaultSnippetLength,
		policy:        bluemonday.StrictPolicy(),
	}
}

// Extract runs the whole pipeline: candidates, normalisation, dedupe,
// filters, rating sort and truncation.
func (e *Extractor) Extract(raw []byte, q Query) []Record {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	base, _ := url.Parse(q.BaseURL)

	records := e.candidates(raw, q.ItemSelector, base)
	before := len(records)
	records = Dedupe(records)
	records = Apply(records, q.Filters, q.TargetCount)

	e.Logger.Debug("extraction finished",
		zap.Int("candidates", before),
		zap.Int("records", len(records)),
		zap.Int("filters", len(q.Filters)),
	)
	return records
}

func (e *Extractor) candidates(raw []byte, selector string, base *url.URL) []Record {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		e.Logger.Warn("unparseable page content", zap.Error(err))
		return nil
	}
	doc.Find("script, style, noscript, template").Remove()

	var items *goquery.Selection
	if selector != "" {
		items = outermost(doc.Find(selector), selector)
	}
	if items == nil || items.Length() == 0 {
		items = repeatedGroup(doc)
	}

	var records []Record
	if items != nil {
		items.Each(func(_ int, s *goquery.Selection) {
			if r, ok := e.record(s, base); ok {
				records = append(records, r)
			}
		})
	}
	if len(records) > 0 {
		return records
	}
	if r, ok := e.readabilityRecord(raw, base); ok {
		return []Record{r}
	}
	return nil
}

// outermost drops matches nested inside another match.
func outermost(sel *goquery.Selection, selector string) *goquery.Selection {
	return sel.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.ParentsFiltered(selector).Length() == 0
	})
}

var groupTags = map[string]bool{"li": true, "article": true, "div": true, "tr": true, "section": true}

// repeatedGroup finds the largest set of sibling elements sharing tag and
// class that look like results.
func repeatedGroup(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	bestCount := 0

	doc.Find("body, body *").Each(func(_ int, parent *goquery.Selection) {
		groups := make(map[string]*goquery.Selection)
		var order []string
		parent.Children().Each(func(_ int, child *goquery.Selection) {
			tag := goquery.NodeName(child)
			if !groupTags[tag] || !looksLikeItem(child) {
				return
			}
			class, _ := child.Attr("class")
			key := tag + "." + strings.Join(strings.Fields(class), ".")
			if g, ok := groups[key]; ok {
				groups[key] = g.AddSelection(child)
				return
			}
			groups[key] = child
			order = append(order, key)
		})
		for _, key := range order {
			if n := groups[key].Length(); n >= 2 && n > bestCount {
				best, bestCount = groups[key], n
			}
		}
	})
	return best
}

func looksLikeItem(s *goquery.Selection) bool {
	text := cleanText(s.Text())
	if text == "" {
		return false
	}
	if s.Find("a[href]").Length() > 0 {
		return true
	}
	_, ok := ParsePrice(text)
	return ok
}

func (e *Extractor) record(s *goquery.Selection, base *url.URL) (Record, bool) {
	var r Record
	text := cleanText(s.Text())

	if h := s.Find("h1, h2, h3, h4, h5, h6").First(); h.Length() > 0 {
		r.Title = cleanText(h.Text())
	}
	if r.Title == "" {
		r.Title = cleanText(s.Find(`[class*="title"]`).First().Text())
	}
	link := s.Find("a[href]").First()
	if goquery.NodeName(s) == "a" {
		link = s
	}
	if r.Title == "" {
		r.Title = cleanText(link.Text())
	}
	if r.Title == "" {
		r.Title = truncateRunes(text, 80)
	}

	if href, ok := link.Attr("href"); ok {
		r.Link = resolveLink(base, href)
	}

	if p := s.Find(`[class*="price"]`).First(); p.Length() > 0 {
		if v, ok := parseLoosePrice(p.Text()); ok {
			r.Price = &v
		}
	}
	if r.Price == nil {
		if v, ok := ParsePrice(text); ok {
			r.Price = &v
		}
	}

	if rt := s.Find(`[class*="rating"], [aria-label*="out of 5"]`).First(); rt.Length() > 0 {
		label, _ := rt.Attr("aria-label")
		if v, ok := ParseRating(label + " " + rt.Text()); ok {
			r.Rating = &v
		} else if v, ok := toNumber(strings.TrimSpace(rt.Text())); ok && v <= 5 {
			r.Rating = &v
		}
	}
	if r.Rating == nil {
		if v, ok := ParseRating(text); ok {
			r.Rating = &v
		}
	}

	snippet := s.Find(`[class*="snippet"], [class*="desc"], p`).First()
	if snippet.Length() > 0 {
		r.Snippet = e.sanitize(snippet)
	}
	if r.Snippet == "" {
		r.Snippet = e.sanitize(s)
	}

	if r.Title == "" && r.Link == "" {
		return Record{}, false
	}
	return r, true
}

func (e *Extractor) sanitize(s *goquery.Selection) string {
	inner, err := s.Html()
	if err != nil {
		inner = s.Text()
	}
	text := html.UnescapeString(e.policy.Sanitize(inner))
	return truncateRunes(cleanText(text), e.snippetLength())
}

func (e *Extractor) snippetLength() int {
	if e.SnippetLength > 0 {
		return e.SnippetLength
	}
	return DefaultSnippetLength
}

func (e *Extractor) readabilityRecord(raw []byte, base *url.URL) (Record, bool) {
	pageURL := base
	if pageURL == nil || pageURL.Host == "" {
		pageURL = &url.URL{Scheme: "http", Host: "localhost", Path: "/"}
	}
	article, err := readability.FromReader(bytes.NewReader(raw), pageURL)
	if err != nil {
		e.Logger.Debug("readability fallback failed", zap.Error(err))
		return Record{}, false
	}

	text := cleanText(html.UnescapeString(e.policy.Sanitize(article.TextContent)))
	r := Record{
		Title: cleanText(article.Title),
	}
	if base != nil && base.Host != "" {
		r.Link = base.String()
	}
	if article.Excerpt != "" {
		r.Snippet = truncateRunes(cleanText(article.Excerpt), e.snippetLength())
	} else {
		r.Snippet = truncateRunes(text, e.snippetLength())
	}
	if v, ok := ParsePrice(text); ok {
		r.Price = &v
	}
	if v, ok := ParseRating(text); ok {
		r.Rating = &v
	}
	if r.Title == "" {
		r.Title = truncateRunes(text, 80)
	}
	if r.Title == "" {
		return Record{}, false
	}
	return r, true
}

// resolveLink makes href absolute and unwraps search-engine redirect links.
func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil && base.Host != "" {
		u = base.ResolveReference(u)
	} else if u.Scheme == "" && strings.HasPrefix(href, "//") {
		u.Scheme = "https"
	}
	if strings.HasSuffix(u.Hostname(), "duckduckgo.com") && strings.HasPrefix(u.Path, "/l/") {
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
	}
	return u.String()
}

// Dedupe keeps the first Record for each case-insensitive title|link pair.
func Dedupe(records []Record) []Record {
	seen := make(map[string]bool, len(records))
	out := records[:0:0]
	for _, r := range records {
		key := strings.ToLower(strings.TrimSpace(r.Title)) + "|" + strings.ToLower(strings.TrimSpace(r.Link))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

// Matches reports whether r satisfies f. Missing prices or ratings never
// satisfy a numeric filter.
func Matches(r Record, f intent.Filter) bool {
	switch f.Field {
	case intent.PriceMax:
		return r.Price != nil && *r.Price <= f.Number
	case intent.PriceMin:
		return r.Price != nil && *r.Price >= f.Number
	case intent.RatingMin:
		return r.Rating != nil && *r.Rating >= f.Number
	case intent.Keyword:
		kw := strings.ToLower(f.Text)
		return strings.Contains(strings.ToLower(r.Title), kw) || strings.Contains(strings.ToLower(r.Snippet), kw)
	}
	return false
}

// Apply filters conjunctively, sorts by rating when a rating filter is
// present and truncates to targetCount.
func Apply(records []Record, filters []intent.Filter, targetCount *int) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		keep := true
		for _, f := range filters {
			if !Matches(r, f) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, r)
		}
	}

	for _, f := range filters {
		if f.Field == intent.RatingMin {
			sort.SliceStable(out, func(i, j int) bool {
				return *out[i].Rating > *out[j].Rating
			})
			break
		}
	}

	if targetCount != nil && *targetCount >= 0 && len(out) > *targetCount {
		out = out[:*targetCount]
	}
	return out
}

func (r Record) String() string {
	price := "-"
	if r.Price != nil {
		price = fmt.Sprintf("%.2f", *r.Price)
	}
	return fmt.Sprintf("%s [%s] %s", r.Title, price, r.Link)
}
