// Package render turns structured agent results into markdown and HTML.
package render

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Agent slugs with a dedicated template.
const (
	SlugSmartSourcer     = "smart-sourcer"
	SlugEmailGhostwriter = "email-ghostwriter"
)

// NoResult is rendered when a run produced no structured payload.
const NoResult = "No result."

type product struct {
	Brand         string         `json:"brand"`
	ModelName     string         `json:"model_name"`
	PriceKRW      float64        `json:"price_krw"`
	Specs         map[string]any `json:"specs"`
	Pros          []string       `json:"pros"`
	Cons          []string       `json:"cons"`
	ValueScore    float64        `json:"value_score"`
	FitnessScore  float64        `json:"fitness_score"`
	OverallScore  float64        `json:"overall_score"`
	OneLineReview string         `json:"one_line_review"`
	SourceURLs    []string       `json:"source_urls"`
}

type recommendation struct {
	Rank      int    `json:"rank"`
	ModelName string `json:"model_name"`
	Reason    string `json:"reason"`
}

type buyingTips struct {
	WhereToBuy   []string `json:"where_to_buy"`
	DiscountInfo string   `json:"discount_info"`
	Cautions     []string `json:"cautions"`
}

type sourcingReport struct {
	RequestSummary   string           `json:"request_summary"`
	SearchConditions map[string]any   `json:"search_conditions"`
	Products         []product        `json:"products"`
	Top3             []recommendation `json:"top3"`
	FinalPick        *recommendation  `json:"final_pick"`
	BuyingTips       *buyingTips      `json:"buying_tips"`
	GeneratedAt      string           `json:"generated_at"`
}

type draft struct {
	Tone      string   `json:"tone"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	KeyPoints []string `json:"key_points"`
}

type replyPlan struct {
	OriginalSubject string  `json:"original_subject"`
	FromAddress     string  `json:"from_address"`
	Summary         string  `json:"summary"`
	Intent          string  `json:"intent"`
	Urgency         string  `json:"urgency"`
	Drafts          []draft `json:"drafts"`
}

type ghostwriterReport struct {
	TotalUnread int         `json:"total_unread"`
	FilterQuery string      `json:"filter_query"`
	Replies     []replyPlan `json:"replies"`
	GeneratedAt string      `json:"generated_at"`
	// Single-draft results carry the draft at the top level.
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Markdown renders result with the template registered for slug.
// Agents without a template get the payload as a fenced JSON block.
func Markdown(result map[string]any, slug string) string {
	if len(result) == 0 {
		return NoResult
	}
	switch slug {
	case SlugSmartSourcer:
		var r sourcingReport
		if err := decode(result, &r); err != nil {
			return fallback(result)
		}
		return sourcing(r)
	case SlugEmailGhostwriter:
		var r ghostwriterReport
		if err := decode(result, &r); err != nil {
			return fallback(result)
		}
		return ghostwriter(r)
	default:
		return fallback(result)
	}
}

func decode(result map[string]any, v any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func fallback(result map[string]any) string {
	if v, ok := result["value"].(string); ok && len(result) == 1 {
		return v
	}
	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return NoResult
	}
	return "```json\n" + string(raw) + "\n```"
}

func sourcing(r sourcingReport) string {
	var md lines

	md.add("# 🔍 Product comparison report", "")
	if r.RequestSummary != "" {
		md.add("> "+r.RequestSummary, "")
	}
	if r.GeneratedAt != "" {
		md.add("_Generated: "+formatDate(r.GeneratedAt)+"_", "")
	}

	if len(r.SearchConditions) > 0 {
		md.add("## 🏷 Search conditions")
		for _, k := range sortedKeys(r.SearchConditions) {
			md.addf("- **%s**: %s", k, text(r.SearchConditions[k]))
		}
		md.add("")
	}

	if r.FinalPick != nil {
		md.add("## 🏆 Final pick")
		md.addf("**%s**", r.FinalPick.ModelName)
		md.add("")
		md.add("- "+r.FinalPick.Reason, "")
	}

	if len(r.Top3) > 0 {
		md.add("## 🥇 Top 3")
		for _, t := range r.Top3 {
			md.addf("%d. **%s**", t.Rank, t.ModelName)
			md.add("   - " + t.Reason)
		}
		md.add("")
	}

	if len(r.Products) > 0 {
		md.add("## 📦 Product details", "")
		for _, p := range r.Products {
			md.addf("### %s", strings.TrimSpace(p.Brand+" "+p.ModelName))
			md.add("- Price: " + formatPrice(p.PriceKRW))
			md.addf("- Overall: **%s** / Value: %s / Fit: %s",
				score(p.OverallScore), score(p.ValueScore), score(p.FitnessScore))
			md.add("")
			if p.OneLineReview != "" {
				md.addf("> \"%s\"", p.OneLineReview)
				md.add("")
			}
			if len(p.Specs) > 0 {
				md.add("**Specs**")
				for _, k := range sortedKeys(p.Specs) {
					md.addf("- %s: %s", k, text(p.Specs[k]))
				}
				md.add("")
			}
			md.list("**Pros**", "✅ ", p.Pros)
			md.list("**Cons**", "❌ ", p.Cons)
			if len(p.SourceURLs) > 0 {
				md.add("**Sources**")
				for _, u := range p.SourceURLs {
					md.addf("- [link](%s)", u)
				}
				md.add("")
			}
			md.add("---", "")
		}
	}

	if tips := r.BuyingTips; tips != nil {
		md.add("## 💡 Buying tips", "")
		md.list("**Where to buy**", "", tips.WhereToBuy)
		if tips.DiscountInfo != "" {
			md.add("**Discounts**", tips.DiscountInfo, "")
		}
		md.list("**Cautions**", "⚠ ", tips.Cautions)
	}

	return md.String()
}

func ghostwriter(r ghostwriterReport) string {
	if len(r.Replies) == 0 && r.Subject != "" {
		var md lines
		md.add("**Subject:** "+r.Subject, "")
		if r.Body != "" {
			md.add(r.Body)
		}
		return md.String()
	}

	var md lines
	md.add("# 📧 Email reply drafts", "")
	md.addf("- Emails analyzed: **%d**", r.TotalUnread)
	if r.FilterQuery != "" {
		md.addf("- Filter: `%s`", r.FilterQuery)
	}
	if r.GeneratedAt != "" {
		md.add("- Generated: " + formatDate(r.GeneratedAt))
	}
	md.add("")

	if len(r.Replies) == 0 {
		md.add("📭 No emails to analyze.")
		return md.String()
	}

	for i, reply := range r.Replies {
		md.addf("## %d. %s", i+1, reply.OriginalSubject)
		md.add("")
		md.add("- From: " + reply.FromAddress)
		md.addf("- Urgency: **%s**", reply.Urgency)
		md.add("- Intent: "+reply.Intent, "")
		md.add("**Summary**", "> "+reply.Summary, "")

		for j, d := range reply.Drafts {
			md.addf("### ✍️ Draft %d (%s)", j+1, d.Tone)
			md.add("", "**Subject:** "+d.Subject, "", d.Body, "")
			md.list("**Key points**", "", d.KeyPoints)
		}
		md.add("---", "")
	}
	return md.String()
}

type lines []string

func (l *lines) add(s ...string) { *l = append(*l, s...) }

func (l *lines) addf(format string, args ...any) { *l = append(*l, fmt.Sprintf(format, args...)) }

func (l *lines) list(title, bullet string, items []string) {
	if len(items) == 0 {
		return
	}
	l.add(title)
	for _, item := range items {
		l.add("- " + bullet + item)
	}
	l.add("")
}

func (l lines) String() string { return strings.Join(l, "\n") }

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// text renders a loosely typed value; lists are comma separated.
func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			parts = append(parts, text(item))
		}
		return strings.Join(parts, ", ")
	case float64:
		return score(x)
	default:
		return fmt.Sprint(x)
	}
}

func score(f float64) string {
	return humanize.Ftoa(f)
}

func formatPrice(krw float64) string {
	return "₩" + humanize.Comma(int64(krw))
}

// formatDate shows an RFC 3339 timestamp as "Jan 2, 2006 15:04"; other input is returned unchanged.
func formatDate(iso string) string {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, iso); err == nil {
			return t.Format("Jan 2, 2006 15:04")
		}
	}
	return iso
}
