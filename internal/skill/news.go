package skill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/antzucaro/matchr"
)

// DefaultNewsBaseURL is the portal the headline categories live under.
const DefaultNewsBaseURL = "https://news.yahoo.co.jp/"

// NewsCategories maps each spoken category to its path below the portal.
var NewsCategories = map[string]string{
	"トップ":     "",
	"国内":      "categories/domestic",
	"国際":      "categories/world",
	"ビジネス":    "categories/business",
	"エンタメ":    "categories/entertainment",
	"スポーツ":    "categories/sports",
	"科学":      "categories/science",
	"地域":      "categories/local",
	"コンピュータ":  "categories/it",
	"インターネット": "categories/internet",
	"社会":      "categories/society",
}

// newsCategoryOrder is the order categories are listed in the prompt.
var newsCategoryOrder = []string{"トップ", "国内", "国際", "ビジネス", "エンタメ", "スポーツ", "科学", "地域", "コンピュータ", "インターネット", "社会"}

var (
	newsRequest = regexp.MustCompile(`^(.+)ニュース.*教えて`)
	newsNumber  = regexp.MustCompile(`^\s*(\d+)`)
)

const newsFetchLimit = 4 << 20

// NewsState is the state of the [News] skill.
type NewsState int

const (
	NewsIdle NewsState = iota
	NewsListing
)

func (s NewsState) String() string {
	if s == NewsListing {
		return "listing"
	}
	return "idle"
}

// headline is one numbered entry of a listing.
type headline struct {
	Title string
	URL   string
}

// News reads out the headlines of a category and, on request, the full text
// of one article. Only one listing is active per process.
type News struct {
	client  *http.Client
	baseURL string

	mu      sync.Mutex
	listing []headline
}

var _ Skill = (*News)(nil)

// NewsOption configures a [News] skill.
type NewsOption func(*News)

// WithNewsClient sets the HTTP client. Default: 15 s timeout.
func WithNewsClient(c *http.Client) NewsOption {
	return func(n *News) { n.client = c }
}

// WithNewsBaseURL replaces [DefaultNewsBaseURL]. It must end with "/".
func WithNewsBaseURL(u string) NewsOption {
	return func(n *News) { n.baseURL = u }
}

// NewNews creates an idle News skill.
func NewNews(opts ...NewsOption) *News {
	n := &News{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: DefaultNewsBaseURL,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

func (n *News) Name() string { return "news" }

func (n *News) PromptFragment() string {
	return "NewsSkillProvider: これは最新のニュースを返答するスキルです。 フォーマット: `CALL_NEWS <" + strings.Join(newsCategoryOrder, "|") + ">`"
}

// State returns the current state.
func (n *News) State() NewsState {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.listing) > 0 {
		return NewsListing
	}
	return NewsIdle
}

// PreProcess implements [Skill]. While a listing is active every utterance
// is consumed as a selection.
func (n *News) PreProcess(ctx context.Context, utterance string, structured bool) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.listing) > 0 {
		return n.selectLocked(ctx, utterance), true
	}
	if structured {
		return "", false
	}
	m := newsRequest.FindStringSubmatch(utterance)
	if m == nil {
		return "", false
	}
	category, ok := ResolveNewsCategory(m[1])
	if !ok {
		slog.Debug("skill: news category not recognised", "category", m[1])
		return "", false
	}
	return n.startLocked(ctx, category), true
}

// PostProcess implements [Skill] for "CALL_NEWS <category>".
func (n *News) PostProcess(ctx context.Context, reply string) (string, bool) {
	args, ok := command(reply, "CALL_NEWS")
	if !ok {
		return "", false
	}
	const retry = "ニュースのカテゴリーを認識できませんでした。"
	if len(args) == 0 {
		return reprompt(n.Name(), reply, retry, errors.New("missing category")), true
	}
	category, ok := ResolveNewsCategory(args[0])
	if !ok {
		return reprompt(n.Name(), reply, retry, fmt.Errorf("unknown category %q", args[0])), true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.startLocked(ctx, category), true
}

// ResolveNewsCategory maps a spoken category to a known one. A category
// followed by extra words (e.g. a particle) matches by prefix. Categories of
// three or more runes also match with one edit of difference, unless two
// categories are equally close. Two-rune categories differ from each other by
// a single rune (国内, 国際), so they never match fuzzily.
func ResolveNewsCategory(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if _, ok := NewsCategories[s]; ok {
		return s, true
	}

	prefix := ""
	for _, c := range newsCategoryOrder {
		if strings.HasPrefix(s, c) && len(c) > len(prefix) {
			prefix = c
		}
	}
	if prefix != "" {
		return prefix, true
	}

	best, tie := "", false
	for _, c := range newsCategoryOrder {
		if utf8.RuneCountInString(c) < 3 || matchr.Levenshtein(s, c) > 1 {
			continue
		}
		if best != "" {
			tie = true
		}
		best = c
	}
	if tie {
		return "", false
	}
	return best, best != ""
}

func (n *News) startLocked(ctx context.Context, category string) string {
	page, err := url.Parse(n.baseURL + NewsCategories[category])
	if err != nil {
		return apologize(n.Name(), "ニュースを取得できませんでした。", err)
	}
	items, err := n.headlines(ctx, page)
	if err != nil {
		return apologize(n.Name(), "ニュースを取得できませんでした。", err)
	}
	if len(items) == 0 {
		slog.Info("skill: no headlines", "category", category)
		return "ニュースが見つかりませんでした。"
	}
	n.listing = items
	slog.Info("skill: news listing", "category", category, "count", len(items))

	var b strings.Builder
	b.WriteString("以下のニュースがあります。")
	for i, h := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, h.Title)
	}
	fmt.Fprintf(&b, "詳細を知りたい番号を1から%dで選んでください。\n", len(items))
	return b.String()
}

func (n *News) selectLocked(ctx context.Context, utterance string) string {
	if containsAny(utterance, "終わり", "おわり") {
		n.listing = nil
		return "ニュースを終わります"
	}
	if m := newsNumber.FindStringSubmatch(halfWidthDigits(utterance)); m != nil {
		if i, err := strconv.Atoi(m[1]); err == nil && i >= 1 && i <= len(n.listing) {
			text, err := n.article(ctx, n.listing[i-1])
			if err != nil {
				return apologize(n.Name(), "記事を取得できませんでした。", err)
			}
			return text
		}
	}
	return fmt.Sprintf("番号が不正または範囲外です。\n詳細を知りたい番号を1から%dで選んでください。\n終了するには終わりと言ってください。", len(n.listing))
}

// headlines collects the pickup links of a category page.
func (n *News) headlines(ctx context.Context, page *url.URL) ([]headline, error) {
	doc, err := n.fetch(ctx, page)
	if err != nil {
		return nil, err
	}
	var out []headline
	doc.Find("a[href*='/pickup/']").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		title := strings.TrimSpace(s.Text())
		if title == "" {
			return
		}
		u, err := page.Parse(href)
		if err != nil {
			return
		}
		out = append(out, headline{Title: title, URL: u.String()})
	})
	return out, nil
}

// article follows the pickup page's full-article link and extracts the body.
func (n *News) article(ctx context.Context, h headline) (string, error) {
	pickup, err := url.Parse(h.URL)
	if err != nil {
		return "", err
	}
	doc, err := n.fetch(ctx, pickup)
	if err != nil {
		return "", err
	}
	link := doc.Find("a").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.Contains(s.Text(), "記事全文を読む")
	}).First()
	href, ok := link.Attr("href")
	if !ok {
		return "", fmt.Errorf("no full article link on %s", pickup)
	}
	full, err := pickup.Parse(href)
	if err != nil {
		return "", err
	}
	doc, err = n.fetch(ctx, full)
	if err != nil {
		return "", err
	}
	body := strings.TrimSpace(doc.Find("[class*='Direct']").First().Text())
	if body == "" {
		return "", fmt.Errorf("no article body on %s", full)
	}
	slog.Debug("skill: news article", "title", strings.TrimSpace(doc.Find("title").Text()), "url", full.String())
	return body, nil
}

func (n *News) fetch(ctx context.Context, u *url.URL) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; clovoice/1.0)")
	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: HTTP %d", u, resp.StatusCode)
	}
	return goquery.NewDocumentFromReader(io.LimitReader(resp.Body, newsFetchLimit))
}

// halfWidthDigits rewrites full-width digits so transcripts like "３番" parse.
func halfWidthDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '０' && r <= '９' {
			return '0' + (r - '０')
		}
		if unicode.IsSpace(r) {
			return ' '
		}
		return r
	}, s)
}
