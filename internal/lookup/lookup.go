// Package lookup combines the upstream clients into the operations the API
// and CLI expose, caching upstream answers for a short time.
package lookup

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.elastic.co/apm"
	"go.uber.org/zap"

	"github.com/chop-dbhi/icd-lookup/internal/cache"
	"github.com/chop-dbhi/icd-lookup/internal/coverage"
	"github.com/chop-dbhi/icd-lookup/internal/drugs"
	"github.com/chop-dbhi/icd-lookup/internal/icd10"
	"github.com/chop-dbhi/icd-lookup/internal/mindmap"
	"github.com/chop-dbhi/icd-lookup/internal/query"
	"github.com/chop-dbhi/icd-lookup/internal/ranking"
	"github.com/chop-dbhi/icd-lookup/internal/trials"
	"github.com/chop-dbhi/icd-lookup/internal/umls"
	"github.com/chop-dbhi/icd-lookup/internal/upstream"
)

// Limits applied to caller input.
const (
	DefaultLimit     = 25
	MaxLimit         = 100
	MaxQueryLength   = 200
	MaxDrugNames     = 25
	MaxDrugNameLen   = 100
	MaxDescription   = 500
	searchFetchLimit = 100
	relatedLimit     = 50
	drugLimit        = 20
	trialLimit       = 10
	coverageLimit    = 10
)

// DefaultClassSource is the RxClass relationship source used when none is
// given.
const DefaultClassSource = "ATC"

var (
	rxcuiRegex       = regexp.MustCompile(`^[0-9]{1,10}$`)
	classIDRegex     = regexp.MustCompile(`^[A-Za-z0-9.\-]{1,20}$`)
	classSourceRegex = regexp.MustCompile(`^[A-Z]{2,20}$`)
)

// Clients are the upstream clients a Service calls.
type Clients struct {
	ICD10    *icd10.Client
	OpenFDA  *drugs.OpenFDA
	RxNav    *drugs.RxNav
	Trials   *trials.Client
	Coverage *coverage.Client
	UMLS     *umls.Client
}

// Options configures a Service.
type Options struct {
	Cache      cache.Store
	TTL        time.Duration
	Normalizer *query.Normalizer
	Logger     *zap.Logger
	BranchSize int
}

// Service implements the lookup operations.
type Service struct {
	clients    Clients
	cache      cache.Store
	ttl        time.Duration
	normalizer *query.Normalizer
	logger     *zap.Logger
	branchSize int
}

// New creates a Service.
func New(clients Clients, opts Options) *Service {
	if opts.Normalizer == nil {
		opts.Normalizer = query.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	return &Service{
		clients:    clients,
		cache:      opts.Cache,
		ttl:        opts.TTL,
		normalizer: opts.Normalizer,
		logger:     opts.Logger,
		branchSize: opts.BranchSize,
	}
}

// SearchRequest holds search parameters.
type SearchRequest struct {
	Query   string
	Limit   int
	Chapter string
}

// Facet counts results per chapter.
type Facet struct {
	Chapter int    `json:"chapter"`
	Range   string `json:"range"`
	Title   string `json:"title"`
	Count   int    `json:"count"`
}

// SearchResponse is a ranked result page.
type SearchResponse struct {
	Query      string           `json:"query"`
	Normalized string           `json:"normalized"`
	Rule       string           `json:"rule"`
	Total      int              `json:"total"`
	Results    []ranking.Scored `json:"results"`
	Chapters   []Facet          `json:"chapters"`
	Warnings   []Warning        `json:"warnings,omitempty"`
}

// Search looks a query up as typed and as normalized, then merges,
// deduplicates and ranks the results. One of the two searches failing only
// adds a warning.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	q := strings.TrimSpace(req.Query)
	switch {
	case q == "":
		return nil, invalid("q", "query is required")
	case utf8.RuneCountInString(q) > MaxQueryLength:
		return nil, invalid("q", "query must be at most %d characters", MaxQueryLength)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		return nil, invalid("limit", "limit must be at most %d", MaxLimit)
	}

	var chapter *icd10.Chapter
	if req.Chapter != "" {
		ch, ok := icd10.ParseChapter(req.Chapter)
		if !ok {
			return nil, invalid("chapter", "unknown chapter %q", req.Chapter)
		}
		chapter = &ch
	}

	span, ctx := apm.StartSpan(ctx, "Search ICD-10", "Combined")
	defer span.End()

	rewrite := s.normalizer.Rewrite(q)
	queries := []string{q}
	if rewrite.Query != "" && !strings.EqualFold(rewrite.Query, q) {
		queries = append(queries, rewrite.Query)
	}

	results := make([][]icd10.Code, len(queries))
	errs := make([]error, len(queries))
	var wg sync.WaitGroup
	for i, terms := range queries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.searchCodes(ctx, terms)
		}()
	}
	wg.Wait()

	resp := &SearchResponse{
		Query:      q,
		Normalized: rewrite.Query,
		Rule:       string(rewrite.Rule),
		Results:    []ranking.Scored{},
		Chapters:   []Facet{},
	}

	var codes []icd10.Code
	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			s.logger.Warn("icd-10 search failed", zap.String("query", queries[i]), zap.Error(err))
			resp.Warnings = append(resp.Warnings, sourceWarning(SourceICD10))
			continue
		}
		codes = append(codes, results[i]...)
	}
	if failed == len(queries) {
		return nil, fmt.Errorf("error searching icd-10 codes: %w", errs[0])
	}

	ranked := ranking.RankBest(queries, ranking.DeduplicateCodes(codes))
	resp.Chapters = facets(ranked)

	for _, r := range ranked {
		if chapter != nil && r.Chapter != chapter.Number {
			continue
		}
		resp.Results = append(resp.Results, r)
	}
	resp.Total = len(resp.Results)
	if len(resp.Results) > limit {
		resp.Results = resp.Results[:limit]
	}
	return resp, nil
}

func (s *Service) searchCodes(ctx context.Context, terms string) ([]icd10.Code, error) {
	key := "icd10:search:" + strings.ToLower(terms)
	return cache.Load(ctx, s.cache, key, s.ttl, func(ctx context.Context) ([]icd10.Code, error) {
		result, err := s.clients.ICD10.Search(ctx, terms, searchFetchLimit)
		if err != nil {
			return nil, err
		}
		return result.Codes, nil
	})
}

func facets(results []ranking.Scored) []Facet {
	counts := map[int]int{}
	for _, r := range results {
		if r.Chapter > 0 {
			counts[r.Chapter]++
		}
	}

	out := []Facet{}
	for _, ch := range icd10.Chapters() {
		if n := counts[ch.Number]; n > 0 {
			out = append(out, Facet{Chapter: ch.Number, Range: ch.Range(), Title: ch.Title, Count: n})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

func validateCode(code string) (string, error) {
	formatted := icd10.FormatCode(code)
	if formatted == "" {
		return "", invalid("code", "code is required")
	}
	if !icd10.ValidCode(formatted) {
		return "", invalid("code", "%q is not an ICD-10-CM code", code)
	}
	return formatted, nil
}

// Code returns a single code.
func (s *Service) Code(ctx context.Context, code string) (*icd10.Code, error) {
	formatted, err := validateCode(code)
	if err != nil {
		return nil, err
	}
	return cache.Load(ctx, s.cache, "icd10:code:"+formatted, s.ttl, func(ctx context.Context) (*icd10.Code, error) {
		return s.clients.ICD10.Lookup(ctx, formatted)
	})
}

// Related returns other codes in the category of code.
func (s *Service) Related(ctx context.Context, code string) ([]icd10.Code, error) {
	formatted, err := validateCode(code)
	if err != nil {
		return nil, err
	}
	category := icd10.CategoryOf(formatted)
	codes, err := s.searchCodes(ctx, category)
	if err != nil {
		return nil, err
	}

	related := []icd10.Code{}
	for _, c := range codes {
		if c.Category == category && c.Code != formatted {
			related = append(related, c)
		}
	}
	if len(related) > relatedLimit {
		related = related[:relatedLimit]
	}
	return related, nil
}

// conditionTerm resolves code to the simplified condition name used by the
// drug, trial and coverage searches.
func (s *Service) conditionTerm(ctx context.Context, code string) (string, error) {
	c, err := s.Code(ctx, code)
	if err != nil {
		return "", err
	}
	return query.ConditionTerm(c.Name), nil
}

// Drugs returns drugs whose labels mention the condition of code.
func (s *Service) Drugs(ctx context.Context, code string) ([]drugs.Drug, error) {
	term, err := s.conditionTerm(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.drugsFor(ctx, term)
}

func (s *Service) drugsFor(ctx context.Context, term string) ([]drugs.Drug, error) {
	return cache.Load(ctx, s.cache, "openfda:"+term, s.ttl, func(ctx context.Context) ([]drugs.Drug, error) {
		return s.clients.OpenFDA.ForCondition(ctx, term, drugLimit)
	})
}

// Trials returns clinical trials for the condition of code, optionally
// filtered by overall status.
func (s *Service) Trials(ctx context.Context, code, status string) ([]trials.Trial, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	if status != "" && !trials.Statuses[status] {
		return nil, invalid("status", "unknown trial status %q", status)
	}
	term, err := s.conditionTerm(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.trialsFor(ctx, term, status)
}

func (s *Service) trialsFor(ctx context.Context, term, status string) ([]trials.Trial, error) {
	key := fmt.Sprintf("trials:%s|%s", term, status)
	return cache.Load(ctx, s.cache, key, s.ttl, func(ctx context.Context) ([]trials.Trial, error) {
		return s.clients.Trials.Search(ctx, term, status, trialLimit)
	})
}

// Coverage returns Medicare coverage determinations for the condition of
// code.
func (s *Service) Coverage(ctx context.Context, code string) ([]coverage.Document, error) {
	term, err := s.conditionTerm(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.clients.Coverage.ForCondition(ctx, term, coverageLimit)
}

// DrugDetail returns RxNav classes, ingredients and related products.
func (s *Service) DrugDetail(ctx context.Context, rxcui string) (*drugs.Detail, error) {
	rxcui = strings.TrimSpace(rxcui)
	if !rxcuiRegex.MatchString(rxcui) {
		return nil, invalid("rxcui", "%q is not an RxCUI", rxcui)
	}
	return cache.Load(ctx, s.cache, "rxnav:detail:"+rxcui, s.ttl, func(ctx context.Context) (*drugs.Detail, error) {
		return s.clients.RxNav.Detail(ctx, rxcui)
	})
}

// DrugByName resolves a drug name to an RxCUI and returns its detail.
func (s *Service) DrugByName(ctx context.Context, name string) (*drugs.Detail, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > MaxDrugNameLen {
		return nil, invalid("name", "drug name must be between 1 and %d characters", MaxDrugNameLen)
	}

	key := "rxnav:rxcui:" + strings.ToLower(name)
	rxcui, err := cache.Load(ctx, s.cache, key, s.ttl, func(ctx context.Context) (string, error) {
		return s.clients.RxNav.FindRxCUI(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	if rxcui == "" {
		return nil, fmt.Errorf("%w: %s", ErrDrugNotFound, name)
	}
	return s.DrugDetail(ctx, rxcui)
}

// ClassMembers lists the drugs of an RxClass class. The source defaults to
// DefaultClassSource.
func (s *Service) ClassMembers(ctx context.Context, classID, source string) ([]drugs.Concept, error) {
	classID = strings.TrimSpace(classID)
	if !classIDRegex.MatchString(classID) {
		return nil, invalid("classId", "%q is not a drug class id", classID)
	}
	source = strings.ToUpper(strings.TrimSpace(source))
	if source == "" {
		source = DefaultClassSource
	}
	if !classSourceRegex.MatchString(source) {
		return nil, invalid("source", "%q is not a class source", source)
	}

	key := fmt.Sprintf("rxnav:members:%s:%s", source, classID)
	return cache.Load(ctx, s.cache, key, s.ttl, func(ctx context.Context) ([]drugs.Concept, error) {
		return s.clients.RxNav.ClassMembers(ctx, classID, source)
	})
}

// ValidateDrugs checks between one and MaxDrugNames drug names against
// RxNorm.
func (s *Service) ValidateDrugs(ctx context.Context, names []string) ([]umls.DrugValidation, error) {
	switch {
	case len(names) == 0:
		return nil, invalid("drugs", "at least one drug name is required")
	case len(names) > MaxDrugNames:
		return nil, invalid("drugs", "at most %d drug names are allowed", MaxDrugNames)
	}
	cleaned := make([]string, len(names))
	for i, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || utf8.RuneCountInString(name) > MaxDrugNameLen {
			return nil, invalid("drugs", "drug name %d must be between 1 and %d characters", i+1, MaxDrugNameLen)
		}
		cleaned[i] = name
	}
	return s.clients.UMLS.ValidateDrugs(ctx, cleaned)
}

// Procedures suggests SNOMED CT procedures for a diagnosis. The description
// defaults to the code title.
func (s *Service) Procedures(ctx context.Context, code, description string) ([]umls.Procedure, error) {
	formatted, err := validateCode(code)
	if err != nil {
		return nil, invalid("icd10Code", "%q is not an ICD-10-CM code", code)
	}
	description = strings.TrimSpace(description)
	if utf8.RuneCountInString(description) > MaxDescription {
		return nil, invalid("description", "description must be at most %d characters", MaxDescription)
	}
	if s.clients.UMLS == nil || !s.clients.UMLS.Configured() {
		return nil, upstream.ErrMissingAPIKey
	}
	if description == "" {
		c, err := s.Code(ctx, formatted)
		if err != nil {
			return nil, err
		}
		description = c.Name
	}
	return s.procedures(ctx, formatted, description)
}

func (s *Service) procedures(ctx context.Context, code, description string) ([]umls.Procedure, error) {
	key := fmt.Sprintf("umls:procedures:%s|%s", code, strings.ToLower(description))
	return cache.Load(ctx, s.cache, key, s.ttl, func(ctx context.Context) ([]umls.Procedure, error) {
		return s.clients.UMLS.Procedures(ctx, code, description)
	})
}

// MindMap builds the relationship graph of code.
func (s *Service) MindMap(ctx context.Context, code string) (*mindmap.Graph, error) {
	detail, err := s.Detail(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.Graph(detail), nil
}

// Graph builds the relationship graph of an already fetched detail.
func (s *Service) Graph(detail *Detail) *mindmap.Graph {
	return mindmap.Build(mindmap.Input{
		Code:       detail.Code,
		Related:    detail.Related,
		Drugs:      detail.Drugs,
		Trials:     detail.Trials,
		Coverage:   detail.Coverage,
		Procedures: detail.Procedures,
	}, s.branchSize)
}
