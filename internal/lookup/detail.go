package lookup

import (
	"context"
	"sync"

	"go.elastic.co/apm"
	"go.uber.org/zap"

	"github.com/chop-dbhi/icd-lookup/internal/coverage"
	"github.com/chop-dbhi/icd-lookup/internal/drugs"
	"github.com/chop-dbhi/icd-lookup/internal/icd10"
	"github.com/chop-dbhi/icd-lookup/internal/query"
	"github.com/chop-dbhi/icd-lookup/internal/trials"
	"github.com/chop-dbhi/icd-lookup/internal/umls"
)

// Source names used in warnings and the source listing.
const (
	SourceICD10    = "icd10"
	SourceRelated  = "related"
	SourceOpenFDA  = "openfda"
	SourceRxNav    = "rxnav"
	SourceTrials   = "clinicaltrials"
	SourceCoverage = "cms-coverage"
	SourceUMLS     = "umls"
)

// Warning reports a source that failed while the rest of a response was
// still built. The message is generic; the cause is only logged.
type Warning struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

const unavailableMessage = "source is currently unavailable"

func sourceWarning(source string) Warning {
	return Warning{Source: source, Message: unavailableMessage}
}

// Detail is everything known about one code.
type Detail struct {
	Code       icd10.Code          `json:"code"`
	Chapter    *icd10.Chapter      `json:"chapter,omitempty"`
	Condition  string              `json:"condition"`
	Related    []icd10.Code        `json:"related"`
	Drugs      []drugs.Drug        `json:"drugs"`
	Trials     []trials.Trial      `json:"trials"`
	Coverage   []coverage.Document `json:"coverage"`
	Procedures []umls.Procedure    `json:"procedures"`
	Warnings   []Warning           `json:"warnings,omitempty"`
}

// Detail fetches a code and then every related source in parallel. A failing
// source leaves an empty list and a warning; only the code lookup itself is
// fatal. Procedures are skipped when UMLS has no key.
func (s *Service) Detail(ctx context.Context, code string) (*Detail, error) {
	c, err := s.Code(ctx, code)
	if err != nil {
		return nil, err
	}

	span, ctx := apm.StartSpan(ctx, "Get Code Detail", "Combined")
	defer span.End()

	detail := &Detail{
		Code:       *c,
		Condition:  query.ConditionTerm(c.Name),
		Related:    []icd10.Code{},
		Drugs:      []drugs.Drug{},
		Trials:     []trials.Trial{},
		Coverage:   []coverage.Document{},
		Procedures: []umls.Procedure{},
	}
	if ch, ok := icd10.ChapterFor(c.Code); ok {
		detail.Chapter = &ch
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	warn := func(source string, err error) {
		s.logger.Warn("source failed", zap.String("source", source), zap.String("code", c.Code), zap.Error(err))
		mu.Lock()
		detail.Warnings = append(detail.Warnings, sourceWarning(source))
		mu.Unlock()
	}

	wg.Add(4)
	go func() {
		defer wg.Done()
		if related, err := s.Related(ctx, c.Code); err != nil {
			warn(SourceRelated, err)
		} else {
			detail.Related = related
		}
	}()
	go func() {
		defer wg.Done()
		if found, err := s.drugsFor(ctx, detail.Condition); err != nil {
			warn(SourceOpenFDA, err)
		} else {
			detail.Drugs = found
		}
	}()
	go func() {
		defer wg.Done()
		if found, err := s.trialsFor(ctx, detail.Condition, ""); err != nil {
			warn(SourceTrials, err)
		} else {
			detail.Trials = found
		}
	}()
	go func() {
		defer wg.Done()
		if found, err := s.clients.Coverage.ForCondition(ctx, detail.Condition, coverageLimit); err != nil {
			warn(SourceCoverage, err)
		} else {
			detail.Coverage = found
		}
	}()

	if s.clients.UMLS != nil && s.clients.UMLS.Configured() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if found, err := s.procedures(ctx, c.Code, c.Name); err != nil {
				warn(SourceUMLS, err)
			} else {
				detail.Procedures = found
			}
		}()
	}

	wg.Wait()
	return detail, nil
}

// Source describes an upstream data source.
type Source struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Configured  bool   `json:"configured"`
}

// Sources lists the upstreams and whether each one can be called.
func (s *Service) Sources() []Source {
	umlsReady := s.clients.UMLS != nil && s.clients.UMLS.Configured()
	return []Source{
		{SourceICD10, "NLM ClinicalTables ICD-10-CM search", s.clients.ICD10 != nil},
		{SourceOpenFDA, "OpenFDA drug labels", s.clients.OpenFDA != nil},
		{SourceRxNav, "NLM RxNorm and RxClass", s.clients.RxNav != nil},
		{SourceTrials, "ClinicalTrials.gov studies", s.clients.Trials != nil},
		{SourceCoverage, "CMS Medicare coverage determinations", s.clients.Coverage != nil},
		{SourceUMLS, "UMLS SNOMED CT and RxNorm terminology", umlsReady},
	}
}
