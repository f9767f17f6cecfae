package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chop-dbhi/icd-lookup/internal/cache"
	"github.com/chop-dbhi/icd-lookup/internal/coverage"
	"github.com/chop-dbhi/icd-lookup/internal/drugs"
	"github.com/chop-dbhi/icd-lookup/internal/icd10"
	"github.com/chop-dbhi/icd-lookup/internal/trials"
	"github.com/chop-dbhi/icd-lookup/internal/umls"
	"github.com/chop-dbhi/icd-lookup/internal/upstream"
)

var icd10Fixtures = map[string][][2]string{
	"malignant neoplasm of pancreas": {
		{"C25.0", "Malignant neoplasm of head of pancreas"},
		{"C25.9", "Malignant neoplasm of pancreas, unspecified"},
		{"D13.6", "Benign neoplasm of pancreas"},
	},
	"E11.9": {
		{"E11.9", "Type 2 diabetes mellitus without complications"},
	},
	"E11": {
		{"E11.9", "Type 2 diabetes mellitus without complications"},
		{"E11.65", "Type 2 diabetes mellitus with hyperglycemia"},
		{"E11.21", "Type 2 diabetes mellitus with diabetic nephropathy"},
		{"E10.9", "Type 1 diabetes mellitus without complications"},
	},
	"asthma": {
		{"J45.909", "Unspecified asthma, uncomplicated"},
		{"J45.20", "Mild intermittent asthma, uncomplicated"},
	},
}

// fakeUpstreams serves every upstream API from one test server.
type fakeUpstreams struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func (f *fakeUpstreams) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeUpstreams) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := r.URL.Path
	if r.URL.Path == "/icd10" {
		key = "icd10:" + q.Get("terms")
	}

	f.mu.Lock()
	f.calls[key]++
	failing := f.fail[key] || f.fail[r.URL.Path]
	f.mu.Unlock()

	if failing {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	switch {
	case r.URL.Path == "/icd10":
		rows := icd10Fixtures[q.Get("terms")]
		if rows == nil {
			rows = [][2]string{}
		}
		codes := make([]string, len(rows))
		for i, row := range rows {
			codes[i] = row[0]
		}
		json.NewEncoder(w).Encode([]any{len(rows), codes, nil, rows})
	case r.URL.Path == "/openfda":
		w.Write([]byte(`{"results":[{"openfda":{"brand_name":["Glucophage"],"generic_name":["METFORMIN HYDROCHLORIDE"],"rxcui":["861004"]}}]}`))
	case r.URL.Path == "/trials":
		w.Write([]byte(`{"studies":[{"protocolSection":{"identificationModule":{"nctId":"NCT01234567","briefTitle":"Metformin study"},"statusModule":{"overallStatus":"RECRUITING"}}}]}`))
	case strings.HasPrefix(r.URL.Path, "/coverage/national-coverage-ncd"):
		w.Write([]byte(`{"data":[{"document_id":40,"document_display_id":"40.1","document_version":2,"title":"Diabetes Outpatient Self-Management Training"}]}`))
	case strings.HasPrefix(r.URL.Path, "/coverage/local-coverage-final-lcds"):
		w.Write([]byte(`{"data":[]}`))
	case strings.HasPrefix(r.URL.Path, "/umls/crosswalk/"):
		w.Write([]byte(`{"result":[{"ui":"44054006","name":"Diabetes mellitus type 2","rootSource":"SNOMEDCT_US"}]}`))
	case r.URL.Path == "/umls/search/current":
		w.Write([]byte(`{"result":{"results":[{"ui":"385804009","name":"Diabetic care education","rootSource":"SNOMEDCT_US"}]}}`))
	case r.URL.Path == "/rxnav/rxcui.json" && strings.EqualFold(q.Get("name"), "metformin"):
		w.Write([]byte(`{"idGroup":{"rxnormId":["6809"]}}`))
	case r.URL.Path == "/rxnav/rxclass/classMembers.json":
		w.Write([]byte(`{"drugMemberGroup":{"drugMember":[{"minConcept":{"rxcui":"6809","name":"metformin","tty":"IN"}}]}}`))
	case strings.HasPrefix(r.URL.Path, "/rxnav/"):
		w.Write([]byte(`{}`))
	default:
		http.NotFound(w, r)
	}
}

func newTestService(t *testing.T, fail map[string]bool, umlsKey string) (*Service, *fakeUpstreams) {
	t.Helper()

	fake := &fakeUpstreams{calls: map[string]int{}, fail: fail}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := upstream.New(upstream.Options{Timeout: 5 * time.Second})
	svc := New(Clients{
		ICD10:    icd10.NewClient(client, srv.URL+"/icd10"),
		OpenFDA:  drugs.NewOpenFDA(client, srv.URL+"/openfda", ""),
		RxNav:    drugs.NewRxNav(client, srv.URL+"/rxnav"),
		Trials:   trials.NewClient(client, srv.URL+"/trials"),
		Coverage: coverage.NewClient(client, srv.URL+"/coverage", nil, time.Hour),
		UMLS:     umls.NewClient(client, srv.URL+"/umls", umlsKey),
	}, Options{Cache: cache.NewMemory(), TTL: time.Minute})
	return svc, fake
}

func TestSearchNormalizesQuery(t *testing.T) {
	t.Parallel()

	svc, fake := newTestService(t, nil, "")
	ctx := context.Background()

	resp, err := svc.Search(ctx, SearchRequest{Query: "pancreas cancer"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Normalized != "malignant neoplasm of pancreas" {
		t.Errorf("unexpected normalized query %q", resp.Normalized)
	}
	if resp.Total != 3 || resp.Results[0].Code.Code != "C25.9" {
		t.Errorf("unexpected results %+v", resp.Results)
	}
	if len(resp.Chapters) != 1 || resp.Chapters[0].Chapter != 2 || resp.Chapters[0].Count != 3 {
		t.Errorf("unexpected facets %+v", resp.Chapters)
	}

	if _, err := svc.Search(ctx, SearchRequest{Query: "pancreas cancer"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := fake.count("icd10:malignant neoplasm of pancreas"); n != 1 {
		t.Errorf("expected cached search, got %d upstream calls", n)
	}
}

func TestSearchChapterFilterAndLimit(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil, "")
	ctx := context.Background()

	resp, err := svc.Search(ctx, SearchRequest{Query: "pancreas cancer", Chapter: "4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Total != 0 || len(resp.Results) != 0 || len(resp.Chapters) != 1 {
		t.Errorf("expected chapter filter to drop results but keep facets, got %+v", resp)
	}

	resp, err = svc.Search(ctx, SearchRequest{Query: "asthma", Limit: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Total != 2 || len(resp.Results) != 1 {
		t.Errorf("expected total 2 with one result, got %d and %d", resp.Total, len(resp.Results))
	}
}

func TestSearchValidation(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil, "")
	tests := map[string]SearchRequest{
		"empty query":     {Query: "   "},
		"long query":      {Query: strings.Repeat("a", MaxQueryLength+1)},
		"limit too large": {Query: "asthma", Limit: MaxLimit + 1},
		"unknown chapter": {Query: "asthma", Chapter: "99"},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Search(context.Background(), req); !IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestSearchPartialFailure(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, map[string]bool{"icd10:pancreas cancer": true, "icd10:asthma": true}, "")
	ctx := context.Background()

	resp, err := svc.Search(ctx, SearchRequest{Query: "pancreas cancer"})
	if err != nil {
		t.Fatalf("expected results from the normalized query, got %v", err)
	}
	if resp.Total != 3 || len(resp.Warnings) != 1 || resp.Warnings[0].Source != SourceICD10 {
		t.Errorf("expected results plus one warning, got %+v", resp)
	}

	if _, err := svc.Search(ctx, SearchRequest{Query: "asthma"}); err == nil {
		t.Error("expected error when every search fails")
	}
}

func TestCode(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil, "")
	ctx := context.Background()

	c, err := svc.Code(ctx, "e119")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Code != "E11.9" || c.Chapter != 4 {
		t.Errorf("unexpected code %+v", c)
	}

	if _, err := svc.Code(ctx, "Z99.89"); !errors.Is(err, icd10.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Code(ctx, "not a code"); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestDetail(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, map[string]bool{"/trials": true}, "secret")
	detail, err := svc.Detail(context.Background(), "E11.9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if detail.Condition != "type 2 diabetes mellitus" {
		t.Errorf("unexpected condition %q", detail.Condition)
	}
	if detail.Chapter == nil || detail.Chapter.Number != 4 {
		t.Errorf("unexpected chapter %+v", detail.Chapter)
	}
	if len(detail.Related) != 2 {
		t.Errorf("expected 2 related codes in category E11, got %+v", detail.Related)
	}
	if len(detail.Drugs) != 1 || len(detail.Coverage) != 1 || len(detail.Procedures) != 2 {
		t.Errorf("unexpected detail %+v", detail)
	}
	if detail.Trials == nil || len(detail.Trials) != 0 {
		t.Errorf("expected empty trials after failure, got %v", detail.Trials)
	}
	if len(detail.Warnings) != 1 || detail.Warnings[0].Source != SourceTrials {
		t.Errorf("expected a trials warning, got %+v", detail.Warnings)
	}
}

func TestDetailWithoutUMLSKey(t *testing.T) {
	t.Parallel()

	svc, fake := newTestService(t, nil, "")
	detail, err := svc.Detail(context.Background(), "E11.9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(detail.Procedures) != 0 || len(detail.Warnings) != 0 {
		t.Errorf("expected procedures to be skipped quietly, got %+v", detail)
	}
	if n := fake.count("/umls/search/current"); n != 0 {
		t.Errorf("expected no UMLS calls, got %d", n)
	}
}

func TestTrialsValidatesStatus(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil, "")
	if _, err := svc.Trials(context.Background(), "E11.9", "finished"); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	found, err := svc.Trials(context.Background(), "E11.9", "recruiting")
	if err != nil || len(found) != 1 {
		t.Errorf("expected one trial, got %v %v", found, err)
	}
}

func TestValidateDrugs(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil, "")
	ctx := context.Background()

	tooMany := make([]string, MaxDrugNames+1)
	for i := range tooMany {
		tooMany[i] = "aspirin"
	}
	tests := map[string][]string{
		"no names": {},
		"too many": tooMany,
		"blank":    {"aspirin", "  "},
		"too long": {strings.Repeat("x", MaxDrugNameLen+1)},
	}
	for name, names := range tests {
		if _, err := svc.ValidateDrugs(ctx, names); !IsValidation(err) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}

	if _, err := svc.ValidateDrugs(ctx, []string{"aspirin"}); !errors.Is(err, upstream.ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestProcedures(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil, "secret")
	ctx := context.Background()

	if _, err := svc.Procedures(ctx, "bogus", ""); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := svc.Procedures(ctx, "E11.9", strings.Repeat("x", MaxDescription+1)); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}

	found, err := svc.Procedures(ctx, "E11.9", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(found) != 2 {
		t.Errorf("expected search and crosswalk procedures, got %+v", found)
	}
}

func TestDrugDetailValidatesRxCUI(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil, "")
	if _, err := svc.DrugDetail(context.Background(), "12ab"); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	detail, err := svc.DrugDetail(context.Background(), "6809")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if detail.RxCUI != "6809" || detail.Classes == nil {
		t.Errorf("unexpected detail %+v", detail)
	}
}

func TestMindMap(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil, "")
	g, err := svc.MindMap(context.Background(), "E11.9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Root != "code:E11.9" {
		t.Errorf("unexpected root %s", g.Root)
	}
	if len(g.Children("branch:drugs")) != 1 {
		t.Errorf("expected one drug leaf, got %v", g.Children("branch:drugs"))
	}
}

func TestSources(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil, "")
	for _, s := range svc.Sources() {
		if s.Name == SourceUMLS && s.Configured {
			t.Error("expected UMLS to be unconfigured without a key")
		}
		if s.Name == SourceICD10 && !s.Configured {
			t.Error("expected ICD-10 to be configured")
		}
	}
}

func TestDrugByName(t *testing.T) {
	t.Parallel()

	svc, fake := newTestService(t, nil, "")
	ctx := context.Background()

	if _, err := svc.DrugByName(ctx, "  "); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := svc.DrugByName(ctx, "unobtainium"); !errors.Is(err, ErrDrugNotFound) {
		t.Errorf("expected ErrDrugNotFound, got %v", err)
	}

	for range 2 {
		detail, err := svc.DrugByName(ctx, "Metformin")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if detail.RxCUI != "6809" {
			t.Errorf("unexpected detail %+v", detail)
		}
	}
	if n := fake.count("/rxnav/rxcui.json"); n != 2 {
		t.Errorf("expected the name lookup to be cached, got %d rxcui calls", n)
	}
}

func TestClassMembers(t *testing.T) {
	t.Parallel()

	svc, fake := newTestService(t, nil, "")
	ctx := context.Background()

	for _, tt := range []struct{ classID, source string }{
		{"", ""},
		{"A10/BA", ""},
		{"A10BA", "atc1-4"},
	} {
		if _, err := svc.ClassMembers(ctx, tt.classID, tt.source); !IsValidation(err) {
			t.Errorf("%q %q: expected validation error, got %v", tt.classID, tt.source, err)
		}
	}

	for range 2 {
		members, err := svc.ClassMembers(ctx, "A10BA", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(members) != 1 || members[0].RxCUI != "6809" {
			t.Errorf("unexpected members %+v", members)
		}
	}
	if n := fake.count("/rxnav/rxclass/classMembers.json"); n != 1 {
		t.Errorf("expected one upstream call, got %d", n)
	}
}

func TestProceduresWithoutKeySkipsLookup(t *testing.T) {
	t.Parallel()

	svc, fake := newTestService(t, nil, "")
	if _, err := svc.Procedures(context.Background(), "E11.9", ""); !errors.Is(err, upstream.ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
	if n := fake.count("icd10:E11.9"); n != 0 {
		t.Errorf("expected no code lookup without a key, got %d", n)
	}
}

func TestDrugNameLengthCountsCharacters(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil, "")
	ctx := context.Background()

	name := strings.Repeat("é", MaxDrugNameLen)
	if _, err := svc.ValidateDrugs(ctx, []string{name}); !errors.Is(err, upstream.ErrMissingAPIKey) {
		t.Errorf("expected a %d character name to pass validation, got %v", MaxDrugNameLen, err)
	}
	if _, err := svc.ValidateDrugs(ctx, []string{name + "é"}); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestDetailWarningsHideUpstreamErrors(t *testing.T) {
	t.Parallel()

	fake := &fakeUpstreams{calls: map[string]int{}}
	live := httptest.NewServer(fake)
	t.Cleanup(live.Close)
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	client := upstream.New(upstream.Options{Timeout: 5 * time.Second})
	svc := New(Clients{
		ICD10:    icd10.NewClient(client, live.URL+"/icd10"),
		OpenFDA:  drugs.NewOpenFDA(client, dead.URL+"/openfda", "FDA-SECRET"),
		RxNav:    drugs.NewRxNav(client, dead.URL+"/rxnav"),
		Trials:   trials.NewClient(client, dead.URL+"/trials"),
		Coverage: coverage.NewClient(client, dead.URL+"/coverage", nil, time.Hour),
		UMLS:     umls.NewClient(client, dead.URL+"/umls", "UMLS-SECRET"),
	}, Options{Cache: cache.NewMemory(), TTL: time.Minute})

	detail, err := svc.Detail(context.Background(), "E11.9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(detail.Warnings) == 0 {
		t.Fatal("expected warnings for unreachable sources")
	}
	for _, w := range detail.Warnings {
		if w.Message != unavailableMessage {
			t.Errorf("expected a generic message for %s, got %q", w.Source, w.Message)
		}
	}

	data, err := json.Marshal(detail)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"FDA-SECRET", "UMLS-SECRET", dead.URL} {
		if strings.Contains(string(data), secret) {
			t.Errorf("response leaks %q", secret)
		}
	}
}
