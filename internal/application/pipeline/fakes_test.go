package pipeline

import (
	"context"
	"errors"
	"sync"

	domain "github.com/bryanwahyu/ecranner/internal/domain/scans"
)

type fakeSource struct {
	refs  map[string][]domain.ImageRef
	errs  map[string]error
	calls []string
}

func (f *fakeSource) Pull(_ context.Context, acct domain.Account, _ []string) ([]domain.ImageRef, error) {
	f.calls = append(f.calls, acct.Name)
	return f.refs[acct.Name], f.errs[acct.Name]
}

type fakeScanner struct {
	results map[domain.ImageRef]domain.Result
	errs    map[domain.ImageRef]error
	panicOn domain.ImageRef
	calls   []domain.ImageRef
}

func (f *fakeScanner) Scan(_ context.Context, img domain.ImageRef) (domain.Result, error) {
	f.calls = append(f.calls, img)
	if img == f.panicOn {
		panic("scanner blew up")
	}
	if err := f.errs[img]; err != nil {
		return domain.Result{}, err
	}
	if r, ok := f.results[img]; ok {
		return r, nil
	}
	return domain.Result{Image: img}, nil
}

type fakeNotifier struct {
	renderErr   map[domain.ImageRef]error
	deliverErr  map[domain.ImageRef]error
	rendered    []domain.ImageRef
	deliverCall int
	delivered   []domain.Payload
}

func (f *fakeNotifier) Render(r domain.Result) (domain.Payload, error) {
	f.rendered = append(f.rendered, r.Image)
	if err := f.renderErr[r.Image]; err != nil {
		return domain.Payload{}, err
	}
	return domain.Payload{Image: r.Image, Body: []byte(`{"text":"` + string(r.Image) + `"}`)}, nil
}

func (f *fakeNotifier) Deliver(_ context.Context, payloads []domain.Payload) []domain.Outcome {
	f.deliverCall++
	f.delivered = append(f.delivered, payloads...)
	out := make([]domain.Outcome, len(payloads))
	for i, p := range payloads {
		out[i] = domain.Outcome{Payload: p, Err: f.deliverErr[p.Image]}
	}
	return out
}

type fakeStore struct {
	present   map[domain.ImageRef]bool
	failing   map[domain.ImageRef]error
	sticky    map[domain.ImageRef]bool
	removed   []domain.ImageRef
	existErrs map[domain.ImageRef]error
}

func newFakeStore(refs ...domain.ImageRef) *fakeStore {
	s := &fakeStore{present: map[domain.ImageRef]bool{}}
	for _, r := range refs {
		s.present[r] = true
	}
	return s
}

func (s *fakeStore) Exists(_ context.Context, img domain.ImageRef) (bool, error) {
	if err := s.existErrs[img]; err != nil {
		return false, err
	}
	return s.present[img], nil
}

func (s *fakeStore) Remove(_ context.Context, img domain.ImageRef, _ bool) (bool, error) {
	s.removed = append(s.removed, img)
	if err := s.failing[img]; err != nil {
		return false, err
	}
	if s.sticky[img] {
		return false, nil
	}
	delete(s.present, img)
	return true, nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	scans    []domain.Result
	failures []domain.Failure
	err      error
}

func (r *fakeRecorder) RecordScan(_ context.Context, _, _ string, res domain.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scans = append(r.scans, res)
	return r.err
}

func (r *fakeRecorder) RecordFailure(_ context.Context, f domain.Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
	return r.err
}

func (r *fakeRecorder) phases() []domain.Phase {
	out := make([]domain.Phase, 0, len(r.failures))
	for _, f := range r.failures {
		out = append(out, f.Phase)
	}
	return out
}

var errBoom = errors.New("boom")

func twoFindings(img domain.ImageRef) domain.Result {
	return domain.Result{
		Image: img,
		Targets: []domain.Target{{
			Target: string(img) + " (alpine 3.12)",
			Vulnerabilities: []domain.Vulnerability{
				{VulnerabilityID: "CVE-1", PkgName: "openssl", Severity: "HIGH"},
				{VulnerabilityID: "CVE-2", PkgName: "musl", Severity: "CRITICAL"},
			},
		}},
	}
}
