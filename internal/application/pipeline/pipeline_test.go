package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/ecranner/internal/domain/scans"
)

func accounts(names ...string) []domain.Account {
	out := make([]domain.Account, 0, len(names))
	for _, n := range names {
		out = append(out, domain.Account{Name: n})
	}
	return out
}

func TestRunNoImages(t *testing.T) {
	src := &fakeSource{}
	sc := &fakeScanner{}
	nt := &fakeNotifier{}
	p := &Pipeline{Source: src, Scanner: sc, Notifier: nt, Store: newFakeStore()}

	sum, err := p.Run(context.Background(), Options{Accounts: accounts("prod", "stg"), Notify: true, RemoveAfterScan: true})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Scanned)
	assert.Equal(t, 0, sum.Delivered)
	assert.Equal(t, 0, sum.Failed)
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, []string{"prod", "stg"}, src.calls)
	assert.Empty(t, sc.calls)
	assert.Empty(t, nt.rendered)
	assert.Zero(t, nt.deliverCall)
}

func TestRunOneImageDelivered(t *testing.T) {
	img := domain.ImageRef("reg/app:latest")
	src := &fakeSource{refs: map[string][]domain.ImageRef{"prod": {img}}}
	sc := &fakeScanner{results: map[domain.ImageRef]domain.Result{img: twoFindings(img)}}
	nt := &fakeNotifier{}
	rec := &fakeRecorder{}
	p := &Pipeline{Source: src, Scanner: sc, Notifier: nt, Recorder: rec}

	sum, err := p.Run(context.Background(), Options{Accounts: accounts("prod"), Notify: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Scanned)
	assert.Equal(t, 1, sum.Delivered)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 1, nt.deliverCall)
	require.Len(t, rec.scans, 1)
	assert.Equal(t, 2, rec.scans[0].Counts().Total)
}

func TestRunAbsentScanIsCountedButNotDelivered(t *testing.T) {
	img := domain.ImageRef("reg/app:latest")
	src := &fakeSource{refs: map[string][]domain.ImageRef{"prod": {img}}}
	sc := &fakeScanner{results: map[domain.ImageRef]domain.Result{img: domain.AbsentResult(img, "timeout", 0)}}
	nt := &fakeNotifier{}
	rec := &fakeRecorder{}
	p := &Pipeline{Source: src, Scanner: sc, Notifier: nt, Recorder: rec}

	sum, err := p.Run(context.Background(), Options{Accounts: accounts("prod"), Notify: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Scanned)
	assert.Equal(t, 1, sum.Absent)
	assert.Equal(t, 0, sum.Delivered)
	assert.Equal(t, 0, sum.Failed)
	assert.Empty(t, nt.rendered)
	assert.Zero(t, nt.deliverCall)
	assert.Equal(t, []domain.Phase{domain.PhaseScan}, rec.phases())
}

func TestRunPullFailureCleansUpAndSkipsScan(t *testing.T) {
	a1 := domain.ImageRef("reg/a:1")
	a2 := domain.ImageRef("reg/b:1")
	pullErr := &domain.PullError{Account: "stg", Image: "reg/c:1", Err: errBoom}
	src := &fakeSource{
		refs: map[string][]domain.ImageRef{"prod": {a1, a2}},
		errs: map[string]error{"stg": pullErr},
	}
	sc := &fakeScanner{}
	store := newFakeStore(a1, a2)
	p := &Pipeline{Source: src, Scanner: sc, Notifier: &fakeNotifier{}, Store: store}

	sum, err := p.Run(context.Background(), Options{Accounts: accounts("prod", "stg"), Notify: true})
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, PhasePullFailed, perr.Phase)
	assert.Equal(t, "stg", perr.Account)

	var pe *domain.PullError
	assert.ErrorAs(t, err, &pe)

	assert.Empty(t, sc.calls)
	assert.ElementsMatch(t, []domain.ImageRef{a1, a2}, store.removed)
	assert.Equal(t, 2, sum.Pulled)
	assert.Equal(t, 0, sum.Scanned)
}

func TestRunPartialPullIsCleanedUp(t *testing.T) {
	a1 := domain.ImageRef("reg/a:1")
	src := &fakeSource{
		refs: map[string][]domain.ImageRef{"prod": {a1}},
		errs: map[string]error{"prod": &domain.ImageMismatchError{Requested: "reg/b:1", Resolved: "reg/x:1"}},
	}
	store := newFakeStore(a1)
	p := &Pipeline{Source: src, Scanner: &fakeScanner{}, Notifier: &fakeNotifier{}, Store: store}

	_, err := p.Run(context.Background(), Options{Accounts: accounts("prod")})
	var mm *domain.ImageMismatchError
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, []domain.ImageRef{a1}, store.removed)
}

func TestRunCleanupRunsWhenScanPhaseAborts(t *testing.T) {
	imgs := []domain.ImageRef{"reg/a:1", "reg/b:1", "reg/c:1"}
	src := &fakeSource{refs: map[string][]domain.ImageRef{"prod": imgs}}
	cfgErr := &domain.ConfigError{Field: "trivy", Err: domain.ErrToolNotFound}
	sc := &fakeScanner{errs: map[domain.ImageRef]error{"reg/b:1": cfgErr}}
	store := newFakeStore(imgs...)
	nt := &fakeNotifier{}
	p := &Pipeline{Source: src, Scanner: sc, Notifier: nt, Store: store}

	sum, err := p.Run(context.Background(), Options{Accounts: accounts("prod"), RemoveAfterScan: true, Notify: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrToolNotFound)

	var perr *Error
	assert.False(t, errors.As(err, &perr), "scan-phase errors are not pull errors")
	assert.Equal(t, imgs, store.removed)
	assert.Equal(t, 1, sum.Scanned)
	assert.Zero(t, nt.deliverCall)
}

func TestRunCleanupRunsWhenScannerPanics(t *testing.T) {
	imgs := []domain.ImageRef{"reg/a:1", "reg/b:1"}
	src := &fakeSource{refs: map[string][]domain.ImageRef{"prod": imgs}}
	sc := &fakeScanner{panicOn: "reg/a:1"}
	store := newFakeStore(imgs...)
	p := &Pipeline{Source: src, Scanner: sc, Notifier: &fakeNotifier{}, Store: store}

	assert.Panics(t, func() {
		_, _ = p.Run(context.Background(), Options{Accounts: accounts("prod"), RemoveAfterScan: true})
	})
	assert.Equal(t, imgs, store.removed)
}

func TestRunScansEveryImageOnce(t *testing.T) {
	imgs := []domain.ImageRef{"reg/a:1", "reg/b:1", "reg/c:1", "reg/d:1"}
	src := &fakeSource{refs: map[string][]domain.ImageRef{
		"prod": imgs[:2],
		// duplicate across accounts is scanned once
		"stg": {imgs[1], imgs[2], imgs[3]},
	}}
	sc := &fakeScanner{
		results: map[domain.ImageRef]domain.Result{
			"reg/a:1": domain.AbsentResult("reg/a:1", "exit status 1", 0),
			"reg/c:1": twoFindings("reg/c:1"),
		},
		errs: map[domain.ImageRef]error{"reg/b:1": errBoom},
	}
	nt := &fakeNotifier{}
	p := &Pipeline{Source: src, Scanner: sc, Notifier: nt}

	sum, err := p.Run(context.Background(), Options{Accounts: accounts("prod", "stg"), Notify: true})
	require.NoError(t, err)
	assert.Equal(t, imgs, sc.calls)
	assert.Equal(t, 4, sum.Scanned)
	assert.Equal(t, 2, sum.Absent)
	assert.Equal(t, 2, sum.Delivered)
	assert.ElementsMatch(t, []domain.ImageRef{"reg/c:1", "reg/d:1"}, nt.rendered)
}

func TestRunNotifyDisabled(t *testing.T) {
	img := domain.ImageRef("reg/app:latest")
	src := &fakeSource{refs: map[string][]domain.ImageRef{"prod": {img}}}
	nt := &fakeNotifier{}
	p := &Pipeline{Source: src, Scanner: &fakeScanner{}, Notifier: nt}

	sum, err := p.Run(context.Background(), Options{Accounts: accounts("prod")})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Scanned)
	assert.Empty(t, nt.rendered)
	assert.Zero(t, nt.deliverCall)
}

func TestRunNotifyWithoutNotifier(t *testing.T) {
	img := domain.ImageRef("reg/app:latest")
	src := &fakeSource{refs: map[string][]domain.ImageRef{"prod": {img}}}
	logger, hook := test.NewNullLogger()
	p := &Pipeline{Source: src, Scanner: &fakeScanner{}, Log: logger}

	var sum Summary
	var err error
	require.NotPanics(t, func() {
		sum, err = p.Run(context.Background(), Options{Accounts: accounts("prod"), Notify: true})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Scanned)
	assert.Zero(t, sum.Delivered)
	assert.Zero(t, sum.Failed)

	warned := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "no notifier configured, skipping notifications" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestRunDeliveryFailuresAreCounted(t *testing.T) {
	imgs := []domain.ImageRef{"reg/a:1", "reg/b:1", "reg/c:1"}
	src := &fakeSource{refs: map[string][]domain.ImageRef{"prod": imgs}}
	nt := &fakeNotifier{
		renderErr:  map[domain.ImageRef]error{"reg/a:1": errBoom},
		deliverErr: map[domain.ImageRef]error{"reg/b:1": errors.New("status 500")},
	}
	rec := &fakeRecorder{err: errBoom}
	p := &Pipeline{Source: src, Scanner: &fakeScanner{}, Notifier: nt, Recorder: rec}

	sum, err := p.Run(context.Background(), Options{Accounts: accounts("prod"), Notify: true})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Scanned)
	assert.Equal(t, 1, sum.Delivered)
	assert.Equal(t, 2, sum.Failed)
	assert.Len(t, nt.delivered, 2)
	assert.Equal(t, []domain.Phase{domain.PhaseNotify, domain.PhaseNotify}, rec.phases())
}

func TestRunCleanupFailureDoesNotFailRun(t *testing.T) {
	img := domain.ImageRef("reg/a:1")
	src := &fakeSource{refs: map[string][]domain.ImageRef{"prod": {img}}}
	store := newFakeStore(img)
	store.failing = map[domain.ImageRef]error{img: errBoom}
	rec := &fakeRecorder{}
	p := &Pipeline{Source: src, Scanner: &fakeScanner{}, Notifier: &fakeNotifier{}, Store: store, Recorder: rec}

	sum, err := p.Run(context.Background(), Options{Accounts: accounts("prod"), RemoveAfterScan: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Scanned)
	assert.Equal(t, []domain.Phase{domain.PhaseCleanup}, rec.phases())
}
