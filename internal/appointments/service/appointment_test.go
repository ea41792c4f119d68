package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"testing"

	appointmentserrors "slotboard/internal/appointments/errors"
	"slotboard/internal/appointments/validator"
	"slotboard/internal/broadcast"
	"slotboard/pkg/config"
	apperrors "slotboard/pkg/errors"
	"slotboard/pkg/logger"
	"slotboard/pkg/model"
)

// fakeLedger behaves like the Mongo ledger: each call is atomic, the
// (date, time) pair is unique and ids grow in insertion order.
type fakeLedger struct {
	mu     sync.Mutex
	nextID int
	byID   map[string]*model.Appointment

	// hooks run outside the lock
	onFindByEmail func(email string) (handled bool, err error)
	claimErr      error
	findAllErr    error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{byID: make(map[string]*model.Appointment)}
}

func (l *fakeLedger) FindByEmail(_ context.Context, email string) (*model.Appointment, error) {
	if l.onFindByEmail != nil {
		if handled, err := l.onFindByEmail(email); handled {
			return nil, err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.sorted() {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, appointmentserrors.ErrNotFound
}

func (l *fakeLedger) FindByKey(_ context.Context, date, slotTime string) (*model.Appointment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.byID {
		if a.Date == date && a.Time == slotTime {
			cp := *a
			return &cp, nil
		}
	}
	return nil, appointmentserrors.ErrNotFound
}

func (l *fakeLedger) FindAllByEmail(_ context.Context, email string) ([]*model.Appointment, error) {
	if l.findAllErr != nil {
		return nil, l.findAllErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*model.Appointment
	for _, a := range l.sorted() {
		if a.Email == email {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (l *fakeLedger) ClaimIfAbsent(_ context.Context, appointment *model.Appointment) (*model.Appointment, error) {
	if l.claimErr != nil {
		return nil, l.claimErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.byID {
		if a.Date == appointment.Date && a.Time == appointment.Time {
			cp := *a
			return &cp, nil
		}
	}
	l.nextID++
	stored := *appointment
	stored.ID = fmt.Sprintf("%024x", l.nextID)
	l.byID[stored.ID] = &stored
	cp := stored
	return &cp, nil
}

func (l *fakeLedger) DeleteByEmail(_ context.Context, email string) (*model.Appointment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.sorted() {
		if a.Email == email {
			delete(l.byID, a.ID)
			return a, nil
		}
	}
	return nil, appointmentserrors.ErrNotFound
}

func (l *fakeLedger) DeleteByID(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[id]; !ok {
		return appointmentserrors.ErrNotFound
	}
	delete(l.byID, id)
	return nil
}

func (l *fakeLedger) FindTimesByDate(_ context.Context, date string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var times []string
	for _, a := range l.byID {
		if a.Date == date {
			times = append(times, a.Time)
		}
	}
	sort.Strings(times)
	return times, nil
}

func (l *fakeLedger) sorted() []*model.Appointment {
	out := make([]*model.Appointment, 0, len(l.byID))
	for _, a := range l.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}

// seed stores a record directly, bypassing the coordinator.
func (l *fakeLedger) seed(email string, slot model.Slot) *model.Appointment {
	a, _ := l.ClaimIfAbsent(context.Background(), &model.Appointment{
		Name: "Seeded", Email: email, Date: slot.Date, Time: slot.Time, Status: model.StatusPending,
	})
	return a
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []broadcast.Envelope
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, env broadcast.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, env)
	return p.err
}

func (p *recordingPublisher) kinds() []model.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kinds []model.EventKind
	for _, env := range p.sent {
		kinds = append(kinds, env.Event.Kind)
	}
	return kinds
}

type recordingReleaser struct {
	mu    sync.Mutex
	slots []model.Slot
}

func (r *recordingReleaser) ReleaseSlot(_ context.Context, slot model.Slot) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots = append(r.slots, slot)
	return []string{"conn-1"}, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	booked    []string
	cancelled []string
	err       error
}

func (n *recordingNotifier) AppointmentBooked(_ context.Context, a *model.Appointment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.booked = append(n.booked, a.Slot().Key())
	return n.err
}

func (n *recordingNotifier) AppointmentCancelled(_ context.Context, a *model.Appointment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, a.Slot().Key())
	return n.err
}

type fixture struct {
	svc       AppointmentService
	ledger    *fakeLedger
	publisher *recordingPublisher
	releaser  *recordingReleaser
	notifier  *recordingNotifier
}

func newFixture() *fixture {
	log := logger.New(logger.Config{
		Level:   logger.ERROR,
		Format:  logger.JSON,
		Output:  io.Discard,
		Service: "test",
	})
	cfg := &config.Config{Log: log}

	f := &fixture{
		ledger:    newFakeLedger(),
		publisher: &recordingPublisher{},
		releaser:  &recordingReleaser{},
		notifier:  &recordingNotifier{},
	}
	f.svc = NewAppointmentService(f.ledger, validator.NewAppointmentValidator(log), f.releaser, f.publisher, f.notifier, cfg)
	return f
}

var (
	june1 = "2025-06-01"
	ten   = model.Slot{Date: june1, Time: "10:00"}
	elvn  = model.Slot{Date: june1, Time: "11:00"}
	two   = model.Slot{Date: june1, Time: "14:00"}

	alice = &model.Identity{Name: "Alice", Email: "alice@example.com"}
	bob   = &model.Identity{Name: "Bob", Email: "bob@example.com"}
)

func request(slot model.Slot) *model.AppointmentRequest {
	return &model.AppointmentRequest{Date: slot.Date, Time: slot.Time}
}

func statusOf(err error) int {
	return apperrors.AsAppError(err).HTTPStatus
}

func TestClaim_Success(t *testing.T) {
	f := newFixture()

	got, err := f.svc.Claim(context.Background(), alice, request(ten))
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.Email != alice.Email || got.Slot() != ten {
		t.Errorf("unexpected appointment: %+v", got)
	}

	kinds := f.publisher.kinds()
	want := []model.EventKind{model.EventSlotBooked, model.EventSlotLockCleared}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}
	for _, env := range f.publisher.sent {
		if env.Origin != "" {
			t.Errorf("booking events go to everyone, got origin %q", env.Origin)
		}
		if env.Event.Slot() != ten {
			t.Errorf("event slot = %v, want %v", env.Event.Slot(), ten)
		}
	}
	if len(f.releaser.slots) != 1 || f.releaser.slots[0] != ten {
		t.Errorf("soft-locks released on %v, want [%v]", f.releaser.slots, ten)
	}
	if len(f.notifier.booked) != 1 {
		t.Errorf("booked notifications = %v", f.notifier.booked)
	}
}

func TestClaim_NormalizesEmail(t *testing.T) {
	f := newFixture()

	got, err := f.svc.Claim(context.Background(), &model.Identity{Name: " Alice ", Email: "  Alice@Example.COM "}, request(ten))
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if got.Email != "alice@example.com" || got.Name != "Alice" {
		t.Errorf("identity not normalized: %+v", got)
	}

	_, err = f.svc.Claim(context.Background(), alice, request(elvn))
	if !errors.Is(err, appointmentserrors.ErrAlreadyBooked) {
		t.Errorf("differently cased email should be the same identity, got %v", err)
	}
}

func TestClaim_ConcurrentSameSlotExactlyOneWins(t *testing.T) {
	f := newFixture()
	const callers = 25

	var wg sync.WaitGroup
	results := make([]error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			id := &model.Identity{Name: "User", Email: fmt.Sprintf("user%d@example.com", i)}
			_, results[i] = f.svc.Claim(context.Background(), id, request(ten))
		}(i)
	}
	close(start)
	wg.Wait()

	var wins, taken int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, appointmentserrors.ErrSlotTaken):
			taken++
			if statusOf(err) != http.StatusConflict {
				t.Errorf("SlotTaken status = %d, want 409", statusOf(err))
			}
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 || taken != callers-1 {
		t.Errorf("wins = %d, taken = %d", wins, taken)
	}
	if f.ledger.count() != 1 {
		t.Errorf("ledger holds %d records, want 1", f.ledger.count())
	}
}

func TestClaim_DuplicateKeyMapsToSlotTaken(t *testing.T) {
	f := newFixture()
	f.ledger.claimErr = appointmentserrors.ErrDuplicateSlot

	_, err := f.svc.Claim(context.Background(), alice, request(ten))
	if !errors.Is(err, appointmentserrors.ErrSlotTaken) {
		t.Errorf("expected ErrSlotTaken, got %v", err)
	}
	if apperrors.AsAppError(err).Code != apperrors.CodeSlotTaken {
		t.Errorf("code = %s", apperrors.AsAppError(err).Code)
	}
}

func TestClaim_AlreadyBookedUntilReleased(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.Claim(ctx, alice, request(ten)); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	_, err := f.svc.Claim(ctx, alice, request(elvn))
	if !errors.Is(err, appointmentserrors.ErrAlreadyBooked) {
		t.Fatalf("expected ErrAlreadyBooked, got %v", err)
	}
	if statusOf(err) != http.StatusConflict {
		t.Errorf("status = %d, want 409", statusOf(err))
	}

	if err := f.svc.Release(ctx, alice); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := f.svc.Claim(ctx, alice, request(elvn)); err != nil {
		t.Errorf("claim after release: %v", err)
	}
}

func TestClaim_SlotTakenByOther(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.Claim(ctx, alice, request(elvn)); err != nil {
		t.Fatalf("alice claim: %v", err)
	}
	f.publisher.sent = nil

	_, err := f.svc.Claim(ctx, bob, request(elvn))
	if !errors.Is(err, appointmentserrors.ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
	if len(f.publisher.sent) != 0 {
		t.Errorf("a rejected claim must not broadcast, got %v", f.publisher.kinds())
	}
}

func TestClaim_BypassRollsBackLaterRecord(t *testing.T) {
	f := newFixture()
	survivor := f.ledger.seed(alice.Email, ten)

	// the pre-check misses the existing record, as when two requests race
	f.ledger.onFindByEmail = func(string) (bool, error) { return true, appointmentserrors.ErrNotFound }

	_, err := f.svc.Claim(context.Background(), alice, request(two))
	if !errors.Is(err, appointmentserrors.ErrConcurrentBypassRejected) {
		t.Fatalf("expected ErrConcurrentBypassRejected, got %v", err)
	}
	if statusOf(err) != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", statusOf(err))
	}

	remaining, _ := f.ledger.FindAllByEmail(context.Background(), alice.Email)
	if len(remaining) != 1 || remaining[0].ID != survivor.ID {
		t.Errorf("remaining = %+v, want only %s", remaining, survivor.ID)
	}
	if _, err := f.ledger.FindByKey(context.Background(), two.Date, two.Time); !errors.Is(err, appointmentserrors.ErrNotFound) {
		t.Errorf("rolled back slot should be free, got %v", err)
	}
	if len(f.publisher.sent) != 0 {
		t.Errorf("rollback must not broadcast, got %v", f.publisher.kinds())
	}
}

func TestClaim_ConcurrentBypassExactlyOneSurvives(t *testing.T) {
	f := newFixture()
	slots := []model.Slot{
		{Date: june1, Time: "09:00"},
		elvn,
		two,
		{Date: june1, Time: "15:00"},
		{Date: "2025-06-02", Time: "09:00"},
		{Date: "2025-06-02", Time: "10:00"},
		{Date: "2025-06-03", Time: "09:00"},
		{Date: "2025-06-03", Time: "10:00"},
	}

	// every caller passes the duplicate check before any of them claims
	var checked sync.WaitGroup
	checked.Add(len(slots))
	f.ledger.onFindByEmail = func(string) (bool, error) {
		checked.Done()
		checked.Wait()
		return true, appointmentserrors.ErrNotFound
	}

	var wg sync.WaitGroup
	results := make([]error, len(slots))
	for i, slot := range slots {
		wg.Add(1)
		go func(i int, slot model.Slot) {
			defer wg.Done()
			_, results[i] = f.svc.Claim(context.Background(), alice, request(slot))
		}(i, slot)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, appointmentserrors.ErrConcurrentBypassRejected):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != len(slots)-1 {
		t.Errorf("ok = %d, rejected = %d", ok, rejected)
	}
	if f.ledger.count() != 1 {
		t.Errorf("ledger holds %d records, want 1", f.ledger.count())
	}
}

func TestClaim_StorageFailure(t *testing.T) {
	f := newFixture()
	f.ledger.claimErr = errors.New("server selection timeout")

	_, err := f.svc.Claim(context.Background(), alice, request(ten))
	if !errors.Is(err, appointmentserrors.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if statusOf(err) != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", statusOf(err))
	}
}

func TestClaim_BroadcastFailureDoesNotFailBooking(t *testing.T) {
	f := newFixture()
	f.publisher.err = errors.New("hub stopped")
	f.notifier.err = errors.New("broker down")

	if _, err := f.svc.Claim(context.Background(), alice, request(ten)); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if f.ledger.count() != 1 {
		t.Errorf("booking should be committed")
	}
}

func TestClaim_Rejections(t *testing.T) {
	f := newFixture()

	tests := []struct {
		name     string
		identity *model.Identity
		req      *model.AppointmentRequest
		status   int
	}{
		{"no identity", nil, request(ten), http.StatusUnauthorized},
		{"blank email", &model.Identity{Name: "X", Email: "  "}, request(ten), http.StatusUnauthorized},
		{"malformed email", &model.Identity{Name: "Mallory", Email: "mallory-at-example"}, request(ten), http.StatusUnauthorized},
		{"name too short", &model.Identity{Name: " M ", Email: "m@example.com"}, request(ten), http.StatusUnauthorized},
		{"bad date", alice, &model.AppointmentRequest{Date: "06/01/2025", Time: "10:00"}, http.StatusUnprocessableEntity},
		{"bad time", alice, &model.AppointmentRequest{Date: june1, Time: "10"}, http.StatusUnprocessableEntity},
		{"nil request", alice, nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Claim(context.Background(), tt.identity, tt.req)
			if err == nil {
				t.Fatal("expected error")
			}
			if statusOf(err) != tt.status {
				t.Errorf("status = %d, want %d (%v)", statusOf(err), tt.status, err)
			}
		})
	}
	if f.ledger.count() != 0 {
		t.Errorf("rejected claims must not write")
	}
}

func TestClaim_MalformedIdentityRejected(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Claim(context.Background(), &model.Identity{Name: "Mallory", Email: "mallory-at-example"}, request(ten))
	if !errors.Is(err, appointmentserrors.ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
	appErr := apperrors.AsAppError(err)
	if appErr.Code != apperrors.CodeUnauthorized {
		t.Errorf("code = %s, want %s", appErr.Code, apperrors.CodeUnauthorized)
	}
	if _, ok := appErr.Details["Email"]; !ok {
		t.Errorf("details should name the Email field, got %v", appErr.Details)
	}
	if f.ledger.count() != 0 || len(f.publisher.sent) != 0 {
		t.Errorf("a rejected identity must not write or broadcast")
	}
}

func TestRelease_NoBookingIsNoop(t *testing.T) {
	f := newFixture()

	if err := f.svc.Release(context.Background(), alice); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if len(f.publisher.sent) != 0 || len(f.notifier.cancelled) != 0 {
		t.Errorf("no-op release must not emit anything")
	}
}

func TestRelease_BroadcastsCancelled(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if _, err := f.svc.Claim(ctx, alice, request(ten)); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	f.publisher.sent = nil

	if err := f.svc.Release(ctx, alice); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	if len(f.publisher.sent) != 1 {
		t.Fatalf("events = %v", f.publisher.kinds())
	}
	env := f.publisher.sent[0]
	if env.Event.Kind != model.EventSlotCancelled || env.Event.Slot() != ten || env.Origin != "" {
		t.Errorf("unexpected envelope: %+v", env)
	}
	if len(f.notifier.cancelled) != 1 {
		t.Errorf("cancelled notifications = %v", f.notifier.cancelled)
	}
	if f.ledger.count() != 0 {
		t.Errorf("record should be deleted")
	}
}

func TestRelease_RequiresIdentity(t *testing.T) {
	f := newFixture()
	err := f.svc.Release(context.Background(), nil)
	if statusOf(err) != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", statusOf(err))
	}
}

func TestMine(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	slot, err := f.svc.Mine(ctx, alice)
	if err != nil || slot != nil {
		t.Fatalf("Mine() = %v, %v; want nil, nil", slot, err)
	}

	if _, err := f.svc.Claim(ctx, alice, request(two)); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	slot, err = f.svc.Mine(ctx, alice)
	if err != nil || slot == nil || *slot != two {
		t.Errorf("Mine() = %v, %v; want %v", slot, err, two)
	}
}

func TestBookedTimes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.ledger.seed("a@example.com", elvn)
	f.ledger.seed("b@example.com", ten)
	f.ledger.seed("c@example.com", model.Slot{Date: "2025-06-02", Time: "09:00"})

	times, err := f.svc.BookedTimes(ctx, june1)
	if err != nil {
		t.Fatalf("BookedTimes() error = %v", err)
	}
	if fmt.Sprint(times) != "[10:00 11:00]" {
		t.Errorf("times = %v", times)
	}

	times, err = f.svc.BookedTimes(ctx, "june first")
	if err != nil || times == nil || len(times) != 0 {
		t.Errorf("malformed date should give an empty list, got %v, %v", times, err)
	}

	times, err = f.svc.BookedTimes(ctx, "2025-07-01")
	if err != nil || times == nil || len(times) != 0 {
		t.Errorf("free date should give an empty list, got %v, %v", times, err)
	}
}
