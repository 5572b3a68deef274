package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domain "github.com/marketgrid/policy-engine/internal/domain"
)

type testRepoError struct {
	notFound bool
	conflict bool
}

func (e *testRepoError) Error() string {
	return fmt.Sprintf("repo error (notFound=%v conflict=%v)", e.notFound, e.conflict)
}
func (e *testRepoError) IsNotFound() bool    { return e.notFound }
func (e *testRepoError) IsConflict() bool    { return e.conflict }
func (e *testRepoError) IsUnavailable() bool { return false }

type memItemRepo struct {
	items map[string]domain.OrderItem
	// updateHook runs before each Update and may mutate the store to
	// simulate a concurrent writer.
	updateHook func(item domain.OrderItem)
}

func newMemItemRepo() *memItemRepo {
	return &memItemRepo{items: map[string]domain.OrderItem{}}
}

func (r *memItemRepo) Insert(_ context.Context, item domain.OrderItem) error {
	if _, ok := r.items[item.ID]; ok {
		return &testRepoError{conflict: true}
	}
	r.items[item.ID] = item
	return nil
}

func (r *memItemRepo) Update(_ context.Context, item domain.OrderItem) (domain.OrderItem, error) {
	if r.updateHook != nil {
		r.updateHook(item)
	}
	stored, ok := r.items[item.ID]
	if !ok {
		return domain.OrderItem{}, &testRepoError{notFound: true}
	}
	if stored.Version != item.Version {
		return domain.OrderItem{}, &testRepoError{conflict: true}
	}
	item.Version++
	r.items[item.ID] = item
	return item, nil
}

func (r *memItemRepo) FindByID(_ context.Context, itemID string) (domain.OrderItem, error) {
	item, ok := r.items[itemID]
	if !ok {
		return domain.OrderItem{}, &testRepoError{notFound: true}
	}
	return item, nil
}

func (r *memItemRepo) ListByOrder(_ context.Context, orderID string) ([]domain.OrderItem, error) {
	var out []domain.OrderItem
	for _, item := range r.items {
		if item.OrderID == orderID {
			out = append(out, item)
		}
	}
	return out, nil
}

type memReturnRepo struct {
	requests map[string]domain.ReturnRequest
	// updateHook runs before each Update and may fail to simulate an outage.
	updateHook func(req domain.ReturnRequest) error
}

func newMemReturnRepo() *memReturnRepo {
	return &memReturnRepo{requests: map[string]domain.ReturnRequest{}}
}

func (r *memReturnRepo) Insert(_ context.Context, req domain.ReturnRequest) error {
	if _, ok := r.requests[req.ID]; ok {
		return &testRepoError{conflict: true}
	}
	r.requests[req.ID] = req
	return nil
}

func (r *memReturnRepo) Update(_ context.Context, req domain.ReturnRequest) (domain.ReturnRequest, error) {
	if r.updateHook != nil {
		if err := r.updateHook(req); err != nil {
			return domain.ReturnRequest{}, err
		}
	}
	stored, ok := r.requests[req.ID]
	if !ok {
		return domain.ReturnRequest{}, &testRepoError{notFound: true}
	}
	if stored.Version != req.Version {
		return domain.ReturnRequest{}, &testRepoError{conflict: true}
	}
	req.Version++
	r.requests[req.ID] = req
	return req, nil
}

func (r *memReturnRepo) FindByID(_ context.Context, requestID string) (domain.ReturnRequest, error) {
	req, ok := r.requests[requestID]
	if !ok {
		return domain.ReturnRequest{}, &testRepoError{notFound: true}
	}
	return req, nil
}

func (r *memReturnRepo) FindOpenByItem(_ context.Context, itemID string) (domain.ReturnRequest, error) {
	var latest domain.ReturnRequest
	found := false
	for _, req := range r.requests {
		if req.OrderItemID != itemID {
			continue
		}
		if !found || req.CreatedAt.After(latest.CreatedAt) {
			latest = req
			found = true
		}
	}
	if !found {
		return domain.ReturnRequest{}, &testRepoError{notFound: true}
	}
	return latest, nil
}

type memRefundRepo struct {
	records []domain.RefundRecord
	// appendHook runs before each Append and may fail to simulate an outage.
	appendHook func(record domain.RefundRecord) error
}

func (r *memRefundRepo) Append(_ context.Context, record domain.RefundRecord) error {
	if r.appendHook != nil {
		if err := r.appendHook(record); err != nil {
			return err
		}
	}
	for _, existing := range r.records {
		if existing.ID == record.ID {
			return &testRepoError{conflict: true}
		}
	}
	r.records = append(r.records, record)
	return nil
}

func (r *memRefundRepo) FindByID(_ context.Context, recordID string) (domain.RefundRecord, error) {
	for _, record := range r.records {
		if record.ID == recordID {
			return record, nil
		}
	}
	return domain.RefundRecord{}, &testRepoError{notFound: true}
}

func (r *memRefundRepo) ListByItem(_ context.Context, itemID string) ([]domain.RefundRecord, error) {
	var out []domain.RefundRecord
	for _, record := range r.records {
		if record.OrderItemID == itemID {
			out = append(out, record)
		}
	}
	return out, nil
}

type memDeadlineRepo struct {
	deadlines map[string]domain.Deadline
}

func newMemDeadlineRepo() *memDeadlineRepo {
	return &memDeadlineRepo{deadlines: map[string]domain.Deadline{}}
}

func (r *memDeadlineRepo) Schedule(_ context.Context, d domain.Deadline) (domain.Deadline, error) {
	r.deadlines[d.ID] = d
	return d, nil
}

func (r *memDeadlineRepo) Cancel(_ context.Context, itemID string, kind domain.DeadlineKind) error {
	for id, d := range r.deadlines {
		if d.OrderItemID == itemID && d.Kind == kind && d.Status == domain.DeadlinePending {
			d.Status = domain.DeadlineCanceled
			r.deadlines[id] = d
		}
	}
	return nil
}

// sweepClaimLease mirrors the production claim lease: a claim older than this
// no longer blocks another sweeper.
const sweepClaimLease = 5 * time.Minute

func (r *memDeadlineRepo) Claim(_ context.Context, deadlineID, claimedBy string, now time.Time) (domain.Deadline, error) {
	d, ok := r.deadlines[deadlineID]
	if !ok {
		return domain.Deadline{}, &testRepoError{notFound: true}
	}
	switch {
	case d.Status == domain.DeadlinePending:
	case d.Status == domain.DeadlineClaimed && d.ClaimedAt != nil && now.Sub(*d.ClaimedAt) >= sweepClaimLease:
	default:
		return domain.Deadline{}, &testRepoError{conflict: true}
	}
	d.Status = domain.DeadlineClaimed
	d.ClaimedBy = claimedBy
	d.ClaimedAt = &now
	d.Attempts++
	r.deadlines[deadlineID] = d
	return d, nil
}

func (r *memDeadlineRepo) MarkFired(_ context.Context, deadlineID string, firedAt time.Time) error {
	d, ok := r.deadlines[deadlineID]
	if !ok {
		return &testRepoError{notFound: true}
	}
	d.Status = domain.DeadlineFired
	d.FiredAt = &firedAt
	r.deadlines[deadlineID] = d
	return nil
}

func (r *memDeadlineRepo) ListDue(_ context.Context, now time.Time, limit int) ([]domain.Deadline, error) {
	var out []domain.Deadline
	for _, d := range r.deadlines {
		switch {
		case d.Status == domain.DeadlinePending && !d.DueAt.After(now):
		case d.Status == domain.DeadlineClaimed && d.ClaimedAt != nil && now.Sub(*d.ClaimedAt) >= sweepClaimLease:
		default:
			continue
		}
		out = append(out, d)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memDeadlineRepo) pendingOfKind(kind domain.DeadlineKind) []domain.Deadline {
	var out []domain.Deadline
	for _, d := range r.deadlines {
		if d.Kind == kind && d.Status == domain.DeadlinePending {
			out = append(out, d)
		}
	}
	return out
}

type stubPolicyProvider struct {
	cfg domain.PolicyConfig
	err error
}

func (p *stubPolicyProvider) Current(context.Context) (domain.PolicyConfig, error) {
	return p.cfg, p.err
}

type stubInstrumentChecker struct {
	usableFn func(ctx context.Context, token string) (bool, error)
}

func (c *stubInstrumentChecker) InstrumentUsable(ctx context.Context, token string) (bool, error) {
	if c.usableFn == nil {
		return true, nil
	}
	return c.usableFn(ctx, token)
}

type capturingPublisher struct {
	events []EventMessage
}

func (p *capturingPublisher) PublishEvent(_ context.Context, msg EventMessage) (string, error) {
	p.events = append(p.events, msg)
	return msg.EventID, nil
}

type capturingSink struct {
	notifications []Notification
}

func (s *capturingSink) PublishNotification(_ context.Context, msg Notification) (string, error) {
	s.notifications = append(s.notifications, msg)
	return msg.Kind, nil
}

func (s *capturingSink) kinds() []string {
	out := make([]string, 0, len(s.notifications))
	for _, n := range s.notifications {
		out = append(out, n.Kind)
	}
	return out
}

type lifecycleFixture struct {
	items     *memItemRepo
	returns   *memReturnRepo
	refunds   *memRefundRepo
	deadlines *memDeadlineRepo
	policy    *stubPolicyProvider
	events    *capturingPublisher
	sink      *capturingSink
	clock     time.Time
	service   LifecycleService
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()

	f := &lifecycleFixture{
		items:     newMemItemRepo(),
		returns:   newMemReturnRepo(),
		refunds:   &memRefundRepo{},
		deadlines: newMemDeadlineRepo(),
		policy:    &stubPolicyProvider{cfg: calcPolicy()},
		events:    &capturingPublisher{},
		sink:      &capturingSink{},
		clock:     calcNow,
	}

	seq := 0
	svc, err := NewLifecycleService(LifecycleDeps{
		Items:         f.items,
		Returns:       f.returns,
		Refunds:       f.refunds,
		Deadlines:     f.deadlines,
		Policies:      f.policy,
		Instruments:   &stubInstrumentChecker{},
		Events:        f.events,
		Notifications: f.sink,
		Clock:         func() time.Time { return f.clock },
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("%08d", seq)
		},
	})
	if err != nil {
		t.Fatalf("NewLifecycleService returned error: %v", err)
	}
	f.service = svc
	return f
}

func (f *lifecycleFixture) seedItem(t *testing.T, mutate func(*domain.OrderItem)) domain.OrderItem {
	t.Helper()
	delivered := f.clock.AddDate(0, 0, -5)
	item := domain.OrderItem{
		ID:           "itm_seed",
		OrderID:      "ord_seed",
		SellerType:   domain.SellerFirstParty,
		Category:     "kitchen",
		UnitPrice:    10000,
		FX:           domain.FXSnapshot{Currency: "USD", Rate: 1},
		Quantity:     1,
		State:        domain.StateReturnWindowOpen,
		Jurisdiction: "US-WA",
		PaymentToken: "pm_seed",
		Version:      1,
		CreatedAt:    delivered,
		UpdatedAt:    delivered,
	}
	item.Timestamps.PlacedAt = delivered
	item.Timestamps.DeliveredAt = &delivered
	if mutate != nil {
		mutate(&item)
	}
	if err := f.items.Insert(context.Background(), item); err != nil {
		t.Fatalf("seed item: %v", err)
	}
	return item
}

func TestRequestCancellationSettlesFullRefund(t *testing.T) {
	f := newLifecycleFixture(t)
	f.seedItem(t, func(item *domain.OrderItem) {
		item.State = domain.StateCancelable
		item.Timestamps.DeliveredAt = nil
	})

	result, err := f.service.RequestCancellation(context.Background(), CancellationCommand{
		OrderItemID: "itm_seed",
		Reason:      domain.ReasonNoLongerNeeded,
		ActorID:     "buyer_1",
	})
	if err != nil {
		t.Fatalf("RequestCancellation returned error: %v", err)
	}

	if result.Item.State != domain.StateCanceled {
		t.Errorf("state = %q, want canceled", result.Item.State)
	}
	if result.Item.QuantityCanceled != 1 {
		t.Errorf("quantityCanceled = %d, want 1", result.Item.QuantityCanceled)
	}
	if result.Refund == nil {
		t.Fatal("refund record missing")
	}
	if result.Refund.Type != domain.RefundTypeFull || result.Refund.NetAmount != 10000 {
		t.Errorf("refund = %+v, want full 10000", result.Refund)
	}
	if len(f.refunds.records) != 1 {
		t.Errorf("appended records = %d, want 1", len(f.refunds.records))
	}
	if got := f.sink.kinds(); len(got) != 1 || got[0] != notifyCancellationConfirmed {
		t.Errorf("notifications = %v, want cancellation confirmation", got)
	}
	if len(f.events.events) != 1 || f.events.events[0].Event != string(domain.EventCancel) {
		t.Errorf("events = %v, want one cancel transition", f.events.events)
	}
}

func TestRequestCancellationFinalSaleOverride(t *testing.T) {
	f := newLifecycleFixture(t)
	f.seedItem(t, func(item *domain.OrderItem) {
		item.State = domain.StateCancelable
		item.Flags.FinalSale = true
		item.Timestamps.DeliveredAt = nil
	})

	_, err := f.service.RequestCancellation(context.Background(), CancellationCommand{
		OrderItemID: "itm_seed",
		Reason:      domain.ReasonNoLongerNeeded,
	})
	if !errors.Is(err, ErrPolicyDenied) {
		t.Fatalf("remorse cancellation err = %v, want policy denial", err)
	}
	reason, ok := DeniedReason(err)
	if !ok || reason.Code != DenialNonReturnable {
		t.Fatalf("denial reason = %+v, want non_returnable", reason)
	}

	result, err := f.service.RequestCancellation(context.Background(), CancellationCommand{
		OrderItemID: "itm_seed",
		Reason:      domain.ReasonDefective,
	})
	if err != nil {
		t.Fatalf("defective-reason cancellation err = %v, want override to apply", err)
	}
	if result.Item.State != domain.StateCanceled {
		t.Errorf("state = %q, want canceled", result.Item.State)
	}
}

func TestRequestCancellationThirdPartyNeedsApproval(t *testing.T) {
	f := newLifecycleFixture(t)
	f.seedItem(t, func(item *domain.OrderItem) {
		item.State = domain.StateEnteredFulfillment
		item.SellerType = domain.SellerThirdParty
		item.Timestamps.DeliveredAt = nil
	})

	result, err := f.service.RequestCancellation(context.Background(), CancellationCommand{
		OrderItemID: "itm_seed",
		Reason:      domain.ReasonOrderedByMistake,
	})
	if err != nil {
		t.Fatalf("RequestCancellation returned error: %v", err)
	}
	if !result.PendingApproval || result.Refund != nil {
		t.Fatalf("result = %+v, want pending approval without a refund", result)
	}
	if result.Item.ApprovalRequested == nil {
		t.Error("approvalRequested not stamped")
	}
	if got := f.deadlines.pendingOfKind(domain.DeadlineFulfillmentApproval); len(got) != 1 {
		t.Fatalf("approval deadlines = %d, want 1", len(got))
	}

	// A repeated request while pending stays idempotent.
	again, err := f.service.RequestCancellation(context.Background(), CancellationCommand{
		OrderItemID: "itm_seed",
		Reason:      domain.ReasonOrderedByMistake,
	})
	if err != nil || !again.PendingApproval {
		t.Fatalf("repeat request = %+v, %v, want pending approval again", again, err)
	}
	if got := f.deadlines.pendingOfKind(domain.DeadlineFulfillmentApproval); len(got) != 1 {
		t.Errorf("approval deadlines after repeat = %d, want still 1", len(got))
	}

	item, err := f.service.ResolveCancellationApproval(context.Background(), ApprovalCommand{
		OrderItemID: "itm_seed",
		Approve:     true,
		ActorID:     "seller_1",
	})
	if err != nil {
		t.Fatalf("ResolveCancellationApproval returned error: %v", err)
	}
	if item.State != domain.StateCanceled {
		t.Errorf("state = %q, want canceled after approval", item.State)
	}
	if len(f.refunds.records) != 1 {
		t.Errorf("refund records = %d, want 1", len(f.refunds.records))
	}
	if got := f.deadlines.pendingOfKind(domain.DeadlineFulfillmentApproval); len(got) != 0 {
		t.Errorf("approval deadlines after resolve = %d, want 0", len(got))
	}
}

func TestRequestCancellationLosesRaceToConcurrentCancel(t *testing.T) {
	f := newLifecycleFixture(t)
	f.seedItem(t, func(item *domain.OrderItem) {
		item.State = domain.StateCancelable
		item.Timestamps.DeliveredAt = nil
	})

	// Another writer cancels and settles between this caller's read and
	// write. The caller's version check fails, and its re-read finds a
	// terminal state with the refund already on file.
	raced := false
	f.items.updateHook = func(domain.OrderItem) {
		if raced {
			return
		}
		raced = true
		stored := f.items.items["itm_seed"]
		stored.State = domain.StateCanceled
		stored.QuantityCanceled = stored.Quantity
		stored.Version++
		f.items.items["itm_seed"] = stored
		f.refunds.records = append(f.refunds.records, domain.RefundRecord{
			ID:          "ref_winner",
			OrderItemID: "itm_seed",
			Type:        domain.RefundTypeFull,
			GrossAmount: 10000,
			NetAmount:   10000,
			Currency:    "USD",
			Destination: domain.DestinationOriginalInstrument,
			SettledAt:   f.clock,
		})
	}

	_, err := f.service.RequestCancellation(context.Background(), CancellationCommand{
		OrderItemID: "itm_seed",
		Reason:      domain.ReasonNoLongerNeeded,
	})
	if !errors.Is(err, ErrPolicyDenied) {
		t.Fatalf("err = %v, want policy denial after losing the race", err)
	}
	reason, _ := DeniedReason(err)
	if reason.Code != DenialTerminalState {
		t.Errorf("denial code = %q, want terminal_state", reason.Code)
	}
	if len(f.refunds.records) != 1 {
		t.Errorf("refund records = %d, want only the winner's settlement", len(f.refunds.records))
	}
}

func TestRequestCancellationRetrySettlesLostRefund(t *testing.T) {
	f := newLifecycleFixture(t)
	f.seedItem(t, func(item *domain.OrderItem) {
		item.State = domain.StateCancelable
		item.Timestamps.DeliveredAt = nil
	})

	// The refund store fails once, after the cancellation already committed.
	failures := 1
	f.refunds.appendHook = func(domain.RefundRecord) error {
		if failures > 0 {
			failures--
			return errors.New("refund store outage")
		}
		return nil
	}

	if _, err := f.service.RequestCancellation(context.Background(), CancellationCommand{
		OrderItemID: "itm_seed",
		Reason:      domain.ReasonNoLongerNeeded,
	}); err == nil {
		t.Fatal("first request err = nil, want the append failure to surface")
	}

	stored, _ := f.items.FindByID(context.Background(), "itm_seed")
	if stored.State != domain.StateCanceled {
		t.Fatalf("state = %q, want canceled before the retry", stored.State)
	}
	if len(f.refunds.records) != 0 {
		t.Fatalf("refund records = %d, want none yet", len(f.refunds.records))
	}

	// The retry finds the committed cancellation and settles the owed refund.
	result, err := f.service.RequestCancellation(context.Background(), CancellationCommand{
		OrderItemID: "itm_seed",
		Reason:      domain.ReasonNoLongerNeeded,
	})
	if err != nil {
		t.Fatalf("retry returned error: %v", err)
	}
	if result.Refund == nil {
		t.Fatal("retry settled no refund")
	}
	if result.Refund.Type != domain.RefundTypeFull || result.Refund.NetAmount != 10000 {
		t.Errorf("refund = %+v, want full 10000", result.Refund)
	}
	if len(f.refunds.records) != 1 {
		t.Errorf("refund records = %d, want exactly 1", len(f.refunds.records))
	}

	// A further retry reports the terminal state without paying again.
	if _, err := f.service.RequestCancellation(context.Background(), CancellationCommand{
		OrderItemID: "itm_seed",
		Reason:      domain.ReasonNoLongerNeeded,
	}); !errors.Is(err, ErrPolicyDenied) {
		t.Errorf("third request err = %v, want policy denial", err)
	}
	if len(f.refunds.records) != 1 {
		t.Errorf("refund records after third request = %d, want still 1", len(f.refunds.records))
	}
}

func TestInitiateReturnOpensRequestAndDeadlines(t *testing.T) {
	f := newLifecycleFixture(t)
	item := f.seedItem(t, nil)

	request, err := f.service.InitiateReturn(context.Background(), InitiateReturnCommand{
		OrderItemID: item.ID,
		Quantity:    1,
		Reason:      domain.ReasonNoLongerNeeded,
		Method:      domain.ReturnMethodFreeDropoff,
	})
	if err != nil {
		t.Fatalf("InitiateReturn returned error: %v", err)
	}

	wantReturnBy := item.Timestamps.DeliveredAt.AddDate(0, 0, 30)
	if !request.ReturnBy.Equal(wantReturnBy) {
		t.Errorf("returnBy = %s, want %s", request.ReturnBy, wantReturnBy)
	}
	if !request.LabelRequired {
		t.Error("labelRequired = false, want true for free drop-off")
	}

	stored, err := f.items.FindByID(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stored.State != domain.StateReturnRequested {
		t.Errorf("state = %q, want return_requested", stored.State)
	}
	if got := f.deadlines.pendingOfKind(domain.DeadlineReturnBy); len(got) != 1 {
		t.Errorf("return_by deadlines = %d, want 1", len(got))
	}
	reminders := f.deadlines.pendingOfKind(domain.DeadlineReminder)
	if len(reminders) != 1 {
		t.Fatalf("reminder deadlines = %d, want 1", len(reminders))
	}
	if want := wantReturnBy.AddDate(0, 0, -3); !reminders[0].DueAt.Equal(want) {
		t.Errorf("reminder due = %s, want %s", reminders[0].DueAt, want)
	}
}

func TestInitiateReturnSchedulesReminderWithoutConfiguredLead(t *testing.T) {
	f := newLifecycleFixture(t)
	cfg := calcPolicy()
	cfg.ReminderLeadDays = 0
	f.policy.cfg = cfg
	item := f.seedItem(t, nil)

	request, err := f.service.InitiateReturn(context.Background(), InitiateReturnCommand{
		OrderItemID: item.ID,
		Quantity:    1,
		Reason:      domain.ReasonNoLongerNeeded,
		Method:      domain.ReturnMethodFreeDropoff,
	})
	if err != nil {
		t.Fatalf("InitiateReturn returned error: %v", err)
	}

	reminders := f.deadlines.pendingOfKind(domain.DeadlineReminder)
	if len(reminders) != 1 {
		t.Fatalf("reminder deadlines = %d, want the default lead to apply", len(reminders))
	}
	if want := request.ReturnBy.AddDate(0, 0, -defaultReminderLeadDays); !reminders[0].DueAt.Equal(want) {
		t.Errorf("reminder due = %s, want %s", reminders[0].DueAt, want)
	}
}

func TestCarrierScanTriggersAdvanceRefundOnce(t *testing.T) {
	f := newLifecycleFixture(t)
	item := f.seedItem(t, nil)
	request, err := f.service.InitiateReturn(context.Background(), InitiateReturnCommand{
		OrderItemID: item.ID,
		Quantity:    1,
		Reason:      domain.ReasonNoLongerNeeded,
		Method:      domain.ReturnMethodFreeDropoff,
	})
	if err != nil {
		t.Fatalf("InitiateReturn: %v", err)
	}

	result, err := f.service.RecordCarrierScan(context.Background(), CarrierScanCommand{
		ReturnRequestID: request.ID,
		ScannedAt:       f.clock.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("RecordCarrierScan returned error: %v", err)
	}
	if !result.AdvanceRefundTriggered || result.Refund == nil {
		t.Fatalf("result = %+v, want advance refund", result)
	}
	if result.Refund.Type != domain.RefundTypeAdvance || result.Refund.NetAmount != 10000 {
		t.Errorf("advance = %+v, want full 10000", result.Refund)
	}
	if !result.Return.AdvanceRefunded {
		t.Error("advanceRefunded not stamped on the return")
	}

	stored, _ := f.items.FindByID(context.Background(), item.ID)
	if stored.State != domain.StateAwaitingReturnReceipt {
		t.Errorf("state = %q, want awaiting_return_receipt", stored.State)
	}

	// A duplicate scan webhook is a no-op.
	again, err := f.service.RecordCarrierScan(context.Background(), CarrierScanCommand{
		ReturnRequestID: request.ID,
		ScannedAt:       f.clock.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("duplicate scan err = %v", err)
	}
	if again.AdvanceRefundTriggered {
		t.Error("duplicate scan triggered a second advance refund")
	}
	if len(f.refunds.records) != 1 {
		t.Errorf("refund records = %d, want 1", len(f.refunds.records))
	}
}

func TestCarrierScanRetryAfterUpdateFailurePaysAdvanceOnce(t *testing.T) {
	f := newLifecycleFixture(t)
	item := f.seedItem(t, nil)
	request, err := f.service.InitiateReturn(context.Background(), InitiateReturnCommand{
		OrderItemID: item.ID,
		Quantity:    1,
		Reason:      domain.ReasonNoLongerNeeded,
		Method:      domain.ReturnMethodFreeDropoff,
	})
	if err != nil {
		t.Fatalf("InitiateReturn: %v", err)
	}

	// The request update fails once, after the advance already settled. The
	// webhook retry then sees a request without its scan markers.
	failures := 1
	f.returns.updateHook = func(domain.ReturnRequest) error {
		if failures > 0 {
			failures--
			return errors.New("return store outage")
		}
		return nil
	}

	if _, err := f.service.RecordCarrierScan(context.Background(), CarrierScanCommand{
		ReturnRequestID: request.ID,
		ScannedAt:       f.clock.Add(time.Hour),
	}); err == nil {
		t.Fatal("first scan err = nil, want the update failure to surface")
	}
	if len(f.refunds.records) != 1 {
		t.Fatalf("refund records after failure = %d, want the settled advance", len(f.refunds.records))
	}

	result, err := f.service.RecordCarrierScan(context.Background(), CarrierScanCommand{
		ReturnRequestID: request.ID,
		ScannedAt:       f.clock.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("retried scan returned error: %v", err)
	}
	if !result.AdvanceRefundTriggered || result.Refund == nil {
		t.Fatalf("result = %+v, want the advance reported on retry", result)
	}
	if !result.Return.AdvanceRefunded {
		t.Error("advanceRefunded not stamped on the retried update")
	}

	var advanced int64
	count := 0
	for _, record := range f.refunds.records {
		if record.Type == domain.RefundTypeAdvance {
			count++
			advanced += record.NetAmount
		}
	}
	if count != 1 || advanced != 10000 {
		t.Errorf("advance records = %d totalling %d, want one advance of 10000", count, advanced)
	}
}

func TestReceiptAfterAdvanceSettlesReversal(t *testing.T) {
	f := newLifecycleFixture(t)
	item := f.seedItem(t, nil)
	request, err := f.service.InitiateReturn(context.Background(), InitiateReturnCommand{
		OrderItemID: item.ID,
		Quantity:    1,
		Reason:      domain.ReasonNoLongerNeeded,
		Method:      domain.ReturnMethodFreeDropoff,
	})
	if err != nil {
		t.Fatalf("InitiateReturn: %v", err)
	}
	if _, err := f.service.RecordCarrierScan(context.Background(), CarrierScanCommand{
		ReturnRequestID: request.ID,
		ScannedAt:       f.clock.Add(time.Hour),
	}); err != nil {
		t.Fatalf("RecordCarrierScan: %v", err)
	}

	refund, err := f.service.RecordReceipt(context.Background(), ReceiptCommand{
		ReturnRequestID: request.ID,
		Report:          domain.ConditionReport{Condition: domain.ConditionUnopened},
		ActorID:         "inspector_1",
	})
	if err != nil {
		t.Fatalf("RecordReceipt returned error: %v", err)
	}

	if refund.Type != domain.RefundTypeReversal {
		t.Errorf("type = %q, want reversal after an advance", refund.Type)
	}
	if refund.NetAmount != 0 {
		t.Errorf("net = %d, want 0; the advance already paid out", refund.NetAmount)
	}

	stored, _ := f.items.FindByID(context.Background(), item.ID)
	if stored.State != domain.StateRefunded {
		t.Errorf("state = %q, want refunded", stored.State)
	}
	if stored.QuantityReturned != 1 {
		t.Errorf("quantityReturned = %d, want 1", stored.QuantityReturned)
	}
	if got := f.deadlines.pendingOfKind(domain.DeadlineReturnBy); len(got) != 0 {
		t.Errorf("return_by deadlines after receipt = %d, want 0", len(got))
	}

	// Receipts are exactly-once.
	if _, err := f.service.RecordReceipt(context.Background(), ReceiptCommand{
		ReturnRequestID: request.ID,
		Report:          domain.ConditionReport{Condition: domain.ConditionUnopened},
	}); !errors.Is(err, ErrConflict) {
		t.Errorf("second receipt err = %v, want ErrConflict", err)
	}
}

func TestExpireReturnByClawsBackAdvance(t *testing.T) {
	f := newLifecycleFixture(t)
	item := f.seedItem(t, nil)
	request, err := f.service.InitiateReturn(context.Background(), InitiateReturnCommand{
		OrderItemID: item.ID,
		Quantity:    1,
		Reason:      domain.ReasonNoLongerNeeded,
		Method:      domain.ReturnMethodFreeDropoff,
	})
	if err != nil {
		t.Fatalf("InitiateReturn: %v", err)
	}
	if _, err := f.service.RecordCarrierScan(context.Background(), CarrierScanCommand{
		ReturnRequestID: request.ID,
		ScannedAt:       f.clock.Add(time.Hour),
	}); err != nil {
		t.Fatalf("RecordCarrierScan: %v", err)
	}

	expiry := request.ReturnBy.Add(time.Hour)
	f.clock = expiry
	err = f.service.ExpireDeadline(context.Background(), domain.Deadline{
		ID:          "ddl_test",
		OrderItemID: item.ID,
		Kind:        domain.DeadlineReturnBy,
	}, expiry)
	if err != nil {
		t.Fatalf("ExpireDeadline returned error: %v", err)
	}

	stored, _ := f.items.FindByID(context.Background(), item.ID)
	if stored.State != domain.StateChargedBack {
		t.Fatalf("state = %q, want charged_back", stored.State)
	}

	records, _ := f.refunds.ListByItem(context.Background(), item.ID)
	if len(records) != 2 {
		t.Fatalf("records = %d, want advance plus chargeback", len(records))
	}
	chargeback := records[1]
	if chargeback.Type != domain.RefundTypeReversal || chargeback.NetAmount != 0 {
		t.Errorf("chargeback = %+v, want zero-net reversal", chargeback)
	}
	if chargeback.ReversalOf != records[0].ID {
		t.Errorf("reversalOf = %q, want %q", chargeback.ReversalOf, records[0].ID)
	}

	// The item shows up late but intact. The drop-off scan was timely, so no
	// late fee applies; the reversal restores the full timely net.
	arrival := expiry.Add(48 * time.Hour)
	f.clock = arrival
	refund, err := f.service.RecordReceipt(context.Background(), ReceiptCommand{
		ReturnRequestID: request.ID,
		Report:          domain.ConditionReport{Condition: domain.ConditionUnopened},
	})
	if err != nil {
		t.Fatalf("late receipt returned error: %v", err)
	}
	if refund.Type != domain.RefundTypeReversal || refund.ReversalOf != chargeback.ID {
		t.Errorf("late refund = %+v, want reversal of the chargeback", refund)
	}
	if refund.NetAmount != 10000 {
		t.Errorf("net = %d, want the full timely net of 10000", refund.NetAmount)
	}

	stored, _ = f.items.FindByID(context.Background(), item.ID)
	if stored.State != domain.StateRefunded {
		t.Errorf("state = %q, want refunded after recovery", stored.State)
	}

	var reversed bool
	for _, msg := range f.events.events {
		if msg.Event == string(domain.EventReverseCharge) {
			reversed = true
		}
	}
	if !reversed {
		t.Error("reverse_charge event not published")
	}
}

func TestRecordReceiptRoutesDeclinedInstrumentToBalance(t *testing.T) {
	f := newLifecycleFixture(t)
	item := f.seedItem(t, nil)
	request, err := f.service.InitiateReturn(context.Background(), InitiateReturnCommand{
		OrderItemID: item.ID,
		Quantity:    1,
		Reason:      domain.ReasonNoLongerNeeded,
		Method:      domain.ReturnMethodPaidShipping,
	})
	if err != nil {
		t.Fatalf("InitiateReturn: %v", err)
	}

	fx, err := NewLifecycleService(LifecycleDeps{
		Items:     f.items,
		Returns:   f.returns,
		Refunds:   f.refunds,
		Deadlines: f.deadlines,
		Policies:  f.policy,
		Instruments: &stubInstrumentChecker{usableFn: func(context.Context, string) (bool, error) {
			return false, nil
		}},
		Clock: func() time.Time { return f.clock },
	})
	if err != nil {
		t.Fatalf("NewLifecycleService: %v", err)
	}

	refund, err := fx.RecordReceipt(context.Background(), ReceiptCommand{
		ReturnRequestID: request.ID,
		Report:          domain.ConditionReport{Condition: domain.ConditionUnopened},
	})
	if err != nil {
		t.Fatalf("RecordReceipt returned error: %v", err)
	}
	if refund.Type != domain.RefundTypeDeclined || refund.Destination != domain.DestinationAccountBalance {
		t.Errorf("refund = %q/%q, want declined to account balance", refund.Type, refund.Destination)
	}
}

func TestApplyEventRejectsGuardedEvents(t *testing.T) {
	f := newLifecycleFixture(t)
	f.seedItem(t, func(item *domain.OrderItem) {
		item.State = domain.StatePlaced
		item.Timestamps.DeliveredAt = nil
	})

	if _, err := f.service.ApplyEvent(context.Background(), ApplyEventCommand{
		OrderItemID: "itm_seed",
		Event:       domain.EventCancel,
	}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancel via ApplyEvent err = %v, want ErrInvalidTransition", err)
	}

	item, err := f.service.ApplyEvent(context.Background(), ApplyEventCommand{
		OrderItemID: "itm_seed",
		Event:       domain.EventConfirm,
	})
	if err != nil {
		t.Fatalf("confirm err = %v", err)
	}
	if item.State != domain.StateCancelable {
		t.Errorf("state = %q, want cancelable", item.State)
	}
}

func TestRegisterItemValidatesInput(t *testing.T) {
	f := newLifecycleFixture(t)

	if _, err := f.service.RegisterItem(context.Background(), RegisterItemCommand{
		OrderID:    "ord_1",
		SellerType: domain.SellerFirstParty,
		UnitPrice:  100,
		Currency:   "NOPE",
		Quantity:   1,
	}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("invalid currency err = %v, want ErrInvalidInput", err)
	}

	item, err := f.service.RegisterItem(context.Background(), RegisterItemCommand{
		OrderID:    "ord_1",
		SellerType: domain.SellerFirstParty,
		Category:   "kitchen",
		UnitPrice:  2500,
		Currency:   "usd",
		Quantity:   2,
	})
	if err != nil {
		t.Fatalf("RegisterItem returned error: %v", err)
	}
	if item.State != domain.StatePlaced || item.FX.Currency != "USD" {
		t.Errorf("item = %+v, want placed with normalised currency", item)
	}
	if item.ID == "" || item.Timestamps.PlacedAt.IsZero() {
		t.Error("id or placedAt not stamped")
	}
}
