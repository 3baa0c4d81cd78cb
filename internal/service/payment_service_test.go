package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v79"

	"github.com/digkill/CutoutStore/internal/config"
	"github.com/digkill/CutoutStore/internal/models"
	"github.com/digkill/CutoutStore/internal/repository"
	"github.com/digkill/CutoutStore/internal/repository/memory"
)

const webhookSecret = "whsec_test"

type fakePayments struct {
	mu     sync.Mutex
	byID   map[int64]*models.Payment
	nextID int64
	// failUpdates makes the next n UpdateStatus calls fail.
	failUpdates int
}

func newFakePayments() *fakePayments {
	return &fakePayments{byID: map[int64]*models.Payment{}}
}

func (f *fakePayments) Create(_ context.Context, p *models.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.byID {
		if existing.Provider == p.Provider && existing.ProviderEventID == p.ProviderEventID {
			return repository.ErrDuplicateEvent
		}
	}
	f.nextID++
	p.ID = f.nextID
	p.UpdatedAt = time.Now()
	cp := *p
	f.byID[p.ID] = &cp
	return nil
}

func (f *fakePayments) FindByProviderEvent(_ context.Context, provider, eventID string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.byID {
		if p.Provider == provider && p.ProviderEventID == eventID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakePayments) UpdateStatus(ctx context.Context, id int64, status models.PaymentStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdates > 0 {
		f.failUpdates--
		return errors.New("connection reset")
	}
	if p, ok := f.byID[id]; ok {
		p.Status = status
		p.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakePayments) Claim(_ context.Context, seen *models.Payment) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byID[seen.ID]
	if !ok || p.Status != seen.Status || !p.UpdatedAt.Equal(seen.UpdatedAt) {
		return false, nil
	}
	p.Status = models.PaymentStatusPending
	p.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakePayments) status(eventID string) models.PaymentStatus {
	rec, _ := f.FindByProviderEvent(context.Background(), "stripe", eventID)
	if rec == nil {
		return ""
	}
	return rec.Status
}

type fakeGateway struct {
	customers int
	params    *stripe.CheckoutSessionParams
}

func (g *fakeGateway) CreateCustomer(_ context.Context, _ string, userID int64) (string, error) {
	g.customers++
	return fmt.Sprintf("cus_%d", userID), nil
}

func (g *fakeGateway) CreateSession(_ context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	g.params = params
	return &stripe.CheckoutSession{ID: "cs_test", URL: "https://checkout.stripe.test/cs_test"}, nil
}

type flakyGranter struct {
	Granter
	fail bool
	// cancel, when set, is called on a failing grant to mimic a dropped connection.
	cancel context.CancelFunc
}

func (g *flakyGranter) Grant(ctx context.Context, userID int64, amount int, source string, validity time.Duration) (int, error) {
	if g.fail {
		if g.cancel != nil {
			g.cancel()
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: connection reset", ErrStorage)
	}
	return g.Granter.Grant(ctx, userID, amount, source, validity)
}

type paymentFixture struct {
	svc      *PaymentService
	payments *fakePayments
	users    *fakeUsers
	packs    *fakePacks
	store    *memory.CreditStore
	gateway  *fakeGateway
	granter  *flakyGranter
	user     *models.User
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()
	users := newFakeUsers()
	user, err := users.Create(context.Background(), &models.User{Email: "buyer@example.com"})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	store := memory.NewCreditStore()
	store.AddUser(user.ID)
	credits := NewCreditService(store, discardLogger())

	f := &paymentFixture{
		payments: newFakePayments(),
		users:    users,
		packs:    &fakePacks{},
		store:    store,
		gateway:  &fakeGateway{},
		granter:  &flakyGranter{Granter: credits},
		user:     user,
	}
	cfg := config.Config{
		StripeWebhookSecret:        webhookSecret,
		SubscriptionMonthlyCredits: 150,
		PublicBaseURL:              "https://cutout.test",
	}
	f.svc = NewPaymentService(cfg, discardLogger(), f.payments, users, f.packs, f.granter, f.gateway)
	return f
}

func sign(payload []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func eventJSON(id, typ, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","api_version":"2024-06-20","type":%q,"data":{"object":%s}}`, id, typ, object))
}

func TestCreateCheckoutForPaymentPack(t *testing.T) {
	f := newPaymentFixture(t)
	pack, _ := f.packs.Create(context.Background(), &models.CreditPack{
		Title: "50 credits", StripePriceID: "price_50", Mode: models.PackModePayment, Credits: 50, DaysValid: 30, IsActive: true,
	})

	url, err := f.svc.CreateCheckout(context.Background(), f.user.ID, pack.ID)
	if err != nil {
		t.Fatalf("CreateCheckout() error = %v", err)
	}
	if url == "" {
		t.Fatalf("empty checkout url")
	}
	p := f.gateway.params
	if *p.Mode != string(stripe.CheckoutSessionModePayment) || *p.Customer != "cus_1" {
		t.Fatalf("params mode=%s customer=%s", *p.Mode, *p.Customer)
	}
	if p.Metadata["credits"] != "50" || p.Metadata["source"] != "PAYG:1" || p.Metadata["user_id"] != "1" {
		t.Fatalf("metadata = %v", p.Metadata)
	}
	if p.SubscriptionData != nil {
		t.Fatalf("payment pack must not carry subscription data")
	}

	if _, err := f.svc.CreateCheckout(context.Background(), f.user.ID, pack.ID); err != nil {
		t.Fatalf("second CreateCheckout() error = %v", err)
	}
	if f.gateway.customers != 1 {
		t.Fatalf("customers created = %d, want 1", f.gateway.customers)
	}
}

func TestCreateCheckoutUnknownPack(t *testing.T) {
	f := newPaymentFixture(t)
	if _, err := f.svc.CreateCheckout(context.Background(), f.user.ID, 77); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newPaymentFixture(t)
	payload := eventJSON("evt_1", "checkout.session.completed", `{}`)
	if err := f.svc.HandleWebhook(context.Background(), payload, "t=1,v1=deadbeef"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("error = %v, want ErrInvalidSignature", err)
	}
}

func checkoutSession(userID int64) string {
	return fmt.Sprintf(`{"id":"cs_1","object":"checkout.session","mode":"payment","payment_status":"paid","customer":"cus_1",
"metadata":{"user_id":"%d","pack_id":"3","credits":"50","days_valid":"30","source":"PAYG:3"}}`, userID)
}

func TestCheckoutCompletedGrantsOnce(t *testing.T) {
	f := newPaymentFixture(t)
	payload := eventJSON("evt_paid", "checkout.session.completed", checkoutSession(f.user.ID))

	for i := 0; i < 2; i++ {
		if err := f.svc.HandleWebhook(context.Background(), payload, sign(payload)); err != nil {
			t.Fatalf("delivery %d: HandleWebhook() error = %v", i, err)
		}
	}
	if got := f.store.Total(f.user.ID); got != 50 {
		t.Fatalf("total = %d, want 50 after duplicate delivery", got)
	}
	batches := f.store.Batches(f.user.ID)
	if len(batches) != 1 || batches[0].Source != "PAYG:3" {
		t.Fatalf("batches = %+v", batches)
	}
	rec, _ := f.payments.FindByProviderEvent(context.Background(), "stripe", "evt_paid")
	if rec == nil || rec.Status != models.PaymentStatusPaid || rec.Credits != 50 || rec.PackID == nil || *rec.PackID != 3 {
		t.Fatalf("payment record = %+v", rec)
	}
}

func TestUnpaidCheckoutIsIgnored(t *testing.T) {
	f := newPaymentFixture(t)
	obj := `{"id":"cs_2","object":"checkout.session","mode":"payment","payment_status":"unpaid","metadata":{"user_id":"1","credits":"50"}}`
	payload := eventJSON("evt_unpaid", "checkout.session.completed", obj)
	if err := f.svc.HandleWebhook(context.Background(), payload, sign(payload)); err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}
	if f.store.Total(f.user.ID) != 0 {
		t.Fatalf("unpaid session granted credits")
	}
	rec, _ := f.payments.FindByProviderEvent(context.Background(), "stripe", "evt_unpaid")
	if rec == nil || rec.Status != models.PaymentStatusIgnored {
		t.Fatalf("payment record = %+v", rec)
	}
}

func TestFailedGrantIsRetriedOnRedelivery(t *testing.T) {
	f := newPaymentFixture(t)
	payload := eventJSON("evt_retry", "checkout.session.completed", checkoutSession(f.user.ID))

	f.granter.fail = true
	if err := f.svc.HandleWebhook(context.Background(), payload, sign(payload)); !errors.Is(err, ErrStorage) {
		t.Fatalf("first delivery error = %v, want ErrStorage", err)
	}
	rec, _ := f.payments.FindByProviderEvent(context.Background(), "stripe", "evt_retry")
	if rec == nil || rec.Status != models.PaymentStatusFailed {
		t.Fatalf("record after failure = %+v", rec)
	}

	f.granter.fail = false
	if err := f.svc.HandleWebhook(context.Background(), payload, sign(payload)); err != nil {
		t.Fatalf("redelivery error = %v", err)
	}
	if got := f.store.Total(f.user.ID); got != 50 {
		t.Fatalf("total = %d, want 50", got)
	}
}

func TestFailedMarkIsRetriedSoRedeliveryGrants(t *testing.T) {
	f := newPaymentFixture(t)
	payload := eventJSON("evt_mark", "checkout.session.completed", checkoutSession(f.user.ID))

	f.granter.fail = true
	f.payments.failUpdates = 1
	if err := f.svc.HandleWebhook(context.Background(), payload, sign(payload)); err == nil {
		t.Fatalf("first delivery should fail")
	}
	if got := f.payments.status("evt_mark"); got != models.PaymentStatusFailed {
		t.Fatalf("status after failed grant = %q, want failed", got)
	}

	f.granter.fail = false
	if err := f.svc.HandleWebhook(context.Background(), payload, sign(payload)); err != nil {
		t.Fatalf("redelivery error = %v", err)
	}
	if got := f.store.Total(f.user.ID); got != 50 {
		t.Fatalf("paid event credited %d, want 50", got)
	}
}

func TestCancelledDeliveryStillMarksFailed(t *testing.T) {
	f := newPaymentFixture(t)
	payload := eventJSON("evt_cancel", "checkout.session.completed", checkoutSession(f.user.ID))

	ctx, cancel := context.WithCancel(context.Background())
	f.granter.fail = true
	f.granter.cancel = cancel
	if err := f.svc.HandleWebhook(ctx, payload, sign(payload)); err == nil {
		t.Fatalf("first delivery should fail")
	}
	if got := f.payments.status("evt_cancel"); got != models.PaymentStatusFailed {
		t.Fatalf("status after cancelled delivery = %q, want failed", got)
	}

	f.granter.fail = false
	if err := f.svc.HandleWebhook(context.Background(), payload, sign(payload)); err != nil {
		t.Fatalf("redelivery error = %v", err)
	}
	if got := f.store.Total(f.user.ID); got != 50 {
		t.Fatalf("total = %d, want 50", got)
	}
}

func TestStalePendingEventIsReclaimed(t *testing.T) {
	f := newPaymentFixture(t)
	payload := eventJSON("evt_stuck", "checkout.session.completed", checkoutSession(f.user.ID))

	f.granter.fail = true
	f.payments.failUpdates = markAttempts
	if err := f.svc.HandleWebhook(context.Background(), payload, sign(payload)); err == nil {
		t.Fatalf("first delivery should fail")
	}
	if got := f.payments.status("evt_stuck"); got != models.PaymentStatusPending {
		t.Fatalf("status = %q, want pending", got)
	}

	f.granter.fail = false
	err := f.svc.HandleWebhook(context.Background(), payload, sign(payload))
	if !errors.Is(err, ErrEventInProgress) {
		t.Fatalf("early redelivery error = %v, want ErrEventInProgress", err)
	}
	if got := f.store.Total(f.user.ID); got != 0 {
		t.Fatalf("in-flight event granted %d", got)
	}

	f.svc.now = func() time.Time { return time.Now().Add(stalePendingAfter + time.Minute) }
	if err := f.svc.HandleWebhook(context.Background(), payload, sign(payload)); err != nil {
		t.Fatalf("late redelivery error = %v", err)
	}
	if got := f.store.Total(f.user.ID); got != 50 {
		t.Fatalf("total = %d, want 50", got)
	}
	if got := f.payments.status("evt_stuck"); got != models.PaymentStatusPaid {
		t.Fatalf("status = %q, want paid", got)
	}
}

func TestConcurrentRedeliveriesGrantOnce(t *testing.T) {
	f := newPaymentFixture(t)
	payload := eventJSON("evt_race", "checkout.session.completed", checkoutSession(f.user.ID))

	f.granter.fail = true
	if err := f.svc.HandleWebhook(context.Background(), payload, sign(payload)); err == nil {
		t.Fatalf("first delivery should fail")
	}
	f.granter.fail = false

	sig := sign(payload)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.svc.HandleWebhook(context.Background(), payload, sig)
			if err != nil && !errors.Is(err, ErrEventInProgress) {
				t.Errorf("redelivery error = %v", err)
			}
		}()
	}
	wg.Wait()
	if got := f.store.Total(f.user.ID); got != 50 {
		t.Fatalf("total = %d, want exactly one grant of 50", got)
	}
}

func TestInvoicePaidGrantsSubscriptionCredits(t *testing.T) {
	f := newPaymentFixture(t)
	if err := f.users.SetStripeCustomer(context.Background(), f.user.ID, "cus_sub"); err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	start := time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC).Unix()
	obj := fmt.Sprintf(`{"id":"in_1","object":"invoice","customer":"cus_sub","period_start":%d,"subscription_details":{"metadata":null}}`, start)
	payload := eventJSON("evt_inv", "invoice.payment_succeeded", obj)

	if err := f.svc.HandleWebhook(context.Background(), payload, sign(payload)); err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}
	if got := f.store.Total(f.user.ID); got != 150 {
		t.Fatalf("total = %d, want 150", got)
	}
	if b := f.store.Batches(f.user.ID); len(b) != 1 || b[0].Source != "SUBSCRIPTION:2025-11" {
		t.Fatalf("batches = %+v", b)
	}
	u, _ := f.users.FindByID(context.Background(), f.user.ID)
	if !u.Pro {
		t.Fatalf("user should be pro after invoice payment")
	}
}

func TestSubscriptionDeletedClearsPro(t *testing.T) {
	f := newPaymentFixture(t)
	_ = f.users.SetStripeCustomer(context.Background(), f.user.ID, "cus_gone")
	_ = f.users.SetPro(context.Background(), f.user.ID, true)

	payload := eventJSON("evt_del", "customer.subscription.deleted", `{"id":"sub_1","object":"subscription","customer":"cus_gone","metadata":{}}`)
	if err := f.svc.HandleWebhook(context.Background(), payload, sign(payload)); err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}
	u, _ := f.users.FindByID(context.Background(), f.user.ID)
	if u.Pro {
		t.Fatalf("user should no longer be pro")
	}
}

func TestUnhandledEventAcknowledged(t *testing.T) {
	f := newPaymentFixture(t)
	payload := eventJSON("evt_other", "customer.created", `{"id":"cus_x","object":"customer"}`)
	if err := f.svc.HandleWebhook(context.Background(), payload, sign(payload)); err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}
}
