package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/customer"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/digkill/CutoutStore/internal/config"
	"github.com/digkill/CutoutStore/internal/models"
	"github.com/digkill/CutoutStore/internal/repository"
)

const providerStripe = "stripe"

type PaymentStore interface {
	Create(ctx context.Context, payment *models.Payment) error
	FindByProviderEvent(ctx context.Context, provider, eventID string) (*models.Payment, error)
	UpdateStatus(ctx context.Context, paymentID int64, status models.PaymentStatus) error
	// Claim moves a recorded event back to pending if its row still has the
	// status and updated_at that were read. It reports whether it won.
	Claim(ctx context.Context, payment *models.Payment) (bool, error)
}

type BillingUsers interface {
	FindByID(ctx context.Context, id int64) (*models.User, error)
	FindByStripeCustomer(ctx context.Context, customerID string) (*models.User, error)
	SetStripeCustomer(ctx context.Context, userID int64, customerID string) error
	SetPro(ctx context.Context, userID int64, pro bool) error
}

type Granter interface {
	Grant(ctx context.Context, userID int64, amount int, source string, validity time.Duration) (int, error)
}

// CheckoutGateway is the slice of the Stripe API used to start a purchase.
type CheckoutGateway interface {
	CreateCustomer(ctx context.Context, email string, userID int64) (string, error)
	CreateSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeGateway struct {
	customers customer.Client
	sessions  session.Client
}

func NewStripeGateway(secretKey string) CheckoutGateway {
	backend := stripe.GetBackend(stripe.APIBackend)
	return &stripeGateway{
		customers: customer.Client{B: backend, Key: secretKey},
		sessions:  session.Client{B: backend, Key: secretKey},
	}
}

func (g *stripeGateway) CreateCustomer(ctx context.Context, email string, userID int64) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.Context = ctx
	params.AddMetadata("user_id", strconv.FormatInt(userID, 10))
	cust, err := g.customers.New(params)
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}

func (g *stripeGateway) CreateSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	params.Context = ctx
	return g.sessions.New(params)
}

const (
	stalePendingAfter = 15 * time.Minute
	markTimeout       = 5 * time.Second
	markAttempts      = 3
	markBackoff       = 100 * time.Millisecond
)

// errHandled stops processing of an event that needs no further work.
var errHandled = errors.New("stripe event already handled")

type PaymentService struct {
	now      func() time.Time
	cfg      config.Config
	log      *slog.Logger
	payments PaymentStore
	users    BillingUsers
	packs    PackStore
	credits  Granter
	gateway  CheckoutGateway
}

func NewPaymentService(cfg config.Config, log *slog.Logger, payments PaymentStore, users BillingUsers, packs PackStore, credits Granter, gateway CheckoutGateway) *PaymentService {
	return &PaymentService{
		now:      time.Now,
		cfg:      cfg,
		log:      log,
		payments: payments,
		users:    users,
		packs:    packs,
		credits:  credits,
		gateway:  gateway,
	}
}

// CreateCheckout starts a Stripe Checkout session for the pack and returns its URL.
func (s *PaymentService) CreateCheckout(ctx context.Context, userID, packID int64) (string, error) {
	pack, err := s.packs.GetByID(ctx, packID)
	if err != nil {
		return "", fmt.Errorf("%w: get pack: %w", ErrStorage, err)
	}
	if pack == nil || !pack.IsActive {
		return "", fmt.Errorf("%w: pack %d", ErrNotFound, packID)
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("%w: get user: %w", ErrStorage, err)
	}
	if user == nil {
		return "", fmt.Errorf("%w: user %d", ErrNotFound, userID)
	}
	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return "", err
	}

	metadata := checkoutMetadata(user.ID, pack)
	mode := stripe.CheckoutSessionModePayment
	if pack.Mode == models.PackModeSubscription {
		mode = stripe.CheckoutSessionModeSubscription
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(mode)),
		Customer:          stripe.String(customerID),
		ClientReferenceID: stripe.String(strconv.FormatInt(user.ID, 10)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(pack.StripePriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(s.cfg.PublicBaseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(s.cfg.PublicBaseURL + "/billing/cancel"),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if mode == stripe.CheckoutSessionModeSubscription {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: metadata}
	}

	sess, err := s.gateway.CreateSession(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	s.log.Info("checkout session created", "user_id", user.ID, "pack_id", pack.ID, "session_id", sess.ID)
	return sess.URL, nil
}

func checkoutMetadata(userID int64, pack *models.CreditPack) map[string]string {
	source := fmt.Sprintf("%s:%d", models.SourcePAYG, pack.ID)
	if pack.Mode == models.PackModeSubscription {
		source = models.SourceSubscription
	}
	return map[string]string{
		"user_id":    strconv.FormatInt(userID, 10),
		"pack_id":    strconv.FormatInt(pack.ID, 10),
		"credits":    strconv.Itoa(pack.Credits),
		"days_valid": strconv.Itoa(pack.DaysValid),
		"source":     source,
	}
}

func (s *PaymentService) ensureCustomer(ctx context.Context, user *models.User) (string, error) {
	if user.StripeCustomerID != nil && *user.StripeCustomerID != "" {
		return *user.StripeCustomerID, nil
	}
	customerID, err := s.gateway.CreateCustomer(ctx, user.Email, user.ID)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	if err := s.users.SetStripeCustomer(ctx, user.ID, customerID); err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return customerID, nil
}

// webhookAction is the ledger effect of one Stripe event.
type webhookAction struct {
	userID   int64
	packID   *int64
	credits  int
	source   string
	validity time.Duration
	pro      *bool
}

// HandleWebhook verifies and applies a Stripe event. Each event id is applied
// at most once; an event whose grant failed is retried on redelivery.
func (s *PaymentService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.StripeWebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	existing, err := s.payments.FindByProviderEvent(ctx, providerStripe, event.ID)
	if err != nil {
		return fmt.Errorf("%w: find payment: %w", ErrStorage, err)
	}
	if existing != nil {
		if err := s.claim(ctx, existing); err != nil {
			if errors.Is(err, errHandled) {
				return nil
			}
			return err
		}
	}

	action, err := s.actionFor(ctx, event)
	if err != nil {
		return err
	}

	record := existing
	if record == nil {
		record = &models.Payment{
			Provider:        providerStripe,
			ProviderEventID: event.ID,
			EventType:       string(event.Type),
			Status:          models.PaymentStatusPending,
			RawPayload:      string(payload),
		}
		if action == nil {
			record.Status = models.PaymentStatusIgnored
		} else {
			record.UserID = action.userID
			record.PackID = action.packID
			record.Credits = action.credits
		}
		if err := s.payments.Create(ctx, record); err != nil {
			if errors.Is(err, repository.ErrDuplicateEvent) {
				return fmt.Errorf("%w: %s", ErrEventInProgress, event.ID)
			}
			return fmt.Errorf("%w: record payment: %w", ErrStorage, err)
		}
	}
	if action == nil {
		if record.Status != models.PaymentStatusIgnored {
			s.markStatus(ctx, record.ID, models.PaymentStatusIgnored)
		}
		return nil
	}

	if err := s.apply(ctx, action); err != nil {
		s.log.Error("stripe event not applied", "event_id", event.ID, "event_type", event.Type,
			"user_id", action.userID, "credits", action.credits, "reconcile", true, "err", err)
		s.markStatus(ctx, record.ID, models.PaymentStatusFailed)
		return err
	}
	if !s.markStatus(ctx, record.ID, models.PaymentStatusPaid) {
		s.log.Error("applied stripe event left pending", "event_id", event.ID, "user_id", action.userID,
			"credits", action.credits, "reconcile", true)
	}
	return nil
}

// claim decides what a redelivery of a recorded event may do. Paid and
// ignored events are done. A failed event, or one left pending longer than
// stalePendingAfter, is taken over with a conditional status update so only
// one delivery applies it. A fresh pending event belongs to a delivery still
// in flight and is reported as ErrEventInProgress so Stripe retries later.
func (s *PaymentService) claim(ctx context.Context, p *models.Payment) error {
	switch p.Status {
	case models.PaymentStatusPaid, models.PaymentStatusIgnored:
		s.log.Info("stripe event already handled", "event_id", p.ProviderEventID, "status", p.Status)
		return errHandled
	case models.PaymentStatusPending:
		if s.now().Sub(p.UpdatedAt) < stalePendingAfter {
			return fmt.Errorf("%w: %s", ErrEventInProgress, p.ProviderEventID)
		}
		s.log.Warn("reclaiming stale stripe event", "event_id", p.ProviderEventID, "updated_at", p.UpdatedAt, "reconcile", true)
	}
	ok, err := s.payments.Claim(ctx, p)
	if err != nil {
		return fmt.Errorf("%w: claim payment: %w", ErrStorage, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrEventInProgress, p.ProviderEventID)
	}
	return nil
}

// markStatus records the outcome even when the request context is already
// gone, retrying a few times. It reports whether the status was stored.
func (s *PaymentService) markStatus(ctx context.Context, paymentID int64, status models.PaymentStatus) bool {
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()

	var err error
	for attempt := 1; attempt <= markAttempts; attempt++ {
		if err = s.payments.UpdateStatus(markCtx, paymentID, status); err == nil {
			return true
		}
		if attempt < markAttempts && !wait(markCtx, markBackoff) {
			break
		}
	}
	s.log.Error("mark payment", "payment_id", paymentID, "status", status, "reconcile", true, "err", err)
	return false
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *PaymentService) apply(ctx context.Context, a *webhookAction) error {
	if a.credits > 0 {
		total, err := s.credits.Grant(ctx, a.userID, a.credits, a.source, a.validity)
		if err != nil {
			return err
		}
		s.log.Info("purchase credited", "user_id", a.userID, "credits", a.credits, "source", a.source, "total", total)
	}
	if a.pro != nil {
		if err := s.users.SetPro(ctx, a.userID, *a.pro); err != nil {
			return fmt.Errorf("%w: set pro: %w", ErrStorage, err)
		}
	}
	return nil
}

// actionFor returns nil for events that carry no ledger effect.
func (s *PaymentService) actionFor(ctx context.Context, event stripe.Event) (*webhookAction, error) {
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: session payload: %w", ErrInvalidArgument, err)
		}
		if sess.Mode != stripe.CheckoutSessionModePayment || sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return nil, nil
		}
		return s.actionFromMetadata(sess.Metadata)

	case "invoice.payment_succeeded":
		var inv invoicePayload
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: invoice payload: %w", ErrInvalidArgument, err)
		}
		meta := inv.SubscriptionDetails.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		if _, ok := meta["credits"]; !ok {
			meta["credits"] = strconv.Itoa(s.cfg.SubscriptionMonthlyCredits)
		}
		meta["source"] = fmt.Sprintf("%s:%s", models.SourceSubscription, inv.period())
		if meta["user_id"] == "" {
			user, err := s.users.FindByStripeCustomer(ctx, inv.Customer)
			if err != nil {
				return nil, fmt.Errorf("%w: find customer: %w", ErrStorage, err)
			}
			if user == nil {
				return nil, fmt.Errorf("%w: no user for customer %q", ErrNotFound, inv.Customer)
			}
			meta["user_id"] = strconv.FormatInt(user.ID, 10)
		}
		action, err := s.actionFromMetadata(meta)
		if err != nil {
			return nil, err
		}
		pro := true
		action.pro = &pro
		return action, nil

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription payload: %w", ErrInvalidArgument, err)
		}
		var userID int64
		if id, err := strconv.ParseInt(sub.Metadata["user_id"], 10, 64); err == nil && id > 0 {
			userID = id
		} else if sub.Customer != nil {
			user, err := s.users.FindByStripeCustomer(ctx, sub.Customer.ID)
			if err != nil {
				return nil, fmt.Errorf("%w: find customer: %w", ErrStorage, err)
			}
			if user != nil {
				userID = user.ID
			}
		}
		if userID == 0 {
			return nil, fmt.Errorf("%w: subscription %s has no user", ErrNotFound, sub.ID)
		}
		pro := false
		return &webhookAction{userID: userID, pro: &pro}, nil
	}
	return nil, nil
}

func (s *PaymentService) actionFromMetadata(meta map[string]string) (*webhookAction, error) {
	userID, err := strconv.ParseInt(meta["user_id"], 10, 64)
	if err != nil || userID <= 0 {
		return nil, fmt.Errorf("%w: metadata user_id %q", ErrInvalidArgument, meta["user_id"])
	}
	credits, err := strconv.Atoi(meta["credits"])
	if err != nil || credits <= 0 {
		return nil, fmt.Errorf("%w: metadata credits %q", ErrInvalidArgument, meta["credits"])
	}
	action := &webhookAction{
		userID:  userID,
		credits: credits,
		source:  meta["source"],
	}
	if action.source == "" {
		action.source = models.SourcePAYG
	}
	if packID, err := strconv.ParseInt(meta["pack_id"], 10, 64); err == nil && packID > 0 {
		action.packID = &packID
	}
	if days, err := strconv.Atoi(meta["days_valid"]); err == nil && days > 0 {
		action.validity = time.Duration(days) * 24 * time.Hour
	}
	return action, nil
}

type invoicePayload struct {
	ID                  string `json:"id"`
	Customer            string `json:"customer"`
	PeriodStart         int64  `json:"period_start"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// period labels the billing month the invoice pays for.
func (inv invoicePayload) period() string {
	start := inv.PeriodStart
	if len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Period.Start > 0 {
		start = inv.Lines.Data[0].Period.Start
	}
	if start <= 0 {
		return inv.ID
	}
	return time.Unix(start, 0).UTC().Format("2006-01")
}
