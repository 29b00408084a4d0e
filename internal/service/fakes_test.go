package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obrafy/entitlements/internal/gateway"
	"github.com/obrafy/entitlements/internal/models"
	apierrors "github.com/obrafy/entitlements/internal/pkg/errors"
	"github.com/obrafy/entitlements/internal/repository"
)

// store is an in-memory stand-in for the relational store shared by the
// repository fakes below.
type store struct {
	mu sync.Mutex

	users    map[uuid.UUID]*models.User
	orgs     map[uuid.UUID]*models.Organization
	members  map[uuid.UUID]map[uuid.UUID]models.Role
	obras    map[uuid.UUID]int
	plans    map[uuid.UUID]*models.Plan
	subs     map[string]*models.Subscription
	profiles map[uuid.UUID]*models.OrgProfile
	events   map[string]*models.ProcessedEvent
	audit    []*models.AuditLog

	// failures injected per operation name, consumed one per call
	failures map[string][]error
}

func newStore() *store {
	return &store{
		users:    make(map[uuid.UUID]*models.User),
		orgs:     make(map[uuid.UUID]*models.Organization),
		members:  make(map[uuid.UUID]map[uuid.UUID]models.Role),
		obras:    make(map[uuid.UUID]int),
		plans:    make(map[uuid.UUID]*models.Plan),
		subs:     make(map[string]*models.Subscription),
		profiles: make(map[uuid.UUID]*models.OrgProfile),
		events:   make(map[string]*models.ProcessedEvent),
		failures: make(map[string][]error),
	}
}

func (s *store) failNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// fail pops an injected failure for op. Callers hold s.mu.
func (s *store) fail(op string) error {
	q := s.failures[op]
	if len(q) == 0 {
		return nil
	}
	s.failures[op] = q[1:]
	return q[0]
}

func (s *store) addUser(email string) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &models.User{ID: uuid.New(), Email: email, CreatedAt: time.Now()}
	s.users[u.ID] = u
	return u
}

func (s *store) addOrg(owner *models.User) *models.Organization {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := &models.Organization{ID: uuid.New(), Name: "org", Slug: "org-" + uuid.NewString()[:8], OwnerID: owner.ID, CreatedAt: time.Now()}
	s.orgs[o.ID] = o
	s.members[o.ID] = map[uuid.UUID]models.Role{owner.ID: models.RoleOwner}
	return o
}

func (s *store) addMember(org *models.Organization, user *models.User, role models.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[org.ID][user.ID] = role
}

func (s *store) removeMember(org *models.Organization, user *models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[org.ID], user.ID)
}

func (s *store) setObras(org *models.Organization, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.obras[org.ID] = n
}

func (s *store) addPlan(slug string, maxUsers, maxObras *int, monthly, yearly string) *models.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &models.Plan{ID: uuid.New(), Slug: slug, Name: slug, MaxUsers: maxUsers, MaxObras: maxObras, IsActive: true}
	if monthly != "" {
		p.StripePriceMonthly = &monthly
	}
	if yearly != "" {
		p.StripePriceYearly = &yearly
	}
	s.plans[p.ID] = p
	return p
}

func (s *store) subscription(stripeID string) *models.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[stripeID]; ok {
		c := *sub
		return &c
	}
	return nil
}

func (s *store) auditLogs() []*models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.AuditLog(nil), s.audit...)
}

func (s *store) profile(orgID uuid.UUID) *models.OrgProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[orgID]
}

func (s *store) event(id string) *models.ProcessedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[id]
}

func intPtr(n int) *int { return &n }

// Users

type fakeUsers struct{ s *store }

func (f fakeUsers) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if err := f.s.fail("users.get"); err != nil {
		return nil, err
	}
	u, ok := f.s.users[id]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

func (f fakeUsers) SetStripeCustomerID(_ context.Context, userID uuid.UUID, customerID string) (bool, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	u, ok := f.s.users[userID]
	if !ok || u.StripeCustomerID != nil {
		return false, nil
	}
	u.StripeCustomerID = &customerID
	return true, nil
}

// Orgs

type fakeOrgs struct{ s *store }

func (f fakeOrgs) GetByID(_ context.Context, id uuid.UUID) (*models.Organization, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.orgs[id], nil
}

func (f fakeOrgs) IsMember(_ context.Context, orgID, userID uuid.UUID) (bool, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if err := f.s.fail("orgs.is_member"); err != nil {
		return false, err
	}
	_, ok := f.s.members[orgID][userID]
	return ok, nil
}

func (f fakeOrgs) HasRole(_ context.Context, orgID, userID uuid.UUID, roles []models.Role) (bool, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	role, ok := f.s.members[orgID][userID]
	if !ok {
		return false, nil
	}
	for _, r := range roles {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

func (f fakeOrgs) CountMembers(_ context.Context, orgID uuid.UUID) (int, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return len(f.s.members[orgID]), nil
}

func (f fakeOrgs) CountObras(_ context.Context, orgID uuid.UUID) (int, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.obras[orgID], nil
}

func (f fakeOrgs) PrimaryOrgForUser(_ context.Context, userID uuid.UUID) (*models.Organization, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var orgs []*models.Organization
	for id, m := range f.s.members {
		if _, ok := m[userID]; ok {
			orgs = append(orgs, f.s.orgs[id])
		}
	}
	if len(orgs) == 0 {
		return nil, nil
	}
	sort.Slice(orgs, func(i, j int) bool { return orgs[i].CreatedAt.Before(orgs[j].CreatedAt) })
	return orgs[0], nil
}

func (f fakeOrgs) GetProfile(_ context.Context, orgID uuid.UUID) (*models.OrgProfile, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.profiles[orgID], nil
}

func (f fakeOrgs) UpsertProfile(_ context.Context, p *models.OrgProfile) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if err := f.s.fail("orgs.upsert_profile"); err != nil {
		return err
	}
	c := *p
	c.UpdatedAt = time.Now()
	f.s.profiles[p.OrgID] = &c
	return nil
}

// Plans

type fakePlans struct{ s *store }

func (f fakePlans) GetBySlug(_ context.Context, slug string) (*models.Plan, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, p := range f.s.plans {
		if p.Slug == slug {
			return p, nil
		}
	}
	return nil, nil
}

func (f fakePlans) GetByID(_ context.Context, id uuid.UUID) (*models.Plan, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.plans[id], nil
}

func (f fakePlans) GetByPriceID(_ context.Context, priceID string) (*models.Plan, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, p := range f.s.plans {
		if !p.IsActive {
			continue
		}
		if (p.StripePriceMonthly != nil && *p.StripePriceMonthly == priceID) ||
			(p.StripePriceYearly != nil && *p.StripePriceYearly == priceID) {
			return p, nil
		}
	}
	return nil, nil
}

// Subscriptions

type fakeSubs struct{ s *store }

func stale(stored *time.Time, created time.Time, strict bool) bool {
	return strict && stored != nil && !created.IsZero() && created.Before(*stored)
}

func (f fakeSubs) Upsert(_ context.Context, w models.SubscriptionWrite, strict bool) (*models.Subscription, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if err := f.s.fail("subs.upsert"); err != nil {
		return nil, err
	}
	now := time.Now()
	existing, ok := f.s.subs[w.StripeSubscriptionID]
	if ok && (existing.Status == models.SubscriptionCanceled || stale(existing.GatewayUpdatedAt, w.EventCreatedAt, strict)) {
		return nil, nil
	}
	sub := &models.Subscription{
		ID:                   uuid.New(),
		CreatedAt:            now,
		OrgID:                w.OrgID,
		PlanID:               w.Binding.PlanID(),
		BillingCycle:         w.Binding.Cycle(),
		StripeSubscriptionID: w.StripeSubscriptionID,
		StripeCustomerID:     w.StripeCustomerID,
		Status:               w.Status,
		CurrentPeriodStart:   w.CurrentPeriodStart,
		CurrentPeriodEnd:     w.CurrentPeriodEnd,
		TrialEnd:             w.TrialEnd,
		CanceledAt:           w.CanceledAt,
		UpdatedAt:            now,
	}
	if ok {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	}
	if !w.EventCreatedAt.IsZero() {
		t := w.EventCreatedAt
		sub.GatewayUpdatedAt = &t
	}
	f.s.subs[w.StripeSubscriptionID] = sub
	c := *sub
	return &c, nil
}

func (f fakeSubs) ApplyGatewayUpdate(_ context.Context, u models.SubscriptionUpdate, strict bool) (*models.Subscription, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if err := f.s.fail("subs.apply"); err != nil {
		return nil, err
	}
	sub, ok := f.s.subs[u.StripeSubscriptionID]
	if !ok {
		return nil, nil
	}
	if sub.Status == models.SubscriptionCanceled && u.Status != models.SubscriptionCanceled {
		return nil, nil
	}
	if stale(sub.GatewayUpdatedAt, u.EventCreatedAt, strict) {
		return nil, nil
	}
	sub.Status = u.Status
	if u.CurrentPeriodStart != nil {
		sub.CurrentPeriodStart = *u.CurrentPeriodStart
	}
	if u.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = *u.CurrentPeriodEnd
	}
	if u.TrialEnd != nil {
		sub.TrialEnd = u.TrialEnd
	}
	if u.CanceledAt != nil {
		sub.CanceledAt = u.CanceledAt
	}
	if u.Binding != nil {
		sub.PlanID = u.Binding.PlanID()
		sub.BillingCycle = u.Binding.Cycle()
	}
	if !u.EventCreatedAt.IsZero() && (sub.GatewayUpdatedAt == nil || u.EventCreatedAt.After(*sub.GatewayUpdatedAt)) {
		t := u.EventCreatedAt
		sub.GatewayUpdatedAt = &t
	}
	sub.UpdatedAt = time.Now()
	c := *sub
	return &c, nil
}

func (f fakeSubs) GetByStripeID(_ context.Context, id string) (*models.Subscription, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if sub, ok := f.s.subs[id]; ok {
		c := *sub
		return &c, nil
	}
	return nil, nil
}

func (f fakeSubs) GetEntitledForOrg(_ context.Context, orgID uuid.UUID) (*models.Subscription, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var best *models.Subscription
	for _, sub := range f.s.subs {
		if sub.OrgID != orgID || !sub.Status.Entitled() {
			continue
		}
		if best == nil || sub.UpdatedAt.After(best.UpdatedAt) {
			best = sub
		}
	}
	if best == nil {
		return nil, nil
	}
	c := *best
	return &c, nil
}

// Events

type fakeEvents struct {
	s   *store
	now func() time.Time
}

func (f fakeEvents) clock() time.Time {
	if f.now != nil {
		return f.now()
	}
	return time.Now()
}

func (f fakeEvents) Claim(_ context.Context, eventID, eventType string, payload json.RawMessage, lease time.Duration) (models.ClaimState, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if err := f.s.fail("events.claim"); err != nil {
		return 0, err
	}
	now := f.clock()
	ev, ok := f.s.events[eventID]
	switch {
	case !ok:
		f.s.events[eventID] = &models.ProcessedEvent{
			ID:           uuid.New(),
			EventID:      eventID,
			EventType:    eventType,
			Payload:      payload,
			Attempts:     1,
			ClaimedUntil: now.Add(lease),
			CreatedAt:    now,
		}
		return models.ClaimAcquired, nil
	case ev.Processed:
		return models.ClaimAlreadyProcessed, nil
	case ev.ClaimedUntil.After(now):
		return models.ClaimInFlight, nil
	}
	ev.Attempts++
	ev.ClaimedUntil = now.Add(lease)
	return models.ClaimAcquired, nil
}

func (f fakeEvents) Finalize(_ context.Context, eventID string, errMsg *string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if err := f.s.fail("events.finalize"); err != nil {
		return err
	}
	ev, ok := f.s.events[eventID]
	if !ok || ev.Processed {
		return repository.ErrEventNotPending
	}
	now := f.clock()
	ev.Processed = true
	ev.Error = errMsg
	ev.ProcessedAt = &now
	return nil
}

func (f fakeEvents) Get(_ context.Context, eventID string) (*models.ProcessedEvent, error) {
	return f.s.event(eventID), nil
}

func (f fakeEvents) ListFailed(_ context.Context, limit int) ([]*models.ProcessedEvent, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []*models.ProcessedEvent
	for _, ev := range f.s.events {
		if ev.Processed && ev.Error != nil {
			out = append(out, ev)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Audit

type fakeAudit struct{ s *store }

func (f fakeAudit) Create(_ context.Context, log *models.AuditLog) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if err := f.s.fail("audit.create"); err != nil {
		return err
	}
	c := *log
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	f.s.audit = append(f.s.audit, &c)
	return nil
}

func (f fakeAudit) List(_ context.Context, q models.AuditLogQuery) ([]*models.AuditLog, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []*models.AuditLog
	for i := len(f.s.audit) - 1; i >= 0; i-- {
		l := f.s.audit[i]
		if l.OrgID == nil || *l.OrgID != q.OrgID {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// Gateway

type fakeGateway struct {
	mu            sync.Mutex
	subscriptions map[string]*gateway.Subscription
	customers     int
	sessions      []gateway.CheckoutRequest
	getErrs       []error
	events        map[string]gateway.Event
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		subscriptions: make(map[string]*gateway.Subscription),
		events:        make(map[string]gateway.Event),
	}
}

func (g *fakeGateway) CreateCustomer(_ context.Context, _ gateway.CustomerRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.customers++
	return "cus_" + uuid.NewString()[:8], nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions = append(g.sessions, req)
	id := "cs_test_" + uuid.NewString()[:8]
	return &gateway.CheckoutSession{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id}, nil
}

func (g *fakeGateway) GetSubscription(_ context.Context, id string) (*gateway.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.getErrs) > 0 {
		err := g.getErrs[0]
		g.getErrs = g.getErrs[1:]
		return nil, err
	}
	sub, ok := g.subscriptions[id]
	if !ok {
		return nil, errNotFoundAtGateway
	}
	c := *sub
	return &c, nil
}

func (g *fakeGateway) ConstructEvent(payload []byte, signature string) (gateway.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ev, ok := g.events[signature]
	if !ok {
		return nil, errBadSignature
	}
	return ev, nil
}

// Compile-time checks for the fakes.
var (
	_ repository.UserRepository         = fakeUsers{}
	_ repository.OrgRepository          = fakeOrgs{}
	_ repository.PlanRepository         = fakePlans{}
	_ repository.SubscriptionRepository = fakeSubs{}
	_ repository.EventRepository        = fakeEvents{}
	_ repository.AuditRepository        = fakeAudit{}
	_ gateway.PaymentGateway            = (*fakeGateway)(nil)
)

var (
	errNotFoundAtGateway = apierrors.NewNotFoundError("Gateway resource")
	errBadSignature      = apierrors.ErrInvalidSignature
)
