package services

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BradenHooton/stepguard/internal/models"
	"github.com/BradenHooton/stepguard/internal/signals"
	pkglogger "github.com/BradenHooton/stepguard/pkg/logger"
	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAudit() *pkglogger.AuditLogger {
	return pkglogger.NewAuditLogger(testLogger())
}

// fixedClock returns a controllable now function
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fixedClock {
	return &fixedClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// NewTestUser creates an active customer with the given bcrypt hash
func NewTestUser(id, email, passwordHash string) *models.User {
	return &models.User{
		ID:              id,
		Email:           email,
		Name:            "Test User",
		PasswordHash:    passwordHash,
		Role:            "customer",
		Status:          "active",
		MonitoringLevel: models.MonitoringStandard,
	}
}

// ============================================================================
// Function-field mocks
// ============================================================================

// MockUserRepository implements UserRepository for testing
type MockUserRepository struct {
	GetByIDFunc               func(ctx context.Context, id string) (*models.User, error)
	GetByEmailFunc            func(ctx context.Context, email string) (*models.User, error)
	CreateFunc                func(ctx context.Context, user *models.User) (*models.User, error)
	UpdateMonitoringLevelFunc func(ctx context.Context, id, level string) error
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user)
	}
	return nil, models.ErrInternalServer
}

func (m *MockUserRepository) UpdateMonitoringLevel(ctx context.Context, id, level string) error {
	if m.UpdateMonitoringLevelFunc != nil {
		return m.UpdateMonitoringLevelFunc(ctx, id, level)
	}
	return nil
}

// MockDeviceRepository implements DeviceRepository for testing
type MockDeviceRepository struct {
	GetFunc                 func(ctx context.Context, userID, deviceHash string) (*models.TrustedDevice, error)
	UpsertFunc              func(ctx context.Context, device *models.TrustedDevice) error
	TouchLastSeenFunc       func(ctx context.Context, userID, deviceHash string, at time.Time) error
	SetRiskFlagFunc         func(ctx context.Context, userID, deviceHash string) error
	ClearRiskFlagFunc       func(ctx context.Context, userID, deviceHash string) error
	ListByUserFunc          func(ctx context.Context, userID string) ([]*models.TrustedDevice, error)
	DeleteFunc              func(ctx context.Context, userID, deviceHash string) error
	CountOtherUsersFunc     func(ctx context.Context, deviceHash, excludeUserID string) (int, error)
	CountFirstSeenSinceFunc func(ctx context.Context, userID string, since time.Time) (int, error)
}

func (m *MockDeviceRepository) Get(ctx context.Context, userID, deviceHash string) (*models.TrustedDevice, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, userID, deviceHash)
	}
	return nil, models.ErrNotFound
}

func (m *MockDeviceRepository) Upsert(ctx context.Context, device *models.TrustedDevice) error {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, device)
	}
	return nil
}

func (m *MockDeviceRepository) TouchLastSeen(ctx context.Context, userID, deviceHash string, at time.Time) error {
	if m.TouchLastSeenFunc != nil {
		return m.TouchLastSeenFunc(ctx, userID, deviceHash, at)
	}
	return nil
}

func (m *MockDeviceRepository) SetRiskFlag(ctx context.Context, userID, deviceHash string) error {
	if m.SetRiskFlagFunc != nil {
		return m.SetRiskFlagFunc(ctx, userID, deviceHash)
	}
	return models.ErrNotFound
}

func (m *MockDeviceRepository) ClearRiskFlag(ctx context.Context, userID, deviceHash string) error {
	if m.ClearRiskFlagFunc != nil {
		return m.ClearRiskFlagFunc(ctx, userID, deviceHash)
	}
	return nil
}

func (m *MockDeviceRepository) ListByUser(ctx context.Context, userID string) ([]*models.TrustedDevice, error) {
	if m.ListByUserFunc != nil {
		return m.ListByUserFunc(ctx, userID)
	}
	return []*models.TrustedDevice{}, nil
}

func (m *MockDeviceRepository) Delete(ctx context.Context, userID, deviceHash string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, userID, deviceHash)
	}
	return nil
}

func (m *MockDeviceRepository) CountOtherUsers(ctx context.Context, deviceHash, excludeUserID string) (int, error) {
	if m.CountOtherUsersFunc != nil {
		return m.CountOtherUsersFunc(ctx, deviceHash, excludeUserID)
	}
	return 0, nil
}

func (m *MockDeviceRepository) CountFirstSeenSince(ctx context.Context, userID string, since time.Time) (int, error) {
	if m.CountFirstSeenSinceFunc != nil {
		return m.CountFirstSeenSinceFunc(ctx, userID, since)
	}
	return 0, nil
}

// MockMessenger implements Messenger for testing and records every message
type MockMessenger struct {
	SendFunc func(ctx context.Context, msg Message) SendResult

	mu   sync.Mutex
	sent []Message
}

func (m *MockMessenger) Send(ctx context.Context, msg Message) SendResult {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	if m.SendFunc != nil {
		return m.SendFunc(ctx, msg)
	}
	return SendResult{Success: true, Provider: "mock"}
}

func (m *MockMessenger) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

// stubTor, stubIntel and stubGeo return canned signal results
type stubTor struct{ result signals.TorResult }

func (s stubTor) Lookup(context.Context, string) signals.TorResult { return s.result }

type stubIntel struct{ result signals.IPIntelResult }

func (s stubIntel) Lookup(context.Context, string) signals.IPIntelResult { return s.result }

type stubGeo struct{ result signals.GeoResult }

func (s stubGeo) Check(context.Context, string, signals.GeoPoint, time.Time) signals.GeoResult {
	return s.result
}

// pause blocks for d or until ctx ends
func pause(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// slowTor, slowIntel and slowProbe answer after a fixed delay
type slowTor struct {
	result signals.TorResult
	delay  time.Duration
}

func (s slowTor) Lookup(ctx context.Context, _ string) signals.TorResult {
	pause(ctx, s.delay)
	return s.result
}

type slowIntel struct {
	result signals.IPIntelResult
	delay  time.Duration
}

func (s slowIntel) Lookup(ctx context.Context, _ string) signals.IPIntelResult {
	pause(ctx, s.delay)
	return s.result
}

type slowProbe struct {
	signals signals.PrivacySignals
	delay   time.Duration
}

func (s slowProbe) Probe(ctx context.Context) (signals.PrivacySignals, error) {
	pause(ctx, s.delay)
	return s.signals, nil
}

// slowDevices delays the trust lookup and the multi-account count
type slowDevices struct {
	*memoryDevices
	delay time.Duration
}

func (s slowDevices) Get(ctx context.Context, userID, deviceHash string) (*models.TrustedDevice, error) {
	pause(ctx, s.delay)
	return s.memoryDevices.Get(ctx, userID, deviceHash)
}

func (s slowDevices) CountOtherUsers(ctx context.Context, deviceHash, excludeUserID string) (int, error) {
	pause(ctx, s.delay)
	return s.memoryDevices.CountOtherUsers(ctx, deviceHash, excludeUserID)
}

// ============================================================================
// In-memory stores
// ============================================================================

type memoryUsers struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newMemoryUsers(users ...*models.User) *memoryUsers {
	m := &memoryUsers{users: map[string]*models.User{}}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memoryUsers) GetByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memoryUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memoryUsers) Create(_ context.Context, user *models.User) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *user
	cp.ID = uuid.NewString()
	m.users[cp.ID] = &cp
	return &cp, nil
}

func (m *memoryUsers) UpdateMonitoringLevel(_ context.Context, id, level string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return models.ErrNotFound
	}
	u.MonitoringLevel = level
	return nil
}

type memoryDevices struct {
	mu      sync.Mutex
	devices map[string]*models.TrustedDevice
	logs    *memoryAccessLogs
}

func newMemoryDevices(logs *memoryAccessLogs) *memoryDevices {
	return &memoryDevices{devices: map[string]*models.TrustedDevice{}, logs: logs}
}

func deviceKey(userID, hash string) string { return userID + "/" + hash }

func (m *memoryDevices) Get(_ context.Context, userID, deviceHash string) (*models.TrustedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceKey(userID, deviceHash)]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memoryDevices) Upsert(_ context.Context, device *models.TrustedDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := deviceKey(device.UserID, device.DeviceHash)
	existing, ok := m.devices[key]
	if !ok {
		cp := *device
		m.devices[key] = &cp
		return nil
	}
	existing.TrustedStatus = existing.TrustedStatus || device.TrustedStatus
	existing.RiskFlag = existing.RiskFlag || device.RiskFlag
	if device.LastSeenAt.After(existing.LastSeenAt) {
		existing.LastSeenAt = device.LastSeenAt
	}
	if existing.FirstSeenIP == "" {
		existing.FirstSeenIP = device.FirstSeenIP
	}
	if device.Label != "" {
		existing.Label = device.Label
	}
	return nil
}

func (m *memoryDevices) TouchLastSeen(_ context.Context, userID, deviceHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceKey(userID, deviceHash)]
	if !ok {
		return models.ErrNotFound
	}
	d.LastSeenAt = at
	return nil
}

func (m *memoryDevices) SetRiskFlag(_ context.Context, userID, deviceHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceKey(userID, deviceHash)]
	if !ok {
		return models.ErrNotFound
	}
	d.RiskFlag = true
	return nil
}

func (m *memoryDevices) ClearRiskFlag(_ context.Context, userID, deviceHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceKey(userID, deviceHash)]
	if !ok {
		return models.ErrNotFound
	}
	d.RiskFlag = false
	return nil
}

func (m *memoryDevices) ListByUser(_ context.Context, userID string) ([]*models.TrustedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TrustedDevice
	for _, d := range m.devices {
		if d.UserID == userID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	return out, nil
}

func (m *memoryDevices) Delete(_ context.Context, userID, deviceHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := deviceKey(userID, deviceHash)
	if _, ok := m.devices[key]; !ok {
		return models.ErrNotFound
	}
	delete(m.devices, key)
	return nil
}

func (m *memoryDevices) CountOtherUsers(ctx context.Context, deviceHash, excludeUserID string) (int, error) {
	users := map[string]bool{}
	m.mu.Lock()
	for _, d := range m.devices {
		if d.DeviceHash == deviceHash && d.UserID != excludeUserID {
			users[d.UserID] = true
		}
	}
	m.mu.Unlock()

	if m.logs != nil {
		for _, l := range m.logs.all() {
			if l.DeviceHash == deviceHash && l.UserID != excludeUserID {
				users[l.UserID] = true
			}
		}
	}
	return len(users), nil
}

func (m *memoryDevices) CountFirstSeenSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.devices {
		if d.UserID == userID && d.TrustedStatus && !d.FirstSeenAt.Before(since) {
			n++
		}
	}
	return n, nil
}

type memoryAccessLogs struct {
	mu   sync.Mutex
	rows []models.AccessLog
}

func (m *memoryAccessLogs) all() []models.AccessLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AccessLog(nil), m.rows...)
}

func (m *memoryAccessLogs) Create(_ context.Context, log *models.AccessLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *log
	cp.ID = uuid.NewString()
	m.rows = append(m.rows, cp)
	return nil
}

func (m *memoryAccessLogs) GetLatestForUser(_ context.Context, userID string) (*models.AccessLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].UserID == userID {
			cp := m.rows[i]
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memoryAccessLogs) CountTorSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.UserID == userID && !r.CreatedAt.Before(since) && (r.TorExit || r.TorBrowser) {
			n++
		}
	}
	return n, nil
}

func (m *memoryAccessLogs) CountDistinctDevicesSince(_ context.Context, userID, excludeHash string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hashes := map[string]bool{}
	for _, r := range m.rows {
		if r.UserID == userID && r.DeviceHash != excludeHash && !r.CreatedAt.Before(since) {
			hashes[r.DeviceHash] = true
		}
	}
	return len(hashes), nil
}

type memoryEvents struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (m *memoryEvents) Create(_ context.Context, event *models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *memoryEvents) CountByTypeSince(_ context.Context, userID, eventType string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.UserID == userID && e.EventType == eventType && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memoryEvents) ListByUser(_ context.Context, userID string, limit int) ([]*models.SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SecurityEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.events[i].UserID == userID {
			cp := m.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryEvents) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.EventType)
	}
	return out
}

type memoryOTP struct {
	mu         sync.Mutex
	challenges []*models.OTPChallenge
}

func (m *memoryOTP) Create(_ context.Context, challenge *models.OTPChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *challenge
	m.challenges = append(m.challenges, &cp)
	return nil
}

func (m *memoryOTP) InvalidatePending(_ context.Context, userID, purpose string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.challenges {
		if c.UserID == userID && c.Purpose == purpose {
			c.Verified = true
		}
	}
	return nil
}

func (m *memoryOTP) latest(userID, purpose string, pendingOnly bool) (*models.OTPChallenge, error) {
	for i := len(m.challenges) - 1; i >= 0; i-- {
		c := m.challenges[i]
		if c.UserID == userID && c.Purpose == purpose && (!pendingOnly || !c.Verified) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memoryOTP) GetLatestPending(_ context.Context, userID, purpose string) (*models.OTPChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest(userID, purpose, true)
}

func (m *memoryOTP) GetLatest(_ context.Context, userID, purpose string) (*models.OTPChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest(userID, purpose, false)
}

func (m *memoryOTP) find(id string) *models.OTPChallenge {
	for _, c := range m.challenges {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (m *memoryOTP) IncrementAttempts(_ context.Context, id string, maxAttempts int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.find(id)
	if c == nil || c.Verified || c.Attempts >= maxAttempts {
		return 0, models.ErrNotFound
	}
	c.Attempts++
	return c.Attempts, nil
}

func (m *memoryOTP) MarkVerified(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.find(id)
	if c == nil || c.Verified {
		return models.ErrNotFound
	}
	c.Verified = true
	return nil
}

func (m *memoryOTP) DeletePurgeable(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*models.OTPChallenge
	var n int64
	for _, c := range m.challenges {
		if c.Verified || !now.Before(c.ExpiresAt) {
			n++
			continue
		}
		kept = append(kept, c)
	}
	m.challenges = kept
	return n, nil
}

func (m *memoryOTP) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.challenges)
}
