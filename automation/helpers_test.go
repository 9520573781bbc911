package automation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"leadloop/models"
)

var testDBCounter int64

// newTestDB opens a fresh in-memory database per test. A single connection
// keeps the shared-cache memory database alive for the test's lifetime.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	n := atomic.AddInt64(&testDBCounter, 1)
	dsn := fmt.Sprintf("file:automation_test_%d?mode=memory&cache=shared", n)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentMail struct {
	To       string
	Subject  string
	DedupKey string
}

// fakeMailer honors the Mailer dedup contract: a key that already delivered
// is silently skipped, the way the SMTP adapter behaves.
type fakeMailer struct {
	mu        sync.Mutex
	sent      []sentMail
	delivered map[string]bool
	failWith  error
}

func (m *fakeMailer) Send(toEmail, subject, htmlBody, dedupKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if m.delivered[dedupKey] {
		return nil
	}
	if m.delivered == nil {
		m.delivered = map[string]bool{}
	}
	m.delivered[dedupKey] = true
	m.sent = append(m.sent, sentMail{To: toEmail, Subject: subject, DedupKey: dedupKey})
	return nil
}

func (m *fakeMailer) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *fakeMailer) lastSent() sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}

func (m *fakeMailer) setFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// stubOracle serves a fixed membership map; Subscribe is unused by the engine
// tests, which feed events to the evaluator directly.
type stubOracle struct {
	members map[uint][]uint
}

func (o *stubOracle) GetMembers(segmentID uint) ([]uint, error) {
	return o.members[segmentID], nil
}

func (o *stubOracle) Subscribe(ctx context.Context) (<-chan MembershipEvent, error) {
	ch := make(chan MembershipEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type testRig struct {
	db     *gorm.DB
	engine *Engine
	clock  *fakeClock
	mailer *fakeMailer
	oracle *stubOracle
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	db := newTestDB(t)
	clock := newFakeClock()
	mailer := &fakeMailer{}
	oracle := &stubOracle{members: map[uint][]uint{}}
	engine := NewEngine(db, oracle, mailer, clock, EngineConfig{
		Tick:              time.Second,
		MaxResumeAttempts: 3,
	})
	return &testRig{db: db, engine: engine, clock: clock, mailer: mailer, oracle: oracle}
}

func seedLead(t *testing.T, db *gorm.DB, email string) *models.Lead {
	t.Helper()
	lead := &models.Lead{UserID: 1, Email: email}
	if err := db.Create(lead).Error; err != nil {
		t.Fatalf("seed lead: %v", err)
	}
	return lead
}

func seedTemplate(t *testing.T, db *gorm.DB, subject string) *models.Template {
	t.Helper()
	tpl := &models.Template{
		UserID:      1,
		Name:        subject,
		Subject:     subject,
		HTMLContent: "<p>" + subject + "</p>",
	}
	if err := db.Create(tpl).Error; err != nil {
		t.Fatalf("seed template: %v", err)
	}
	return tpl
}

// seedAutomation writes an automation row directly, bypassing the registry, so
// tests can start from any status.
func seedAutomation(t *testing.T, db *gorm.DB, trigger string, segmentID uint, status string, actions []models.Action) *models.Automation {
	t.Helper()
	auto := &models.Automation{
		UserID:           1,
		Name:             "test automation",
		Status:           status,
		Trigger:          trigger,
		TriggerSegmentID: segmentID,
		Actions:          actions,
		Version:          1,
	}
	if err := db.Create(auto).Error; err != nil {
		t.Fatalf("seed automation: %v", err)
	}
	return auto
}

func loadExecution(t *testing.T, db *gorm.DB, automationID, leadID uint) *models.Execution {
	t.Helper()
	var exec models.Execution
	err := db.Where("automation_id = ? AND lead_id = ?", automationID, leadID).First(&exec).Error
	if err != nil {
		t.Fatalf("load execution: %v", err)
	}
	return &exec
}

func countExecutions(t *testing.T, db *gorm.DB, automationID uint) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.Execution{}).Where("automation_id = ?", automationID).Count(&n).Error; err != nil {
		t.Fatalf("count executions: %v", err)
	}
	return n
}

func countScheduledSteps(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.ScheduledStep{}).Count(&n).Error; err != nil {
		t.Fatalf("count scheduled steps: %v", err)
	}
	return n
}
