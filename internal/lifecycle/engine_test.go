package lifecycle

import (
	"context"
	"errors"
	"iter"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/terra-clan/ctf-conductor/internal/lease"
	"github.com/terra-clan/ctf-conductor/internal/models"
	"github.com/terra-clan/ctf-conductor/internal/storage"
	"github.com/terra-clan/ctf-conductor/internal/workspace"
	"github.com/terra-clan/ctf-conductor/internal/workspace/workspacetest"
)

var testNow = time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)

type fakeCatalog struct {
	events  []models.EventSummary
	details map[int]*models.EventDescriptor
}

func (c *fakeCatalog) ListUpcoming(ctx context.Context, limit int) ([]models.EventSummary, error) {
	if len(c.events) > limit {
		return c.events[:limit], nil
	}
	return c.events, nil
}

func (c *fakeCatalog) FetchDetail(ctx context.Context, id int) (*models.EventDescriptor, error) {
	d, ok := c.details[id]
	if !ok {
		return nil, models.NewFetchError("catalog", "test", errors.New("not found"))
	}
	event := *d
	return &event, nil
}

func (c *fakeCatalog) EventURL(id int) string {
	return "https://ctftime.org/event/" + strconv.Itoa(id)
}

type registration struct {
	url, team, password, email string
}

type fakePlatform struct {
	mu            sync.Mutex
	registrations []registration
	denyReason    string
	tasks         [][]models.TaskDescriptor
	listCalls     int
	standings     []models.Standing
	scoreboardErr error
	// block, when set, pauses ListTasks until closed
	block chan struct{}
}

func (p *fakePlatform) Register(ctx context.Context, baseURL, team, password, email string) (models.RegistrationResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.denyReason != "" {
		return models.RegistrationResult{Reason: p.denyReason}, nil
	}
	p.registrations = append(p.registrations, registration{baseURL, team, password, email})
	return models.RegistrationResult{Success: true}, nil
}

func (p *fakePlatform) ListTasks(ctx context.Context, baseURL, username, password string) iter.Seq2[models.TaskDescriptor, error] {
	p.mu.Lock()
	batch := []models.TaskDescriptor{}
	if p.listCalls < len(p.tasks) {
		batch = p.tasks[p.listCalls]
	} else if len(p.tasks) > 0 {
		batch = p.tasks[len(p.tasks)-1]
	}
	p.listCalls++
	block := p.block
	p.mu.Unlock()

	return func(yield func(models.TaskDescriptor, error) bool) {
		if block != nil {
			<-block
		}
		for _, d := range batch {
			if !yield(d, nil) {
				return
			}
		}
	}
}

func (p *fakePlatform) FetchScoreboard(ctx context.Context, baseURL, username, password string) ([]models.Standing, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.standings, p.scoreboardErr
}

type harness struct {
	engine   *Engine
	store    *storage.MemoryRepository
	provider *workspacetest.Provider
	catalog  *fakeCatalog
	platform *fakePlatform
	locker   *lease.MemoryLocker
	public   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:    storage.NewMemoryRepository(),
		provider: workspacetest.NewProvider(),
		catalog:  &fakeCatalog{details: make(map[int]*models.EventDescriptor)},
		platform: &fakePlatform{},
		locker:   lease.NewMemoryLocker(),
	}
	h.public = h.provider.AddPublicChannel("general")

	h.engine = NewEngine(Config{
		MinPlayers: 5,
		TeamName:   "us",
		TeamEmail:  "us@example.com",
	}, h.store, h.catalog, h.platform, workspace.NewProvisioner(h.provider), h.locker)
	h.engine.now = func() time.Time { return testNow }
	h.engine.workspacePoll = time.Millisecond

	n := 0
	h.engine.newPassword = func() (string, error) {
		n++
		return "password-" + strconv.Itoa(n), nil
	}

	return h
}

func (h *harness) session(t *testing.T, name string) *models.Session {
	t.Helper()
	s, err := h.store.FindSessionByName(context.Background(), name)
	if err != nil || s == nil {
		t.Fatalf("expected session %q, got %v %v", name, s, err)
	}
	return s
}

// bareSession stores a session whose workspace was never provisioned
func (h *harness) bareSession(t *testing.T, id, name string, state models.LifecycleState) *models.Session {
	t.Helper()
	s := &models.Session{ID: id, Name: name, State: state, TaskIDs: []string{}, CreatedAt: testNow, UpdatedAt: testNow}
	if created, err := h.store.CreateSession(context.Background(), s); err != nil || !created {
		t.Fatalf("CreateSession failed: %v %v", created, err)
	}
	return s
}

// holdWorkspace takes the session's provisioning lease as another caller would
func (h *harness) holdWorkspace(t *testing.T, id string) lease.Lease {
	t.Helper()
	l, err := h.locker.TryAcquire(context.Background(), "workspace:"+id, time.Minute)
	if err != nil || l == nil {
		t.Fatalf("failed to hold workspace lease: %v", err)
	}
	return l
}

func TestEnsureSessionIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, created, err := h.engine.EnsureSession(ctx, "FooCTF 2024", false)
	if err != nil || !created {
		t.Fatalf("expected creation, got %v %v", created, err)
	}
	if first.State != models.StatePending {
		t.Errorf("expected pending, got %s", first.State)
	}

	channels := h.provider.ChannelCount()
	second, created, err := h.engine.EnsureSession(ctx, "  fooctf 2024 ", true)
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if created || second.ID != first.ID {
		t.Errorf("expected existing session, got created=%v id=%s", created, second.ID)
	}
	if second.State != models.StatePending {
		t.Errorf("existing session must not change state, got %s", second.State)
	}

	sessions, _ := h.store.ListSessions(ctx, models.SessionFilters{})
	if len(sessions) != 1 {
		t.Errorf("expected one session, got %d", len(sessions))
	}
	if h.provider.ChannelCount() != channels {
		t.Errorf("expected no new workspace artifacts")
	}
	if h.provider.RoleCount("FooCTF 2024") != 1 {
		t.Errorf("expected one role, got %d", h.provider.RoleCount("FooCTF 2024"))
	}
}

func TestEnsureSessionConcurrent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := map[string]bool{}
	createdCount := 0
	for _, name := range []string{"Race CTF", "race ctf", "RACE CTF", "Race Ctf"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			s, created, err := h.engine.EnsureSession(ctx, name, false)
			if err != nil {
				t.Errorf("EnsureSession failed: %v", err)
				return
			}
			if !workspaceComplete(s.Workspace) {
				t.Errorf("%s returned without a complete workspace: %+v", name, s.Workspace)
			}
			mu.Lock()
			ids[s.ID] = true
			if created {
				createdCount++
			}
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	if len(ids) != 1 || createdCount != 1 {
		t.Errorf("expected one session created once, got ids=%v created=%d", ids, createdCount)
	}
}

func TestEnsureSessionResumesWorkspace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	calls := 0
	h.provider.Fail = func(op string) error {
		if op == "CreateChannel" {
			calls++
			if calls == 3 {
				return errors.New("provider unavailable")
			}
		}
		return nil
	}

	if _, created, err := h.engine.EnsureSession(ctx, "Partial", false); err == nil || !created {
		t.Fatalf("expected created session with provisioning error, got %v %v", created, err)
	}
	partial := h.session(t, "Partial")
	if partial.Workspace.CategoryID == "" {
		t.Fatal("expected partial workspace to be persisted")
	}

	h.provider.Fail = nil
	s, created, err := h.engine.EnsureSession(ctx, "partial", false)
	if err != nil || created {
		t.Fatalf("expected resumed existing session, got %v %v", created, err)
	}
	if !workspaceComplete(s.Workspace) {
		t.Errorf("expected complete workspace, got %+v", s.Workspace)
	}
	if n := len(h.provider.ChannelsNamed("⏰ Partial")); n != 1 {
		t.Errorf("expected one category, got %d", n)
	}
}

func TestEnsureSessionWaitsForProvisioningHolder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bareSession(t, "s1", "Slow CTF", models.StatePending)
	held := h.holdWorkspace(t, "s1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		held.Release(ctx)
	}()

	s, created, err := h.engine.EnsureSession(ctx, "slow ctf", false)
	if err != nil || created {
		t.Fatalf("expected existing session once the holder let go, got %v %v", created, err)
	}
	if !workspaceComplete(s.Workspace) {
		t.Errorf("expected complete workspace, got %+v", s.Workspace)
	}
}

func TestEnsureSessionWorkspaceNotReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.cfg.WorkspaceWait = 20 * time.Millisecond

	h.bareSession(t, "s1", "Stuck CTF", models.StatePending)
	h.holdWorkspace(t, "s1")

	s, created, err := h.engine.EnsureSession(ctx, "Stuck CTF", false)
	if !errors.Is(err, ErrWorkspaceNotReady) {
		t.Fatalf("expected ErrWorkspaceNotReady, got %v", err)
	}
	if created || s == nil || s.ID != "s1" {
		t.Errorf("expected the existing session alongside the error, got %+v %v", s, created)
	}
}

func TestStartWaitsForWorkspace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.cfg.WorkspaceWait = 20 * time.Millisecond

	entry := h.provider.AddEvent(workspace.CalendarEntry{Name: "Held CTF", Start: testNow}, "u1", "u2")
	h.bareSession(t, "s1", "Held CTF", models.StatePending)
	held := h.holdWorkspace(t, "s1")

	entry.Status = workspace.CalendarActive
	if err := h.engine.HandleCalendarStatus(ctx, entry); !errors.Is(err, ErrWorkspaceNotReady) {
		t.Fatalf("expected ErrWorkspaceNotReady, got %v", err)
	}
	if s := h.session(t, "Held CTF"); s.State != models.StatePending {
		t.Fatalf("session must stay pending without a workspace, got %s", s.State)
	}

	held.Release(ctx)
	if err := h.engine.HandleCalendarStatus(ctx, entry); err != nil {
		t.Fatalf("HandleCalendarStatus failed: %v", err)
	}

	s := h.session(t, "Held CTF")
	if s.State != models.StateLive {
		t.Fatalf("expected live, got %s", s.State)
	}
	if got := h.provider.Members(s.Workspace.RoleID); len(got) != 2 {
		t.Errorf("expected role granted to interested users, got %v", got)
	}
	general := s.Workspace.Channel(models.ChannelGeneralText)
	if msgs := h.provider.Messages(general); len(msgs) != 1 || !strings.Contains(msgs[0].Message.Content, "has started") {
		t.Errorf("expected one start announcement, got %+v", msgs)
	}
}

func TestStartTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entry := h.provider.AddEvent(workspace.CalendarEntry{Name: "FooCTF 2024", Start: testNow}, "u1", "u2")
	h.engine.EnsureSession(ctx, "FooCTF 2024", false)

	entry.Status = workspace.CalendarActive
	if err := h.engine.HandleCalendarStatus(ctx, entry); err != nil {
		t.Fatalf("HandleCalendarStatus failed: %v", err)
	}

	s := h.session(t, "FooCTF 2024")
	if s.State != models.StateLive {
		t.Fatalf("expected live, got %s", s.State)
	}
	category, _ := h.provider.Channel(s.Workspace.CategoryID)
	if category.Name != "🔴 FooCTF 2024" {
		t.Errorf("expected live marker, got %q", category.Name)
	}
	if got := h.provider.Members(s.Workspace.RoleID); len(got) != 2 {
		t.Errorf("expected role granted to interested users, got %v", got)
	}
	general := s.Workspace.Channel(models.ChannelGeneralText)
	if msgs := h.provider.Messages(general); len(msgs) != 1 || !strings.Contains(msgs[0].Message.Content, "has started") {
		t.Errorf("expected one start announcement, got %+v", msgs)
	}

	// A repeated gateway event must not announce twice
	h.engine.HandleCalendarStatus(ctx, entry)
	if msgs := h.provider.Messages(general); len(msgs) != 1 {
		t.Errorf("expected still one announcement, got %d", len(msgs))
	}
}

func TestStartCreatesLiveSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entry := h.provider.AddEvent(workspace.CalendarEntry{Name: "Surprise CTF"}, "u1")
	entry.Status = workspace.CalendarActive
	if err := h.engine.HandleCalendarStatus(ctx, entry); err != nil {
		t.Fatalf("HandleCalendarStatus failed: %v", err)
	}

	s := h.session(t, "Surprise CTF")
	if s.State != models.StateLive {
		t.Errorf("expected live, got %s", s.State)
	}

	entry.Status = workspace.CalendarCompleted
	if err := h.engine.HandleCalendarStatus(ctx, entry); err != nil {
		t.Fatalf("HandleCalendarStatus failed: %v", err)
	}
	if s := h.session(t, "Surprise CTF"); s.State != models.StateEnded {
		t.Errorf("expected ended, got %s", s.State)
	}
}

func TestEndTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// No record: silently skipped
	missing := workspace.CalendarEntry{Name: "Ghost", Status: workspace.CalendarCompleted}
	if err := h.engine.HandleCalendarStatus(ctx, missing); err != nil {
		t.Fatalf("expected skip, got %v", err)
	}
	if s, _ := h.store.FindSessionByName(ctx, "Ghost"); s != nil {
		t.Error("ending must not create a session")
	}

	// Pending cannot end
	h.engine.EnsureSession(ctx, "Early", false)
	h.engine.HandleCalendarStatus(ctx, workspace.CalendarEntry{Name: "Early", Status: workspace.CalendarCompleted})
	if s := h.session(t, "Early"); s.State != models.StatePending {
		t.Errorf("pending session must not end, got %s", s.State)
	}

	// Live ends once; ended is terminal
	h.engine.EnsureSession(ctx, "Running", true)
	end := workspace.CalendarEntry{Name: "running", Status: workspace.CalendarCompleted}
	if err := h.engine.HandleCalendarStatus(ctx, end); err != nil {
		t.Fatalf("HandleCalendarStatus failed: %v", err)
	}
	s := h.session(t, "Running")
	if s.State != models.StateEnded {
		t.Fatalf("expected ended, got %s", s.State)
	}
	category, _ := h.provider.Channel(s.Workspace.CategoryID)
	if category.Name != "🏁 Running" {
		t.Errorf("expected ended marker, got %q", category.Name)
	}

	h.engine.HandleCalendarStatus(ctx, end)
	start := workspace.CalendarEntry{Name: "Running", Status: workspace.CalendarActive}
	h.engine.HandleCalendarStatus(ctx, start)
	if s := h.session(t, "Running"); s.State != models.StateEnded {
		t.Errorf("ended must be terminal, got %s", s.State)
	}
	general := s.Workspace.Channel(models.ChannelGeneralText)
	if msgs := h.provider.Messages(general); len(msgs) != 1 {
		t.Errorf("expected exactly one end announcement, got %d", len(msgs))
	}
}

func TestArchive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, _, _ := h.engine.EnsureSession(ctx, "Old CTF", true)
	h.store.ReserveTask(ctx, &models.Task{ID: "t1", SessionID: s.ID, ExternalID: "1", Name: "baby-pwn", Category: "Pwn", Solved: true, FirstBlood: true})

	archived, err := h.engine.Archive(ctx, s.ID)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if archived.State != models.StateArchived {
		t.Errorf("expected archived, got %s", archived.State)
	}

	category, _ := h.provider.Channel(s.Workspace.CategoryID)
	if category.Name != "🔒 Old CTF" {
		t.Errorf("expected archived marker, got %q", category.Name)
	}
	msgs := h.provider.Messages(s.Workspace.Channel(models.ChannelScoreboard))
	if len(msgs) != 1 || !strings.Contains(msgs[0].Message.Content, "baby-pwn") {
		t.Errorf("expected task summary, got %+v", msgs)
	}

	if _, err := h.engine.Archive(ctx, s.ID); !errors.Is(err, models.ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}
	if _, err := h.engine.Archive(ctx, "missing"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}
