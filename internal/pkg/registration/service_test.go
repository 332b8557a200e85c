package registration

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/InboxGate/app/models"
	"github.com/ManuelReschke/InboxGate/app/repository"
	"github.com/ManuelReschke/InboxGate/internal/pkg/audit"
	"github.com/ManuelReschke/InboxGate/internal/pkg/database"
	"github.com/ManuelReschke/InboxGate/internal/pkg/gmail"
	"github.com/ManuelReschke/InboxGate/internal/pkg/oauth"
	"github.com/ManuelReschke/InboxGate/internal/pkg/pending"
	"github.com/ManuelReschke/InboxGate/internal/pkg/security"
	"github.com/ManuelReschke/InboxGate/internal/pkg/webhook"
)

const tokenSecret = "registration-test-secret"

type fakeProvider struct {
	account     string
	exchangeErr error
	revokeErr   error
	revoked     []string
}

func (f *fakeProvider) ConsentURL(state string) (string, error) {
	return "https://accounts.google.com/o/oauth2/auth?state=" + url.QueryEscape(state), nil
}

func (f *fakeProvider) ExchangeCode(_ context.Context, code string) (*oauth.Tokens, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &oauth.Tokens{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		Expiry:       time.Now().Add(time.Hour),
		AccountEmail: f.account,
		DisplayName:  "Ann From Google",
	}, nil
}

func (f *fakeProvider) Refresh(context.Context, string) (*oauth.RefreshedToken, error) {
	return nil, errors.New("not used")
}

func (f *fakeProvider) Revoke(_ context.Context, token string) error {
	f.revoked = append(f.revoked, token)
	return f.revokeErr
}

type fakeWatches struct {
	err     error
	profile *gmail.Profile
	stopped []string
}

func (f *fakeWatches) Profile(context.Context, string) (*gmail.Profile, error) {
	if f.profile == nil {
		return nil, errors.New("profile unavailable")
	}
	return f.profile, nil
}

func (f *fakeWatches) CreateWatch(context.Context, string, string) (*gmail.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &gmail.Subscription{HistoryID: "4242", Expiry: time.Now().Add(7 * 24 * time.Hour)}, nil
}

func (f *fakeWatches) RenewWatch(ctx context.Context, token, mailbox string) (*gmail.Subscription, error) {
	return f.CreateWatch(ctx, token, mailbox)
}

func (f *fakeWatches) StopWatch(_ context.Context, token string) error {
	f.stopped = append(f.stopped, token)
	return f.err
}

type fakeNotifier struct {
	success bool
	events  []webhook.Event
}

func (f *fakeNotifier) Deliver(_ context.Context, _ string, ev webhook.Event) webhook.Result {
	f.events = append(f.events, ev)
	if !f.success {
		return webhook.Result{Attempts: 3, Error: "webhook returned status 500"}
	}
	return webhook.Result{Success: true, Attempts: 1}
}

// flakyClients fails the Nth Upsert and passes every other call through.
type flakyClients struct {
	repository.ClientRepository
	failOn int
	calls  int
}

func (f *flakyClients) Upsert(ctx context.Context, c *models.Client) (*models.Client, error) {
	f.calls++
	if f.calls == f.failOn {
		return nil, errors.New("database is locked")
	}
	return f.ClientRepository.Upsert(ctx, c)
}

type fixture struct {
	svc      *Service
	repos    *repository.Repositories
	provider *fakeProvider
	watches  *fakeWatches
	notifier *fakeNotifier
	pending  *pending.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	env, err := security.NewEnvelope("registration-test-key")
	require.NoError(t, err)

	f := &fixture{
		repos:    repository.NewRepositories(db, env),
		provider: &fakeProvider{account: "ann@gmail.com"},
		watches:  &fakeWatches{},
		notifier: &fakeNotifier{success: true},
		pending:  pending.NewMemoryStore(),
	}
	f.svc = NewService(Deps{
		Clients:  f.repos.Client,
		Recorder: audit.NewRecorder(f.repos.AuditLog),
		Provider: f.provider,
		Watches:  f.watches,
		Notifier: f.notifier,
		Pending:  f.pending,
	}, Options{
		TokenSecret:          tokenSecret,
		TokenTTL:             time.Hour,
		MailboxDomains:       []string{"gmail.com", "googlemail.com"},
		PrivacyPolicyVersion: "1.0",
		WatchTopic:           "projects/p/topics/t",
	})
	return f
}

func annForm() PreRegistration {
	return PreRegistration{
		Name:         "Ann",
		Email:        "ann@co.com",
		Company:      "Co",
		GmailAddress: "ann@gmail.com",
		ConsentGiven: true,
	}
}

func (f *fixture) auditActions(t *testing.T, clientID string) []string {
	t.Helper()
	logs, _, err := f.repos.AuditLog.ListByClient(context.Background(), clientID, 0, 100)
	require.NoError(t, err)
	actions := make([]string, 0, len(logs))
	// newest first
	for i := len(logs) - 1; i >= 0; i-- {
		actions = append(actions, logs[i].Action)
	}
	return actions
}

func TestPreRegister_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]func(p *PreRegistration){
		"short name":     func(p *PreRegistration) { p.Name = "A" },
		"bad email":      func(p *PreRegistration) { p.Email = "not-an-email" },
		"foreign domain": func(p *PreRegistration) { p.GmailAddress = "ann@outlook.com" },
		"long company":   func(p *PreRegistration) { p.Company = string(make([]byte, 101)) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			form := annForm()
			mutate(&form)
			_, err := f.svc.PreRegister(ctx, form, RequestMeta{})
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.NotEmpty(t, verr.Fields)
		})
	}
}

func TestPreRegister_ReportsJSONFieldNames(t *testing.T) {
	f := newFixture(t)
	form := annForm()
	form.GmailAddress = "ann@yahoo.com"

	_, err := f.svc.PreRegister(context.Background(), form, RequestMeta{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 1)
	assert.Equal(t, "gmailAddress", verr.Fields[0].Field)
	assert.Equal(t, "must be a Gmail address", verr.Fields[0].Message)
}

func TestPreRegister_ConsentRequired(t *testing.T) {
	f := newFixture(t)
	form := annForm()
	form.ConsentGiven = false

	_, err := f.svc.PreRegister(context.Background(), form, RequestMeta{})
	assert.ErrorIs(t, err, ErrConsentRequired)

	n, err := f.repos.Client.Count(context.Background(), repository.ClientFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPreRegister_StoresPendingAndAudits(t *testing.T) {
	f := newFixture(t)
	form := annForm()
	form.GmailAddress = " Ann@GMAIL.com "

	state, err := f.svc.PreRegister(context.Background(), form, RequestMeta{IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	assert.Len(t, state, 64)

	reg, err := f.pending.Get(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, "ann@gmail.com", reg.GmailAddress)
	assert.True(t, reg.ConsentGiven)
	assert.Equal(t, "10.0.0.1", reg.IPAddress)
}

func TestBeginAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.svc.PreRegister(ctx, annForm(), RequestMeta{})
	require.NoError(t, err)

	auth, err := f.svc.BeginAuthorization(ctx, state, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, state, auth.State)
	assert.Contains(t, auth.AuthURL, "accounts.google.com")
	assert.Contains(t, auth.AuthURL, "state="+state)

	fresh, err := f.svc.BeginAuthorization(ctx, "unknown-state", RequestMeta{})
	require.NoError(t, err)
	assert.NotEqual(t, "unknown-state", fresh.State)
	_, err = f.pending.Get(ctx, fresh.State)
	assert.NoError(t, err)
}

func TestCompleteAuthorization_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.svc.PreRegister(ctx, annForm(), RequestMeta{})
	require.NoError(t, err)

	out, err := f.svc.CompleteAuthorization(ctx, state, "code-1", RequestMeta{IPAddress: "10.0.0.1"})
	require.NoError(t, err)

	c := out.Client
	assert.Equal(t, models.RegistrationStatusCompleted, c.RegistrationStatus)
	assert.Equal(t, "Ann", c.Name)
	assert.Equal(t, "ann@co.com", c.Email)
	assert.Equal(t, "ann@gmail.com", c.GmailAddress)
	assert.Equal(t, "access-code-1", c.AccessToken)
	assert.Equal(t, "4242", c.WatchHistoryID)
	assert.True(t, c.ConsentGiven)
	assert.NotNil(t, c.ConsentDate)
	assert.Equal(t, "1.0", c.PrivacyPolicyVersion)
	assert.True(t, c.WebhookDelivered)
	require.NotNil(t, out.Watch)
	assert.Equal(t, "4242", out.Watch.HistoryID)

	claims, err := security.VerifyClientToken(out.Token, tokenSecret)
	require.NoError(t, err)
	assert.Equal(t, c.ID, claims.ClientID)

	_, err = f.pending.Get(ctx, state)
	assert.ErrorIs(t, err, pending.ErrNotFound)

	assert.Equal(t, []string{
		models.AuditOAuthAuthorized,
		models.AuditWatchCreated,
		models.AuditRegistrationCompleted,
	}, f.auditActions(t, c.ID))

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, webhook.EventRegistration, f.notifier.events[0].Type())
}

func TestCompleteAuthorization_InvalidState(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CompleteAuthorization(context.Background(), "nope", "code", RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.CompleteAuthorization(context.Background(), "", "code", RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCompleteAuthorization_ExchangeFailureAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.exchangeErr = &oauth.ProviderError{Op: "exchange", Err: errors.New("invalid_grant")}

	state, err := f.svc.PreRegister(ctx, annForm(), RequestMeta{})
	require.NoError(t, err)

	_, err = f.svc.CompleteAuthorization(ctx, state, "bad", RequestMeta{})
	var pe *oauth.ProviderError
	require.ErrorAs(t, err, &pe)

	n, err := f.repos.Client.Count(ctx, repository.ClientFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.notifier.events)
}

func TestCompleteAuthorization_OptionalStepsDoNotAbort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.watches.err = &gmail.WatchError{Op: "create", Mailbox: "ann@gmail.com", Err: errors.New("status=403")}
	f.notifier.success = false

	state, err := f.svc.PreRegister(ctx, annForm(), RequestMeta{})
	require.NoError(t, err)

	out, err := f.svc.CompleteAuthorization(ctx, state, "code-1", RequestMeta{})
	require.NoError(t, err)
	assert.Nil(t, out.Watch)
	assert.False(t, out.Webhook.Success)
	assert.False(t, out.Client.WebhookDelivered)
	assert.Equal(t, models.RegistrationStatusCompleted, out.Client.RegistrationStatus)
	assert.NotEmpty(t, out.Token)

	logs, _, err := f.repos.AuditLog.ListByClient(ctx, out.Client.ID, 0, 10)
	require.NoError(t, err)
	var watchEntry *models.AuditLog
	for i := range logs {
		if logs[i].Action == models.AuditWatchCreated {
			watchEntry = &logs[i]
		}
	}
	require.NotNil(t, watchEntry)
	assert.False(t, watchEntry.Success)
	assert.Contains(t, watchEntry.ErrorMessage, "403")
}

func TestCompleteAuthorization_AuthorizedAccountIsMailboxOfRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.account = "Other@Gmail.com"

	state, err := f.svc.PreRegister(ctx, annForm(), RequestMeta{})
	require.NoError(t, err)

	out, err := f.svc.CompleteAuthorization(ctx, state, "code-1", RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "other@gmail.com", out.Client.GmailAddress)
}

func TestCompleteAuthorization_GmailProfileIsMailboxOfRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.watches.profile = &gmail.Profile{EmailAddress: "ann.work@gmail.com", MessagesTotal: 120, ThreadsTotal: 80}

	state, err := f.svc.PreRegister(ctx, annForm(), RequestMeta{})
	require.NoError(t, err)

	out, err := f.svc.CompleteAuthorization(ctx, state, "code-1", RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "ann.work@gmail.com", out.Client.GmailAddress)

	logs, _, err := f.repos.AuditLog.ListByClient(ctx, out.Client.ID, 0, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.AuditRegistrationCompleted, logs[0].Action)
	assert.EqualValues(t, 120, logs[0].Details["messagesTotal"])
	assert.EqualValues(t, 80, logs[0].Details["threadsTotal"])
}

func TestCompleteAuthorization_PersistFailureIsAudited(t *testing.T) {
	cases := map[string]int{
		"persist_watch":   2,
		"persist_webhook": 3,
	}
	for step, failOn := range cases {
		t.Run(step, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.svc.Clients = &flakyClients{ClientRepository: f.repos.Client, failOn: failOn}

			state, err := f.svc.PreRegister(ctx, annForm(), RequestMeta{IPAddress: "10.0.0.1"})
			require.NoError(t, err)

			_, err = f.svc.CompleteAuthorization(ctx, state, "code-1", RequestMeta{IPAddress: "10.0.0.1"})
			require.Error(t, err)

			stored, err := f.repos.Client.FindByMailbox(ctx, "ann@gmail.com")
			require.NoError(t, err)
			actions := f.auditActions(t, stored.ID)
			assert.Equal(t, models.AuditRegistrationFailed, actions[len(actions)-1])
			assert.NotContains(t, actions, models.AuditRegistrationCompleted)

			logs, _, err := f.repos.AuditLog.ListByClient(ctx, stored.ID, 0, 1)
			require.NoError(t, err)
			require.Len(t, logs, 1)
			assert.False(t, logs[0].Success)
			assert.Equal(t, step, logs[0].Details["step"])
			assert.Equal(t, "10.0.0.1", logs[0].IPAddress)
			assert.Contains(t, logs[0].ErrorMessage, "database is locked")
		})
	}
}

func TestCompleteAuthorization_WithoutPreRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	auth, err := f.svc.BeginAuthorization(ctx, "", RequestMeta{})
	require.NoError(t, err)

	out, err := f.svc.CompleteAuthorization(ctx, auth.State, "code-1", RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "Ann From Google", out.Client.Name)
	assert.Equal(t, "ann@gmail.com", out.Client.Email)
}

func TestCompleteAuthorization_ReauthorizeUpdatesExisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.svc.PreRegister(ctx, annForm(), RequestMeta{})
	require.NoError(t, err)
	first, err := f.svc.CompleteAuthorization(ctx, state, "code-1", RequestMeta{})
	require.NoError(t, err)

	state, err = f.svc.PreRegister(ctx, annForm(), RequestMeta{})
	require.NoError(t, err)
	second, err := f.svc.CompleteAuthorization(ctx, state, "code-2", RequestMeta{})
	require.NoError(t, err)

	assert.Equal(t, first.Client.ID, second.Client.ID)
	assert.Equal(t, "access-code-2", second.Client.AccessToken)
	n, err := f.repos.Client.Count(ctx, repository.ClientFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCompleteAuthorization_FormEmailOwnedByAnotherClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exp := time.Now().Add(time.Hour)
	owner, err := f.repos.Client.Upsert(ctx, &models.Client{
		Name: "Ann Work", Email: "ann@co.com", GmailAddress: "ann.work@gmail.com",
		AccessToken: "a", RefreshToken: "r", TokenExpiry: &exp,
		RegistrationStatus: models.RegistrationStatusCompleted,
	})
	require.NoError(t, err)
	mailboxRow, err := f.repos.Client.Upsert(ctx, &models.Client{
		Name: "Ann", Email: "ann.private@co.com", GmailAddress: "ann@gmail.com",
		AccessToken: "a", RefreshToken: "r", TokenExpiry: &exp,
		RegistrationStatus: models.RegistrationStatusCompleted,
	})
	require.NoError(t, err)

	state, err := f.svc.PreRegister(ctx, annForm(), RequestMeta{})
	require.NoError(t, err)
	out, err := f.svc.CompleteAuthorization(ctx, state, "code-1", RequestMeta{})
	require.NoError(t, err)

	assert.Equal(t, mailboxRow.ID, out.Client.ID)
	assert.Equal(t, "ann.private@co.com", out.Client.Email)
	assert.Equal(t, "access-code-1", out.Client.AccessToken)

	again, err := f.repos.Client.FindByID(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, "ann@co.com", again.Email)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.svc.PreRegister(ctx, annForm(), RequestMeta{})
	require.NoError(t, err)
	out, err := f.svc.CompleteAuthorization(ctx, state, "code-1", RequestMeta{})
	require.NoError(t, err)

	f.provider.revokeErr = errors.New("already revoked")
	require.NoError(t, f.svc.Revoke(ctx, out.Client.ID, RequestMeta{}))

	stored, err := f.repos.Client.FindByID(ctx, out.Client.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationStatusExpired, stored.RegistrationStatus)
	assert.Equal(t, []string{"refresh-code-1"}, f.provider.revoked)
	assert.Equal(t, []string{"access-code-1"}, f.watches.stopped)

	actions := f.auditActions(t, out.Client.ID)
	assert.Equal(t, models.AuditClientDeleted, actions[len(actions)-1])
}

func TestRevoke_NotFound(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Revoke(context.Background(), uuid.NewString(), RequestMeta{})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.svc.PreRegister(ctx, annForm(), RequestMeta{})
	require.NoError(t, err)
	out, err := f.svc.CompleteAuthorization(ctx, state, "code-1", RequestMeta{})
	require.NoError(t, err)

	name, company := "Ann Smith", "NewCo"
	updated, err := f.svc.UpdateProfile(ctx, out.Client.ID, ProfileUpdate{Name: &name, Company: &company}, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "Ann Smith", updated.Name)
	assert.Equal(t, "NewCo", updated.Company)
	assert.Equal(t, "ann@co.com", updated.Email)
	assert.Equal(t, "access-code-1", updated.AccessToken)

	bad := "x"
	_, err = f.svc.UpdateProfile(ctx, out.Client.ID, ProfileUpdate{Name: &bad}, RequestMeta{})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	actions := f.auditActions(t, out.Client.ID)
	assert.Equal(t, models.AuditClientUpdated, actions[len(actions)-1])
}

func TestUpdateProfile_EmailTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exp := time.Now().Add(time.Hour)
	other, err := f.repos.Client.Upsert(ctx, &models.Client{
		Name: "Bob", Email: "bob@co.com", GmailAddress: "bob@gmail.com",
		AccessToken: "a", RefreshToken: "r", TokenExpiry: &exp,
		RegistrationStatus: models.RegistrationStatusCompleted,
	})
	require.NoError(t, err)

	state, err := f.svc.PreRegister(ctx, annForm(), RequestMeta{})
	require.NoError(t, err)
	out, err := f.svc.CompleteAuthorization(ctx, state, "code-1", RequestMeta{})
	require.NoError(t, err)

	_, err = f.svc.UpdateProfile(ctx, out.Client.ID, ProfileUpdate{Email: &other.Email}, RequestMeta{})
	assert.ErrorIs(t, err, ErrEmailTaken)
}
