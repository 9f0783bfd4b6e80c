package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	"github.com/franorzabal-hub/kairos-api/internal/query"
	appErrors "github.com/franorzabal-hub/kairos-api/pkg/errors"
	"github.com/franorzabal-hub/kairos-api/pkg/mail"
)

type channelUpdate struct {
	recipientID string
	channel     models.DeliveryChannel
	status      models.ChannelStatus
	errMsg      *string
}

type mockMessageRepo struct {
	messages       map[string]*models.Message
	recipients     []models.MessageRecipient
	updates        []channelUpdate
	refreshCalls   int
	lastAccess     query.Expr
	recipientRows  []models.RecipientDetail
	markSentTotals map[string]int
	readRows       map[string]string
	readMarks      []string
}

func (m *mockMessageRepo) Create(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = "msg-generated"
	}
	if m.messages == nil {
		m.messages = make(map[string]*models.Message)
	}
	m.messages[msg.ID] = msg
	return nil
}

func (m *mockMessageRepo) FindByID(ctx context.Context, id string) (*models.Message, error) {
	if msg, ok := m.messages[id]; ok {
		return msg, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockMessageRepo) List(ctx context.Context, filter models.MessageFilter) ([]models.Message, int, error) {
	var out []models.Message
	for _, msg := range m.messages {
		out = append(out, *msg)
	}
	return out, len(out), nil
}

func (m *mockMessageRepo) MarkSent(ctx context.Context, id string, totalRecipients int, sentAt time.Time) error {
	if m.markSentTotals == nil {
		m.markSentTotals = make(map[string]int)
	}
	m.markSentTotals[id] = totalRecipients
	return nil
}

func (m *mockMessageRepo) UpdateStatus(ctx context.Context, id string, status models.MessageStatus) error {
	if msg, ok := m.messages[id]; ok {
		msg.Status = status
	}
	return nil
}

func (m *mockMessageRepo) CreateRecipients(ctx context.Context, recipients []models.MessageRecipient) error {
	for i := range recipients {
		if recipients[i].ID == "" {
			recipients[i].ID = "rcpt-" + recipients[i].GuardianID
		}
	}
	m.recipients = append(m.recipients, recipients...)
	return nil
}

func (m *mockMessageRepo) Recipients(ctx context.Context, messageID string, access query.Expr) ([]models.RecipientDetail, error) {
	m.lastAccess = access
	if query.IsDenyAll(access) {
		return []models.RecipientDetail{}, nil
	}
	return m.recipientRows, nil
}

func (m *mockMessageRepo) MarkRead(ctx context.Context, recipientID, guardianID string) (bool, error) {
	if owner, ok := m.readRows[recipientID]; !ok || owner != guardianID {
		return false, nil
	}
	m.readMarks = append(m.readMarks, recipientID)
	return true, nil
}

func (m *mockMessageRepo) UpdateChannelStatus(ctx context.Context, recipientID string, channel models.DeliveryChannel, status models.ChannelStatus, errMsg *string) error {
	m.updates = append(m.updates, channelUpdate{recipientID, channel, status, errMsg})
	return nil
}

func (m *mockMessageRepo) RefreshDeliveryCounts(ctx context.Context, messageID string) error {
	m.refreshCalls++
	return nil
}

type mockAudienceSource struct {
	guardians []string
	permErr   error
}

func (m *mockAudienceSource) Resolve(ctx context.Context, institutionID string, sel models.AudienceSelector, includeStudents, respectPreferences bool) (*models.AudienceResolution, error) {
	return &models.AudienceResolution{Guardians: m.guardians}, nil
}

func (m *mockAudienceSource) ValidateSendPermission(ctx context.Context, viewer Viewer, sel models.AudienceSelector) error {
	return m.permErr
}

type mockEmailDirectory struct {
	emails map[string]string
	byUser map[string]*models.Guardian
}

func (m *mockEmailDirectory) EmailsByGuardianIDs(ctx context.Context, ids []string) (map[string]string, error) {
	return m.emails, nil
}

func (m *mockEmailDirectory) FindByUserID(ctx context.Context, userID string) (*models.Guardian, error) {
	if g, ok := m.byUser[userID]; ok {
		return g, nil
	}
	return nil, sql.ErrNoRows
}

type stubRecipientDecider struct {
	decision Decision
}

func (s *stubRecipientDecider) RecipientFilter(ctx context.Context, viewer Viewer) Decision {
	return s.decision
}

type captureSender struct {
	sent     []mail.Message
	failAddr string
}

func (c *captureSender) Send(msg mail.Message) error {
	if c.failAddr != "" && len(msg.To) > 0 && msg.To[0] == c.failAddr {
		return errors.New("smtp 550 rejected")
	}
	c.sent = append(c.sent, msg)
	return nil
}

func newMessageFixture() (*MessageService, *mockMessageRepo, *mockAudienceSource, *captureSender) {
	repo := &mockMessageRepo{messages: map[string]*models.Message{}}
	audience := &mockAudienceSource{guardians: []string{"gua-1", "gua-2", "gua-3"}}
	directory := &mockEmailDirectory{emails: map[string]string{
		"gua-1": "ana@example.com",
		"gua-2": "juan@example.com",
	}}
	sender := &captureSender{}
	decider := &stubRecipientDecider{decision: Decision{Kind: DecisionAllowed, Filter: query.AllowAll()}}
	svc := NewMessageService(repo, audience, directory, decider, sender, nil, nil)
	svc.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	return svc, repo, audience, sender
}

func staffViewer() Viewer {
	return Viewer{UserID: "staff-user", Role: models.RoleSchoolAdmin, InstitutionID: "inst-1"}
}

func TestMessageCreateRequiresScopeValue(t *testing.T) {
	svc, _, _, _ := newMessageFixture()

	_, err := svc.Create(context.Background(), staffViewer(), CreateMessageRequest{
		Subject:   "Reunion",
		Body:      "Reunion de padres",
		ScopeType: models.ScopeSection,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}

func TestMessageCreateScheduledMustBeFuture(t *testing.T) {
	svc, _, _, _ := newMessageFixture()

	past := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.Create(context.Background(), staffViewer(), CreateMessageRequest{
		Subject:     "Reunion",
		Body:        "Reunion de padres",
		ScopeType:   models.ScopeInstitution,
		ScheduledAt: &past,
	})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	future := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	msg, err := svc.Create(context.Background(), staffViewer(), CreateMessageRequest{
		Subject:     "Reunion",
		Body:        "Reunion de padres",
		ScopeType:   models.ScopeInstitution,
		ScheduledAt: &future,
	})
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusScheduled, msg.Status)
}

func TestMessageSendFansOutPerGuardian(t *testing.T) {
	svc, repo, _, sender := newMessageFixture()
	repo.messages["msg-1"] = &models.Message{
		ID:            "msg-1",
		InstitutionID: "inst-1",
		Subject:       "Reunion",
		Body:          "Reunion de padres",
		ScopeType:     models.ScopeInstitution,
		Status:        models.MessageStatusDraft,
		SendEmail:     true,
		SendInApp:     true,
	}

	msg, err := svc.Send(context.Background(), staffViewer(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusSent, msg.Status)
	assert.Equal(t, 3, msg.TotalRecipients)
	assert.Equal(t, 3, repo.markSentTotals["msg-1"])
	require.Len(t, repo.recipients, 3)
	for _, r := range repo.recipients {
		assert.Equal(t, models.ChannelPending, r.EmailStatus)
		assert.Equal(t, models.ChannelPending, r.InAppStatus)
		assert.Empty(t, r.SMSStatus)
	}

	// gua-3 has no email on file; the other two go out.
	var addrs []string
	for _, m := range sender.sent {
		addrs = append(addrs, m.To[0])
	}
	sort.Strings(addrs)
	assert.Equal(t, []string{"ana@example.com", "juan@example.com"}, addrs)

	var failed []channelUpdate
	for _, u := range repo.updates {
		if u.status == models.ChannelFailed {
			failed = append(failed, u)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "rcpt-gua-3", failed[0].recipientID)
	require.NotNil(t, failed[0].errMsg)
	assert.Equal(t, "no email on file", *failed[0].errMsg)
	assert.Equal(t, 1, repo.refreshCalls)
}

func TestMessageSendMailerFailureMarksChannelFailed(t *testing.T) {
	svc, repo, audience, sender := newMessageFixture()
	audience.guardians = []string{"gua-1", "gua-2"}
	sender.failAddr = "juan@example.com"
	repo.messages["msg-1"] = &models.Message{
		ID:            "msg-1",
		InstitutionID: "inst-1",
		Subject:       "Reunion",
		Body:          "Reunion de padres",
		ScopeType:     models.ScopeInstitution,
		Status:        models.MessageStatusDraft,
		SendEmail:     true,
	}

	_, err := svc.Send(context.Background(), staffViewer(), "msg-1")
	require.NoError(t, err, "delivery failures never fail the send")

	byRecipient := map[string]models.ChannelStatus{}
	for _, u := range repo.updates {
		byRecipient[u.recipientID] = u.status
	}
	assert.Equal(t, models.ChannelSent, byRecipient["rcpt-gua-1"])
	assert.Equal(t, models.ChannelFailed, byRecipient["rcpt-gua-2"])
}

func TestMessageSendSkipsEmailWhenChannelDisabled(t *testing.T) {
	svc, repo, _, sender := newMessageFixture()
	repo.messages["msg-1"] = &models.Message{
		ID:            "msg-1",
		InstitutionID: "inst-1",
		Subject:       "Aviso",
		Body:          "Solo en la app",
		ScopeType:     models.ScopeInstitution,
		Status:        models.MessageStatusDraft,
		SendInApp:     true,
	}

	_, err := svc.Send(context.Background(), staffViewer(), "msg-1")
	require.NoError(t, err)
	assert.Empty(t, sender.sent)
	assert.Empty(t, repo.updates)
}

func TestMessageSendAlreadySentConflicts(t *testing.T) {
	svc, repo, _, _ := newMessageFixture()
	repo.messages["msg-1"] = &models.Message{
		ID:        "msg-1",
		ScopeType: models.ScopeInstitution,
		Status:    models.MessageStatusSent,
	}

	_, err := svc.Send(context.Background(), staffViewer(), "msg-1")
	assert.True(t, errors.Is(err, appErrors.ErrStateConflict))
}

func TestMessageSendRequiresAudiencePermission(t *testing.T) {
	svc, repo, audience, _ := newMessageFixture()
	audience.permErr = appErrors.Clone(appErrors.ErrForbidden, "role cannot target this audience")
	repo.messages["msg-1"] = &models.Message{
		ID:        "msg-1",
		ScopeType: models.ScopeInstitution,
		Status:    models.MessageStatusDraft,
	}

	_, err := svc.Send(context.Background(), staffViewer(), "msg-1")
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))
	assert.Empty(t, repo.recipients)
}

func TestMessageRecipientsAppliesViewerFilter(t *testing.T) {
	svc, repo, _, _ := newMessageFixture()
	repo.messages["msg-1"] = &models.Message{ID: "msg-1", Status: models.MessageStatusSent}
	repo.recipientRows = []models.RecipientDetail{{GuardianEmail: "ana@example.com"}}
	decider := &stubRecipientDecider{decision: Decision{Kind: DecisionAllowed, Filter: query.Eq("mr.guardian_id", "gua-1")}}
	svc.perms = decider

	details, err := svc.Recipients(context.Background(), Viewer{UserID: "parent-1", Role: models.RoleParent, InstitutionID: "inst-1"}, "msg-1")
	require.NoError(t, err)
	require.Len(t, details, 1)

	clause, args := query.SQL(repo.lastAccess, 1)
	assert.Contains(t, clause, "mr.guardian_id")
	assert.Equal(t, []interface{}{"gua-1"}, args)
}

func TestMessageRecipientsDenied(t *testing.T) {
	svc, repo, _, _ := newMessageFixture()
	repo.messages["msg-1"] = &models.Message{ID: "msg-1", Status: models.MessageStatusSent}
	svc.perms = &stubRecipientDecider{decision: Decision{Kind: DecisionDenied, Reason: "no guardian record"}}

	_, err := svc.Recipients(context.Background(), Viewer{UserID: "stranger", Role: models.RoleParent, InstitutionID: "inst-1"}, "msg-1")
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))
}

func TestMessageMarkReadOwnRow(t *testing.T) {
	svc, repo, _, _ := newMessageFixture()
	repo.readRows = map[string]string{"rcpt-1": "gua-1"}
	svc.guardians = &mockEmailDirectory{byUser: map[string]*models.Guardian{
		"parent-user": {ID: "gua-1"},
	}}

	err := svc.MarkRead(context.Background(), Viewer{UserID: "parent-user", Role: models.RoleParent, InstitutionID: "inst-1"}, "rcpt-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"rcpt-1"}, repo.readMarks)
}

func TestMessageMarkReadForeignRowNotFound(t *testing.T) {
	svc, repo, _, _ := newMessageFixture()
	repo.readRows = map[string]string{"rcpt-1": "gua-2"}
	svc.guardians = &mockEmailDirectory{byUser: map[string]*models.Guardian{
		"parent-user": {ID: "gua-1"},
	}}

	err := svc.MarkRead(context.Background(), Viewer{UserID: "parent-user", Role: models.RoleParent, InstitutionID: "inst-1"}, "rcpt-1")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
	assert.Empty(t, repo.readMarks)
}

func TestMessageMarkReadWithoutGuardianRecord(t *testing.T) {
	svc, _, _, _ := newMessageFixture()
	svc.guardians = &mockEmailDirectory{}

	err := svc.MarkRead(context.Background(), Viewer{UserID: "staff-user", Role: models.RoleSchoolAdmin, InstitutionID: "inst-1"}, "rcpt-1")
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))
}

func TestMessageUpdateChannelStatusRefreshesCounts(t *testing.T) {
	svc, repo, _, _ := newMessageFixture()

	err := svc.UpdateChannelStatus(context.Background(), "rcpt-1", models.ChannelEmail, models.ChannelDelivered, nil, "msg-1")
	require.NoError(t, err)
	require.Len(t, repo.updates, 1)
	assert.Equal(t, 1, repo.refreshCalls)
}
