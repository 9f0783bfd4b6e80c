package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	appErrors "github.com/franorzabal-hub/kairos-api/pkg/errors"
	"github.com/franorzabal-hub/kairos-api/pkg/export"
	"github.com/franorzabal-hub/kairos-api/pkg/storage"
)

// ReportFormat selects the delivery-report rendering.
type ReportFormat string

const (
	ReportFormatCSV ReportFormat = "csv"
	ReportFormatPDF ReportFormat = "pdf"
)

// DeliveryReport describes a generated export and its signed download token.
type DeliveryReport struct {
	ReportID    string    `json:"report_id"`
	MessageID   string    `json:"message_id"`
	Format      string    `json:"format"`
	FileName    string    `json:"file_name"`
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type recipientLister interface {
	Recipients(ctx context.Context, viewer Viewer, messageID string) ([]models.RecipientDetail, error)
	Get(ctx context.Context, id string) (*models.Message, error)
}

// ReportService renders message delivery reports to CSV or PDF, stores them
// and hands out signed download URLs.
type ReportService struct {
	messages recipientLister
	csv      *export.CSVExporter
	pdf      *export.PDFExporter
	store    *storage.LocalStorage
	signer   *storage.SignedURLSigner
	logger   *zap.Logger
}

// NewReportService constructs ReportService.
func NewReportService(messages recipientLister, store *storage.LocalStorage, signer *storage.SignedURLSigner, logger *zap.Logger) *ReportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportService{
		messages: messages,
		csv:      export.NewCSVExporter(),
		pdf:      export.NewPDFExporter(),
		store:    store,
		signer:   signer,
		logger:   logger,
	}
}

var reportHeaders = []string{"Guardian", "Email", "Email Status", "SMS Status", "Push Status", "In-App Status", "Read", "Error"}

func reportDataset(recipients []models.RecipientDetail) export.Dataset {
	rows := make([]map[string]string, 0, len(recipients))
	for _, r := range recipients {
		read := "no"
		if r.IsRead {
			read = "yes"
		}
		errText := ""
		if r.EmailError != nil {
			errText = *r.EmailError
		}
		rows = append(rows, map[string]string{
			"Guardian":      r.GuardianName,
			"Email":         r.GuardianEmail,
			"Email Status":  string(r.EmailStatus),
			"SMS Status":    string(r.SMSStatus),
			"Push Status":   string(r.PushStatus),
			"In-App Status": string(r.InAppStatus),
			"Read":          read,
			"Error":         errText,
		})
	}
	return export.Dataset{Headers: reportHeaders, Rows: rows}
}

// Generate renders the delivery report for a message and returns a signed
// download reference.
func (s *ReportService) Generate(ctx context.Context, viewer Viewer, messageID string, format ReportFormat) (*DeliveryReport, error) {
	if s.store == nil || s.signer == nil {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "report exports are disabled")
	}
	if format != ReportFormatCSV && format != ReportFormatPDF {
		return nil, appErrors.Clonef(appErrors.ErrValidation, "unsupported report format %q", format)
	}

	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	recipients, err := s.messages.Recipients(ctx, viewer, messageID)
	if err != nil {
		return nil, err
	}

	dataset := reportDataset(recipients)
	var payload []byte
	switch format {
	case ReportFormatCSV:
		payload, err = s.csv.Render(dataset)
	case ReportFormatPDF:
		title := fmt.Sprintf("Delivery report: %s", msg.Subject)
		payload, err = s.pdf.Render(dataset, title)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render report")
	}

	reportID := uuid.NewString()
	fileName := fmt.Sprintf("delivery-%s-%s.%s", messageID, reportID[:8], format)
	if _, err := s.store.Save(fileName, payload); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store report")
	}

	token, expiresAt, err := s.signer.Generate(reportID, fileName)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download url")
	}

	s.logger.Info("delivery report generated",
		zap.String("message_id", messageID),
		zap.String("report_id", reportID),
		zap.String("format", string(format)),
		zap.Int("recipients", len(recipients)))

	return &DeliveryReport{
		ReportID:    reportID,
		MessageID:   messageID,
		Format:      string(format),
		FileName:    fileName,
		DownloadURL: fmt.Sprintf("/api/v1/messages/reports/download?token=%s", token),
		ExpiresAt:   expiresAt,
	}, nil
}

// Open validates the signed token and returns the stored report file. The
// caller owns closing the file.
func (s *ReportService) Open(token string) (*os.File, string, error) {
	if s.store == nil || s.signer == nil {
		return nil, "", appErrors.Clone(appErrors.ErrStateConflict, "report exports are disabled")
	}
	_, relPath, _, err := s.signer.Parse(token)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrForbidden.Code, appErrors.ErrForbidden.Status, "invalid or expired download token")
	}

	f, err := s.store.Open(relPath)
	if err != nil {
		return nil, "", appErrors.Clone(appErrors.ErrNotFound, "report no longer available")
	}

	contentType := "application/octet-stream"
	switch {
	case strings.HasSuffix(relPath, ".csv"):
		contentType = "text/csv"
	case strings.HasSuffix(relPath, ".pdf"):
		contentType = "application/pdf"
	}
	return f, contentType, nil
}

// Cleanup removes stored reports older than the TTL.
func (s *ReportService) Cleanup(ttl time.Duration) {
	if s.store == nil {
		return
	}
	removed, err := s.store.CleanupOlderThan(ttl)
	if err != nil {
		s.logger.Warn("report cleanup failed", zap.Error(err))
		return
	}
	if len(removed) > 0 {
		s.logger.Info("report cleanup removed files", zap.Int("count", len(removed)))
	}
}
