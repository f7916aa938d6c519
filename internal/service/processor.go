package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asaskevich/govalidator"

	"github.com/mailroom/mailroom/config"
	"github.com/mailroom/mailroom/internal/domain"
	"github.com/mailroom/mailroom/pkg/logger"
	"github.com/mailroom/mailroom/pkg/mailer"
)

// Processor runs the per-item dispatch pipeline: attachments, template
// rendering, inline image lifting, recipient checks, SMTP send, finalize.
type Processor struct {
	templateRepo domain.TemplateRepository
	logRepo      domain.ProcessingLogRepository
	queueService *QueueService
	engine       *TemplateEngine
	cid          *CIDProcessor
	transport    mailer.Transport

	processingCfg config.ProcessingConfig
	smtpCfg       config.SMTPConfig
	machineName   string
	logger        logger.Logger
}

// NewProcessor creates a new Processor
func NewProcessor(
	templateRepo domain.TemplateRepository,
	logRepo domain.ProcessingLogRepository,
	queueService *QueueService,
	engine *TemplateEngine,
	cid *CIDProcessor,
	transport mailer.Transport,
	processingCfg config.ProcessingConfig,
	smtpCfg config.SMTPConfig,
	machineName string,
	logger logger.Logger,
) *Processor {
	return &Processor{
		templateRepo:  templateRepo,
		logRepo:       logRepo,
		queueService:  queueService,
		engine:        engine,
		cid:           cid,
		transport:     transport,
		processingCfg: processingCfg,
		smtpCfg:       smtpCfg,
		machineName:   machineName,
		logger:        logger,
	}
}

// Process runs the pipeline for one claimed item and finalizes its row. The
// returned error reports finalize failures only; a send failure that was
// recorded on the row is not an error to the caller.
func (p *Processor) Process(ctx context.Context, item *domain.QueueItem, workerID string) error {
	started := time.Now().UTC()

	ctx, cancel := context.WithTimeout(ctx, p.processingCfg.MaxProcessingTime)
	defer cancel()

	p.writeLog(ctx, domain.LogLevelInfo, "pipeline", "Processing started", item, workerID, "start", nil)

	outcome, procErr := p.runPipeline(ctx, item)
	outcome.StartedAt = started

	if procErr != nil {
		step := "pipeline"
		var pe *domain.ProcessingError
		if errors.As(procErr, &pe) {
			step = pe.Step
		}
		p.writeLog(ctx, domain.LogLevelError, "pipeline", "Processing failed", item, workerID, step, procErr)
		p.logger.WithFields(map[string]interface{}{
			"queue_id": item.QueueID,
			"step":     step,
			"kind":     domain.KindOf(procErr).String(),
			"error":    procErr.Error(),
		}).Error("Email processing failed")

		if err := p.queueService.FinalizeFailed(ctx, item, workerID, procErr, outcome); err != nil {
			return fmt.Errorf("failed to finalize item %s: %w", item.QueueID, err)
		}
		return nil
	}

	if err := p.queueService.FinalizeSent(ctx, item, workerID, outcome); err != nil {
		return fmt.Errorf("failed to finalize item %s: %w", item.QueueID, err)
	}

	p.writeLog(ctx, domain.LogLevelInfo, "pipeline", "Email sent", item, workerID, "sent", nil)
	p.logger.WithFields(map[string]interface{}{
		"queue_id":    item.QueueID,
		"duration_ms": time.Since(started).Milliseconds(),
	}).Info("Email sent")

	return nil
}

// runPipeline builds and dispatches the envelope. Errors carry their stage and
// classification via domain.ProcessingError.
func (p *Processor) runPipeline(ctx context.Context, item *domain.QueueItem) (*Outcome, error) {
	outcome := &Outcome{FinalBody: item.Body}

	attachments, err := p.loadAttachments(item)
	if err != nil {
		return outcome, err
	}

	subject, body := item.Subject, item.Body
	if item.RequiresTemplateProcessing {
		if item.TemplateID == nil {
			return outcome, domain.NewValidationError("template_lookup",
				fmt.Errorf("template processing required but no template id set"))
		}
		subject, body, err = p.renderTemplate(ctx, item, outcome)
		if err != nil {
			return outcome, err
		}
	}

	if item.IsHTML {
		cidResult, err := p.cid.Process(body, true)
		if err != nil {
			return outcome, domain.NewValidationError("inline_images", err)
		}
		body = cidResult.Body
		attachments = append(attachments, cidResult.Attachments...)
	}

	outcome.FinalBody = body
	outcome.AttachmentCount = len(attachments)

	to, cc, bcc, err := p.validateRecipients(item)
	if err != nil {
		return outcome, err
	}

	envelope := &mailer.Envelope{
		FromEmail:   p.smtpCfg.SenderEmail,
		FromName:    p.smtpCfg.SenderName,
		ReplyTo:     p.smtpCfg.DefaultReplyTo,
		To:          to,
		Cc:          cc,
		Bcc:         bcc,
		Subject:     subject,
		Body:        body,
		IsHTML:      item.IsHTML,
		Attachments: attachments,
	}

	result, err := p.transport.Send(ctx, envelope)
	switch result {
	case mailer.SendOK:
		return outcome, nil
	case mailer.SendPermanent:
		return outcome, domain.NewPermanentError("smtp_send", err)
	default:
		return outcome, domain.NewTransientError("smtp_send", err)
	}
}

func (p *Processor) loadAttachments(item *domain.QueueItem) ([]domain.Attachment, error) {
	if item.Attachments == nil || *item.Attachments == "" {
		return nil, nil
	}

	attachments, err := domain.ParseAttachments(*item.Attachments)
	if err != nil {
		return nil, domain.NewValidationError("attachments", err)
	}
	if err := domain.ValidateAttachments(attachments,
		p.processingCfg.MaxAttachmentSizeBytes(), p.processingCfg.MaxEmailSizeBytes()); err != nil {
		return nil, domain.NewValidationError("attachments", err)
	}
	return attachments, nil
}

func (p *Processor) renderTemplate(ctx context.Context, item *domain.QueueItem, outcome *Outcome) (string, string, error) {
	template, err := p.templateRepo.GetActiveByID(ctx, *item.TemplateID)
	if err != nil {
		return "", "", domain.NewValidationError("template_lookup",
			fmt.Errorf("template %d: %w", *item.TemplateID, err))
	}
	outcome.TemplateUsed = &template.Name

	raw := ""
	if item.TemplateData != nil {
		raw = *item.TemplateData
	}
	data, err := ParseTemplateData(raw)
	if err != nil {
		return "", "", domain.NewValidationError("template_data", err)
	}

	return p.engine.Render(template, data, item.IsHTML)
}

func (p *Processor) validateRecipients(item *domain.QueueItem) (to, cc, bcc []string, err error) {
	to = domain.SplitAddressList(item.ToEmails)
	cc = domain.SplitAddressList(item.CcEmails)
	bcc = domain.SplitAddressList(item.BccEmails)

	if len(to) == 0 {
		return nil, nil, nil, domain.NewValidationError("recipients", fmt.Errorf("no recipients"))
	}

	total := len(to) + len(cc) + len(bcc)
	if total > p.processingCfg.MaxRecipientsPerEmail {
		return nil, nil, nil, domain.NewValidationError("recipients",
			fmt.Errorf("%d recipients exceeds maximum of %d", total, p.processingCfg.MaxRecipientsPerEmail))
	}

	for _, group := range [][]string{to, cc, bcc} {
		for _, address := range group {
			if !govalidator.IsEmail(address) {
				return nil, nil, nil, domain.NewValidationError("recipients",
					fmt.Errorf("invalid email address: %s", address))
			}
		}
	}

	return to, cc, bcc, nil
}

// writeLog persists a processing log row. Best-effort: failures go to the
// structured logger only.
func (p *Processor) writeLog(ctx context.Context, level, category, message string, item *domain.QueueItem, workerID, step string, cause error) {
	entry := &domain.ProcessingLog{
		LogLevel:       level,
		Category:       category,
		Message:        message,
		QueueID:        &item.QueueID,
		WorkerID:       &workerID,
		ProcessingStep: &step,
		MachineName:    p.machineName,
	}
	if cause != nil {
		text := cause.Error()
		entry.Exception = &text
	}

	if err := p.logRepo.Insert(ctx, entry); err != nil {
		p.logger.WithField("error", err.Error()).Warn("Failed to write processing log")
	}
}
