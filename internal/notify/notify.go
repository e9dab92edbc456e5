// Package notify emails a summary of every finished run.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"classreports/internal/components/assert"
	"classreports/internal/components/telemetry"
	"classreports/internal/runreport"

	"github.com/jordan-wright/email"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("classreports/internal/notify")

const report_mailer_send = "mailer.send"

type SmtpConfig struct {
	Server       string `json:"server"`
	Port         int    `json:"port"`
	EmailAddress string `json:"email_address"`
	Password     string `json:"password"`
}

type Options struct {
	Smtp SmtpConfig
	To   []string
	// OnlyProblems skips runs where every account succeeded.
	OnlyProblems bool
}

type Mailer struct {
	options Options
	tel     telemetry.API

	// note: fault injection point
	send func(mail *email.Email) error
}

func NewMailer(options Options, tel telemetry.API) *Mailer {
	assert.NotEmptyStr(options.Smtp.Server)
	assert.NotEmptyStr(options.Smtp.EmailAddress)
	assert.NotNil(tel)

	m := &Mailer{
		options: options,
		tel:     telemetry.NewScopedAPI("notify", tel),
	}
	m.send = m.sendSmtp
	return m
}

func (m *Mailer) sendSmtp(mail *email.Email) error {
	addr := fmt.Sprintf("%s:%d", m.options.Smtp.Server, m.options.Smtp.Port)
	err := mail.Send(
		addr,
		smtp.PlainAuth("", m.options.Smtp.EmailAddress, m.options.Smtp.Password, m.options.Smtp.Server),
	)
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		return mail.Send(addr, nil)
	}
	return err
}

// Message builds the summary email of report.
func (m *Mailer) Message(report runreport.Report) *email.Email {
	success, partial, failed := report.Counts()

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("Class Reports <%s>", m.options.Smtp.EmailAddress)
	mail.To = m.options.To
	mail.Subject = fmt.Sprintf(
		"Class reports %s: %d succeeded, %d partial, %d failed",
		report.Outcome(), success, partial, failed,
	)

	body := &bytes.Buffer{}
	runreport.Render(body, report)
	if artifacts := report.Artifacts(); len(artifacts) > 0 {
		body.WriteString("\nreports:\n")
		for _, a := range artifacts {
			fmt.Fprintf(body, "  %s (%d rows)\n", a.FileName, a.RowCount)
		}
	}
	mail.Text = body.Bytes()
	return mail
}

// RunFinished mails the summary of report.
func (m *Mailer) RunFinished(ctx context.Context, report runreport.Report) error {
	if len(m.options.To) == 0 {
		return nil
	}
	if m.options.OnlyProblems && report.Outcome() == runreport.StatusSuccess {
		return nil
	}

	_, span := tracer.Start(ctx, "RunFinished")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", report.RunID))

	err := m.send(m.Message(report))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send email")
		m.tel.ReportWarning(report_mailer_send, report.RunID, err)
		return fmt.Errorf("send run summary: %w", err)
	}
	return nil
}
