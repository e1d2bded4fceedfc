package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/mail"
	"strings"
	"sync"
	"time"

	"gopkg.in/gomail.v2"

	"heartbeat_bot/internal/config"
	"heartbeat_bot/internal/logbus"
)

const (
	senderName    = "Heartbeat Bot"
	queueSize     = 200
	maxBatchSize  = 80
	summaryLayout = "2006-01-02 15:04:05"
)

type sendFunc func(ctx context.Context, settings config.EmailConfig, events []AuthFailedEvent) error

// EmailNotifier collects auth failures and mails them as one summary once
// no new failure arrived for the summary window.
type EmailNotifier struct {
	settings config.EmailConfig
	window   time.Duration
	maxBatch int
	bus      *logbus.Bus
	send     sendFunc

	queue chan AuthFailedEvent

	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewEmailNotifier(cfg config.NotifyConfig, bus *logbus.Bus) *EmailNotifier {
	return newEmailNotifier(cfg.Email, cfg.SummaryWindow(), bus, SendAuthFailureSummary)
}

func newEmailNotifier(settings config.EmailConfig, window time.Duration, bus *logbus.Bus, send sendFunc) *EmailNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &EmailNotifier{
		settings: settings,
		window:   window,
		maxBatch: maxBatchSize,
		bus:      bus,
		send:     send,
		queue:    make(chan AuthFailedEvent, queueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	n.wg.Add(1)
	go n.run()
	return n
}

// NotifyAuthFailed never blocks; events beyond the queue size are dropped.
func (n *EmailNotifier) NotifyAuthFailed(_ context.Context, evt AuthFailedEvent) {
	select {
	case n.queue <- evt:
	default:
		n.log("warn", "notification dropped: queue full", map[string]any{"email": evt.Email})
	}
}

// Close sends whatever is still pending and stops the worker.
func (n *EmailNotifier) Close(ctx context.Context) error {
	n.closeOnce.Do(n.cancel)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *EmailNotifier) run() {
	defer n.wg.Done()

	idle := time.NewTimer(time.Hour)
	idle.Stop()
	defer idle.Stop()

	var pending []AuthFailedEvent
	flush := func(reason string) {
		idle.Stop()
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		n.deliver(reason, batch)
	}

	for {
		select {
		case <-n.ctx.Done():
			for {
				select {
				case evt := <-n.queue:
					pending = append(pending, evt)
				default:
					flush("shutdown")
					return
				}
			}
		case evt := <-n.queue:
			pending = append(pending, evt)
			switch {
			case len(pending) >= n.maxBatch:
				flush("max")
			case n.window <= 0:
				flush("immediate")
			default:
				idle.Reset(n.window)
			}
		case <-idle.C:
			flush("idle")
		}
	}
}

func (n *EmailNotifier) deliver(reason string, events []AuthFailedEvent) {
	fields := map[string]any{"count": len(events), "reason": reason}
	if !n.settings.Enabled {
		n.log("info", "email notifications disabled", fields)
		return
	}
	if err := validateEmailSettings(n.settings); err != nil {
		n.log("warn", "invalid email settings", map[string]any{"error": err.Error()})
		return
	}

	// n.ctx is already cancelled when this runs on shutdown.
	if err := n.send(context.Background(), n.settings, events); err != nil {
		fields["error"] = err.Error()
		n.log("warn", "sending notification email failed", fields)
		return
	}
	fields["to"] = strings.TrimSpace(n.settings.Email)
	n.log("info", "notification email sent", fields)
}

func (n *EmailNotifier) log(level, msg string, fields map[string]any) {
	if n.bus != nil {
		n.bus.Log(level, msg, fields)
	}
}

func validateEmailSettings(s config.EmailConfig) error {
	email := strings.TrimSpace(s.Email)
	if email == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email %q", email)
	}
	if strings.TrimSpace(s.AuthCode) == "" {
		return errors.New("authCode is required")
	}
	return nil
}

// SendAuthFailureSummary mails events to the configured address, from that
// same address, through the SMTP server its domain implies.
func SendAuthFailureSummary(ctx context.Context, settings config.EmailConfig, events []AuthFailedEvent) error {
	if err := validateEmailSettings(settings); err != nil {
		return err
	}
	if len(events) == 0 {
		return errors.New("no events")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	email := strings.TrimSpace(settings.Email)
	server, err := smtpServerFor(email)
	if err != nil {
		return err
	}
	htmlBody, textBody, err := buildSummaryEmailBody(events)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(email, senderName))
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", buildSummarySubject(events))
	msg.SetBody("text/plain", textBody)
	msg.AddAlternative("text/html", htmlBody)

	d := gomail.NewDialer(server.host, server.port, email, strings.TrimSpace(settings.AuthCode))
	d.SSL = server.ssl
	return d.DialAndSend(msg)
}

type smtpServer struct {
	host string
	port int
	ssl  bool
}

var knownSMTPServers = []struct {
	domains []string
	server  smtpServer
}{
	{[]string{"gmail.com", "googlemail.com"}, smtpServer{"smtp.gmail.com", 587, false}},
	{[]string{"outlook.com", "hotmail.com", "live.com"}, smtpServer{"smtp.office365.com", 587, false}},
	{[]string{"yahoo.com"}, smtpServer{"smtp.mail.yahoo.com", 465, true}},
	{[]string{"icloud.com", "me.com", "mac.com"}, smtpServer{"smtp.mail.me.com", 587, false}},
	{[]string{"qq.com", "foxmail.com"}, smtpServer{"smtp.qq.com", 465, true}},
	{[]string{"163.com", "126.com", "yeah.net"}, smtpServer{"smtp.163.com", 465, true}},
}

// smtpServerFor maps well-known mail providers to their submission server and
// falls back to smtp.<domain>:465 over SSL.
func smtpServerFor(email string) (smtpServer, error) {
	_, domain, ok := strings.Cut(strings.TrimSpace(email), "@")
	domain = strings.ToLower(strings.TrimSpace(domain))
	if !ok || domain == "" || strings.Contains(domain, "@") {
		return smtpServer{}, fmt.Errorf("invalid email %q", email)
	}
	for _, known := range knownSMTPServers {
		for _, d := range known.domains {
			if domain == d || strings.HasSuffix(domain, "."+d) {
				return known.server, nil
			}
		}
	}
	return smtpServer{host: "smtp." + domain, port: 465, ssl: true}, nil
}

func buildSummarySubject(events []AuthFailedEvent) string {
	if len(events) == 1 {
		return "Login failed: " + strings.TrimSpace(events[0].Email)
	}
	return fmt.Sprintf("Login failed for %d accounts", len(events))
}

type summaryRow struct {
	At        string
	Email     string
	InstallID string
	Reason    string
}

type summaryData struct {
	Total int
	Start string
	End   string
	Rows  []summaryRow
}

var summaryHTML = template.Must(template.New("summary").Parse(`<!doctype html>
<html lang="en">
<body style="font-family:Arial,sans-serif;color:#1f2937;">
  <h2 style="margin:0 0 8px;">Login failures</h2>
  <p style="margin:0 0 16px;color:#6b7280;">{{ .Total }} account(s) could not log in between {{ .Start }} and {{ .End }}.</p>
  <table cellpadding="6" cellspacing="0" style="border-collapse:collapse;font-size:13px;">
    <tr style="background:#f3f4f6;text-align:left;"><th>Time</th><th>Account</th><th>Install ID</th><th>Reason</th></tr>
    {{- range .Rows }}
    <tr style="border-top:1px solid #e5e7eb;"><td>{{ .At }}</td><td>{{ .Email }}</td><td>{{ .InstallID }}</td><td>{{ .Reason }}</td></tr>
    {{- end }}
  </table>
</body>
</html>
`))

func summarize(events []AuthFailedEvent) summaryData {
	data := summaryData{Total: len(events), Rows: make([]summaryRow, 0, len(events))}
	var first, last time.Time
	for i, evt := range events {
		at := time.Now()
		if evt.At > 0 {
			at = time.UnixMilli(evt.At)
		}
		if i == 0 || at.Before(first) {
			first = at
		}
		if i == 0 || at.After(last) {
			last = at
		}
		installID := strings.TrimSpace(evt.InstallID)
		if installID == "" {
			installID = "-"
		}
		data.Rows = append(data.Rows, summaryRow{
			At:        at.Format(summaryLayout),
			Email:     strings.TrimSpace(evt.Email),
			InstallID: installID,
			Reason:    strings.TrimSpace(evt.Reason),
		})
	}
	data.Start = first.Format(summaryLayout)
	data.End = last.Format(summaryLayout)
	return data
}

func buildSummaryEmailBody(events []AuthFailedEvent) (htmlBody, textBody string, err error) {
	if len(events) == 0 {
		return "", "", errors.New("no events")
	}
	data := summarize(events)

	var html bytes.Buffer
	if err := summaryHTML.Execute(&html, data); err != nil {
		return "", "", err
	}

	var text strings.Builder
	fmt.Fprintf(&text, "%d account(s) could not log in between %s and %s.\n\n", data.Total, data.Start, data.End)
	for _, row := range data.Rows {
		fmt.Fprintf(&text, "%s  %s  install=%s  %s\n", row.At, row.Email, row.InstallID, row.Reason)
	}
	return html.String(), text.String(), nil
}
