// Package notify sends defect alerts to the workshop over SMTP.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	texttemplate "text/template"

	"fleetsync/internal/store"
	"fleetsync/internal/util"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// Recipients of defect alerts
	AlertTo []string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer renders and sends alert mail.
type Mailer struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewMailer(config Config) *Mailer {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Mailer{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if a server, sender and at least one recipient are set.
func (m *Mailer) IsConfigured() bool {
	return m.config.Host != "" && m.config.Port != "" && m.config.From != "" && len(m.config.AlertTo) > 0
}

type defectData struct {
	VehicleID     string
	InspectorName string
	Odometer      int64
	DefectCount   int
	Defects       []store.InspectionItem
	InspectionID  string
}

// NotifyDefects mails the alert recipients about an inspection that found
// defects. Inspections without defects are ignored.
func (m *Mailer) NotifyDefects(_ context.Context, inspection store.Inspection) error {
	if inspection.DefectCount == 0 {
		return nil
	}
	if !m.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	data := defectData{
		VehicleID:     inspection.VehicleID,
		InspectorName: inspection.InspectorName,
		Odometer:      inspection.Odometer,
		DefectCount:   inspection.DefectCount,
		InspectionID:  inspection.ID,
	}
	for _, item := range inspection.Items {
		if item.Status == "defect" {
			data.Defects = append(data.Defects, item)
		}
	}

	var text, html bytes.Buffer
	if err := defectTextTemplate.Execute(&text, data); err != nil {
		return fmt.Errorf("render defect alert: %w", err)
	}
	if err := defectHTMLTemplate.Execute(&html, data); err != nil {
		return fmt.Errorf("render defect alert: %w", err)
	}
	subject := fmt.Sprintf("Vehicle %s: %d defect(s) reported", inspection.VehicleID, inspection.DefectCount)
	return m.sendAlternative(m.config.AlertTo, subject, text.String(), html.String())
}

func (m *Mailer) sendAlternative(to []string, subject, textBody, htmlBody string) error {
	from := m.config.From
	if m.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", m.config.FromName, m.config.From)
	}
	boundary := "fleetsync-" + util.NewKey()

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	if err := m.send(m.server, m.auth, m.config.From, to, msg.Bytes()); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

var defectTextTemplate = texttemplate.Must(texttemplate.New("defect.txt").Parse(
	`Inspection {{.InspectionID}} of vehicle {{.VehicleID}} by {{.InspectorName}} at {{.Odometer}} km reported {{.DefectCount}} defect(s):
{{range .Defects}}
- {{.Code}}: {{.Note}}{{end}}
`))

var defectHTMLTemplate = template.Must(template.New("defect.html").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Defects on {{.VehicleID}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #cc3300; padding-bottom: 10px; margin-bottom: 20px; }
        td { padding: 4px 12px 4px 0; vertical-align: top; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Vehicle {{.VehicleID}}</h1>
    </div>
    <p>{{.InspectorName}} reported {{.DefectCount}} defect(s) at {{.Odometer}} km.</p>
    <table>
        {{range .Defects}}<tr><td><strong>{{.Code}}</strong></td><td>{{.Note}}</td></tr>
        {{end}}
    </table>
    <p>Inspection {{.InspectionID}}</p>
</body>
</html>`))
