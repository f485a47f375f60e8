package services

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"

	"github.com/BradenHooton/loginguard/internal/models"
)

// NotificationGateway delivers the security emails. Callers treat every send as
// fire-and-forget: an error is logged and counted but never undoes committed state.
type NotificationGateway interface {
	SendVerificationCode(ctx context.Context, identity, code string, expiresInMinutes int, origin string) error
	SendWarningEmail(ctx context.Context, identity string, failedCount, remainingCount int, origin string) error
	SendAccountLockedEmail(ctx context.Context, lock *models.AccountLock) error
	SendUnlockSuccessEmail(ctx context.Context, identity string) error
}

// Notification kinds, used as metric labels and log fields
const (
	notifyVerificationCode = "verification_code"
	notifyWarning          = "warning"
	notifyAccountLocked    = "account_locked"
	notifyUnlockSuccess    = "unlock_success"
)

// emailContent is a rendered message ready for any transport
type emailContent struct {
	Subject string
	HTML    string
	Text    string
}

type emailTemplate struct {
	subject string
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

const emailLayout = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #f8f9fa; padding: 20px; text-align: center; border-radius: 4px; }
        .code { font-size: 28px; letter-spacing: 6px; font-weight: bold; text-align: center; }
        .button { display: inline-block; background-color: #0066cc; color: white; padding: 12px 24px; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .warning { background-color: #fff3cd; padding: 10px; border-left: 4px solid #ffc107; margin: 10px 0; }
        .footer { color: #666; font-size: 12px; margin-top: 20px; padding-top: 20px; border-top: 1px solid #eee; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header"><h1>{{template "title" .}}</h1></div>
        {{template "content" .}}
        <div class="footer">
            <p>This is an automated message. Please do not reply to this email.</p>
        </div>
    </div>
</body>
</html>`

func mustEmailTemplate(subject, htmlBody, textBody string) emailTemplate {
	h := htmltemplate.Must(htmltemplate.New("layout").Parse(emailLayout))
	htmltemplate.Must(h.Parse(htmlBody))

	return emailTemplate{
		subject: subject,
		html:    h,
		text:    texttemplate.Must(texttemplate.New("text").Parse(textBody)),
	}
}

var (
	verificationCodeEmail = mustEmailTemplate(
		"Your login verification code",
		`{{define "title"}}Login Verification Code{{end}}
{{define "content"}}
<p>We noticed several unsuccessful sign-in attempts on your account. To continue signing in, enter this code:</p>
<p class="code">{{.Code}}</p>
<div class="warning"><strong>Security Notice:</strong> This code expires in {{.ExpiresInMinutes}} minutes.</div>
<p>Request origin: <code>{{.Origin}}</code></p>
<p>If this wasn't you, change your password as soon as possible.</p>
{{end}}`,
		`Login Verification Code

We noticed several unsuccessful sign-in attempts on your account. To continue signing in, enter this code:

    {{.Code}}

This code expires in {{.ExpiresInMinutes}} minutes.
Request origin: {{.Origin}}

If this wasn't you, change your password as soon as possible.
`)

	warningEmail = mustEmailTemplate(
		"Unusual sign-in activity on your account",
		`{{define "title"}}Unusual Sign-in Activity{{end}}
{{define "content"}}
<p>There have been {{.FailedCount}} unsuccessful attempts to sign in to your account in the last 24 hours.</p>
<p>The most recent attempt came from <code>{{.Origin}}</code>.</p>
<div class="warning">After {{.RemainingCount}} more failed attempts, signing in will require a verification code sent to this address.</div>
<p>If these attempts weren't you, we recommend changing your password.</p>
{{end}}`,
		`Unusual Sign-in Activity

There have been {{.FailedCount}} unsuccessful attempts to sign in to your account in the last 24 hours.
The most recent attempt came from {{.Origin}}.

After {{.RemainingCount}} more failed attempts, signing in will require a verification code sent to this address.

If these attempts weren't you, we recommend changing your password.
`)

	accountLockedEmail = mustEmailTemplate(
		"Your account has been locked",
		`{{define "title"}}Account Locked{{end}}
{{define "content"}}
<p>Your account was locked after {{.AttemptCount}} unsuccessful sign-in attempts.</p>
{{if .Origins}}<p>Attempts came from: {{range $i, $o := .Origins}}{{if $i}}, {{end}}<code>{{$o}}</code>{{end}}</p>{{end}}
<p>If it was you, unlock your account now:</p>
<p><a href="{{.UnlockURL}}" class="button">Unlock Account</a></p>
<p>Or copy and paste this link in your browser:<br><code>{{.UnlockURL}}</code></p>
<div class="warning"><strong>Security Notice:</strong> This link expires on {{.ExpiresAt}}. Otherwise the lock lifts on its own on {{.LockEndsAt}}.</div>
{{end}}`,
		`Account Locked

Your account was locked after {{.AttemptCount}} unsuccessful sign-in attempts.
{{if .Origins}}Attempts came from: {{range $i, $o := .Origins}}{{if $i}}, {{end}}{{$o}}{{end}}
{{end}}
If it was you, unlock your account with this link:

{{.UnlockURL}}

This link expires on {{.ExpiresAt}}. Otherwise the lock lifts on its own on {{.LockEndsAt}}.
`)

	unlockSuccessEmail = mustEmailTemplate(
		"Your account has been unlocked",
		`{{define "title"}}Account Unlocked{{end}}
{{define "content"}}
<p>Your account has been unlocked and you can sign in again.</p>
<p>If you did not request this, reset your password immediately.</p>
{{end}}`,
		`Account Unlocked

Your account has been unlocked and you can sign in again.
If you did not request this, reset your password immediately.
`)
)

func (t emailTemplate) render(data interface{}) (*emailContent, error) {
	var htmlBuf, textBuf bytes.Buffer

	if err := t.html.ExecuteTemplate(&htmlBuf, "layout", data); err != nil {
		return nil, fmt.Errorf("failed to render html body: %w", err)
	}
	if err := t.text.Execute(&textBuf, data); err != nil {
		return nil, fmt.Errorf("failed to render text body: %w", err)
	}

	return &emailContent{Subject: t.subject, HTML: htmlBuf.String(), Text: textBuf.String()}, nil
}

func renderVerificationCode(code string, expiresInMinutes int, origin string) (*emailContent, error) {
	return verificationCodeEmail.render(struct {
		Code             string
		ExpiresInMinutes int
		Origin           string
	}{code, expiresInMinutes, origin})
}

func renderWarning(failedCount, remainingCount int, origin string) (*emailContent, error) {
	return warningEmail.render(struct {
		FailedCount    int
		RemainingCount int
		Origin         string
	}{failedCount, remainingCount, origin})
}

// renderAccountLocked builds the lock email. The lock lifts on its own lockDuration after LockedAt.
func renderAccountLocked(lock *models.AccountLock, baseURL string, lockDuration time.Duration) (*emailContent, error) {
	return accountLockedEmail.render(struct {
		AttemptCount int
		Origins      []string
		UnlockURL    string
		ExpiresAt    string
		LockEndsAt   string
	}{
		AttemptCount: lock.AttemptCount,
		Origins:      lock.OriginsSeen,
		UnlockURL:    UnlockURL(baseURL, lock.UnlockToken),
		ExpiresAt:    lock.UnlockTokenExpiresAt.UTC().Format(time.RFC1123),
		LockEndsAt:   lock.ExpiresAt(lockDuration).UTC().Format(time.RFC1123),
	})
}

func renderUnlockSuccess() (*emailContent, error) {
	return unlockSuccessEmail.render(struct{}{})
}

// UnlockURL is the self-service link embedded in the lock email
func UnlockURL(baseURL, token string) string {
	return fmt.Sprintf("%s/auth/unlock/%s", baseURL, token)
}

// templatedGateway renders the security emails and hands them to a transport.
// Transports embed it and supply deliver.
type templatedGateway struct {
	deliver      func(ctx context.Context, to string, msg *emailContent) error
	baseURL      string
	lockDuration time.Duration
}

func (g templatedGateway) SendVerificationCode(ctx context.Context, identity, code string, expiresInMinutes int, origin string) error {
	msg, err := renderVerificationCode(code, expiresInMinutes, origin)
	if err != nil {
		return err
	}
	return g.deliver(ctx, identity, msg)
}

func (g templatedGateway) SendWarningEmail(ctx context.Context, identity string, failedCount, remainingCount int, origin string) error {
	msg, err := renderWarning(failedCount, remainingCount, origin)
	if err != nil {
		return err
	}
	return g.deliver(ctx, identity, msg)
}

func (g templatedGateway) SendAccountLockedEmail(ctx context.Context, lock *models.AccountLock) error {
	msg, err := renderAccountLocked(lock, g.baseURL, g.lockDuration)
	if err != nil {
		return err
	}
	return g.deliver(ctx, lock.Identity, msg)
}

func (g templatedGateway) SendUnlockSuccessEmail(ctx context.Context, identity string) error {
	msg, err := renderUnlockSuccess()
	if err != nil {
		return err
	}
	return g.deliver(ctx, identity, msg)
}
