package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"
)

var (
	ErrEmailNotConfigured = errors.New("email service not configured")
	ErrSendFailed         = errors.New("failed to send email")
)

const defaultEndpoint = "https://api.resend.com/emails"

// ResendClient Resend 邮件服务客户端
type ResendClient struct {
	apiKey    string
	fromEmail string
	endpoint  string
	client    *http.Client
}

// NewResendClient 创建新的 Resend 客户端
func NewResendClient(apiKey, fromEmail string) *ResendClient {
	return &ResendClient{
		apiKey:    apiKey,
		fromEmail: fromEmail,
		endpoint:  defaultEndpoint,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// IsConfigured 检查 API Key 与发件人是否已配置
func (c *ResendClient) IsConfigured() bool {
	return c.apiKey != "" && c.fromEmail != ""
}

type sendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// SendEmail 发送邮件
func (c *ResendClient) SendEmail(ctx context.Context, to, subject, htmlContent string) error {
	if !c.IsConfigured() {
		return ErrEmailNotConfigured
	}

	jsonData, err := json.Marshal(sendEmailRequest{
		From:    c.fromEmail,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlContent,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: status code %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

var inviteTemplate = template.Must(template.New("invite").Parse(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Subject}}</title>
</head>
<body style="margin: 0; padding: 0; font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; background-color: #f4f4f4;">
    <table role="presentation" style="width: 100%; border-collapse: collapse;">
        <tr>
            <td align="center" style="padding: 40px 0;">
                <table role="presentation" style="width: 600px; border-collapse: collapse; background-color: #ffffff; border-radius: 8px;">
                    <tr>
                        <td style="padding: 40px 40px 20px 40px; text-align: center;">
                            <h1 style="margin: 0; color: #333333; font-size: 24px;">Join {{.BrandName}}</h1>
                        </td>
                    </tr>
                    <tr>
                        <td style="padding: 20px 40px; text-align: center;">
                            <a href="{{.InviteURL}}" style="display: inline-block; background-color: #007bff; color: #ffffff; border-radius: 6px; padding: 12px 28px; text-decoration: none;">Accept invite</a>
                        </td>
                    </tr>
                    <tr>
                        <td style="padding: 20px 40px 40px 40px; text-align: center;">
                            <p style="margin: 0; color: #999999; font-size: 14px;">This invite expires on {{.ExpiresAt}}.</p>
                        </td>
                    </tr>
                </table>
            </td>
        </tr>
    </table>
</body>
</html>
`))

// SendInvite 发送品牌邀请邮件
func (c *ResendClient) SendInvite(ctx context.Context, to, brandName, inviteURL string, expiresAt time.Time) error {
	subject := fmt.Sprintf("You're invited to join %s", brandName)
	var buf bytes.Buffer
	err := inviteTemplate.Execute(&buf, map[string]string{
		"Subject":   subject,
		"BrandName": brandName,
		"InviteURL": inviteURL,
		"ExpiresAt": expiresAt.UTC().Format("2006-01-02 15:04 MST"),
	})
	if err != nil {
		return err
	}
	return c.SendEmail(ctx, to, subject, buf.String())
}
