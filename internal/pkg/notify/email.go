package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"pharmwatch/internal/config"
	"pharmwatch/internal/model"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 实现邮件告警。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// Send 发送告警邮件。配置不完整时静默跳过（只记日志）。
func (n *EmailNotifier) Send(ctx context.Context, drug *model.Drug, alert *model.Alert, toEmail string) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	if strings.TrimSpace(toEmail) == "" {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", "[PharmWatch] 价格监控告警: "+drug.Name)

	body := n.buildHTMLBody(drug, alert)
	m.SetBody("text/html", body)

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("alert email sent",
		slog.String("to", toEmail),
		slog.String("kind", alert.Kind),
		slog.String("drug", drug.Name))
	return nil
}

func (n *EmailNotifier) buildHTMLBody(drug *model.Drug, alert *model.Alert) string {
	priceLine := fmt.Sprintf("¥ %s", formatYuan(alert.NewCents))
	switch alert.Kind {
	case model.MonitorPriceDrop:
		priceLine = fmt.Sprintf("¥ %s → ¥ %s 📉", formatYuan(alert.OldCents), formatYuan(alert.NewCents))
	case model.MonitorPriceRise:
		priceLine = fmt.Sprintf("¥ %s → ¥ %s 📈", formatYuan(alert.OldCents), formatYuan(alert.NewCents))
	}

	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  .price { font-size: 26px; font-weight: bold; color: #ef4444; margin: 8px 0 12px; }
  .title { font-size: 16px; margin-bottom: 8px; }
  .meta { font-size: 13px; color: #6b7280; margin-bottom: 16px; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">[PharmWatch] 价格监控告警</div>
    <div class="content">
      <div class="title">%s</div>
      <div class="meta">%s · %s</div>
      <div class="price">%s</div>
      <div>%s</div>
      <div class="footer">告警类型: %s</div>
    </div>
  </div>
</body>
</html>`

	return fmt.Sprintf(template, drug.Name, drug.Specification, drug.Manufacturer, priceLine, alert.Message, alert.Kind)
}

// formatYuan 将分转为带千分位的元字符串。
func formatYuan(cents int64) string {
	yuan := cents / 100
	frac := cents % 100
	if frac < 0 {
		frac = -frac
	}
	s := fmt.Sprintf("%d", yuan)
	n := len(s)
	if n > 3 {
		out := make([]byte, 0, n+2)
		for i, ch := range []byte(s) {
			out = append(out, ch)
			if (n-i-1)%3 == 0 && i != n-1 {
				out = append(out, ',')
			}
		}
		s = string(out)
	}
	return fmt.Sprintf("%s.%02d", s, frac)
}
