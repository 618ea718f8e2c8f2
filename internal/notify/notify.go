// Package notify carries one-time codes and account notices out of band.
// Two delivery modes exist on purpose: the email-OTP path awaits the
// dispatcher and propagates failure, while account notices (welcome mail,
// audit trail) go through Kafka best-effort with failures only logged.
package notify

import "context"

type Message struct {
	To       string
	Template string
	Data     map[string]string
}

type Dispatcher interface {
	Send(ctx context.Context, msg Message) error
}

const (
	TemplateOTP     = "one_time_code"
	TemplateWelcome = "welcome"
)
