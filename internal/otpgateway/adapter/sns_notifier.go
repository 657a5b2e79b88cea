package adapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/nyaruka/phonenumbers"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/otp-gateway/internal/domain"
	"github.com/aelexs/otp-gateway/internal/otp"
)

// DefaultSNSMessageFormat is used when SNSConfig.MessageFormat is empty.
// {0}, {1}, ... are replaced by the send variables in order.
const DefaultSNSMessageFormat = "Your verification code is: {0}"

// snsPublisher is a narrow, consumer-defined interface for the subset of SNS
// operations required by the notifier. The real *sns.Client satisfies it.
type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Compile-time interface satisfaction checks.
var _ otp.Notifier = (*SNSNotifier)(nil)
var _ otp.Classifier = SNSClassifier{}

// SNSConfig configures an SNSNotifier.
type SNSConfig struct {
	MessageFormat string
	SenderID      string
	// DefaultRegion resolves national-format recipients to E.164.
	DefaultRegion string
}

// SNSNotifier delivers OTP messages via Amazon SNS direct SMS publish. SNS
// has no server-side templates, so the template id is ignored and the
// message is rendered locally from MessageFormat.
type SNSNotifier struct {
	client snsPublisher
	cfg    SNSConfig
}

// NewSNSNotifier creates an SNSNotifier backed by the given SNS client.
func NewSNSNotifier(client snsPublisher, cfg SNSConfig) *SNSNotifier {
	if cfg.MessageFormat == "" {
		cfg.MessageFormat = DefaultSNSMessageFormat
	}
	if cfg.DefaultRegion == "" {
		cfg.DefaultRegion = "IR"
	}
	return &SNSNotifier{client: client, cfg: cfg}
}

// Send publishes the rendered message to recipient and returns the SNS
// MessageId as the raw status.
func (n *SNSNotifier) Send(ctx context.Context, recipient string, vars []string, templateID int) (string, error) {
	ctx, span := tracer.Start(ctx, "sns.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "aws_sns"),
		attribute.Int("otp.template_id", templateID),
	)

	phone, err := n.e164(recipient)
	if err != nil {
		return "", err
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	if n.cfg.SenderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(n.cfg.SenderID),
		}
	}

	out, err := n.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(phone),
		Message:           aws.String(renderMessage(n.cfg.MessageFormat, vars)),
		MessageAttributes: attrs,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("sns sms: send otp to %s: %w", domain.MaskMobile(recipient), err)
	}

	return aws.ToString(out.MessageId), nil
}

func (n *SNSNotifier) e164(recipient string) (string, error) {
	if strings.HasPrefix(recipient, "+") {
		return recipient, nil
	}
	num, err := phonenumbers.Parse(recipient, n.cfg.DefaultRegion)
	if err != nil {
		return "", fmt.Errorf("sns sms: recipient %s: %w", domain.MaskMobile(recipient), domain.ErrInvalidMobile)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

func renderMessage(format string, vars []string) string {
	pairs := make([]string, 0, 2*len(vars))
	for i, v := range vars {
		pairs = append(pairs, "{"+strconv.Itoa(i)+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(format)
}

// SNSClassifier reads SNS publish results: any MessageId means SNS accepted
// the message. Failure text follows the configured locale.
type SNSClassifier struct {
	locale domain.Locale
}

// NewSNSClassifier returns an SNSClassifier for locale. Unsupported locales
// fall back to Persian.
func NewSNSClassifier(locale domain.Locale) SNSClassifier {
	if locale != domain.LocaleEN {
		locale = domain.LocaleFA
	}
	return SNSClassifier{locale: locale}
}

// Classify implements otp.Classifier.
func (c SNSClassifier) Classify(rawStatus string) otp.Classification {
	if strings.TrimSpace(rawStatus) != "" {
		return otp.Succeeded()
	}
	if c.locale == domain.LocaleEN {
		return otp.Failed("unknown", "sms gateway returned no message id")
	}
	return otp.Failed("unknown", "درگاه پیامک شناسه پیام را برنگرداند")
}
