package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/pkg/logger"
)

// SESAPI is the subset of the SES v2 client the adapter needs.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESOptions configures the SES adapter.
type SESOptions struct {
	Region           string
	AccessKey        string
	SecretKey        string
	FromAddress      string
	ConfigurationSet string
}

// SESAdapter sends stored SES templates, one per request. The template
// named by TemplateRef must exist in the SES account.
type SESAdapter struct {
	client    SESAPI
	from      string
	configSet string
	now       func() time.Time
}

// NewSESAdapter builds an SES v2 client. Static credentials are used when
// both keys are set; otherwise the default AWS credential chain applies
// (IAM role on ECS).
func NewSESAdapter(ctx context.Context, opts SESOptions) (*SESAdapter, error) {
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewSESAdapterWithClient(sesv2.NewFromConfig(cfg), opts), nil
}

// NewSESAdapterWithClient wraps an existing client.
func NewSESAdapterWithClient(client SESAPI, opts SESOptions) *SESAdapter {
	return &SESAdapter{
		client:    client,
		from:      opts.FromAddress,
		configSet: opts.ConfigurationSet,
		now:       time.Now,
	}
}

// Dispatch sends req.TemplateRef to req.RecipientAddress.
func (a *SESAdapter) Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResult, error) {
	if req.TemplateRef == "" {
		return nil, fmt.Errorf("%w: template_ref is empty", ErrRejected)
	}
	from := a.from
	if v := req.Headers["From"]; v != "" {
		from = v
	}
	if from == "" {
		return nil, fmt.Errorf("%w: no from address configured", ErrRejected)
	}

	templateData := "{}"
	if len(req.Links) > 0 {
		b, err := json.Marshal(req.Links)
		if err != nil {
			return nil, fmt.Errorf("%w: template data: %v", ErrRejected, err)
		}
		templateData = string(b)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{req.RecipientAddress}},
		Content: &types.EmailContent{
			Template: &types.Template{
				TemplateName: aws.String(req.TemplateRef),
				TemplateData: aws.String(templateData),
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("dispatch_id"), Value: aws.String(strconv.FormatInt(req.DispatchID, 10))},
			{Name: aws.String("enrollment_id"), Value: aws.String(req.EnrollmentID)},
			{Name: aws.String("automation_id"), Value: aws.String(req.AutomationID)},
			{Name: aws.String("node_id"), Value: aws.String(req.NodeID)},
		},
	}
	if a.configSet != "" {
		input.ConfigurationSetName = aws.String(a.configSet)
	}
	if v := req.Headers["Reply-To"]; v != "" {
		input.ReplyToAddresses = []string{v}
	}

	out, err := a.client.SendEmail(ctx, input)
	if err != nil {
		log.Warn("SES send failed",
			"dispatch_id", req.DispatchID,
			"recipient", logger.RedactEmail(req.RecipientAddress),
			"error", err)
		return nil, fmt.Errorf("ses send: %w", err)
	}

	providerID := aws.ToString(out.MessageId)
	log.Debug("SES send accepted", "dispatch_id", req.DispatchID, "provider_message_id", providerID)
	return &domain.DispatchResult{ProviderMessageID: providerID, AcceptedAt: a.now().UTC()}, nil
}
