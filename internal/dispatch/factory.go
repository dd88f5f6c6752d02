package dispatch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ignite/automation-engine/internal/config"
)

// NewFromConfig selects the adapter named by cfg.Provider.
func NewFromConfig(ctx context.Context, cfg config.DispatchConfig) (Adapter, error) {
	switch cfg.Provider {
	case "ses":
		a, err := NewSESAdapter(ctx, SESOptions{
			Region:           cfg.SES.Region,
			AccessKey:        cfg.SES.AccessKey,
			SecretKey:        cfg.SES.SecretKey,
			FromAddress:      cfg.FromAddress,
			ConfigurationSet: cfg.SES.ConfigSetName,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case "http":
		if cfg.HTTP.Endpoint == "" {
			return nil, fmt.Errorf("dispatch: http provider needs an endpoint")
		}
		client := &http.Client{Timeout: cfg.Timeout()}
		return NewHTTPAdapter(cfg.HTTP.Endpoint, cfg.HTTP.APIKey, client, cfg.HTTP.MaxRetries), nil
	case "log", "":
		log.Warn("using log dispatch adapter; no email will be sent")
		return NewLogAdapter(), nil
	default:
		return nil, fmt.Errorf("dispatch: unknown provider %q", cfg.Provider)
	}
}

// NewMessageIDFormatFromConfig builds the message identifier format.
func NewMessageIDFormatFromConfig(cfg config.DispatchConfig) *MessageIDFormat {
	return NewMessageIDFormat(cfg.MessageIDPrefix, cfg.MessageIDDomain)
}
