// Package jobs holds the built-in job handlers. Payloads are opaque to the
// queue core; each handler owns its payload schema and deserializes it
// here, at the edge.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobqueue-be/internal/registry"
)

// Job types accepted by the service.
const (
	TypeEmail        = "email"
	TypeNotification = "notification"
	TypeReport       = "report"
)

// NewRegistry builds the process-wide handler registry. Called once at
// startup by both binaries: the API validates submissions against it, the
// worker executes from it.
func NewRegistry(logger *slog.Logger) *registry.Registry {
	r := registry.New()
	r.Register(TypeEmail, emailHandler(logger))
	r.Register(TypeNotification, notificationHandler(logger))
	r.Register(TypeReport, reportHandler(logger))
	return r
}

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func emailHandler(logger *slog.Logger) registry.Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var p emailPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("invalid email payload: %w", err)
		}
		if p.To == "" {
			return nil, fmt.Errorf("email payload missing recipient")
		}

		logger.Info("Sending email",
			slog.String("to", p.To),
			slog.String("subject", p.Subject),
		)

		// Delivery is simulated; a real deployment plugs an SMTP or
		// provider client in here.
		return json.Marshal(map[string]any{
			"delivered_to": p.To,
			"sent_at":      time.Now().UTC().Format(time.RFC3339),
		})
	}
}

type notificationPayload struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

func notificationHandler(logger *slog.Logger) registry.Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var p notificationPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("invalid notification payload: %w", err)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("notification payload missing user_id")
		}

		logger.Info("Pushing notification",
			slog.String("user_id", p.UserID),
		)

		return json.Marshal(map[string]any{
			"user_id":   p.UserID,
			"pushed_at": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

type reportPayload struct {
	ReportType string `json:"report_type"`
	From       string `json:"from"`
	To         string `json:"to"`
}

func reportHandler(logger *slog.Logger) registry.Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var p reportPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("invalid report payload: %w", err)
		}
		if p.ReportType == "" {
			return nil, fmt.Errorf("report payload missing report_type")
		}

		logger.Info("Generating report",
			slog.String("report_type", p.ReportType),
		)

		return json.Marshal(map[string]any{
			"report_type":  p.ReportType,
			"generated_at": time.Now().UTC().Format(time.RFC3339),
		})
	}
}
