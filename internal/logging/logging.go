package logging

import (
	"io"
	"os"
	"time"

	"github.com/Gustavcastform/castform-platform/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the global logger based on configuration
func Setup(cfg *config.LoggingConfig, env string) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer
	if cfg.Format == "json" || env == "production" {
		output = os.Stdout
	} else {
		// Pretty console output for development
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
			NoColor:    false,
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "castform").
		Logger()
}

// NewLogger creates a new logger with additional context
func NewLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// RequestLogger is a Gin middleware for structured request logging
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		requestID := c.GetString("request_id")

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		} else if c.Writer.Status() >= 400 {
			event = log.Warn()
		}

		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Int("body_size", c.Writer.Size()).
			Msg("HTTP request")
	}
}

// LogCallPlaced logs a successful outbound call placement
func LogCallPlaced(userID, agentID, callID string) {
	log.Info().
		Str("user_id", userID).
		Str("agent_id", agentID).
		Str("call_id", callID).
		Msg("Call placed")
}

// LogWebhookEvent logs a processed inbound webhook event
func LogWebhookEvent(source, eventType, outcome string) {
	log.Info().
		Str("source", source).
		Str("event_type", eventType).
		Str("outcome", outcome).
		Msg("Webhook event")
}

// LogWebhookDrop logs an event that referenced no local record. Dropped, not
// retried; the missing record cannot materialize on retry.
func LogWebhookDrop(source, eventType, externalRef string) {
	log.Warn().
		Str("source", source).
		Str("event_type", eventType).
		Str("external_ref", externalRef).
		Msg("Webhook event dropped: no matching local record")
}

// LogSettlement logs a usage settlement event
func LogSettlement(userID, invoiceID string, amountCents int64, callCount int) {
	log.Info().
		Str("user_id", userID).
		Str("invoice_id", invoiceID).
		Int64("amount_cents", amountCents).
		Int("call_count", callCount).
		Msg("Usage settled")
}

// LogError logs an error with context
func LogError(err error, requestID, component, operation string) {
	log.Error().
		Err(err).
		Str("request_id", requestID).
		Str("component", component).
		Str("operation", operation).
		Msg("Error occurred")
}
